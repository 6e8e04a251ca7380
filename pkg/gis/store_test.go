package gis

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

func newMockStore(t *testing.T) (*FeatureStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return NewFeatureStore(db, logger), mock
}

func featureRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"gid", "geom", "area_ha", "detected_from", "detected_to",
		"huyen", "xa", "tieukhu", "khoanh", "status",
		"verified_by", "verified_at", "verify_note",
	})
}

func encodedSquare(t *testing.T) []byte {
	t.Helper()
	raw, err := wkb.Marshal(orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}})
	require.NoError(t, err)
	return raw
}

func strPtr(s string) *string { return &s }

func TestListEmptyPredicateSkipsQuery(t *testing.T) {
	store, mock := newMockStore(t)

	features, err := store.List(context.Background(), scope.Predicate{Empty: true}, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, features)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAttributePredicateShapesQuery(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery(`FROM mat_rung\s+WHERE xa = \$1 AND tieukhu = \$2\s+ORDER BY`).
		WithArgs("04975", "675", defaultListLimit, 0).
		WillReturnRows(featureRows().AddRow(
			int64(9), encodedSquare(t), 1.25, now, now,
			"Sông Mã", "04975", "675", "4", StatusPending, nil, nil, nil))

	pred := scope.Predicate{Attributes: &scope.AttributeScope{Xa: strPtr("04975"), TieuKhu: strPtr("675")}}
	features, err := store.List(context.Background(), pred, ListFilter{})
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, int64(9), features[0].Gid)
	assert.Equal(t, "04975", features[0].Xa)
	require.NotNil(t, features[0].Geometry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListGeometryPredicateUsesSpatialIntersection(t *testing.T) {
	store, mock := newMockStore(t)

	pred := scope.Predicate{Geometry: orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}}}
	raw, err := wkb.Marshal(pred.Geometry)
	require.NoError(t, err)

	mock.ExpectQuery(`WHERE ST_Intersects\(geom, ST_GeomFromWKB\(\$1, 4326\)\)`).
		WithArgs(raw, defaultListLimit, 0).
		WillReturnRows(featureRows())

	features, err := store.List(context.Background(), pred, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, features)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListFilterNarrowsWithinPredicate(t *testing.T) {
	store, mock := newMockStore(t)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE xa = \$1 AND detected_to >= \$2 AND status = \$3`).
		WithArgs("04975", from, StatusPending, 10, 20).
		WillReturnRows(featureRows())

	pred := scope.Predicate{Attributes: &scope.AttributeScope{Xa: strPtr("04975")}}
	_, err := store.List(context.Background(), pred, ListFilter{
		From: &from, Status: StatusPending, Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCapsLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM mat_rung`).
		WithArgs(maxListLimit, 0).
		WillReturnRows(featureRows())

	_, err := store.List(context.Background(), scope.Predicate{}, ListFilter{Limit: 50000})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownFeature(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM mat_rung WHERE gid = \$1`).
		WithArgs(int64(404)).
		WillReturnRows(featureRows())

	_, err := store.Get(context.Background(), 404)
	var notFound *rbac.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestVerifyUpdatesRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE mat_rung`).
		WithArgs(StatusConfirmed, "site visit", "ranger1", sqlmock.AnyArg(), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Verify(context.Background(), 9, StatusConfirmed, "site visit", "ranger1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyUnknownStatus(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.Verify(context.Background(), 9, "bogus", "", "ranger1")
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestVerifyMissingFeature(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE mat_rung`).
		WithArgs(StatusRejected, "", "ranger1", sqlmock.AnyArg(), int64(404)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Verify(context.Background(), 404, StatusRejected, "", "ranger1")
	var notFound *rbac.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSummaryEmptyPredicateSkipsQuery(t *testing.T) {
	store, mock := newMockStore(t)

	summary, err := store.Summary(context.Background(), scope.Predicate{Empty: true}, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryGroupsByCommune(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT xa, COUNT\(\*\), COALESCE\(SUM\(area_ha\), 0\)\s+FROM mat_rung\s+WHERE xa = \$1`).
		WithArgs("04975").
		WillReturnRows(sqlmock.NewRows([]string{"xa", "count", "total"}).
			AddRow("04975", 3, 4.5))

	pred := scope.Predicate{Attributes: &scope.AttributeScope{Xa: strPtr("04975")}}
	summary, err := store.Summary(context.Background(), pred, ListFilter{})
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, 3, summary[0].Count)
	assert.InDelta(t, 4.5, summary[0].TotalAreaHa, 1e-9)
}

func TestCommunesScopedByAttribute(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT DISTINCT xa, ten_xa FROM boundary_xa WHERE xa = \$1`).
		WithArgs("04975").
		WillReturnRows(sqlmock.NewRows([]string{"xa", "ten_xa"}).
			AddRow("04975", "Chiềng Khoong"))

	pred := scope.Predicate{Attributes: &scope.AttributeScope{Xa: strPtr("04975")}}
	communes, err := store.Communes(context.Background(), pred)
	require.NoError(t, err)
	require.Len(t, communes, 1)
	assert.Equal(t, "Chiềng Khoong", communes[0].Name)
}

func TestCommunesEmptyPredicate(t *testing.T) {
	store, mock := newMockStore(t)

	communes, err := store.Communes(context.Background(), scope.Predicate{Empty: true})
	require.NoError(t, err)
	assert.Empty(t, communes)
	assert.NoError(t, mock.ExpectationsWereMet())
}
