package gis

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/wkb"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

const defaultListLimit = 200
const maxListLimit = 1000

// FeatureStore reads and verifies forest-loss records on the boundary/GIS
// database. Every read takes a scope predicate; there is no unscoped List.
type FeatureStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewFeatureStore creates a feature store.
func NewFeatureStore(db *sql.DB, logger *observability.Logger) *FeatureStore {
	return &FeatureStore{db: db, logger: logger}
}

const featureColumns = `gid, ST_AsBinary(geom), area_ha, detected_from, detected_to,
	huyen, xa, tieukhu, khoanh, status, verified_by, verified_at, verify_note`

// List returns the features visible under pred, narrowed by filter.
func (s *FeatureStore) List(ctx context.Context, pred scope.Predicate, filter ListFilter) ([]*Feature, error) {
	if pred.Empty {
		return []*Feature{}, nil
	}

	where, args := buildWhere(pred, filter)

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit, filter.Offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM mat_rung
		%s
		ORDER BY detected_to DESC, gid DESC
		LIMIT $%d OFFSET $%d`,
		featureColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer rows.Close()

	features := []*Feature{}
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// Get returns one feature by gid. Get is unscoped on purpose: callers pass
// the result's centroid through the gate's record re-check before acting.
func (s *FeatureStore) Get(ctx context.Context, gid int64) (*Feature, error) {
	query := fmt.Sprintf("SELECT %s FROM mat_rung WHERE gid = $1", featureColumns)
	f, err := scanFeature(s.db.QueryRowContext(ctx, query, gid))
	if err == sql.ErrNoRows {
		return nil, rbac.NewNotFoundError("feature", fmt.Sprintf("%d", gid))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feature %d: %w", gid, err)
	}
	return f, nil
}

// Verify records the verification decision for a feature.
func (s *FeatureStore) Verify(ctx context.Context, gid int64, status, note, verifiedBy string) error {
	if !ValidStatus(status) {
		return rbac.NewValidationError("status", "must be one of pending, confirmed, rejected")
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE mat_rung
		SET status = $1, verify_note = $2, verified_by = $3, verified_at = $4
		WHERE gid = $5`,
		status, note, verifiedBy, time.Now(), gid)
	if err != nil {
		return fmt.Errorf("failed to verify feature %d: %w", gid, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return rbac.NewNotFoundError("feature", fmt.Sprintf("%d", gid))
	}
	return nil
}

// Summary aggregates visible detections per commune.
func (s *FeatureStore) Summary(ctx context.Context, pred scope.Predicate, filter ListFilter) ([]SummaryRow, error) {
	if pred.Empty {
		return []SummaryRow{}, nil
	}

	where, args := buildWhere(pred, filter)
	query := fmt.Sprintf(`
		SELECT xa, COUNT(*), COALESCE(SUM(area_ha), 0)
		FROM mat_rung
		%s
		GROUP BY xa
		ORDER BY xa`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize features: %w", err)
	}
	defer rows.Close()

	summary := []SummaryRow{}
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(&row.Xa, &row.Count, &row.TotalAreaHa); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary = append(summary, row)
	}
	return summary, rows.Err()
}

// Communes lists the commune dropdown entries visible under pred.
func (s *FeatureStore) Communes(ctx context.Context, pred scope.Predicate) ([]Commune, error) {
	if pred.Empty {
		return []Commune{}, nil
	}

	conditions := []string{}
	args := []interface{}{}
	if pred.Attributes != nil && pred.Attributes.Xa != nil {
		args = append(args, *pred.Attributes.Xa)
		conditions = append(conditions, fmt.Sprintf("xa = $%d", len(args)))
	}
	if pred.Geometry != nil {
		raw, err := wkb.Marshal(pred.Geometry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode scope geometry: %w", err)
		}
		args = append(args, raw)
		conditions = append(conditions, fmt.Sprintf("ST_Intersects(geom, ST_GeomFromWKB($%d, 4326))", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	query := fmt.Sprintf("SELECT DISTINCT xa, ten_xa FROM boundary_xa %s ORDER BY xa", where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list communes: %w", err)
	}
	defer rows.Close()

	communes := []Commune{}
	for rows.Next() {
		var c Commune
		if err := rows.Scan(&c.Code, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan commune: %w", err)
		}
		communes = append(communes, c)
	}
	return communes, rows.Err()
}

// buildWhere turns a non-empty predicate plus the request filter into a
// WHERE clause. Attribute and geometry constraints are conjunctive.
func buildWhere(pred scope.Predicate, filter ListFilter) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}

	add := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if pred.Attributes != nil {
		if pred.Attributes.Xa != nil {
			add("xa = $%d", *pred.Attributes.Xa)
		}
		if pred.Attributes.TieuKhu != nil {
			add("tieukhu = $%d", *pred.Attributes.TieuKhu)
		}
		if pred.Attributes.Khoanh != nil {
			add("khoanh = $%d", *pred.Attributes.Khoanh)
		}
	}
	if pred.Geometry != nil {
		if raw, err := wkb.Marshal(pred.Geometry); err == nil {
			add("ST_Intersects(geom, ST_GeomFromWKB($%d, 4326))", raw)
		} else {
			// A predicate that cannot be encoded must not widen the
			// query. FALSE keeps the result empty.
			conditions = append(conditions, "FALSE")
		}
	}

	if filter.From != nil {
		add("detected_to >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("detected_from <= $%d", *filter.To)
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Xa != "" {
		add("xa = $%d", filter.Xa)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFeature(row rowScanner) (*Feature, error) {
	var f Feature
	var raw []byte
	err := row.Scan(&f.Gid, &raw, &f.AreaHa, &f.DetectedFrom, &f.DetectedTo,
		&f.Huyen, &f.Xa, &f.TieuKhu, &f.Khoanh, &f.Status,
		&f.VerifiedBy, &f.VerifiedAt, &f.VerifyNote)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan feature: %w", err)
	}
	if len(raw) > 0 {
		geom, err := wkb.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode feature %d geometry: %w", f.Gid, err)
		}
		f.Geometry = geom
	}
	return &f, nil
}
