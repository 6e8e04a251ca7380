package scope

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"golang.org/x/sync/errgroup"

	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
)

// BoundaryLookup resolves feature placement against the administrative
// boundary layers.
type BoundaryLookup interface {
	// ResolveAttribution places each centroid in the boundary hierarchy.
	// The result slice is positionally aligned with points; centroids
	// outside every boundary come back with Resolved false.
	ResolveAttribution(ctx context.Context, points []orb.Point) ([]Attribution, error)

	// UnionGeometry returns the union of the boundary geometries matching
	// the given codes at the given level, or nil when nothing matches.
	UnionGeometry(ctx context.Context, level rbac.ScopeLevel, codes []string) (orb.MultiPolygon, error)
}

// attributionConcurrency bounds parallel point-in-polygon queries per
// batch so one large alert batch cannot drain the pool.
const attributionConcurrency = 8

// PostgresBoundaryStore implements BoundaryLookup over the PostGIS
// boundary database. Sub-compartment boundaries live in boundary_tieukhu,
// commune boundaries in boundary_xa, both in EPSG:4326.
type PostgresBoundaryStore struct {
	db      *sql.DB
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPostgresBoundaryStore creates a boundary store. timeout caps every
// spatial query; an expired timeout fails the lookup rather than widening
// the result.
func NewPostgresBoundaryStore(db *sql.DB, timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *PostgresBoundaryStore {
	return &PostgresBoundaryStore{db: db, timeout: timeout, logger: logger, metrics: metrics}
}

// ResolveAttribution resolves each centroid against the sub-compartment
// layer first, falling back to the commune layer for centroids that miss
// it (the sub-compartment layer has gaps along watercourses).
func (s *PostgresBoundaryStore) ResolveAttribution(ctx context.Context, points []orb.Point) ([]Attribution, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make([]Attribution, len(points))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(attributionConcurrency)

	for i, point := range points {
		i, point := i, point
		g.Go(func() error {
			attr, err := s.resolveOne(ctx, point)
			if err != nil {
				return err
			}
			results[i] = attr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("attribution lookup failed: %w", err)
	}
	return results, nil
}

func (s *PostgresBoundaryStore) resolveOne(ctx context.Context, point orb.Point) (Attribution, error) {
	start := time.Now()
	var attr Attribution
	err := s.db.QueryRowContext(ctx, `
		SELECT huyen, xa, tieukhu, khoanh
		FROM boundary_tieukhu
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		LIMIT 1
	`, point[0], point[1]).Scan(&attr.Huyen, &attr.Xa, &attr.TieuKhu, &attr.Khoanh)
	if err == nil {
		attr.Resolved = true
		s.observe("tieukhu", "hit", start)
		return attr, nil
	}
	if err != sql.ErrNoRows {
		s.observe("tieukhu", "error", start)
		return Attribution{}, err
	}

	start = time.Now()
	err = s.db.QueryRowContext(ctx, `
		SELECT huyen, xa
		FROM boundary_xa
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		LIMIT 1
	`, point[0], point[1]).Scan(&attr.Huyen, &attr.Xa)
	if err == sql.ErrNoRows {
		s.observe("xa", "miss", start)
		return Attribution{}, nil
	}
	if err != nil {
		s.observe("xa", "error", start)
		return Attribution{}, err
	}
	attr.Resolved = true
	s.observe("xa", "hit", start)
	return attr, nil
}

// UnionGeometry unions the boundary polygons for the given codes. Levels
// at sub-compartment granularity and below use the sub-compartment layer;
// broader levels use the commune layer.
func (s *PostgresBoundaryStore) UnionGeometry(ctx context.Context, level rbac.ScopeLevel, codes []string) (orb.MultiPolygon, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	table, column, err := boundarySource(level)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	query := fmt.Sprintf(
		`SELECT ST_AsBinary(ST_Union(geom)) FROM %s WHERE %s = ANY($1)`,
		table, column,
	)

	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, pq.Array(codes)).Scan(&raw); err != nil {
		s.observe(string(level), "error", start)
		return nil, fmt.Errorf("union geometry lookup failed: %w", err)
	}
	if raw == nil {
		s.observe(string(level), "miss", start)
		return nil, nil
	}

	geom, err := wkb.Unmarshal(raw)
	if err != nil {
		s.observe(string(level), "error", start)
		return nil, fmt.Errorf("failed to decode union geometry: %w", err)
	}
	s.observe(string(level), "hit", start)
	return asMultiPolygon(geom)
}

func boundarySource(level rbac.ScopeLevel) (table, column string, err error) {
	switch level {
	case rbac.LevelTinh:
		// Province-wide grants bypass filtering upstream; reaching here
		// means the grant list was mixed, so union every commune.
		return "boundary_xa", "tinh", nil
	case rbac.LevelHuyen:
		return "boundary_xa", "huyen", nil
	case rbac.LevelXa:
		return "boundary_xa", "xa", nil
	case rbac.LevelTieuKhu:
		return "boundary_tieukhu", "tieukhu", nil
	case rbac.LevelKhoanh:
		return "boundary_tieukhu", "khoanh", nil
	default:
		return "", "", fmt.Errorf("unknown scope level %q", level)
	}
}

func (s *PostgresBoundaryStore) observe(granularity, result string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.SpatialLookupsTotal.WithLabelValues(granularity, result).Inc()
	s.metrics.SpatialLookupDuration.WithLabelValues(granularity).Observe(time.Since(start).Seconds())
}
