// Package gis serves forest-loss detection records. The store never runs a
// query without a scope predicate from the gate: the predicate either
// short-circuits to zero rows, constrains by attribution equality, by a
// spatial intersection with the caller's granted boundaries, or both.
package gis

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/scope"
)

// Verification states of a forest-loss detection.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusRejected  = "rejected"
)

// ValidStatus reports whether s is a known verification state.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusRejected:
		return true
	}
	return false
}

// Feature is one forest-loss detection from the mat_rung layer. The
// administrative attribution columns are maintained by the ingest pipeline
// from centroid containment lookups; they are read here, never written.
type Feature struct {
	Gid          int64        `json:"gid"`
	Geometry     orb.Geometry `json:"-"`
	AreaHa       float64      `json:"area_ha"`
	DetectedFrom time.Time    `json:"detected_from"`
	DetectedTo   time.Time    `json:"detected_to"`
	Huyen        string       `json:"huyen"`
	Xa           string       `json:"xa"`
	TieuKhu      string       `json:"tieukhu"`
	Khoanh       string       `json:"khoanh"`
	Status       string       `json:"status"`
	VerifiedBy   *string      `json:"verified_by,omitempty"`
	VerifiedAt   *time.Time   `json:"verified_at,omitempty"`
	VerifyNote   *string      `json:"verify_note,omitempty"`
}

// Centroid returns the representative point used for scope re-checks.
func (f *Feature) Centroid() orb.Point {
	return scope.Centroid(f.Geometry)
}

// ListFilter narrows a feature listing beyond the scope predicate.
type ListFilter struct {
	From   *time.Time
	To     *time.Time
	Status string
	Xa     string
	Limit  int
	Offset int
}

// SummaryRow aggregates detections for one commune.
type SummaryRow struct {
	Xa          string  `json:"xa"`
	Count       int     `json:"count"`
	TotalAreaHa float64 `json:"total_area_ha"`
}

// Commune is a dropdown entry from the commune boundary layer.
type Commune struct {
	Code string `json:"code"`
	Name string `json:"name"`
}
