package gis

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/paulmach/orb"

	"github.com/forestwatch-vn/forestwatch/pkg/audit"
	"github.com/forestwatch-vn/forestwatch/pkg/gate"
	"github.com/forestwatch-vn/forestwatch/pkg/httputil"
	"github.com/forestwatch-vn/forestwatch/pkg/identity"
	"github.com/forestwatch-vn/forestwatch/pkg/observability"
	"github.com/forestwatch-vn/forestwatch/pkg/rbac"
)

// QueryGate is the authorization surface the handlers need. Satisfied by
// *gate.Gate.
type QueryGate interface {
	AuthorizeAndScope(ctx context.Context, ident *identity.Identity, req gate.Requirement) (gate.Decision, error)
	AuthorizeRecord(ctx context.Context, ident *identity.Identity, req gate.Requirement, centroid orb.Point) (gate.Decision, error)
}

// Handlers serves the forest-loss feature endpoints.
type Handlers struct {
	store   *FeatureStore
	gate    QueryGate
	auditor audit.Logger
	logger  *observability.Logger
}

// NewHandlers creates the feature handlers.
func NewHandlers(store *FeatureStore, g QueryGate, auditor audit.Logger, logger *observability.Logger) *Handlers {
	return &Handlers{store: store, gate: g, auditor: auditor, logger: logger}
}

// RegisterRoutes registers the feature routes on r, expected to be the
// /api/v1 subrouter behind the identity middleware.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/matrung", h.listFeatures).Methods("GET")
	r.HandleFunc("/matrung/export", h.exportFeatures).Methods("GET")
	r.HandleFunc("/matrung/{gid}", h.getFeature).Methods("GET")
	r.HandleFunc("/matrung/{gid}/verify", h.verifyFeature).Methods("POST")
	r.HandleFunc("/reports/summary", h.summary).Methods("GET")
	r.HandleFunc("/catalog/communes", h.listCommunes).Methods("GET")
}

// listFeatures handles GET /api/v1/matrung
func (h *Handlers) listFeatures(w http.ResponseWriter, r *http.Request) {
	decision, err := h.gate.AuthorizeAndScope(r.Context(), identity.FromContext(r.Context()), gate.Require("gis.matrung.view"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	features, err := h.store.List(r.Context(), decision.Predicate, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if decision.Predicate.Empty {
		// Successful-but-empty: the user has no area assignment, which is
		// not an error and must not leak whether data exists.
		httputil.WriteSuccessMessage(w, "no data in your assigned area; contact an administrator for area assignment", map[string]interface{}{
			"features": features,
			"count":    0,
		})
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"features": features,
		"count":    len(features),
	})
}

// getFeature handles GET /api/v1/matrung/{gid}
func (h *Handlers) getFeature(w http.ResponseWriter, r *http.Request) {
	gid, err := httputil.ParsePathInt64(r, "gid")
	if err != nil {
		httputil.WriteValidationError(w, "invalid feature id")
		return
	}

	// Permission first, fetch second: an unauthorized caller must not
	// learn from the status code whether a gid exists.
	ident := identity.FromContext(r.Context())
	if _, err := h.gate.AuthorizeAndScope(r.Context(), ident, gate.Require("gis.matrung.view")); err != nil {
		h.writeError(w, err)
		return
	}

	feature, err := h.store.Get(r.Context(), gid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Single-record reads use the same in-scope re-check as writes so a
	// guessed gid outside the caller's scope stays invisible.
	if _, err := h.gate.AuthorizeRecord(r.Context(), ident, gate.Require("gis.matrung.view"), feature.Centroid()); err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, feature)
}

type verifyRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

// verifyFeature handles POST /api/v1/matrung/{gid}/verify
func (h *Handlers) verifyFeature(w http.ResponseWriter, r *http.Request) {
	gid, err := httputil.ParsePathInt64(r, "gid")
	if err != nil {
		httputil.WriteValidationError(w, "invalid feature id")
		return
	}

	var req verifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !ValidStatus(req.Status) {
		httputil.WriteValidationError(w, "status must be one of pending, confirmed, rejected")
		return
	}

	ident := identity.FromContext(r.Context())
	if _, err := h.gate.AuthorizeAndScope(r.Context(), ident, gate.Require("gis.verification.verify")); err != nil {
		h.writeError(w, err)
		return
	}

	feature, err := h.store.Get(r.Context(), gid)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if _, err := h.gate.AuthorizeRecord(r.Context(), ident, gate.Require("gis.verification.verify"), feature.Centroid()); err != nil {
		h.writeError(w, err)
		return
	}

	verifier := ""
	if ident != nil {
		verifier = ident.Username
	}
	if err := h.store.Verify(r.Context(), gid, req.Status, req.Note, verifier); err != nil {
		h.writeError(w, err)
		return
	}

	h.audit(r, "feature.verify", "mat_rung", strconv.FormatInt(gid, 10),
		fmt.Sprintf("status=%s", req.Status))
	httputil.WriteSuccessMessage(w, "feature verified", map[string]interface{}{
		"gid":    gid,
		"status": req.Status,
	})
}

// exportFeatures handles GET /api/v1/matrung/export
func (h *Handlers) exportFeatures(w http.ResponseWriter, r *http.Request) {
	decision, err := h.gate.AuthorizeAndScope(r.Context(), identity.FromContext(r.Context()), gate.Require("gis.matrung.export"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	filter.Limit = maxListLimit

	features, err := h.store.List(r.Context(), decision.Predicate, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="matrung.csv"`)

	cw := csv.NewWriter(w)
	cw.Write([]string{"gid", "area_ha", "detected_from", "detected_to", "huyen", "xa", "tieukhu", "khoanh", "status"})
	for _, f := range features {
		cw.Write([]string{
			strconv.FormatInt(f.Gid, 10),
			strconv.FormatFloat(f.AreaHa, 'f', 4, 64),
			f.DetectedFrom.Format("2006-01-02"),
			f.DetectedTo.Format("2006-01-02"),
			f.Huyen, f.Xa, f.TieuKhu, f.Khoanh, f.Status,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.WithError(err).Error("csv export write failed")
	}

	h.audit(r, "feature.export", "mat_rung", "", fmt.Sprintf("rows=%d", len(features)))
}

// summary handles GET /api/v1/reports/summary
func (h *Handlers) summary(w http.ResponseWriter, r *http.Request) {
	decision, err := h.gate.AuthorizeAndScope(r.Context(), identity.FromContext(r.Context()), gate.Require("report.summary.view"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	summary, err := h.store.Summary(r.Context(), decision.Predicate, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"summary": summary})
}

// listCommunes handles GET /api/v1/catalog/communes
func (h *Handlers) listCommunes(w http.ResponseWriter, r *http.Request) {
	decision, err := h.gate.AuthorizeAndScope(r.Context(), identity.FromContext(r.Context()), gate.Require("catalog.dropdown.view"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	communes, err := h.store.Communes(r.Context(), decision.Predicate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"communes": communes})
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	var filter ListFilter
	q := r.URL.Query()

	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, fmt.Errorf("invalid from date %q, expected YYYY-MM-DD", v)
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, fmt.Errorf("invalid to date %q, expected YYYY-MM-DD", v)
		}
		filter.To = &t
	}
	if v := q.Get("status"); v != "" {
		if !ValidStatus(v) {
			return filter, fmt.Errorf("unknown status %q", v)
		}
		filter.Status = v
	}
	filter.Xa = q.Get("xa")

	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		return filter, err
	}
	filter.Limit = limit

	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		return filter, err
	}
	filter.Offset = offset

	return filter, nil
}

func (h *Handlers) audit(r *http.Request, action, entity, entityID, detail string) {
	if h.auditor == nil {
		return
	}
	event := &audit.Event{Action: action, Entity: entity, EntityID: entityID, Detail: detail}
	if ident := identity.FromContext(r.Context()); ident != nil {
		event.ActorID = ident.UserID
		event.ActorName = ident.Username
	}
	if err := h.auditor.Log(r.Context(), event); err != nil {
		h.logger.WithError(err).Warn("failed to record audit event")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := rbac.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteErrorMessage(w, status, err.Error())
}
