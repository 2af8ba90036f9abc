package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/touristsafe/custody/internal/custody"
	"github.com/touristsafe/custody/internal/metrics"
	"github.com/touristsafe/custody/internal/policy"
)

// Handler exposes the custody service over HTTP.
type Handler struct {
	service *custody.Service
	logger  *logrus.Logger
	metrics *metrics.Metrics
	ready   []func(context.Context) error
}

// NewHandler creates a new API handler. The readiness checks gate /ready.
func NewHandler(service *custody.Service, logger *logrus.Logger, m *metrics.Metrics, readyChecks ...func(context.Context) error) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
		metrics: m,
		ready:   readyChecks,
	}
}

// RegisterRoutes registers all API routes. The auth middleware must already be
// installed on r or a parent router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/records", h.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/records/{id}", h.handleGetMetadata).Methods(http.MethodGet)
	r.HandleFunc("/v1/records/{id}", h.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/v1/records/{id}/payload", h.handleGetPayload).Methods(http.MethodGet)
	r.HandleFunc("/v1/records/{id}/decision", h.handleDecide).Methods(http.MethodPost)
	r.HandleFunc("/v1/records/{id}/grants", h.handleGrant).Methods(http.MethodPost)
	r.HandleFunc("/v1/records/{id}/grants", h.handleListGrants).Methods(http.MethodGet)
	r.HandleFunc("/v1/grants/{id}/revoke", h.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/v1/grants/{id}/key", h.handleResolveGranteeKey).Methods(http.MethodGet)
}

// RegisterHealthRoutes registers the unauthenticated probe endpoints.
func (h *Handler) RegisterHealthRoutes(r *mux.Router) {
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.ready...)).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
}

type submitRequest struct {
	SubjectRef string          `json:"subject_ref"`
	Payload    custody.Payload `json:"payload"`
}

type recordResponse struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	BlobID      string     `json:"blob_id"`
	WrapMethod  string     `json:"wrap_method"`
	Attestation string     `json:"attestation"`
	AnchorTxRef string     `json:"anchor_tx_ref,omitempty"`
	Reviewer    string     `json:"reviewer,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
}

func toRecordResponse(rec *custody.CustodyRecord) recordResponse {
	return recordResponse{
		ID:          rec.ID.String(),
		State:       string(rec.State),
		BlobID:      rec.BlobID,
		WrapMethod:  string(rec.WrapMeta.Method),
		Attestation: string(rec.Attestation),
		AnchorTxRef: rec.AnchorTxRef,
		Reviewer:    rec.Reviewer,
		SubmittedAt: rec.SubmittedAt,
		DecidedAt:   rec.DecidedAt,
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		h.writeError(w, r, custody.ErrForbidden, start)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, custody.ErrValidation, start)
		return
	}

	// Tourists may only submit for their own subject reference.
	if actor.Role != policy.RoleAdmin && actor.Role != policy.RoleVerifier {
		if custody.NormalizeSubjectRef(req.SubjectRef) != actor.SubjectRef {
			h.writeError(w, r, custody.ErrForbidden, start)
			return
		}
	}

	rec, err := h.service.Submit(r.Context(), req.SubjectRef, req.Payload)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	h.writeJSON(w, r, http.StatusCreated, toRecordResponse(rec), start)
}

func (h *Handler) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	rec, err := h.service.GetMetadata(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toRecordResponse(rec), start)
}

func (h *Handler) handleGetPayload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	payload, err := h.service.FetchPlaintext(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	h.writeJSON(w, r, http.StatusOK, payload, start)
}

type decideRequest struct {
	Approved bool   `json:"approved"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

func (h *Handler) handleDecide(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	var req decideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, custody.ErrValidation, start)
		return
	}

	rec, err := h.service.Decide(r.Context(), id, req.Approved, req.Reviewer, req.Note, actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	h.writeJSON(w, r, http.StatusOK, toRecordResponse(rec), start)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	if err := h.service.Delete(r.Context(), id, actor); err != nil {
		h.writeError(w, r, err, start)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.record(r, http.StatusNoContent, start)
}

type grantRequest struct {
	GranteeID        string `json:"grantee_id"`
	GranteePublicKey string `json:"grantee_public_key_pem"`
}

type grantResponse struct {
	ID              string    `json:"id"`
	CustodyRecordID string    `json:"custody_record_id"`
	GranteeID       string    `json:"grantee_id"`
	Revoked         bool      `json:"revoked"`
	CreatedAt       time.Time `json:"created_at"`
}

func toGrantResponse(g *custody.AccessGrant) grantResponse {
	return grantResponse{
		ID:              g.ID.String(),
		CustodyRecordID: g.CustodyRecordID.String(),
		GranteeID:       g.GranteeID,
		Revoked:         g.Revoked,
		CreatedAt:       g.CreatedAt,
	}
}

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, custody.ErrValidation, start)
		return
	}

	grant, err := h.service.Grant(r.Context(), id, req.GranteeID, []byte(req.GranteePublicKey), actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, toGrantResponse(grant), start)
}

func (h *Handler) handleListGrants(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	grants, err := h.service.ListGrants(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, toGrantResponse(g))
	}
	h.writeJSON(w, r, http.StatusOK, out, start)
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	if err := h.service.Revoke(r.Context(), id, actor); err != nil {
		h.writeError(w, r, err, start)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.record(r, http.StatusNoContent, start)
}

type granteeKeyResponse struct {
	WrappedKey []byte `json:"wrapped_key"`
	WrapMethod string `json:"wrap_method"`
	KeyID      string `json:"key_id"`
}

func (h *Handler) handleResolveGranteeKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	actor, id, err := h.actorAndID(r)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}

	wrapped, meta, err := h.service.ResolveGranteeKey(r.Context(), id, actor)
	if err != nil {
		h.writeError(w, r, err, start)
		return
	}
	h.writeJSON(w, r, http.StatusOK, granteeKeyResponse{
		WrappedKey: wrapped,
		WrapMethod: string(meta.Method),
		KeyID:      meta.KeyID,
	}, start)
}

// actorAndID extracts the authenticated actor and the {id} path variable.
func (h *Handler) actorAndID(r *http.Request) (policy.Actor, uuid.UUID, error) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		return policy.Actor{}, uuid.Nil, custody.ErrForbidden
	}
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return policy.Actor{}, uuid.Nil, custody.ErrValidation
	}
	return actor, id, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the custody error taxonomy onto stable HTTP codes. Integrity
// and unwrap failures are surfaced as an opaque internal error: whether the
// cause was a wrong key, corrupted ciphertext or missing configuration is an
// information-disclosure risk.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	var status int
	var message string

	switch {
	case errors.Is(err, custody.ErrValidation):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, custody.ErrForbidden):
		status, message = http.StatusForbidden, "forbidden"
	case errors.Is(err, custody.ErrNotFound):
		status, message = http.StatusNotFound, "not found"
	case errors.Is(err, custody.ErrInvalidStateTransition):
		status, message = http.StatusConflict, "record is not in review"
	case errors.Is(err, custody.ErrUnavailable):
		status, message = http.StatusServiceUnavailable, "temporarily unavailable"
	default:
		// Covers ErrIntegrity, ErrUnwrap, ErrUnsupportedMethod and anything
		// unexpected; detail is already logged where it happened.
		status, message = http.StatusInternalServerError, "internal error"
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message})
	h.record(r, status, start)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}, start time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("failed to write response")
	}
	h.record(r, status, start)
}

func (h *Handler) record(r *http.Request, status int, start time.Time) {
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, routePattern(r), status, time.Since(start))
	}
}

// routePattern returns the mux route template to keep metric label cardinality
// bounded (no raw record ids in labels).
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
