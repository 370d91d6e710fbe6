package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/serverstore"
)

// maxSubmitBytes bounds a submit body: a base64 payload plus the envelope.
const maxSubmitBytes = models.MaxPayloadLength*4/3 + 64*1024

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var op models.Operation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes)).Decode(&op); err != nil {
		slog.Warn("Server.submitHandler: failed to decode JSON", "error", err)
		respondError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && key != op.IdempotencyKey {
		respondError(w, http.StatusUnprocessableEntity, "Idempotency-Key header does not match body")
		return
	}
	if err := op.Validate(); err != nil {
		s.reject(w, op, err)
		return
	}
	if s.validator != nil && op.Kind != models.OperationDelete {
		if err := s.validator.Validate(op.Payload); err != nil {
			s.reject(w, op, err)
			return
		}
	}

	ctx := r.Context()
	if s.cache != nil {
		ack, hit, err := s.cache.Lookup(ctx, op)
		if err != nil {
			slog.Warn("Server.submitHandler: cache lookup failed", "recordID", op.RecordID, "error", err)
		} else if hit {
			slog.Debug("Server.submitHandler: cached replay", "recordID", op.RecordID, "kind", op.Kind)
			respondAck(w, ack, true)
			return
		}
	}

	device := deviceFrom(ctx)
	res, err := s.repo.Apply(ctx, op, device)
	var (
		ce *serverstore.ConflictError
		ve *models.ValidationError
	)
	switch {
	case err == nil:
	case errors.As(err, &ce):
		slog.Info("Server.submitHandler: conflict", "recordID", op.RecordID, "kind", op.Kind,
			"base", op.BaseVersion, "current", ce.Current.Version)
		respondConflict(w, ce.Current)
		return
	case errors.As(err, &ve):
		s.reject(w, op, ve)
		return
	default:
		slog.Error("Server.submitHandler: apply failed", "recordID", op.RecordID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to apply operation")
		return
	}

	if s.cache != nil {
		if err := s.cache.Remember(ctx, op, res.Ack); err != nil {
			slog.Warn("Server.submitHandler: cache store failed", "recordID", op.RecordID, "error", err)
		}
	}
	if res.Changed {
		s.feed.publish(res.State)
	}
	slog.Info("Server.submitHandler: operation accepted", "recordID", op.RecordID, "kind", op.Kind,
		"version", res.Ack.Version, "replayed", res.Replayed, "deviceID", device)
	respondAck(w, res.Ack, res.Replayed)
}

func (s *Server) reject(w http.ResponseWriter, op models.Operation, err error) {
	reason := err.Error()
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		reason = ve.Reason
	}
	slog.Warn("Server.submitHandler: operation rejected", "recordID", op.RecordID, "reason", reason)
	respondError(w, http.StatusUnprocessableEntity, reason)
}

func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := r.PathValue("id")
	st, err := s.repo.Get(r.Context(), id)
	if errors.Is(err, serverstore.ErrNotFound) || (err == nil && st.Deleted) {
		respondError(w, http.StatusNotFound, "record not found")
		return
	}
	if err != nil {
		slog.Error("Server.recordHandler: get failed", "recordID", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load record")
		return
	}
	respond(w, http.StatusOK, models.Success(st))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	healthData := map[string]interface{}{
		"status":           "healthy",
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"feed_subscribers": s.FeedSubscribers(),
	}
	respond(w, http.StatusOK, models.Success(healthData))
}
