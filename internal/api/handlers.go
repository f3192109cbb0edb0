package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/inbound"
	"github.com/BTreeMap/OutreachPipe/internal/messaging"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/persona"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/go-chi/chi/v5"
)

// Rate limit response headers.
const (
	HeaderRateLimit     = "X-RateLimit-Limit"
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
	HeaderRetryAfter    = "Retry-After"
)

const maxJSONBody = 64 << 10

// requireToken enforces the bearer token when one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.jobsToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.jobsToken)) != 1 {
			slog.Warn("Server.requireToken: unauthorized request", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.Error("Unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// smsWebhookHandler accepts inbound SMS. It answers 200 with empty TwiML no matter
// what happened, so the provider never retries on our errors.
func (s *Server) smsWebhookHandler(w http.ResponseWriter, r *http.Request) {
	defer writeTwiML(w)
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Server.smsWebhookHandler: panic while handling webhook", "panic", rec, "stack", string(debug.Stack()))
			s.deps.Metrics.InboundOutcome("panic")
		}
	}()
	s.handleSMSWebhook(w, r)
}

// handleSMSWebhook sets any rate-limit headers; the caller always answers with TwiML.
func (s *Server) handleSMSWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.smsWebhookHandler: failed to parse form", "error", err)
		return
	}
	if s.validator != nil && !s.validator.Validate(r) {
		slog.Warn("Server.smsWebhookHandler: invalid signature, ignoring", "remote_addr", r.RemoteAddr)
		s.deps.Metrics.InboundOutcome("invalid_signature")
		return
	}
	msg, err := messaging.ParseInbound(r)
	if err != nil {
		slog.Warn("Server.smsWebhookHandler: malformed webhook", "error", err)
		s.deps.Metrics.InboundOutcome("malformed")
		return
	}
	if s.deps.Inbound == nil {
		slog.Error("Server.smsWebhookHandler: no inbound handler configured")
		return
	}

	res, err := s.deps.Inbound.HandleInbound(r.Context(), msg)
	if err != nil {
		slog.Error("Server.smsWebhookHandler: inbound processing failed", "from", util.MaskPhone(msg.From),
			"sid", msg.ProviderMessageID, "error", err)
	} else {
		slog.Debug("Server.smsWebhookHandler: processed", "from", util.MaskPhone(msg.From), "outcome", res.Outcome)
	}
	if d := res.Decision; d != nil {
		w.Header().Set(HeaderRateLimit, strconv.Itoa(d.Limit))
		w.Header().Set(HeaderRateRemaining, strconv.Itoa(d.Remaining))
		w.Header().Set(HeaderRateReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
		if res.Outcome == inbound.OutcomeRateLimited {
			w.Header().Set(HeaderRetryAfter, strconv.Itoa(int(d.RetryAfter(s.now()).Seconds())))
		}
	}
}

func (s *Server) runJobHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	job, ok := s.deps.Jobs[name]
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown job: "+name))
		return
	}
	slog.Info("Server.runJobHandler: running job", "job", name)
	// The run outlives a disconnected caller so a job is never abandoned halfway.
	summary := job.Run(context.WithoutCancel(r.Context()))
	if summary.JobFailed() {
		writeJSONResponse(w, http.StatusInternalServerError, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(summary.JobError).
			WithResult(summary).
			Build())
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// approveRequest is the reviewer's decision. Both fields are optional.
type approveRequest struct {
	EditedMessage     *string    `json:"edited_message,omitempty"`
	ScheduledSendTime *time.Time `json:"scheduled_send_time,omitempty"`
}

func (s *Server) approveOutreachHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reviews == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Review store not configured"))
		return
	}
	id := chi.URLParam(r, "id")

	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.EditedMessage != nil && strings.TrimSpace(*req.EditedMessage) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("edited_message must not be empty"))
		return
	}

	msg, err := s.deps.Reviews.GetOutreachMessage(r.Context(), id)
	if err != nil {
		slog.Error("Server.approveOutreachHandler: lookup failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load outreach message"))
		return
	}
	if msg == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Outreach message not found"))
		return
	}

	sendAt := msg.ScheduledSendTime
	if req.ScheduledSendTime != nil {
		sendAt = *req.ScheduledSendTime
	}
	ok, err := s.deps.Reviews.ApproveOutreach(r.Context(), id, req.EditedMessage, sendAt, s.now())
	if err != nil {
		slog.Error("Server.approveOutreachHandler: approve failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to approve outreach message"))
		return
	}
	if !ok {
		writeJSONResponse(w, http.StatusConflict, models.Error("Outreach message is not pending review"))
		return
	}
	updated, err := s.deps.Reviews.GetOutreachMessage(r.Context(), id)
	if err != nil || updated == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Outreach message approved", nil))
		return
	}
	slog.Info("Server.approveOutreachHandler: approved", "id", id, "send_at", updated.ScheduledSendTime)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Outreach message approved", updated))
}

func (s *Server) rejectOutreachHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reviews == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Review store not configured"))
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.deps.Reviews.RejectOutreach(r.Context(), id, s.now())
	if err != nil {
		slog.Error("Server.rejectOutreachHandler: reject failed", "id", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to reject outreach message"))
		return
	}
	if !ok {
		msg, err := s.deps.Reviews.GetOutreachMessage(r.Context(), id)
		if err == nil && msg == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Outreach message not found"))
			return
		}
		writeJSONResponse(w, http.StatusConflict, models.Error("Outreach message is not pending review"))
		return
	}
	slog.Info("Server.rejectOutreachHandler: rejected", "id", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Outreach message rejected", nil))
}

func (s *Server) savePersonaHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Personas == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Persona store not configured"))
		return
	}
	var p models.Persona
	if err := decodeJSON(r, &p); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	p.Name = chi.URLParam(r, "name")
	if strings.TrimSpace(p.SystemPrompt) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("system_prompt is required"))
		return
	}
	p.ToneTags = persona.ValidateTags(p.ToneTags)

	if err := s.deps.Personas.SavePersona(r.Context(), p); err != nil {
		slog.Error("Server.savePersonaHandler: save failed", "name", p.Name, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save persona"))
		return
	}
	slog.Info("Server.savePersonaHandler: saved", "name", p.Name, "tone_tags", p.ToneTags)
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if s.deps.Health != nil {
		if err := s.deps.Health(ctx); err != nil {
			slog.Warn("Server.healthHandler: dependency check failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Backing services unavailable"
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}

// decodeJSON decodes a bounded request body. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
