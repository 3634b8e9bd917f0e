package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alecgard/cohort/internal/identity"
	"github.com/alecgard/cohort/internal/metrics"
	"github.com/alecgard/cohort/internal/payment"
	"github.com/alecgard/cohort/internal/reconcile"
)

// IdentityVerifier authenticates identity-provider webhooks.
type IdentityVerifier interface {
	Verify(payload []byte, headers http.Header) error
}

// PaymentVerifier authenticates payment-provider webhooks and decodes the
// event.
type PaymentVerifier interface {
	ConstructEvent(payload []byte, sigHeader string) (payment.Event, error)
}

// EventPipeline applies verified provider events.
type EventPipeline interface {
	HandleIdentityEvent(ctx context.Context, ev identity.Event) (reconcile.Outcome, error)
	HandlePaymentEvent(ctx context.Context, ev payment.Event) (reconcile.Outcome, error)
}

type webhooksHandler struct {
	identity IdentityVerifier
	payments PaymentVerifier
	pipeline EventPipeline
	metrics  *metrics.Metrics
}

func newWebhooksHandler(iv IdentityVerifier, pv PaymentVerifier, p EventPipeline, m *metrics.Metrics) *webhooksHandler {
	return &webhooksHandler{identity: iv, payments: pv, pipeline: p, metrics: m}
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// readRawBody returns the exact request bytes; signatures are computed over
// them, so the body must not be decoded first.
func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body exceeds 1 MiB")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "could not read request body")
		return nil, false
	}
	return body, true
}

func (h *webhooksHandler) observe(source, eventType, outcome string, start time.Time) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(source, eventType, outcome, time.Since(start))
	}
}

// finish writes the delivery status. Only an error while applying the event
// yields a 5xx, which makes the provider redeliver.
func (h *webhooksHandler) finish(w http.ResponseWriter, source, eventType, eventID string, outcome reconcile.Outcome, err error, start time.Time) {
	if err != nil {
		slog.Error("webhook apply failed", "source", source, "event_type", eventType, "event_id", eventID, "error", err)
		h.observe(source, eventType, "error", start)
		writeError(w, http.StatusInternalServerError, "internal_error", "event could not be applied")
		return
	}
	if outcome == reconcile.OutcomeApplied {
		slog.Info("webhook applied", "source", source, "event_type", eventType, "event_id", eventID)
	}
	h.observe(source, eventType, string(outcome), start)
	writeJSON(w, http.StatusOK, webhookAck{Received: true, Outcome: string(outcome)})
}

// Identity handles POST /webhooks/identity (Svix-signed).
func (h *webhooksHandler) Identity(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readRawBody(w, r)
	if !ok {
		return
	}

	if err := h.identity.Verify(body, r.Header); err != nil {
		slog.Warn("identity webhook rejected", "error", err, "ip", r.RemoteAddr)
		h.observe("identity", "unknown", "rejected", start)
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	ev, err := identity.ParseEvent(body)
	if err != nil {
		h.observe("identity", "unknown", "rejected", start)
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	ev.ID = r.Header.Get("svix-id")

	outcome, err := h.pipeline.HandleIdentityEvent(r.Context(), ev)
	h.finish(w, "identity", ev.Type, ev.ID, outcome, err, start)
}

// Payments handles POST /webhooks/payments (Stripe-signed).
func (h *webhooksHandler) Payments(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	body, ok := readRawBody(w, r)
	if !ok {
		return
	}

	ev, err := h.payments.ConstructEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		slog.Warn("payment webhook rejected", "error", err, "ip", r.RemoteAddr)
		h.observe("payments", "unknown", "rejected", start)
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	outcome, err := h.pipeline.HandlePaymentEvent(r.Context(), ev)
	h.finish(w, "payments", ev.Type, ev.ID, outcome, err, start)
}
