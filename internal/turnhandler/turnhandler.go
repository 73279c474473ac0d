// Package turnhandler orchestrates one HTTP request end to end:
// adapter-in -> SessionManager -> Session.Exchange -> adapter-out. A
// context-with-timeout wraps the single blocking call to Exchange, racing
// the result against ctx.Done(), with a canned-answer short-circuit
// (runmode.Fixed) available for load testing without a live peer.
package turnhandler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ikermy/rendezvous-proxy/internal/adapter"
	"github.com/ikermy/rendezvous-proxy/internal/conf"
	"github.com/ikermy/rendezvous-proxy/internal/envelope"
	"github.com/ikermy/rendezvous-proxy/internal/obslog"
	"github.com/ikermy/rendezvous-proxy/internal/runmode"
	"github.com/ikermy/rendezvous-proxy/internal/session"
	"github.com/ikermy/rendezvous-proxy/internal/sessionmgr"
)

// Handler wires the SessionManager and adapter registry into one
// net/http.Handler per wire format.
type Handler struct {
	Manager *sessionmgr.Manager
	Cfg     conf.SessionConfig
	Metrics MetricsSink
}

// MetricsSink is the minimal observer the turn handler reports into;
// internal/metrics implements it. Kept as an interface so the handler
// doesn't need to know about atomic counters directly.
type MetricsSink interface {
	ObserveTurn()
	ObserveTimeout(kind string)
	ObserveError(kind string)
}

// noopMetrics is used when no sink is configured.
type noopMetrics struct{}

func (noopMetrics) ObserveTurn()          {}
func (noopMetrics) ObserveTimeout(string) {}
func (noopMetrics) ObserveError(string)   {}

// ForFormat returns an http.HandlerFunc bound to one wire format.
func (h *Handler) ForFormat(format adapter.WireFormat) http.HandlerFunc {
	a, ok := adapter.For(format)
	if !ok {
		panic(fmt.Sprintf("turnhandler: unknown wire format %q", format))
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h.serve(w, r, a)
	}
}

func (h *Handler) metrics() MetricsSink {
	if h.Metrics == nil {
		return noopMetrics{}
	}
	return h.Metrics
}

// serve runs one request through decode, session exchange, and encode.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, a adapter.Adapter) {
	correlationID := r.Header.Get("X-Request-Id")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", correlationID)

	// A panic in one request must not take down other sessions; its own
	// caller sees internal.
	defer func() {
		if rec := recover(); rec != nil {
			obslog.Error("panic serving request: %v", rec, obslog.ReqID(correlationID))
			h.fail(w, a, envelope.New(envelope.KindInternal, "panic", "internal server error"), correlationID)
		}
	}()

	maxBytes := h.Cfg.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = runmode.DefaultMaxPayloadBytes
	}

	limited := http.MaxBytesReader(w, r.Body, int64(maxBytes))
	raw, err := io.ReadAll(limited)
	if err != nil {
		h.fail(w, a, envelope.New(envelope.KindPayloadTooLarge, "body_too_large", "request body exceeds %d bytes", maxBytes), correlationID)
		return
	}

	req, decErr := a.Decode(raw)
	if decErr != nil {
		h.fail(w, a, decErr, correlationID)
		return
	}

	if req.SessionID == "" {
		h.fail(w, a, envelope.New(envelope.KindInvalidRequest, "empty_session_id", "session id must not be empty"), correlationID)
		return
	}
	if req.Utterance == "" {
		h.fail(w, a, envelope.New(envelope.KindInvalidRequest, "empty_utterance", "utterance must not be empty"), correlationID)
		return
	}

	if runmode.Fixed {
		resp := envelope.Response{Utterance: "echo: " + req.Utterance, FinishReason: "stop"}
		h.respond(w, a, req, resp)
		return
	}

	sess, mgrErr := h.Manager.GetOrCreate(req.SessionID)
	if mgrErr != nil {
		h.metrics().ObserveError(mgrErr.Kind.String())
		h.fail(w, a, mgrErr, correlationID)
		return
	}

	budget := h.turnBudget()
	if sess.State() != session.Active {
		budget = h.handshakeBudget()
	}

	ctx, cancel := context.WithTimeout(r.Context(), budget)
	defer cancel()

	respUtterance, exErr := sess.Exchange(ctx, req.Utterance)
	if exErr != nil {
		h.metrics().ObserveError(exErr.Kind.String())
		if exErr.Kind == envelope.KindTimeout {
			h.metrics().ObserveTimeout(exErr.Code)
		}
		obslog.Warn("exchange failed for session %s: %s", req.SessionID, exErr.Message, obslog.ReqID(correlationID))
		h.fail(w, a, exErr, correlationID)
		return
	}

	h.metrics().ObserveTurn()
	h.respond(w, a, req, envelope.Response{Utterance: respUtterance, FinishReason: "stop"})
}

func (h *Handler) respond(w http.ResponseWriter, a adapter.Adapter, req envelope.Request, resp envelope.Response) {
	if req.Stream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			a.EncodeResponse(w, req.SessionID, resp)
			return
		}
		a.EncodeStream(w, flusher, req.SessionID, resp)
		return
	}
	a.EncodeResponse(w, req.SessionID, resp)
}

func (h *Handler) fail(w http.ResponseWriter, a adapter.Adapter, err *envelope.Error, correlationID string) {
	err.CorrelationID = correlationID
	if err.Kind == envelope.KindInternal {
		obslog.Error("internal error: %s", err.Message, obslog.ReqID(correlationID))
	}
	a.EncodeError(w, err)
}

func (h *Handler) handshakeBudget() time.Duration {
	if h.Cfg.HandshakeTimeoutSeconds <= 0 {
		return runmode.DefaultHandshakeTimeout
	}
	return time.Duration(h.Cfg.HandshakeTimeoutSeconds) * time.Second
}

func (h *Handler) turnBudget() time.Duration {
	if h.Cfg.TurnTimeoutSeconds <= 0 {
		return runmode.DefaultTurnTimeout
	}
	return time.Duration(h.Cfg.TurnTimeoutSeconds) * time.Second
}
