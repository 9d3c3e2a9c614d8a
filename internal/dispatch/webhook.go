// ABOUTME: HTTP entry point: verify, decode, acknowledge, then process in the background
// ABOUTME: Status codes depend on whether the backend retries failed deliveries

package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/2389/coven-chat/internal/chat"
)

// MaxWebhookBody caps request bodies.
const MaxWebhookBody = 5 << 20

// WebhookOptions customize one ServeWebhook call.
type WebhookOptions struct {
	// WaitUntil receives a channel that is closed when background processing
	// of this request has finished. Hosts that freeze after the response is
	// written use it to stay alive.
	WaitUntil func(done <-chan struct{})
}

// ServeWebhook handles one webhook request for platform. Verification runs
// before anything is read from state. Events are acknowledged with 200 and
// processed after the response is written.
func (d *Dispatcher) ServeWebhook(w http.ResponseWriter, r *http.Request, platform string, opts WebhookOptions) {
	status := d.serveWebhook(w, r, platform, opts)
	d.obs.WebhookHandled(platform, status)
}

func (d *Dispatcher) serveWebhook(w http.ResponseWriter, r *http.Request, platform string, opts WebhookOptions) int {
	log := d.logger.With("platform", platform)

	adapter, ok := d.Adapter(platform)
	if !ok {
		http.Error(w, "unknown platform", http.StatusNotFound)
		return http.StatusNotFound
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBody))
	if err != nil {
		log.Warn("failed to read webhook body", "error", err)
		d.obs.EventDropped(platform, DropBadRequest)
		http.Error(w, "bad request", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	if err := adapter.Verify(r, body); err != nil {
		log.Warn("webhook verification failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return http.StatusUnauthorized
	}

	in, err := adapter.Decode(r.Context(), r.Header, body)
	if err != nil {
		if errors.Is(err, chat.ErrDecode) {
			d.obs.EventDropped(platform, DropDecode)
			if adapter.RetriesFailedDeliveries() {
				// A retried delivery would fail the same way.
				log.Warn("dropping undecodable webhook", "error", err)
				w.WriteHeader(http.StatusOK)
				return http.StatusOK
			}
			log.Warn("rejecting undecodable webhook", "error", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return http.StatusBadRequest
		}
		log.Error("failed to decode webhook", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	switch v := in.(type) {
	case chat.Handshake:
		return writeHandshake(w, v)
	case *chat.Handshake:
		return writeHandshake(w, *v)
	case chat.Ignored:
		log.Debug("ignoring webhook", "reason", v.Reason)
		w.WriteHeader(http.StatusOK)
		return http.StatusOK
	case *chat.Ignored:
		log.Debug("ignoring webhook", "reason", v.Reason)
		w.WriteHeader(http.StatusOK)
		return http.StatusOK
	case chat.Batch:
		if len(v) == 0 {
			w.WriteHeader(http.StatusOK)
			return http.StatusOK
		}
	}

	if d.closing.Load() {
		d.obs.EventDropped(platform, DropShutdown)
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}

	done := d.processAsync(context.WithoutCancel(r.Context()), platform, in)
	if opts.WaitUntil != nil {
		opts.WaitUntil(done)
	}
	w.WriteHeader(http.StatusOK)
	return http.StatusOK
}

func writeHandshake(w http.ResponseWriter, h chat.Handshake) int {
	if h.ContentType != "" {
		w.Header().Set("Content-Type", h.ContentType)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.Body)
	return http.StatusOK
}

// processAsync runs Process in a tracked goroutine. Batch items are
// processed one after another so events for one thread keep their order.
func (d *Dispatcher) processAsync(ctx context.Context, platform string, in chat.Inbound) <-chan struct{} {
	items := []chat.Inbound{in}
	if batch, ok := in.(chat.Batch); ok {
		items = batch
	}

	done := make(chan struct{})
	d.background.Add(1)
	go func() {
		defer close(done)
		defer d.background.Done()
		for _, item := range items {
			if err := d.Process(ctx, platform, item); err != nil {
				if errors.Is(err, chat.ErrDecode) {
					d.logger.Warn("dropping malformed event", "platform", platform, "error", err)
					continue
				}
				d.logger.Error("event processing failed", "platform", platform, "error", err)
			}
		}
	}()
	return done
}
