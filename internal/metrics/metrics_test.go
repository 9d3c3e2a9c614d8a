// ABOUTME: Tests for the Prometheus observer
// ABOUTME: Checks counter labels and the exposition handler

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/dispatch"
)

var _ dispatch.Observer = (*Metrics)(nil)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.WebhookHandled("gchat", http.StatusOK)
	m.WebhookHandled("gchat", http.StatusOK)
	m.WebhookHandled("gchat", http.StatusUnauthorized)
	m.EventDropped("gchat", dispatch.DropLockHeld)
	m.EventHandled("gchat", chat.KindMessage, 120*time.Millisecond, nil)
	m.EventHandled("gchat", chat.KindMessage, time.Second, fmt.Errorf("post: %w", &chat.RateLimitedError{RetryAfter: time.Second}))
	m.EventHandled("matrix", chat.KindReaction, time.Millisecond, errors.New("boom"))
	m.SubscriptionCreated("gchat")
	m.SubscriptionFailed("gchat")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhooks.WithLabelValues("gchat", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhooks.WithLabelValues("gchat", "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("gchat", "lock_held")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("gchat", "message", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("gchat", "message", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handled.WithLabelValues("matrix", "reaction", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.subscriptions.WithLabelValues("gchat", "created")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.handlerDuration))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.EventDropped("test", dispatch.DropSelf)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `coven_chat_events_dropped_total{platform="test",reason="self"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
