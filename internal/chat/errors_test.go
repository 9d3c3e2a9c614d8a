// ABOUTME: Tests for the chat error taxonomy
// ABOUTME: Verifies sentinel matching and retry-after extraction through wrapping

package chat

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeError(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := fmt.Errorf("gchat: %w", &DecodeError{Reason: "invalid json", Err: cause})

	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "invalid json")

	assert.ErrorIs(t, Decodef("missing %s", "message id"), ErrDecode)
	assert.Equal(t, "decoding payload: missing message id", Decodef("missing %s", "message id").Error())
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("posting: %w", &RateLimitedError{RetryAfter: 3 * time.Second})

	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
	assert.Contains(t, err.Error(), "retry after 3s")

	_, ok = RetryAfter(errors.New("boom"))
	assert.False(t, ok)
}

func TestEvent_Actor(t *testing.T) {
	e := &Event{Kind: KindReaction, Reaction: &Reaction{User: Author{UserID: "u1"}}}
	assert.Equal(t, "u1", e.Actor().UserID)

	e = &Event{Kind: KindMessage, Message: &Message{Author: Author{UserID: "u2", IsMe: true}}}
	assert.True(t, e.Actor().IsMe)

	assert.Equal(t, Author{}, (&Event{}).Actor())
}

func TestDelivery_String(t *testing.T) {
	assert.Equal(t, "direct", DeliveryDirect.String())
	assert.Equal(t, "push", DeliveryPush.String())
}
