// ABOUTME: Tests for the Google Chat adapter against an httptest API server
// ABOUTME: Covers decoding both delivery shapes, verification routing, REST calls and subscriptions

package gchat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	chatv1 "google.golang.org/api/chat/v1"
	"google.golang.org/api/workspaceevents/v1"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/pushsub"
	"github.com/2389/coven-chat/internal/state"
	"github.com/2389/coven-chat/internal/threadid"
)

type fakeVerifier struct {
	err   error
	calls atomic.Int32
}

func (f *fakeVerifier) VerifyRequest(*http.Request) (*auth.GoogleClaims, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &auth.GoogleClaims{}, nil
}

type testEnv struct {
	adapter *Adapter
	chat    *fakeVerifier
	push    *fakeVerifier
	mux     *http.ServeMux
	store   state.Store
	client  *http.Client
	baseURL string
}

func newTestEnv(t *testing.T, topic string) *testEnv {
	t.Helper()
	env := &testEnv{chat: &fakeVerifier{}, push: &fakeVerifier{}, mux: http.NewServeMux()}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			http.Error(w, `{"error":{"message":"no token"}}`, http.StatusUnauthorized)
			return
		}
		env.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	env.baseURL = srv.URL

	store := state.NewMemoryStore(state.Options{})
	require.NoError(t, store.Connect(context.Background()))
	t.Cleanup(func() { _ = store.Disconnect(context.Background()) })
	env.store = store

	env.client = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"}))
	a, err := New(Options{
		HTTPClient:    env.client,
		APIBaseURL:    srv.URL + "/",
		EventsBaseURL: srv.URL + "/events/",
		ChatVerifier:  env.chat,
		PushVerifier:  env.push,
		PubSubTopic:   topic,
		Store:         store,
	})
	require.NoError(t, err)
	env.adapter = a
	return env
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func pushBody(t *testing.T, ceType string, data any) []byte {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"attributes": map[string]string{"ce-type": ceType},
			"data":       base64.StdEncoding.EncodeToString(payload),
			"messageId":  "1",
		},
		"subscription": "projects/p/subscriptions/chat",
	})
	require.NoError(t, err)
	return body
}

const mentionEvent = `{
  "type": "MESSAGE",
  "space": {"name": "spaces/AAA", "spaceType": "SPACE"},
  "user": {"name": "users/1", "displayName": "Alice", "type": "HUMAN"},
  "message": {
    "name": "spaces/AAA/messages/M1",
    "sender": {"name": "users/1", "displayName": "Alice", "email": "alice@example.com", "type": "HUMAN"},
    "createTime": "2024-05-01T10:00:00.000000Z",
    "text": "@Coven hello",
    "thread": {"name": "spaces/AAA/threads/T1"},
    "annotations": [{
      "type": "USER_MENTION", "startIndex": 0, "length": 6,
      "userMention": {"user": {"name": "users/999", "displayName": "Coven", "type": "BOT"}, "type": "MENTION"}
    }],
    "attachment": [{"contentName": "a.png", "contentType": "image/png", "downloadUri": "https://x/a.png"}]
  }
}`

func TestDecode_DirectMention(t *testing.T) {
	env := newTestEnv(t, "")

	in, err := env.adapter.Decode(context.Background(), nil, []byte(mentionEvent))
	require.NoError(t, err)

	ev, ok := in.(chat.DirectEvent)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, chat.KindMessage, ev.Kind)
	assert.Equal(t, threadid.Scope{Primary: "spaces/AAA", Sub: "spaces/AAA/threads/T1"}, ev.Scope)

	msg := ev.Message
	require.NotNil(t, msg)
	assert.Equal(t, "spaces/AAA/messages/M1", msg.MessageID)
	assert.Equal(t, "users/1", msg.SenderID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "alice@example.com", msg.SenderEmail)
	assert.False(t, msg.SenderIsBot)
	assert.True(t, msg.AddressedToBot)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msg.SentAt)
	assert.Equal(t, []chat.MentionSpan{{Offset: 0, Length: 6, EntityID: "users/999", EntityIsBot: true, DisplayName: "Coven"}}, msg.Mentions)
	assert.Equal(t, []chat.Attachment{{URL: "https://x/a.png", Name: "a.png", MimeType: "image/png"}}, msg.Attachments)
}

func TestRuneSpan(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		start, length int
		wantOff       int
		wantLen       int
	}{
		{"ascii", "@Coven hi", 0, 6, 0, 6},
		{"at end", "hi @Coven", 3, 6, 3, 6},
		// The emoji is one rune but two UTF-16 units.
		{"astral prefix", "😀 @Coven hi", 3, 6, 2, 6},
		{"out of range", "short", 3, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			off, n := runeSpan(tt.text, tt.start, tt.length)
			assert.Equal(t, tt.wantOff, off)
			assert.Equal(t, tt.wantLen, n)
		})
	}
}

func TestDecode_CardClickAndDialog(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	click := `{
	  "type": "CARD_CLICKED",
	  "space": {"name": "spaces/AAA"},
	  "user": {"name": "users/1", "displayName": "Alice"},
	  "message": {"name": "spaces/AAA/messages/M1", "thread": {"name": "spaces/AAA/threads/T1"}},
	  "action": {"actionMethodName": "approve", "parameters": [{"key": "other", "value": "x"}, {"key": "value", "value": "yes"}]}
	}`
	in, err := env.adapter.Decode(ctx, nil, []byte(click))
	require.NoError(t, err)
	ev := in.(chat.DirectEvent)
	require.Equal(t, chat.KindAction, ev.Kind)
	assert.Equal(t, "approve", ev.Action.ActionID)
	assert.Equal(t, "yes", ev.Action.Value)
	assert.Equal(t, "spaces/AAA/messages/M1", ev.Action.MessageID)
	assert.Equal(t, "spaces/AAA/threads/T1", ev.Scope.Sub)

	dialog := `{
	  "type": "CARD_CLICKED",
	  "isDialogEvent": true,
	  "dialogEventType": "SUBMIT_DIALOG",
	  "space": {"name": "spaces/AAA"},
	  "user": {"name": "users/1", "displayName": "Alice"},
	  "common": {
	    "invokedFunction": "feedback",
	    "formInputs": {"rating": {"stringInputs": {"value": ["5"]}}, "empty": {}}
	  }
	}`
	in, err = env.adapter.Decode(ctx, nil, []byte(dialog))
	require.NoError(t, err)
	ev = in.(chat.DirectEvent)
	require.Equal(t, chat.KindModalSubmit, ev.Kind)
	assert.Equal(t, "feedback", ev.ModalSubmit.CallbackID)
	assert.Equal(t, map[string]string{"rating": "5"}, ev.ModalSubmit.Values)
	assert.Equal(t, "users/1", ev.ModalSubmit.UserID)
}

func TestDecode_IgnoredAndInvalid(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	in, err := env.adapter.Decode(ctx, nil, []byte(`{"type":"ADDED_TO_SPACE","space":{"name":"spaces/AAA"}}`))
	require.NoError(t, err)
	assert.IsType(t, chat.Ignored{}, in)

	for _, body := range []string{
		`not json`,
		`{"type":"MESSAGE"}`,
		`{"type":"MESSAGE","message":{"name":"m","text":"hi"}}`,
		`{"type":"CARD_CLICKED"}`,
	} {
		_, err := env.adapter.Decode(ctx, nil, []byte(body))
		assert.ErrorIs(t, err, chat.ErrDecode, body)
	}
}

func TestDecode_PushMessage(t *testing.T) {
	env := newTestEnv(t, "")

	body := pushBody(t, CloudEventMessageCreated, map[string]any{"message": map[string]any{
		"name":   "spaces/AAA/messages/M2",
		"sender": map[string]string{"name": "users/2", "type": "HUMAN"},
		"text":   "follow-up",
		"thread": map[string]string{"name": "spaces/AAA/threads/T1"},
	}})

	in, err := env.adapter.Decode(context.Background(), nil, body)
	require.NoError(t, err)
	push, ok := in.(chat.PushEnvelope)
	require.True(t, ok, "got %T", in)
	assert.Equal(t, "projects/p/subscriptions/chat", push.Subscription)
	assert.Equal(t, threadid.Scope{Primary: "spaces/AAA", Sub: "spaces/AAA/threads/T1"}, push.Scope)
	assert.Equal(t, "follow-up", push.Message.Text)
	assert.Equal(t, "users/2", push.Message.SenderID)
	assert.Empty(t, push.Message.SenderName)
	assert.False(t, push.Message.AddressedToBot)
}

func TestDecode_PushReactionLooksUpThread(t *testing.T) {
	env := newTestEnv(t, "")
	env.mux.HandleFunc("GET /v1/spaces/AAA/messages/M1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, chatv1.Message{Name: "spaces/AAA/messages/M1", Thread: &chatv1.Thread{Name: "spaces/AAA/threads/T1"}})
	})

	body := pushBody(t, CloudEventReactionCreated, map[string]any{"reaction": map[string]any{
		"name":  "spaces/AAA/messages/M1/reactions/R1",
		"user":  map[string]string{"name": "users/2", "type": "HUMAN"},
		"emoji": map[string]string{"unicode": "👍"},
	}})

	in, err := env.adapter.Decode(context.Background(), nil, body)
	require.NoError(t, err)
	push := in.(chat.PushEnvelope)
	require.Equal(t, chat.KindReaction, push.Kind)
	assert.Equal(t, "spaces/AAA/threads/T1", push.Scope.Sub)
	assert.Equal(t, "👍", push.Reaction.Emoji)
	assert.True(t, push.Reaction.Added)
	assert.Equal(t, "spaces/AAA/messages/M1", push.Reaction.MessageID)

	// A failed lookup scopes the reaction to the space.
	body = pushBody(t, CloudEventReactionDeleted, map[string]any{"reaction": map[string]any{
		"name":  "spaces/AAA/messages/GONE/reactions/R2",
		"emoji": map[string]string{"unicode": "👍"},
	}})
	in, err = env.adapter.Decode(context.Background(), nil, body)
	require.NoError(t, err)
	push = in.(chat.PushEnvelope)
	assert.Equal(t, "", push.Scope.Sub)
	assert.False(t, push.Reaction.Added)
}

func TestDecode_PushOther(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()

	in, err := env.adapter.Decode(ctx, nil, pushBody(t, "google.workspace.events.subscription.v1.expirationReminder", map[string]any{}))
	require.NoError(t, err)
	assert.IsType(t, chat.Ignored{}, in)

	bad := []byte(`{"message":{"data":"%%%"},"subscription":"s"}`)
	_, err = env.adapter.Decode(ctx, nil, bad)
	assert.ErrorIs(t, err, chat.ErrDecode)
}

func TestVerify_RoutesByShape(t *testing.T) {
	env := newTestEnv(t, "")
	r := httptest.NewRequest(http.MethodPost, "/webhooks/gchat", nil)

	require.NoError(t, env.adapter.Verify(r, []byte(mentionEvent)))
	assert.EqualValues(t, 1, env.chat.calls.Load())
	assert.EqualValues(t, 0, env.push.calls.Load())

	require.NoError(t, env.adapter.Verify(r, pushBody(t, CloudEventMessageCreated, map[string]any{})))
	assert.EqualValues(t, 1, env.push.calls.Load())

	env.chat.err = errors.New("bad audience")
	assert.ErrorIs(t, env.adapter.Verify(r, []byte(mentionEvent)), chat.ErrAuth)

	env.adapter.pushAuth = nil
	assert.ErrorIs(t, env.adapter.Verify(r, pushBody(t, CloudEventMessageCreated, map[string]any{})), chat.ErrAuth)
}

func TestPostMessage_RepliesInThread(t *testing.T) {
	env := newTestEnv(t, "")
	env.mux.HandleFunc("POST /v1/spaces/AAA/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD", r.URL.Query().Get("messageReplyOption"))
		var msg chatv1.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		assert.Equal(t, "*done*", msg.Text)
		require.NotNil(t, msg.Thread)
		assert.Equal(t, "spaces/AAA/threads/T1", msg.Thread.Name)
		writeJSON(w, chatv1.Message{Name: "spaces/AAA/messages/NEW"})
	})

	threadID := env.adapter.Codec().Encode(threadid.Scope{Primary: "spaces/AAA", Sub: "spaces/AAA/threads/T1"})
	id, err := env.adapter.PostMessage(context.Background(), threadID, format.Parse("**done**"))
	require.NoError(t, err)
	assert.Equal(t, "spaces/AAA/messages/NEW", id)

	_, err = env.adapter.PostMessage(context.Background(), "slack:C1", format.Parse("x"))
	assert.ErrorIs(t, err, threadid.ErrMalformedIdentity)
}

func TestEditAndDelete(t *testing.T) {
	env := newTestEnv(t, "")
	var edited, deleted atomic.Bool
	env.mux.HandleFunc("PATCH /v1/spaces/AAA/messages/M1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.URL.Query().Get("updateMask"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"text":"partial answer"`)
		edited.Store(true)
		writeJSON(w, chatv1.Message{Name: "spaces/AAA/messages/M1"})
	})
	env.mux.HandleFunc("DELETE /v1/spaces/AAA/messages/M1", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(true)
		writeJSON(w, map[string]any{})
	})

	ctx := context.Background()
	require.NoError(t, env.adapter.EditMessage(ctx, "gchat:spaces/AAA", "spaces/AAA/messages/M1", format.Parse("partial answer")))
	require.NoError(t, env.adapter.DeleteMessage(ctx, "gchat:spaces/AAA", "spaces/AAA/messages/M1"))
	assert.True(t, edited.Load())
	assert.True(t, deleted.Load())
}

func TestRateLimited(t *testing.T) {
	env := newTestEnv(t, "")
	env.mux.HandleFunc("POST /v1/spaces/AAA/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 429, "message": "quota"}})
	})

	_, err := env.adapter.PostMessage(context.Background(), "gchat:spaces/AAA", format.Parse("hi"))
	require.Error(t, err)
	var rl *chat.RateLimitedError
	require.ErrorAs(t, err, &rl)
	d, ok := chat.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)
	assert.Contains(t, err.Error(), "quota")

	env.mux.HandleFunc("PATCH /v1/spaces/AAA/messages/M1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 403, "message": "not the author"}})
	})
	err = env.adapter.EditMessage(context.Background(), "gchat:spaces/AAA", "spaces/AAA/messages/M1", format.Parse("x"))
	require.Error(t, err)
	_, ok = chat.RetryAfter(err)
	assert.False(t, ok, "only 429 is a rate limit")
	assert.Contains(t, err.Error(), "not the author")
}

func TestReactions(t *testing.T) {
	env := newTestEnv(t, "")
	var added atomic.Bool
	var deletedNames []string
	env.mux.HandleFunc("POST /v1/spaces/AAA/messages/M1/reactions", func(w http.ResponseWriter, r *http.Request) {
		var reaction chatv1.Reaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reaction))
		require.NotNil(t, reaction.Emoji)
		assert.Equal(t, "👀", reaction.Emoji.Unicode)
		added.Store(true)
		writeJSON(w, reaction)
	})
	env.mux.HandleFunc("GET /v1/spaces/AAA/messages/M1/reactions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `emoji.unicode = "👀"`, r.URL.Query().Get("filter"))
		writeJSON(w, map[string]any{"reactions": []*chatv1.Reaction{
			{Name: "spaces/AAA/messages/M1/reactions/human", User: &chatv1.User{Name: "users/1", Type: "HUMAN"}},
			{Name: "spaces/AAA/messages/M1/reactions/mine", User: &chatv1.User{Name: "users/999", Type: "BOT"}},
		}})
	})
	env.mux.HandleFunc("DELETE /v1/spaces/AAA/messages/M1/reactions/{id}", func(w http.ResponseWriter, r *http.Request) {
		deletedNames = append(deletedNames, r.PathValue("id"))
		writeJSON(w, map[string]any{})
	})

	ctx := context.Background()
	require.NoError(t, env.adapter.AddReaction(ctx, "gchat:spaces/AAA", "spaces/AAA/messages/M1", "👀"))
	require.NoError(t, env.adapter.RemoveReaction(ctx, "gchat:spaces/AAA", "spaces/AAA/messages/M1", "👀"))
	assert.True(t, added.Load())
	assert.Equal(t, []string{"mine"}, deletedNames)
}

func TestFetchMessages(t *testing.T) {
	env := newTestEnv(t, "")
	env.mux.HandleFunc("GET /v1/spaces/AAA/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("pageSize"))
		assert.Equal(t, "createTime asc", q.Get("orderBy"))
		assert.Equal(t, "thread.name = spaces/AAA/threads/T1", q.Get("filter"))
		assert.Equal(t, "p1", q.Get("pageToken"))
		writeJSON(w, map[string]any{
			"messages": []*chatv1.Message{
				{Name: "spaces/AAA/messages/M1", Text: "one", Thread: &chatv1.Thread{Name: "spaces/AAA/threads/T1"},
					Sender: &chatv1.User{Name: "users/1", DisplayName: "Alice", Type: "HUMAN"}, CreateTime: "2024-05-01T10:00:00Z"},
				{Name: "spaces/AAA/messages/M2", Text: "two", Thread: &chatv1.Thread{Name: "spaces/AAA/threads/T1"},
					Sender: &chatv1.User{Name: "users/999", Type: "BOT"}},
			},
			"nextPageToken": "p2",
		})
	})

	threadID := env.adapter.Codec().Encode(threadid.Scope{Primary: "spaces/AAA", Sub: "spaces/AAA/threads/T1"})
	page, err := env.adapter.FetchMessages(context.Background(), threadID, chat.FetchOptions{
		Limit: 2, Direction: chat.Forward, PageToken: "p1",
	})
	require.NoError(t, err)
	assert.Equal(t, "p2", page.NextPageToken)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "one", page.Messages[0].Text)
	assert.Equal(t, threadID, page.Messages[0].ThreadID)
	assert.Equal(t, "Alice", page.Messages[0].Author.UserName)
	assert.True(t, page.Messages[1].Author.IsBot)
}

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold and italic", "**bold** and *soft*", "*bold* and _soft_"},
		{"code span", "run `make`", "run `make`"},
		{"link", "see [docs](https://example.com)", "see <https://example.com|docs>"},
		{"bullets", "- one\n- two", "• one\n• two"},
		{"ordered", "3. three\n4. four", "3. three\n4. four"},
		{"heading", "# Title\n\nbody", "*Title*\n\nbody"},
		{"code block", "```\nx := 1\n```", "```\nx := 1\n```"},
		{"paragraphs", "first\n\nsecond", "first\n\nsecond"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Render(format.Parse(tt.in)))
		})
	}
	assert.Equal(t, "", Render(format.Content{}))
}

func TestEventsProvider(t *testing.T) {
	env := newTestEnv(t, "projects/p/topics/chat")
	now := time.Now().UTC().Truncate(time.Second)

	env.mux.HandleFunc("GET /events/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		assert.Contains(t, filter, `target_resource="//chat.googleapis.com/spaces/AAA"`)
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]any{
				"subscriptions": []*workspaceevents.Subscription{
					{Name: "subscriptions/old", State: "ACTIVE", ExpireTime: now.Add(2 * time.Hour).Format(time.RFC3339)},
					{Name: "subscriptions/suspended", State: "SUSPENDED", ExpireTime: now.Add(20 * time.Hour).Format(time.RFC3339)},
				},
				"nextPageToken": "more",
			})
			return
		}
		writeJSON(w, map[string]any{"subscriptions": []*workspaceevents.Subscription{
			{Name: "subscriptions/new", State: "ACTIVE", ExpireTime: now.Add(10 * time.Hour).Format(time.RFC3339)},
		}})
	})

	p, err := NewEventsProvider(context.Background(), env.client, env.baseURL+"/events/", "projects/p/topics/chat")
	require.NoError(t, err)
	info, err := p.FindSubscription(context.Background(), "spaces/AAA")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "subscriptions/new", info.Name)
	assert.Equal(t, "spaces/AAA", info.ResourceID)
	assert.True(t, info.ExpireTime.Equal(now.Add(10*time.Hour)))
}

func TestEnsureSubscription_CreatesOnceThenCaches(t *testing.T) {
	env := newTestEnv(t, "projects/p/topics/chat")
	var creates atomic.Int32

	env.mux.HandleFunc("GET /events/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{})
	})
	env.mux.HandleFunc("POST /events/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		var sub workspaceevents.Subscription
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sub))
		assert.Equal(t, "//chat.googleapis.com/spaces/AAA", sub.TargetResource)
		require.NotNil(t, sub.NotificationEndpoint)
		assert.Equal(t, "projects/p/topics/chat", sub.NotificationEndpoint.PubsubTopic)
		require.NotNil(t, sub.PayloadOptions)
		assert.True(t, sub.PayloadOptions.IncludeResource)
		assert.Equal(t, "86400s", sub.Ttl)
		assert.ElementsMatch(t, SubscribedEventTypes, sub.EventTypes)
		sub.Name = "subscriptions/s1"
		sub.ExpireTime = time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
		response, _ := json.Marshal(sub)
		writeJSON(w, map[string]any{"name": "operations/o1", "done": true, "response": json.RawMessage(response)})
	})

	ctx := context.Background()
	threadID := env.adapter.Codec().Encode(threadid.Scope{Primary: "spaces/AAA", Sub: "spaces/AAA/threads/T1"})
	env.adapter.EnsureSubscription(ctx, threadID)
	env.adapter.EnsureSubscription(ctx, threadID)
	assert.EqualValues(t, 1, creates.Load())

	info, ok := env.adapter.Subscriptions().Cached(ctx, "spaces/AAA")
	require.True(t, ok)
	assert.Equal(t, "subscriptions/s1", info.Name)

	var cached pushsub.Info
	require.NoError(t, state.GetJSON(ctx, env.store, "gchat:subscription:spaces/AAA", &cached))
	assert.Equal(t, "subscriptions/s1", cached.Name)
}

func TestCreateSubscription_PendingOperation(t *testing.T) {
	env := newTestEnv(t, "projects/p/topics/chat")
	env.mux.HandleFunc("POST /events/v1/subscriptions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": "operations/pending", "done": false})
	})

	provider, err := NewEventsProvider(context.Background(), env.client, env.baseURL+"/events/", "projects/p/topics/chat")
	require.NoError(t, err)
	before := time.Now()
	info, err := provider.CreateSubscription(context.Background(), "spaces/AAA", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Name)
	assert.WithinDuration(t, before.Add(time.Hour), info.ExpireTime, 5*time.Second)
}

func TestNew_RequiresVerifierAndClient(t *testing.T) {
	_, err := New(Options{HTTPClient: http.DefaultClient})
	assert.Error(t, err)
	_, err = New(Options{ChatVerifier: &fakeVerifier{}})
	assert.Error(t, err)
	_, err = New(Options{ChatVerifier: &fakeVerifier{}, HTTPClient: http.DefaultClient, PubSubTopic: "t"})
	assert.Error(t, err, "push subscriptions need a store")
}
