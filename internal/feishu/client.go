// ABOUTME: Feishu open platform calls through the oapi-sdk-go IM service
// ABOUTME: Replies are posts with a markdown element; frequency limits map to RateLimitedError

package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/threadid"
)

const (
	msgTypePost = "post"

	// codeRateLimited is the open platform's request frequency limit error.
	codeRateLimited = 99991400
	rateLimitHeader = "x-ogw-ratelimit-reset"

	defaultPageSize = 50
)

// emojiTypes maps unicode emoji to Feishu reaction types.
var emojiTypes = map[string]string{
	"👍":  "THUMBSUP",
	"👎":  "ThumbsDown",
	"👌":  "OK",
	"❤️": "HEART",
	"😄":  "SMILE",
	"👏":  "APPLAUSE",
	"✅":  "DONE",
	"🎉":  "PARTY",
	"🔥":  "Fire",
	"💯":  "Hundred",
}

// toEmojiType maps emoji to a Feishu reaction type. Type names such as
// THUMBSUP pass through. Other emoji have no Feishu equivalent.
func toEmojiType(emoji string) (string, error) {
	if t, ok := emojiTypes[emoji]; ok {
		return t, nil
	}
	if emoji != "" && strings.IndexFunc(emoji, notTypeNameRune) < 0 {
		return emoji, nil
	}
	return "", fmt.Errorf("feishu: reaction %q: %w", emoji, chat.ErrNotSupported)
}

func notTypeNameRune(r rune) bool {
	return !(r == '_' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z')
}

func fromEmojiType(t string) string {
	for emoji, name := range emojiTypes {
		if name == t {
			return emoji
		}
	}
	return t
}

// respErr turns an unsuccessful response into an error.
func respErr(op string, api *larkcore.ApiResp, code larkcore.CodeError) error {
	status := 0
	if api != nil {
		status = api.StatusCode
	}
	if code.Code == 0 && status < http.StatusMultipleChoices {
		return nil
	}
	err := fmt.Errorf("%s: code %d: %s", op, code.Code, code.Msg)
	if code.Code == codeRateLimited || status == http.StatusTooManyRequests {
		var retry time.Duration
		if api != nil {
			if secs, perr := strconv.Atoi(api.Header.Get(rateLimitHeader)); perr == nil && secs > 0 {
				retry = time.Duration(secs) * time.Second
			}
		}
		return &chat.RateLimitedError{RetryAfter: retry, Err: err}
	}
	return err
}

func (a *Adapter) scope(threadID string) (threadid.Scope, error) {
	s, err := a.codec.Decode(threadID)
	if err != nil {
		return threadid.Scope{}, fmt.Errorf("feishu: %w", err)
	}
	return s, nil
}

// postContent wraps markdown in a single-element post.
func postContent(c format.Content) string {
	body, _ := json.Marshal(map[string]any{
		"zh_cn": map[string]any{
			"content": [][]map[string]string{{{"tag": "md", "text": c.Markdown()}}},
		},
	})
	return string(body)
}

// PostMessage replies to the thread root, or posts to the chat when the id
// names no thread.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, c format.Content) (string, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return "", err
	}
	content := postContent(c)

	if scope.Sub != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(scope.Sub).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType(msgTypePost).
				Content(content).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := a.client.Im.Message.Reply(ctx, req)
		if err != nil {
			return "", fmt.Errorf("replying: %w", err)
		}
		if err := respErr("replying", resp.ApiResp, resp.CodeError); err != nil {
			return "", err
		}
		return str(resp.Data.MessageId), nil
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(larkim.ReceiveIdTypeChatId).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(scope.Primary).
			MsgType(msgTypePost).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := a.client.Im.Message.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	if err := respErr("sending message", resp.ApiResp, resp.CodeError); err != nil {
		return "", err
	}
	return str(resp.Data.MessageId), nil
}

// EditMessage replaces the content of a message the app sent.
func (a *Adapter) EditMessage(ctx context.Context, _ string, messageID string, c format.Content) error {
	req := larkim.NewUpdateMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewUpdateMessageReqBodyBuilder().
			MsgType(msgTypePost).
			Content(postContent(c)).
			Build()).
		Build()
	resp, err := a.client.Im.Message.Update(ctx, req)
	if err != nil {
		return fmt.Errorf("editing message: %w", err)
	}
	return respErr("editing message", resp.ApiResp, resp.CodeError)
}

func (a *Adapter) DeleteMessage(ctx context.Context, _ string, messageID string) error {
	req := larkim.NewDeleteMessageReqBuilder().MessageId(messageID).Build()
	resp, err := a.client.Im.Message.Delete(ctx, req)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return respErr("deleting message", resp.ApiResp, resp.CodeError)
}

func (a *Adapter) AddReaction(ctx context.Context, _ string, messageID, emoji string) error {
	emojiType, err := toEmojiType(emoji)
	if err != nil {
		return err
	}
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(emojiType).Build()).
			Build()).
		Build()
	resp, err := a.client.Im.MessageReaction.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("adding reaction: %w", err)
	}
	return respErr("adding reaction", resp.ApiResp, resp.CodeError)
}

// RemoveReaction deletes the app's reactions of one type on the message.
func (a *Adapter) RemoveReaction(ctx context.Context, _ string, messageID, emoji string) error {
	emojiType, err := toEmojiType(emoji)
	if err != nil {
		return err
	}
	req := larkim.NewListMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionType(emojiType).
		Build()
	resp, err := a.client.Im.MessageReaction.List(ctx, req)
	if err != nil {
		return fmt.Errorf("listing reactions: %w", err)
	}
	if err := respErr("listing reactions", resp.ApiResp, resp.CodeError); err != nil {
		return err
	}

	for _, r := range resp.Data.Items {
		if r == nil || r.Operator == nil || str(r.Operator.OperatorType) != "app" {
			continue
		}
		del := larkim.NewDeleteMessageReactionReqBuilder().
			MessageId(messageID).
			ReactionId(str(r.ReactionId)).
			Build()
		delResp, err := a.client.Im.MessageReaction.Delete(ctx, del)
		if err != nil {
			return fmt.Errorf("removing reaction: %w", err)
		}
		if err := respErr("removing reaction", delResp.ApiResp, delResp.CodeError); err != nil {
			return err
		}
	}
	return nil
}

// FetchMessages lists a chat's history. For a thread id the page is
// filtered to the root and its replies.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	sort := "ByCreateTimeDesc"
	if opts.Direction == chat.Forward {
		sort = "ByCreateTimeAsc"
	}

	builder := larkim.NewListMessageReqBuilder().
		ContainerIdType("chat").
		ContainerId(scope.Primary).
		SortType(sort).
		PageSize(limit)
	if opts.PageToken != "" {
		builder = builder.PageToken(opts.PageToken)
	}
	resp, err := a.client.Im.Message.List(ctx, builder.Build())
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	if err := respErr("listing messages", resp.ApiResp, resp.CodeError); err != nil {
		return nil, err
	}

	page := &chat.MessagePage{}
	if resp.Data.HasMore != nil && *resp.Data.HasMore {
		page.NextPageToken = str(resp.Data.PageToken)
	}
	for _, item := range resp.Data.Items {
		if item == nil || (item.Deleted != nil && *item.Deleted) {
			continue
		}
		root := rootOf(str(item.MessageId), str(item.RootId))
		if scope.Sub != "" && root != scope.Sub {
			continue
		}
		page.Messages = append(page.Messages, a.canonical(scope.Primary, root, item))
	}
	return page, nil
}

func (a *Adapter) canonical(chatID, root string, item *larkim.Message) chat.Message {
	names := make(map[string]string)
	for _, m := range item.Mentions {
		if m != nil {
			names[str(m.Key)] = str(m.Name)
		}
	}
	var content string
	if item.Body != nil {
		content = str(item.Body.Content)
	}
	text, attachments := parseContent(str(item.MsgType), content, names)

	msg := chat.Message{
		ID:          str(item.MessageId),
		ThreadID:    a.codec.Encode(threadid.Scope{Primary: chatID, Sub: root}),
		Text:        text,
		Formatted:   format.Parse(text),
		SentAt:      parseMillis(str(item.CreateTime)),
		Edited:      item.Updated != nil && *item.Updated,
		Attachments: attachments,
		Raw:         item,
	}
	if s := item.Sender; s != nil {
		msg.Author = chat.Author{
			UserID:   str(s.Id),
			UserName: str(s.Id),
			IsBot:    str(s.SenderType) == "app",
		}
	}
	return msg
}

// locate finds the chat and thread root of a message.
func (a *Adapter) locate(ctx context.Context, messageID string) (threadid.Scope, error) {
	req := larkim.NewGetMessageReqBuilder().MessageId(messageID).Build()
	resp, err := a.client.Im.Message.Get(ctx, req)
	if err != nil {
		return threadid.Scope{}, fmt.Errorf("getting message: %w", err)
	}
	if err := respErr("getting message", resp.ApiResp, resp.CodeError); err != nil {
		return threadid.Scope{}, err
	}
	if resp.Data == nil || len(resp.Data.Items) == 0 || resp.Data.Items[0] == nil {
		return threadid.Scope{}, fmt.Errorf("message %s not found", messageID)
	}
	item := resp.Data.Items[0]
	return threadid.Scope{
		Primary: str(item.ChatId),
		Sub:     rootOf(str(item.MessageId), str(item.RootId)),
	}, nil
}
