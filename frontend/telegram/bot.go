// Package telegram is a long-polling Telegram source for threadbox. The
// polling cursor lives in the ledger so a restart resumes where the last
// batch was handed off; duplicate deliveries are absorbed by Ledger.Admit.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nevindra/threadbox"
)

const (
	// SourceID is the offset key the bot uses in the ledger.
	SourceID = "telegram"
	// EventKind tags events produced by the bot.
	EventKind = "telegram.message"

	maxMessageLength = 4096
	defaultBaseURL   = "https://api.telegram.org"
)

// Offsets persists the polling cursor. threadbox.Ledger satisfies it.
type Offsets interface {
	GetOffset(ctx context.Context, sourceID string) (string, bool, error)
	SetOffset(ctx context.Context, sourceID, messageID string) error
}

// Option configures a Bot.
type Option func(*Bot)

// WithBaseURL points the bot at a different Bot API host. Intended for tests
// and self-hosted Bot API servers.
func WithBaseURL(u string) Option {
	return func(b *Bot) { b.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Bot) { b.httpClient = c }
}

// WithLogger sets a structured logger for the bot.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) { b.logger = l }
}

// WithPollTimeout sets the getUpdates long-poll timeout. Default: 30s.
func WithPollTimeout(d time.Duration) Option {
	return func(b *Bot) { b.pollTimeout = d }
}

// WithErrorBackoff sets the pause after a failed getUpdates call. Default: 3s.
func WithErrorBackoff(d time.Duration) Option {
	return func(b *Bot) { b.backoff = d }
}

// Bot implements threadbox.Frontend for Telegram.
type Bot struct {
	token       string
	offsets     Offsets
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	pollTimeout time.Duration
	backoff     time.Duration
}

var _ threadbox.Frontend = (*Bot)(nil)

// New creates a bot for token storing its cursor in offsets.
func New(token string, offsets Offsets, opts ...Option) *Bot {
	b := &Bot{
		token:       token,
		offsets:     offsets,
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{},
		logger:      threadbox.NopLogger,
		pollTimeout: 30 * time.Second,
		backoff:     3 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Poll starts long-polling and returns the stream of inbound events. The
// stored offset is read once before the first request.
func (b *Bot) Poll(ctx context.Context) (<-chan threadbox.InboundEvent, error) {
	var offset int64
	raw, ok, err := b.offsets.GetOffset(ctx, SourceID)
	if err != nil {
		return nil, fmt.Errorf("telegram: load offset: %w", err)
	}
	if ok {
		offset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telegram: invalid stored offset %q: %w", raw, err)
		}
	}
	ch := make(chan threadbox.InboundEvent)
	go b.pollLoop(ctx, offset, ch)
	return ch, nil
}

func (b *Bot) pollLoop(ctx context.Context, offset int64, ch chan<- threadbox.InboundEvent) {
	defer close(ch)

	for ctx.Err() == nil {
		updates, err := b.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("telegram: poll failed", "error", err)
			select {
			case <-time.After(b.backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(updates) == 0 {
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			ev, ok := toEvent(u)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}

		if err := b.offsets.SetOffset(ctx, SourceID, strconv.FormatInt(offset, 10)); err != nil {
			b.logger.Warn("telegram: store offset failed", "offset", offset, "error", err)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(b.pollTimeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	var result []Update
	if err := b.call(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Send posts text into the chat named by channelID, rendered as Telegram
// HTML and split at the 4096-character limit. A chunk whose HTML Telegram
// rejects is resent as plain text. Returns the ID of the last message sent.
func (b *Bot) Send(ctx context.Context, channelID string, text string) (string, error) {
	chatID, topic, err := parseChannel(channelID)
	if err != nil {
		return "", err
	}

	var lastID string
	for _, chunk := range splitMessage(text) {
		body := map[string]any{
			"chat_id":    chatID,
			"text":       MarkdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		if topic != 0 {
			body["message_thread_id"] = topic
		}
		var sent Message
		err := b.call(ctx, "sendMessage", body, &sent)
		if isParseError(err) {
			b.logger.Debug("telegram: html rejected, sending plain text", "chat_id", chatID)
			delete(body, "parse_mode")
			body["text"] = chunk
			err = b.call(ctx, "sendMessage", body, &sent)
		}
		if err != nil {
			return "", err
		}
		lastID = strconv.FormatInt(sent.MessageID, 10)
	}
	return lastID, nil
}

// SendTyping shows a typing indicator.
func (b *Bot) SendTyping(ctx context.Context, channelID string) error {
	chatID, topic, err := parseChannel(channelID)
	if err != nil {
		return err
	}
	body := map[string]any{
		"chat_id": chatID,
		"action":  "typing",
	}
	if topic != 0 {
		body["message_thread_id"] = topic
	}
	return b.call(ctx, "sendChatAction", body, nil)
}

// call posts JSON to a Bot API method and decodes the result.
func (b *Bot) call(ctx context.Context, method string, reqBody any, result any) error {
	url := b.baseURL + "/bot" + b.token + "/" + method

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("telegram: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: read response: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("telegram: decode response: %w (body: %s)", err, string(respBody))
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if env.Parameters != nil {
			apiErr.RetryAfterSecs = env.Parameters.RetryAfter
		}
		return apiErr
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("telegram: decode result: %w", err)
		}
	}
	return nil
}

// APIError is an error response from the Bot API.
type APIError struct {
	Method         string
	Code           int
	Description    string
	RetryAfterSecs int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: error %d: %s", e.Method, e.Code, e.Description)
}

// RetryAfter reports whether the call was rate limited (429) and how long
// Telegram asked the bot to wait.
func (e *APIError) RetryAfter() (time.Duration, bool) {
	if e.Code != http.StatusTooManyRequests {
		return 0, false
	}
	return time.Duration(e.RetryAfterSecs) * time.Second, true
}

var _ threadbox.Throttled = (*APIError)(nil)

func isParseError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Description), "can't parse entities")
}

// toEvent maps an update to an inbound event. Updates without text, and
// messages from bots, are skipped.
func toEvent(u Update) (threadbox.InboundEvent, bool) {
	m := u.Message
	if m == nil || (m.From != nil && m.From.IsBot) {
		return threadbox.InboundEvent{}, false
	}
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.TrimSpace(text) == "" {
		return threadbox.InboundEvent{}, false
	}

	channel := strconv.FormatInt(m.Chat.ID, 10)
	if m.IsTopicMessage && m.MessageThreadID != 0 {
		channel += ":" + strconv.FormatInt(m.MessageThreadID, 10)
	}
	ev := threadbox.InboundEvent{
		MessageID: SourceID + ":" + strconv.FormatInt(u.UpdateID, 10),
		Kind:      EventKind,
		ThreadID:  SourceID + ":" + channel,
		ChannelID: channel,
		Text:      text,
	}
	if m.From != nil {
		ev.AuthorID = strconv.FormatInt(m.From.ID, 10)
	}
	if raw, err := json.Marshal(u); err == nil {
		ev.Raw = raw
	}
	return ev, true
}

// parseChannel splits "<chat_id>[:<topic_id>]".
func parseChannel(channelID string) (chatID int64, topic int64, err error) {
	chat, rest, hasTopic := strings.Cut(channelID, ":")
	chatID, err = strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid channel %q: %w", channelID, err)
	}
	if hasTopic {
		topic, err = strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("telegram: invalid topic in channel %q: %w", channelID, err)
		}
	}
	return chatID, topic, nil
}

// splitMessage splits text into chunks within Telegram's length limit,
// preferring to cut after a newline.
func splitMessage(text string) []string {
	var chunks []string
	for len(text) > maxMessageLength {
		cut := strings.LastIndex(text[:maxMessageLength], "\n") + 1
		if cut == 0 {
			cut = maxMessageLength
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
