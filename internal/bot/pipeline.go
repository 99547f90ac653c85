// Package bot is the ingestion pipeline: it admits inbound chat events into
// the ledger exactly once, drives each claimed row through the thread's
// agent, replies, and completes or retries the row.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/nevindra/threadbox"
	"github.com/nevindra/threadbox/pool"
)

// emptyReply stands in for an agent that answered with nothing, so the cached
// response is never mistaken for a missing one.
const emptyReply = "(no response)"

// Agents prompts the agent bound to a thread.
type Agents interface {
	Prompt(ctx context.Context, target Target, text string) (reply, sessionID string, err error)
}

// Target is where a prompt goes and where its reply is posted.
type Target struct {
	ThreadID  string
	ChannelID string
	GuildID   string
}

// PoolAgents adapts a pool.Pool to Agents.
func PoolAgents(p *pool.Pool) Agents { return poolAgents{p} }

type poolAgents struct{ pool *pool.Pool }

func (a poolAgents) Prompt(ctx context.Context, t Target, text string) (string, string, error) {
	agent, err := a.pool.GetOrCreate(ctx, t.ThreadID, t.ChannelID, t.GuildID)
	if err != nil {
		return "", "", err
	}
	return agent.Exchange(ctx, text)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithMaxAttempts bounds how many times one event is processed. Default: 3.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay before a failed event is retried. The
// delay doubles per attempt (with jitter), except after a dead sandbox, which
// retries after the base delay. Default: 2s.
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.retryDelay = d }
}

// Pipeline moves inbound events from a frontend through the ledger to the
// thread agents.
type Pipeline struct {
	ledger      threadbox.Ledger
	frontend    threadbox.Frontend
	agents      Agents
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration

	wg sync.WaitGroup
}

// New creates a Pipeline.
func New(ledger threadbox.Ledger, frontend threadbox.Frontend, agents Agents, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:      ledger,
		frontend:    frontend,
		agents:      agents,
		logger:      threadbox.NopLogger,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run replays rows left pending by a previous process, then consumes the
// frontend until ctx is cancelled. It returns after every in-flight event
// has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.wg.Wait()

	pending, err := p.ledger.ReplayPending(ctx)
	if err != nil {
		return fmt.Errorf("replay pending: %w", err)
	}
	for _, e := range pending {
		p.schedule(ctx, e.MessageID, 0)
	}
	if len(pending) > 0 {
		p.logger.Info("bot: replaying pending events", "count", len(pending))
	}

	events, err := p.frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("poll frontend: %w", err)
	}
	for ev := range events {
		if err := p.Ingest(ctx, ev); err != nil {
			p.logger.Error("bot: admit failed", "message_id", ev.MessageID, "error", err)
		}
	}
	return nil
}

// Ingest admits ev and starts processing it. Duplicates are dropped.
func (p *Pipeline) Ingest(ctx context.Context, ev threadbox.InboundEvent) error {
	inserted, err := p.ledger.Admit(ctx, ev)
	if err != nil {
		return err
	}
	if !inserted {
		p.logger.Debug("bot: duplicate event", "message_id", ev.MessageID)
		return nil
	}
	p.schedule(ctx, ev.MessageID, 0)
	return nil
}

// Wait blocks until every scheduled event has finished or been abandoned.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) schedule(ctx context.Context, messageID string, delay time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			}
		}
		p.process(ctx, messageID)
	}()
}

func (p *Pipeline) process(ctx context.Context, messageID string) {
	st, err := p.ledger.Start(ctx, messageID)
	if err != nil {
		p.logger.Error("bot: claim failed", "message_id", messageID, "error", err)
		return
	}
	if st == nil {
		return
	}

	err = p.handle(ctx, st)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Left in processing; the next startup replays it.
		return
	}

	log := p.logger.With("message_id", messageID, "attempt", st.Attempts, "error", err)
	if st.Attempts >= p.maxAttempts {
		log.Error("bot: giving up on event")
		p.giveUp(ctx, st, err)
		return
	}

	if rerr := p.ledger.Retry(ctx, messageID, err.Error()); rerr != nil {
		log.Error("bot: retry failed", "retry_error", rerr)
		return
	}
	delay := threadbox.Backoff(p.retryDelay, st.Attempts-1)
	if threadbox.IsSandboxDead(err) {
		delay = p.retryDelay
	}
	log.Warn("bot: event failed, retrying", "delay", delay)
	p.schedule(ctx, messageID, delay)
}

// handle runs the remaining steps for a claimed row. Each step's result is
// cached on the row, so a retry skips whatever already succeeded.
func (p *Pipeline) handle(ctx context.Context, st *threadbox.LedgerState) error {
	var ev threadbox.InboundEvent
	if err := json.Unmarshal([]byte(st.Payload), &ev); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	target := Target{ThreadID: st.ThreadID, ChannelID: st.ChannelID, GuildID: ev.GuildID}
	if target.ThreadID == "" && ev.ThreadID == "" {
		// Without a thread there is no agent to ask.
		p.logger.Warn("bot: dropping event without thread", "message_id", st.MessageID, "kind", st.Kind)
		return p.ledger.Complete(ctx, st.MessageID)
	}
	if target.ThreadID == "" {
		target.ThreadID, target.ChannelID = ev.ThreadID, ev.ChannelID
		if err := p.ledger.SetTarget(ctx, st.MessageID, target.ThreadID, target.ChannelID); err != nil {
			return err
		}
	}

	prompt := st.PromptText
	if prompt == "" {
		prompt = BuildPrompt(ev)
		if prompt == "" {
			return p.ledger.Complete(ctx, st.MessageID)
		}
		if err := p.ledger.SetPrompt(ctx, st.MessageID, prompt); err != nil {
			return err
		}
	}

	reply := st.ResponseText
	if reply == "" {
		if err := p.frontend.SendTyping(ctx, target.ChannelID); err != nil {
			p.logger.Debug("bot: typing indicator failed", "error", err)
		}
		var sessionID string
		var err error
		reply, sessionID, err = p.agents.Prompt(ctx, target, prompt)
		if err != nil {
			return err
		}
		if strings.TrimSpace(reply) == "" {
			reply = emptyReply
		}
		if err := p.ledger.SetResponse(ctx, st.MessageID, sessionID, reply); err != nil {
			return err
		}
	}

	if _, err := p.frontend.Send(ctx, target.ChannelID, reply); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return p.ledger.Complete(ctx, st.MessageID)
}

// giveUp tells the user the message failed and completes the row.
func (p *Pipeline) giveUp(ctx context.Context, st *threadbox.LedgerState, cause error) {
	channel := st.ChannelID
	if channel == "" {
		var ev threadbox.InboundEvent
		if json.Unmarshal([]byte(st.Payload), &ev) == nil {
			channel = ev.ChannelID
		}
	}
	if channel != "" {
		if _, err := p.frontend.Send(ctx, channel, failureText(cause)); err != nil {
			p.logger.Warn("bot: failure notice not sent", "message_id", st.MessageID, "error", err)
		}
	}
	if err := p.ledger.Complete(ctx, st.MessageID); err != nil {
		p.logger.Error("bot: complete failed", "message_id", st.MessageID, "error", err)
	}
}

func failureText(err error) string {
	switch {
	case threadbox.IsSandboxDead(err):
		return "Sorry, the workspace for this conversation stopped responding. Please try again."
	case errors.Is(err, pool.ErrNoSession):
		return "Sorry, no workspace is available for this conversation right now."
	default:
		return "Sorry, something went wrong while handling your message."
	}
}

// BuildPrompt turns an event into prompt text: trimmed and NFC-normalized so
// visually identical input reaches the agent byte-identical.
func BuildPrompt(ev threadbox.InboundEvent) string {
	return norm.NFC.String(strings.TrimSpace(ev.Text))
}
