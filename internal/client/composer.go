package client

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"piksel/internal/models"
)

const DefaultTypingTimeout = 3 * time.Second

type ComposerState string

const (
	ComposerIdle        ComposerState = "idle"
	ComposerTyping      ComposerState = "typing"
	ComposerSendPending ComposerState = "send_pending"
	ComposerSent        ComposerState = "sent"
	ComposerFailed      ComposerState = "failed"
)

type typingSignal interface {
	Typing(convID string, active bool) error
}

type enqueuer interface {
	Enqueue(convID, text string, mode models.EncryptionMode) (Pending, error)
	Retry(nonce string) error
	Discard(nonce string) error
}

type ComposerConfig struct {
	ConversationID string
	Mode           models.EncryptionMode
	// TypingTimeout is how long after the last keystroke typing stops.
	TypingTimeout time.Duration
	// OnTransition is called from the composer goroutine on every state
	// change.
	OnTransition func(from, to ComposerState)
	Logger       *slog.Logger
}

type inputKind uint8

const (
	inputText inputKind = iota
	inputSubmit
	inputRetry
	inputDiscard
	inputResult
)

type composerInput struct {
	kind   inputKind
	text   string
	result Pending
	reply  chan error
}

// Composer is the draft and send state of one conversation. All state is
// owned by the goroutine running Run; the other methods post inputs to it.
//
//	idle -> typing -> send_pending -> sent -> idle
//	                               -> failed -> send_pending (Retry)
//	                                         -> idle (Discard)
type Composer struct {
	cfg    ComposerConfig
	queue  enqueuer
	typing typingSignal
	inputs chan composerInput
	done   chan struct{}
}

func NewComposer(queue enqueuer, typing typingSignal, cfg ComposerConfig) *Composer {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Composer{
		cfg:    cfg,
		queue:  queue,
		typing: typing,
		inputs: make(chan composerInput, 16),
		done:   make(chan struct{}),
	}
}

// Input replaces the draft with text, as on every keystroke.
func (c *Composer) Input(ctx context.Context, text string) error {
	return c.post(ctx, composerInput{kind: inputText, text: text})
}

// Submit queues the draft for sending.
func (c *Composer) Submit(ctx context.Context) error {
	return c.post(ctx, composerInput{kind: inputSubmit})
}

// Retry resends the failed message.
func (c *Composer) Retry(ctx context.Context) error {
	return c.post(ctx, composerInput{kind: inputRetry})
}

// Discard drops the failed message.
func (c *Composer) Discard(ctx context.Context) error {
	return c.post(ctx, composerInput{kind: inputDiscard})
}

// Deliver hands a send queue update to the composer. Only final outcomes
// for this conversation are kept. It must not be called before Run starts.
func (c *Composer) Deliver(p Pending) {
	if p.ConversationID != c.cfg.ConversationID || (p.Status != StatusSent && p.Status != StatusFailed) {
		return
	}
	select {
	case c.inputs <- composerInput{kind: inputResult, result: p}:
	case <-c.done:
	}
}

func (c *Composer) post(ctx context.Context, in composerInput) error {
	in.reply = make(chan error, 1)
	select {
	case c.inputs <- in:
	case <-c.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.reply:
		return err
	case <-c.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// composerLoop is the state owned by Run.
type composerLoop struct {
	*Composer
	state ComposerState
	draft string
	nonce string
	timer *time.Timer
}

// Run processes inputs until ctx is done. Typing is stopped on exit.
func (c *Composer) Run(ctx context.Context) error {
	defer close(c.done)
	l := &composerLoop{Composer: c, state: ComposerIdle, timer: time.NewTimer(c.cfg.TypingTimeout)}
	l.timer.Stop()
	defer l.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.state == ComposerTyping {
				l.signalTyping(false)
			}
			return ctx.Err()
		case <-l.timer.C:
			if l.state == ComposerTyping {
				l.signalTyping(false)
				l.transition(ComposerIdle)
			}
		case in := <-c.inputs:
			err := l.handle(in)
			if in.reply != nil {
				in.reply <- err
			}
		}
	}
}

func (l *composerLoop) handle(in composerInput) error {
	switch in.kind {
	case inputText:
		l.draft = in.text
		switch l.state {
		case ComposerTyping:
			if strings.TrimSpace(l.draft) == "" {
				l.stopTyping()
				l.transition(ComposerIdle)
				return nil
			}
			l.timer.Reset(l.cfg.TypingTimeout)
		case ComposerIdle, ComposerFailed:
			if strings.TrimSpace(l.draft) != "" {
				l.nonce = ""
				l.startTyping()
			}
		}
		return nil

	case inputSubmit:
		if strings.TrimSpace(l.draft) == "" {
			return ErrEmptyMessage
		}
		if l.state == ComposerTyping {
			l.stopTyping()
		}
		p, err := l.queue.Enqueue(l.cfg.ConversationID, l.draft, l.cfg.Mode)
		if err != nil {
			if l.state == ComposerTyping {
				l.transition(ComposerIdle)
			}
			return err
		}
		l.nonce = p.Nonce
		l.draft = ""
		l.transition(ComposerSendPending)
		return nil

	case inputRetry:
		if l.state != ComposerFailed {
			return ErrNotFailed
		}
		if err := l.queue.Retry(l.nonce); err != nil {
			return err
		}
		l.transition(ComposerSendPending)
		return nil

	case inputDiscard:
		if l.state != ComposerFailed {
			return ErrNotFailed
		}
		if err := l.queue.Discard(l.nonce); err != nil {
			return err
		}
		l.nonce = ""
		l.transition(ComposerIdle)
		return nil

	case inputResult:
		if in.result.Nonce != l.nonce || l.state != ComposerSendPending {
			return nil
		}
		switch in.result.Status {
		case StatusSent:
			l.nonce = ""
			l.transition(ComposerSent)
			l.transition(ComposerIdle)
			if strings.TrimSpace(l.draft) != "" {
				l.startTyping()
			}
		case StatusFailed:
			l.cfg.Logger.Debug("message failed", "conversation_id", l.cfg.ConversationID, "nonce", l.nonce, "error", in.result.Err)
			l.transition(ComposerFailed)
		}
		return nil
	}
	return nil
}

func (l *composerLoop) startTyping() {
	l.signalTyping(true)
	l.timer.Reset(l.cfg.TypingTimeout)
	l.transition(ComposerTyping)
}

func (l *composerLoop) stopTyping() {
	l.timer.Stop()
	l.signalTyping(false)
}

func (l *composerLoop) signalTyping(active bool) {
	if l.typing == nil {
		return
	}
	if err := l.typing.Typing(l.cfg.ConversationID, active); err != nil {
		l.cfg.Logger.Debug("failed to send typing signal", "conversation_id", l.cfg.ConversationID, "error", err)
	}
}

func (l *composerLoop) transition(to ComposerState) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	if l.cfg.OnTransition != nil {
		l.cfg.OnTransition(from, to)
	}
}
