package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"piksel/internal/apperr"
	"piksel/internal/envelope"
	"piksel/internal/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 1500 * time.Millisecond
)

var (
	ErrQueueClosed  = errors.New("send queue is closed")
	ErrUnknownNonce = errors.New("no pending message with this nonce")
	ErrNotFailed    = errors.New("message has not failed")
	ErrEmptyMessage = errors.New("message text is empty")
)

type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSending SendStatus = "sending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// Pending is the local echo of a message the user sent. Nonce identifies
// it across retries and in the server's broadcast.
type Pending struct {
	Nonce          string
	ConversationID string
	Text           string
	Mode           models.EncryptionMode
	Status         SendStatus
	Attempts       int
	Err            error
	CreatedAt      time.Time
	// Message is the stored message once Status is StatusSent.
	Message *models.Message
}

// Sender is the part of the API the queue needs.
type Sender interface {
	SendMessage(ctx context.Context, req *models.SendMessageRequest) (models.SendMessageResponse, error)
	ConversationKeys(ctx context.Context, convID string) (models.ConversationKeysResponse, error)
}

type QueueConfig struct {
	UserID      string
	MaxAttempts int
	Backoff     time.Duration
	// OnUpdate is called from the queue worker after every status change.
	OnUpdate func(Pending)
	Logger   *slog.Logger
}

// Queue sends messages one at a time in the order they were enqueued. A job
// is retried with a fixed backoff while its failure is TRANSIENT; any other
// failure, or running out of attempts, marks it failed until Retry or
// Discard.
type Queue struct {
	sender Sender
	cfg    QueueConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu    sync.Mutex
	items map[string]*Pending
	order []string
	jobs  []string
}

func NewQueue(sender Sender, cfg QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sender: sender,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		items:  make(map[string]*Pending),
	}
	q.wg.Go(q.run)
	return q
}

// Enqueue records a pending message and schedules it. mode is the
// conversation's encryption mode; end_to_end messages are sealed right
// before each attempt.
func (q *Queue) Enqueue(convID, text string, mode models.EncryptionMode) (Pending, error) {
	if text == "" {
		return Pending{}, ErrEmptyMessage
	}
	if q.ctx.Err() != nil {
		return Pending{}, ErrQueueClosed
	}
	p := &Pending{
		Nonce:          uuid.NewString(),
		ConversationID: convID,
		Text:           text,
		Mode:           mode,
		Status:         StatusPending,
		CreatedAt:      time.Now(),
	}

	q.mu.Lock()
	q.items[p.Nonce] = p
	q.order = append(q.order, p.Nonce)
	q.jobs = append(q.jobs, p.Nonce)
	snapshot := *p
	q.mu.Unlock()

	q.signal()
	return snapshot, nil
}

// Retry schedules a failed message again under the same nonce.
func (q *Queue) Retry(nonce string) error {
	if q.ctx.Err() != nil {
		return ErrQueueClosed
	}
	q.mu.Lock()
	p, ok := q.items[nonce]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownNonce
	}
	if p.Status != StatusFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	p.Status = StatusPending
	p.Attempts = 0
	p.Err = nil
	q.jobs = append(q.jobs, nonce)
	snapshot := *p
	q.mu.Unlock()

	q.notify(snapshot)
	q.signal()
	return nil
}

// Discard drops a failed message.
func (q *Queue) Discard(nonce string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[nonce]
	if !ok {
		return ErrUnknownNonce
	}
	if p.Status != StatusFailed {
		return ErrNotFailed
	}
	q.remove(nonce)
	return nil
}

// Reconcile matches a message received from the server to a local echo by
// nonce. It reports whether msg replaced a pending entry.
func (q *Queue) Reconcile(msg models.Message) bool {
	if msg.ClientNonce == "" || msg.SenderID != q.cfg.UserID {
		return false
	}
	q.mu.Lock()
	p, ok := q.items[msg.ClientNonce]
	if !ok || p.ConversationID != msg.ConversationID {
		q.mu.Unlock()
		return false
	}
	p.Status = StatusSent
	p.Err = nil
	p.Message = &msg
	snapshot := *p
	q.remove(msg.ClientNonce)
	q.mu.Unlock()

	q.notify(snapshot)
	return true
}

// Pending returns the unsent messages in the order they were enqueued.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Pending, 0, len(q.order))
	for _, nonce := range q.order {
		out = append(out, *q.items[nonce])
	}
	return out
}

// Close stops the worker. An attempt in flight is cancelled and no request
// starts afterwards.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) run() {
	for {
		nonce, ok := q.next()
		if !ok {
			return
		}
		q.process(nonce)
	}
}

// next pops the oldest job, waiting for one to arrive.
func (q *Queue) next() (string, bool) {
	for {
		q.mu.Lock()
		for len(q.jobs) > 0 {
			nonce := q.jobs[0]
			q.jobs = q.jobs[1:]
			if p, ok := q.items[nonce]; ok && p.Status == StatusPending {
				q.mu.Unlock()
				return nonce, true
			}
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return "", false
		}
	}
}

func (q *Queue) process(nonce string) {
	for {
		if q.ctx.Err() != nil {
			return
		}
		job, ok := q.update(nonce, func(p *Pending) {
			p.Status = StatusSending
			p.Attempts++
		})
		if !ok {
			return
		}

		msg, err := q.attempt(job)
		if err == nil {
			if sent, ok := q.update(nonce, func(p *Pending) {
				p.Status = StatusSent
				p.Err = nil
				p.Message = &msg
				q.remove(nonce)
			}); ok {
				q.notify(sent)
			}
			return
		}
		if q.ctx.Err() != nil {
			return
		}

		retry := apperr.Retryable(err) && job.Attempts < q.cfg.MaxAttempts
		q.cfg.Logger.Debug("send attempt failed",
			"nonce", nonce, "conversation_id", job.ConversationID,
			"attempt", job.Attempts, "retry", retry, "error", err)
		if !retry {
			if failed, ok := q.update(nonce, func(p *Pending) {
				p.Status = StatusFailed
				p.Err = err
			}); ok {
				q.notify(failed)
			}
			return
		}

		if waiting, ok := q.update(nonce, func(p *Pending) {
			p.Status = StatusPending
			p.Err = err
		}); ok {
			q.notify(waiting)
		}
		if !sleepCtx(q.ctx, q.cfg.Backoff) {
			return
		}
	}
}

func (q *Queue) attempt(job Pending) (models.Message, error) {
	req := &models.SendMessageRequest{
		ConversationID: job.ConversationID,
		SenderID:       q.cfg.UserID,
		ClientNonce:    job.Nonce,
	}
	if job.Mode == models.EncryptionEndToEnd {
		env, err := q.seal(job)
		if err != nil {
			return models.Message{}, err
		}
		req.Envelope = env
	} else {
		req.Text = job.Text
	}

	resp, err := q.sender.SendMessage(q.ctx, req)
	if err != nil {
		return models.Message{}, err
	}
	return resp.Message, nil
}

// seal encrypts the job for the conversation's current participants. Keys
// are fetched on every attempt so a membership change between retries is
// honored.
func (q *Queue) seal(job Pending) (*envelope.Envelope, error) {
	resp, err := q.sender.ConversationKeys(q.ctx, job.ConversationID)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]envelope.PublicKey, len(resp.Keys))
	for _, k := range resp.Keys {
		pub, err := envelope.ParsePublicKey(k.PublicKey)
		if err != nil {
			return nil, err
		}
		keys[k.UserID] = pub
	}
	env, err := envelope.Seal(job.Text, keys, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "failed to seal message", err)
	}
	return env, nil
}

// update applies fn to a live entry and returns a copy of the result.
func (q *Queue) update(nonce string, fn func(p *Pending)) (Pending, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.items[nonce]
	if !ok {
		return Pending{}, false
	}
	fn(p)
	return *p, true
}

// remove deletes an entry. Callers hold mu.
func (q *Queue) remove(nonce string) {
	delete(q.items, nonce)
	for i, n := range q.order {
		if n == nonce {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) notify(p Pending) {
	if q.cfg.OnUpdate != nil {
		q.cfg.OnUpdate(p)
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
