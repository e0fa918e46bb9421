// Package push delivers web push notifications for new messages to
// participants without a live connection.
package push

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"piksel/internal/content"
	"piksel/internal/models"
)

const (
	// Parallel deliveries per message.
	maxInFlight = 4
	sendTimeout = 10 * time.Second
	ttlSeconds  = 60
)

type Store interface {
	PutPushSubscription(sub models.PushSubscription) error
	PushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

// OnlineChecker reports whether a user has a live realtime connection.
type OnlineChecker interface {
	IsOnline(userID string) (bool, error)
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subscriber      string
}

func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type Notifier struct {
	cfg    Config
	store  Store
	online OnlineChecker
	send   sendFunc
	log    *slog.Logger
	wg     sync.WaitGroup
}

type Payload struct {
	ConversationID string `json:"conversationId"`
	MessageID      uint64 `json:"messageId"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

func NewNotifier(cfg Config, store Store, online OnlineChecker, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		store:  store,
		online: online,
		send:   webpush.SendNotificationWithContext,
		log:    logger,
	}
}

// Subscribe stores a browser push subscription for userID.
func (n *Notifier) Subscribe(userID string, req *models.PushSubscriptionRequest) error {
	return n.store.PutPushSubscription(models.PushSubscription{
		UserID:    userID,
		Endpoint:  req.Endpoint,
		P256dh:    req.Keys.P256dh,
		Auth:      req.Keys.Auth,
		CreatedAt: time.Now().UTC(),
	})
}

// NotifyMessage sends msg to every subscription of the offline recipients.
// Delivery happens in the background and outlives ctx; Drain waits for it.
func (n *Notifier) NotifyMessage(ctx context.Context, conv models.Conversation, msg models.Message, recipients []string) {
	if !n.cfg.Enabled() {
		return
	}
	payload, err := json.Marshal(payloadFor(conv, msg))
	if err != nil {
		n.log.Error("failed to encode push payload", "message_id", msg.ID, "error", err)
		return
	}

	detached := context.WithoutCancel(ctx)
	n.wg.Go(func() {
		n.notify(detached, payload, recipients)
	})
}

// Drain waits for background deliveries to finish or for ctx to end. Call
// it once no more messages can be sent.
func (n *Notifier) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Notifier) notify(ctx context.Context, payload []byte, recipients []string) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)
	for _, uid := range recipients {
		online, err := n.online.IsOnline(uid)
		if err != nil || online {
			continue
		}
		subs, err := n.store.PushSubscriptions(uid)
		if err != nil {
			n.log.Error("failed to load push subscriptions", "user_id", uid, "error", err)
			continue
		}
		for _, sub := range subs {
			g.Go(func() error {
				n.deliver(ctx, payload, sub)
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (n *Notifier) deliver(ctx context.Context, payload []byte, sub models.PushSubscription) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	resp, err := n.send(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		Subscriber:      n.cfg.Subscriber,
		VAPIDPublicKey:  n.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: n.cfg.VAPIDPrivateKey,
		TTL:             ttlSeconds,
	})
	if err != nil {
		n.log.Warn("push delivery failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		if err := n.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			n.log.Error("failed to drop expired push subscription", "user_id", sub.UserID, "error", err)
		}
	case resp.StatusCode >= 300:
		n.log.Warn("push service rejected notification", "user_id", sub.UserID, "status", resp.StatusCode)
	}
}

func payloadFor(conv models.Conversation, msg models.Message) Payload {
	p := Payload{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Title:          "New message",
		Body:           models.EncryptedPreview,
	}
	if conv.Name != "" {
		p.Title = conv.Name
	}
	if !msg.IsEncrypted {
		p.Body = content.Preview(msg.Body)
	}
	return p
}
