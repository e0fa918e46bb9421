// Package fanout relays hub events between server processes over Redis
// pub/sub. Each process delivers its own events locally and forwards them;
// events received from other processes are delivered locally only.
//
// Frames carry the id of the store they were produced against. A process
// only accepts frames from its own store, since events about conversations
// it cannot read would point clients at rows that do not exist here. With a
// single-process store the bridge publishes for external subscribers and
// never delivers a received frame.
package fanout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"piksel/internal/models"
)

const DefaultChannel = "piksel:events"

// LocalHub is the in-process side of the bridge.
type LocalHub interface {
	Publish(topic models.Topic, ev models.Event)
	Unsubscribe(topic models.Topic, userID string)
}

type frame struct {
	Node        string        `json:"node"`
	Store       string        `json:"store"`
	Topic       models.Topic  `json:"topic"`
	Event       *models.Event `json:"event,omitempty"`
	Unsubscribe string        `json:"unsubscribe,omitempty"`
}

type Bridge struct {
	rdb     *redis.Client
	local   LocalHub
	channel string
	node    string
	store   string
	log     *slog.Logger
}

// NewBridge connects local to the Redis server at url, a redis:// URL or a
// bare host:port address. storeID names the data store this process serves.
func NewBridge(url, storeID string, local LocalHub, logger *slog.Logger) (*Bridge, error) {
	if storeID == "" {
		return nil, errors.New("fanout bridge needs a store id")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	return newBridge(redis.NewClient(opts), storeID, local, logger), nil
}

func newBridge(rdb *redis.Client, storeID string, local LocalHub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	node := uuid.NewString()
	return &Bridge{
		rdb:     rdb,
		local:   local,
		channel: DefaultChannel,
		node:    node,
		store:   storeID,
		log:     logger.With("node", node, "store", storeID),
	}
}

func (b *Bridge) Publish(topic models.Topic, ev models.Event) {
	b.local.Publish(topic, ev)
	b.forward(frame{Node: b.node, Store: b.store, Topic: topic, Event: &ev})
}

func (b *Bridge) Unsubscribe(topic models.Topic, userID string) {
	b.local.Unsubscribe(topic, userID)
	b.forward(frame{Node: b.node, Store: b.store, Topic: topic, Unsubscribe: userID})
}

func (b *Bridge) forward(f frame) {
	data, err := encode(f)
	if err != nil {
		b.log.Error("failed to encode fanout frame", "topic", f.Topic.String(), "error", err)
		return
	}
	if err := b.rdb.Publish(context.Background(), b.channel, data).Err(); err != nil {
		b.log.Warn("failed to forward event", "topic", f.Topic.String(), "error", err)
	}
}

// Run receives frames from other processes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() {
		_ = sub.Close()
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.log.Info("fanout bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("fanout subscription closed")
			}
			b.receive([]byte(msg.Payload))
		}
	}
}

func (b *Bridge) Close() error {
	return b.rdb.Close()
}

func (b *Bridge) receive(data []byte) {
	f, err := decode(data)
	if err != nil {
		b.log.Warn("dropping malformed fanout frame", "error", err)
		return
	}
	if f.Node == b.node {
		return
	}
	if f.Store != b.store {
		b.log.Debug("dropping frame from another store", "from_node", f.Node, "from_store", f.Store)
		return
	}
	switch {
	case f.Unsubscribe != "":
		b.local.Unsubscribe(f.Topic, f.Unsubscribe)
	case f.Event != nil:
		b.local.Publish(f.Topic, *f.Event)
	}
}

func encode(f frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (frame, error) {
	var f frame
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&f)
	return f, err
}
