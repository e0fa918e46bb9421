package client

import (
	"context"
	"strconv"
	"time"

	"github.com/c-pro/geche"

	"piksel/internal/envelope"
	"piksel/internal/models"
)

const plaintextTTL = 30 * time.Minute

// Keyring holds the user's key pair and remembers decrypted bodies so a
// message is opened once per edit.
type Keyring struct {
	userID string
	keys   *envelope.KeyPair
	plain  geche.Geche[string, string]
}

func NewKeyring(ctx context.Context, userID string, keys *envelope.KeyPair) *Keyring {
	return &Keyring{
		userID: userID,
		keys:   keys,
		plain:  geche.NewMapTTLCache[string, string](ctx, plaintextTTL, time.Minute),
	}
}

// PublicKey is the encoded key to register with the server.
func (k *Keyring) PublicKey() string {
	return k.keys.Public.String()
}

// Text returns what to render for msg. Messages the user cannot decrypt
// show the undecryptable placeholder.
func (k *Keyring) Text(msg models.Message) string {
	if msg.IsDeleted {
		return ""
	}
	if !msg.IsEncrypted {
		return msg.Body
	}

	key := cacheKey(msg)
	if text, err := k.plain.Get(key); err == nil {
		return text
	}
	text, err := envelope.Open(msg.Envelope, k.userID, k.keys)
	if err != nil {
		return envelope.Undecryptable
	}
	k.plain.Set(key, text)
	return text
}

func cacheKey(msg models.Message) string {
	key := strconv.FormatUint(msg.ID, 10)
	if msg.EditedAt != nil {
		key += ":" + strconv.FormatInt(msg.EditedAt.UnixNano(), 10)
	}
	return key
}
