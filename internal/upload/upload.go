// Package upload signs direct-to-provider media uploads. Files never pass
// through this server.
package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"piksel/internal/apperr"
	"piksel/internal/content"
	"piksel/internal/models"
)

const apiBase = "https://api.cloudinary.com/v1_1"

var ErrNotConfigured = errors.New("upload signing is not configured")

type Config struct {
	CloudName string
	APIKey    string
	APISecret string
}

func (c Config) Enabled() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

type Signer struct {
	Config
	now func() time.Time
}

func NewSigner(cfg Config) *Signer {
	return &Signer{Config: cfg, now: time.Now}
}

// Sign returns a signed upload target for a media file owned by userID.
// Only image, video and audio files are accepted.
func (s *Signer) Sign(userID string, req *models.UploadSignRequest) (models.UploadTarget, error) {
	if !s.Enabled() {
		return models.UploadTarget{}, apperr.Wrap(apperr.CodeInternal, "uploads are disabled", ErrNotConfigured)
	}

	mime, err := detectMIME(req.FileName, req.MimeType)
	if err != nil {
		return models.UploadTarget{}, err
	}

	publicID := req.PublicID
	if publicID == "" {
		publicID = "piksel/" + userID + "/" + uuid.NewString()
	}
	if err := content.ValidatePublicID(publicID); err != nil {
		return models.UploadTarget{}, apperr.Validation("%v", err)
	}

	ts := s.now().Unix()
	return models.UploadTarget{
		URL:       fmt.Sprintf("%s/%s/%s/upload", apiBase, s.CloudName, resourceType(mime)),
		APIKey:    s.APIKey,
		CloudName: s.CloudName,
		PublicID:  publicID,
		Timestamp: ts,
		Signature: Signature(publicID, ts, s.APISecret),
		MimeType:  mime,
	}, nil
}

// Signature is the provider's request signature: the hex SHA-1 of the
// sorted parameters followed by the secret.
func Signature(publicID string, timestamp int64, secret string) string {
	params := "public_id=" + publicID + "&timestamp=" + strconv.FormatInt(timestamp, 10)
	sum := sha1.Sum([]byte(params + secret))
	return hex.EncodeToString(sum[:])
}

func detectMIME(fileName, declared string) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	if ext == "" || !filetype.IsSupported(ext) {
		return "", apperr.Validation("unsupported file type %q", fileName)
	}
	kind := filetype.GetType(ext)
	switch kind.MIME.Type {
	case "image", "video", "audio":
	default:
		return "", apperr.Validation("only image, video and audio uploads are allowed")
	}
	if declared != "" && declared != kind.MIME.Value {
		return "", apperr.Validation("mime type %q does not match file extension", declared)
	}
	return kind.MIME.Value, nil
}

func resourceType(mime string) string {
	if strings.HasPrefix(mime, "image/") {
		return "image"
	}
	// Audio uploads use the video resource type.
	return "video"
}
