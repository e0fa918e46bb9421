package upload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"piksel/internal/apperr"
	"piksel/internal/models"
)

func newTestSigner() *Signer {
	s := NewSigner(Config{CloudName: "demo", APIKey: "key", APISecret: "secret"})
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestSignature(t *testing.T) {
	// sha1("public_id=sample&timestamp=1315060510abcd")
	assert.Equal(t, "c3470533147774275dd37996cc4d0e68fd03cd4f", Signature("sample", 1315060510, "abcd"))
}

func TestSign(t *testing.T) {
	s := newTestSigner()

	target, err := s.Sign("alice", &models.UploadSignRequest{PublicID: "avatars/alice", FileName: "me.PNG"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.cloudinary.com/v1_1/demo/image/upload", target.URL)
	assert.Equal(t, "image/png", target.MimeType)
	assert.Equal(t, int64(1700000000), target.Timestamp)
	assert.Equal(t, Signature("avatars/alice", 1700000000, "secret"), target.Signature)
	assert.Equal(t, "key", target.APIKey)

	target, err = s.Sign("alice", &models.UploadSignRequest{FileName: "clip.mp4"})
	require.NoError(t, err)
	assert.Contains(t, target.PublicID, "piksel/alice/")
	assert.Contains(t, target.URL, "/video/upload")
}

func TestSignRejects(t *testing.T) {
	s := newTestSigner()

	tests := []struct {
		name string
		req  models.UploadSignRequest
	}{
		{"no extension", models.UploadSignRequest{FileName: "README"}},
		{"unknown extension", models.UploadSignRequest{FileName: "notes.xyz"}},
		{"archive", models.UploadSignRequest{FileName: "backup.zip"}},
		{"mime mismatch", models.UploadSignRequest{FileName: "a.png", MimeType: "image/jpeg"}},
		{"bad public id", models.UploadSignRequest{FileName: "a.png", PublicID: "../etc"}},
		{"public id with spaces", models.UploadSignRequest{FileName: "a.png", PublicID: "bad id!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Sign("alice", &tt.req)
			assert.True(t, apperr.Is(err, apperr.CodeValidation), "got %v", err)
		})
	}

	_, err := NewSigner(Config{}).Sign("alice", &models.UploadSignRequest{FileName: "a.png"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
