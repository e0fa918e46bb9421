package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"piksel/internal/models"
)

type Config struct {
	DBFile          string
	AdminAddr       string
	APIAddr         string
	AuthSecret      string
	TokenExpiry     time.Duration
	DefaultMode     models.EncryptionMode
	OwnerSuccession string
	RedisURL        string
	FrameRate       float64
	FrameBurst      int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string

	LogLevel  string
	LogFormat string
}

const (
	SuccessionEarliestJoined = "earliest_joined"
	SuccessionRandom         = "random"
)

// source resolves a key from the environment first and then from the
// optional config file.
type source struct {
	file map[string]any
}

// Load reads the configuration. When PIKSEL_CONFIG names a TOML file its
// keys (the same names as the environment variables) are used as defaults
// that the environment overrides.
func Load(cliMode bool) (*Config, error) {
	src := source{}
	if path := os.Getenv("PIKSEL_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &src.file); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}
	return src.load(cliMode)
}

func (s source) load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(s.get("TOKEN_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}
	frameRate, err := strconv.ParseFloat(s.get("FRAME_RATE", "20"), 64)
	if err != nil {
		return nil, fmt.Errorf("FRAME_RATE: %w", err)
	}
	frameBurst, err := strconv.Atoi(s.get("FRAME_BURST", "40"))
	if err != nil {
		return nil, fmt.Errorf("FRAME_BURST: %w", err)
	}

	cfg := &Config{
		DBFile:          s.get("PIKSEL_DB", "piksel.db"),
		AdminAddr:       s.get("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         s.get("API_ADDR", ":8080"),
		AuthSecret:      s.get("AUTH_SECRET", ""),
		TokenExpiry:     tokenExpiry,
		DefaultMode:     models.EncryptionMode(s.get("DEFAULT_ENCRYPTION_MODE", string(models.EncryptionEndToEnd))),
		OwnerSuccession: s.get("OWNER_SUCCESSION", SuccessionEarliestJoined),
		RedisURL:        s.get("REDIS_URL", ""),
		FrameRate:       frameRate,
		FrameBurst:      frameBurst,

		VAPIDPublicKey:  s.get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: s.get("VAPID_PRIVATE_KEY", ""),
		VAPIDSubscriber: s.get("VAPID_SUBSCRIBER", ""),

		CloudinaryCloudName: s.get("CLOUDINARY_CLOUD_NAME", ""),
		CloudinaryAPIKey:    s.get("CLOUDINARY_API_KEY", ""),
		CloudinaryAPISecret: s.get("CLOUDINARY_API_SECRET", ""),

		LogLevel:  s.get("LOG_LEVEL", "info"),
		LogFormat: s.get("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if !c.DefaultMode.Valid() {
		return fmt.Errorf("DEFAULT_ENCRYPTION_MODE must be %q or %q", models.EncryptionEndToEnd, models.EncryptionServerManaged)
	}

	switch c.OwnerSuccession {
	case SuccessionEarliestJoined, SuccessionRandom:
	default:
		return fmt.Errorf("OWNER_SUCCESSION must be %q or %q", SuccessionEarliestJoined, SuccessionRandom)
	}

	if c.FrameRate < 0 || c.FrameBurst < 0 {
		return fmt.Errorf("FRAME_RATE and FRAME_BURST must not be negative")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Logger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func (s source) get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	if value, ok := s.file[key]; ok {
		return fmt.Sprint(value)
	}
	return fallback
}
