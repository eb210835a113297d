package internal

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

type Config struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=8080"`
	GrpcPort int    `env:"GRPC_PORT,default=9090"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	StoreDriver     string `env:"STORE_DRIVER,default=badger"`
	BadgerFilepath  string `env:"BADGER_FILEPATH,default=./data/badger"`
	SQLiteFilepath  string `env:"SQLITE_FILEPATH,default=./data/relay.db"`
	SearchIndexPath string `env:"SEARCH_INDEX_PATH"`

	CensoredDir          string `env:"CENSORED_DIR"`
	CharacterReplacement string `env:"CHARACTER_REPLACEMENT,default=*"`

	HistorySnapshotSize    int  `env:"HISTORY_SNAPSHOT_SIZE,default=50"`
	RequireRegisteredUsers bool `env:"REQUIRE_REGISTERED_USERS,default=true"`
	MaxBodyLength          int  `env:"MAX_BODY_LENGTH,default=4096"`

	MaxMessageSize       int64         `env:"MAX_MESSAGE_SIZE,default=32768"`
	ConnectionBufferSize int           `env:"CONNECTION_BUFFER_SIZE,default=256"`
	PushTimeout          time.Duration `env:"PUSH_TIMEOUT,default=100ms"`
	SinkTimeout          time.Duration `env:"SINK_TIMEOUT,default=2s"`
	RateLimitBurst       int           `env:"RATE_LIMIT_BURST,default=20"`
	RateLimitInterval    time.Duration `env:"RATE_LIMIT_INTERVAL,default=10s"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS"`

	MetricInterval  time.Duration `env:"METRIC_INTERVAL,default=30s"`
	RestartInterval time.Duration `env:"RESTART_INTERVAL,default=200ms"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Validate rejects combinations go-env cannot express with tags.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreBadger, StoreSQLite:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreBadger, StoreSQLite, c.StoreDriver)
	}
	if c.HistorySnapshotSize < 0 {
		return fmt.Errorf("HISTORY_SNAPSHOT_SIZE must not be negative, got %d", c.HistorySnapshotSize)
	}
	if c.MaxBodyLength <= 0 {
		return fmt.Errorf("MAX_BODY_LENGTH must be positive, got %d", c.MaxBodyLength)
	}
	if minimum := FrameSizeFor(c.MaxBodyLength); c.MaxMessageSize < minimum {
		return fmt.Errorf("MAX_MESSAGE_SIZE must fit a %d character body, need at least %d bytes, got %d",
			c.MaxBodyLength, minimum, c.MaxMessageSize)
	}
	if c.MetricInterval <= 0 {
		return fmt.Errorf("METRIC_INTERVAL must be positive, got %s", c.MetricInterval)
	}
	if c.RestartInterval <= 0 {
		return fmt.Errorf("RESTART_INTERVAL must be positive, got %s", c.RestartInterval)
	}
	if _, err := CharacterRune(c.CharacterReplacement); err != nil {
		return err
	}
	return nil
}

// envelopeOverhead covers the event type, the recipient and the JSON punctuation around a body.
const envelopeOverhead = 1024

// FrameSizeFor is the smallest websocket read limit that still accepts a body of
// maxBodyLength characters, each up to utf8.UTFMax bytes.
func FrameSizeFor(maxBodyLength int) int64 {
	return int64(maxBodyLength)*utf8.UTFMax + envelopeOverhead
}

// Origins splits ALLOWED_ORIGINS on commas. Empty means same host only.
func (c Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func CharacterRune(str string) (rune, error) {
	r := []rune(str)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			str,
		)
	}
	return r[0], nil
}
