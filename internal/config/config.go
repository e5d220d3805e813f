// Package config loads runtime settings from .env files, the environment and,
// optionally, AWS SSM Parameter Store.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendFirestore = "firestore"
	BackendDynamoDB  = "dynamodb"
)

// Firebase is the web app configuration of the identity provider project.
type Firebase struct {
	APIKey            string
	AuthDomain        string
	ProjectID         string
	StorageBucket     string
	MessagingSenderID string
	AppID             string
}

type Config struct {
	QABaseURL    string
	QAAskPath    string
	QAUploadPath string
	QATimeout    time.Duration
	QAMaxRetries int
	QARetryDelay time.Duration

	GuestDispatch bool

	Backend       string
	StateTable    string
	WatchInterval time.Duration

	DeviceDB  string
	LogLevel  string
	LogFormat string

	Firebase    Firebase
	ParamPrefix string
}

// Lookup reads one variable; os.LookupEnv satisfies it.
type Lookup func(key string) (string, bool)

// Overlay supplies values that take precedence over the environment.
type Overlay interface {
	Values(ctx context.Context, prefix string) (map[string]string, error)
}

// LoadDotEnv loads the given files (default ".env") into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds a Config from lookup. When PARAM_PREFIX is set and overlay is
// not nil, parameters under the prefix override the environment.
func Load(ctx context.Context, lookup Lookup, overlay Overlay) (Config, error) {
	if lookup == nil {
		return Config{}, errors.New("config: lookup must not be nil")
	}
	if prefix, _ := lookup("PARAM_PREFIX"); strings.TrimSpace(prefix) != "" && overlay != nil {
		vals, err := overlay.Values(ctx, prefix)
		if err != nil {
			return Config{}, fmt.Errorf("config: parameter overlay: %w", err)
		}
		base := lookup
		lookup = func(key string) (string, bool) {
			if v, ok := vals[key]; ok {
				return v, true
			}
			return base(key)
		}
	}

	r := reader{lookup: lookup}
	cfg := Config{
		QABaseURL:     r.str("QA_BASE_URL", ""),
		QAAskPath:     r.str("QA_ASK_PATH", "/qa/ask"),
		QAUploadPath:  r.str("QA_UPLOAD_PATH", "/pdf/upload"),
		QATimeout:     r.duration("QA_TIMEOUT", 60*time.Second),
		QAMaxRetries:  r.int("QA_MAX_RETRIES", 2),
		QARetryDelay:  r.duration("QA_RETRY_DELAY", time.Second),
		GuestDispatch: r.bool("GUEST_DISPATCH", false),
		Backend:       strings.ToLower(r.str("TRANSCRIPT_BACKEND", BackendFirestore)),
		StateTable:    r.str("STATE_TABLE", "users"),
		WatchInterval: r.duration("WATCH_INTERVAL", 3*time.Second),
		DeviceDB:      r.str("DEVICE_DB", defaultDeviceDB(lookup)),
		LogLevel:      r.str("LOG_LEVEL", "info"),
		LogFormat:     strings.ToLower(r.str("LOG_FORMAT", "text")),
		Firebase: Firebase{
			APIKey:            r.str("FIREBASE_API_KEY", ""),
			AuthDomain:        r.str("FIREBASE_AUTH_DOMAIN", ""),
			ProjectID:         r.str("FIREBASE_PROJECT_ID", ""),
			StorageBucket:     r.str("FIREBASE_STORAGE_BUCKET", ""),
			MessagingSenderID: r.str("FIREBASE_MESSAGING_SENDER_ID", ""),
			AppID:             r.str("FIREBASE_APP_ID", ""),
		},
		ParamPrefix: r.str("PARAM_PREFIX", ""),
	}
	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(r.errs...))
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.QABaseURL == "" {
		errs = append(errs, errors.New("QA_BASE_URL is required"))
	} else if u, err := url.Parse(c.QABaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("QA_BASE_URL %q is not an http(s) url", c.QABaseURL))
	}
	if c.Firebase.APIKey == "" {
		errs = append(errs, errors.New("FIREBASE_API_KEY is required"))
	}
	switch c.Backend {
	case BackendFirestore:
		if c.Firebase.ProjectID == "" {
			errs = append(errs, errors.New("FIREBASE_PROJECT_ID is required for the firestore backend"))
		}
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			errs = append(errs, errors.New("STATE_TABLE is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIPT_BACKEND %q is not one of firestore, dynamodb", c.Backend))
	}
	if c.QATimeout <= 0 {
		errs = append(errs, errors.New("QA_TIMEOUT must be positive"))
	}
	if c.QAMaxRetries < 0 {
		errs = append(errs, errors.New("QA_MAX_RETRIES must not be negative"))
	}
	if c.QARetryDelay < 0 {
		errs = append(errs, errors.New("QA_RETRY_DELAY must not be negative"))
	}
	if c.WatchInterval <= 0 {
		errs = append(errs, errors.New("WATCH_INTERVAL must be positive"))
	}
	if c.DeviceDB == "" {
		errs = append(errs, errors.New("DEVICE_DB is required"))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of text, json", c.LogFormat))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel returns the configured level, or info when it does not parse.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func defaultDeviceDB(lookup Lookup) string {
	dir, _ := lookup("XDG_CONFIG_HOME")
	if dir == "" {
		if home, _ := lookup("HOME"); home != "" {
			dir = filepath.Join(home, ".config")
		}
	}
	if dir == "" {
		var err error
		if dir, err = os.UserConfigDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(dir, "qa-chat", "device.db")
}

// reader collects parse errors instead of failing on the first one.
type reader struct {
	lookup Lookup
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
