// Package config handles application configuration from environment variables
// and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"

	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
)

const defaultUserAgent = "reddit_relay/1.0 (telegram notification bot)"

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64

	CheckInterval   time.Duration
	CheckSchedule   string
	SkipInitialSend bool
	LinksBaseURL    string

	DefaultLimit  int
	DefaultTime   model.TimeWindow
	DefaultFilter *model.ItemType

	Reddit RedditConfig
	Media  MediaConfig

	FetchRetries    int
	FetchBackoff    time.Duration
	SendRetries     int
	SendBackoff     time.Duration
	SendRate        int
	PollConcurrency int
}

// RedditConfig selects and configures the content source client.
type RedditConfig struct {
	Mode            string
	UserAgent       string
	ClientID        string
	ClientSecret    string
	Username        string
	Password        string
	RequestInterval time.Duration
	CacheTTL        time.Duration
}

// MediaConfig configures the media resolver.
type MediaConfig struct {
	YTDLPPath   string
	Concurrency int
	Timeout     time.Duration
	MaxBytes    int64
}

// Load reads configuration from a .env file (if present), the YAML file named
// by CONFIG_PATH (if set) and environment variables. Environment variables
// take precedence over file values.
func Load() (*Config, error) {
	_ = godotenv.Load()

	src := source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}
	return load(src)
}

func load(src source) (*Config, error) {
	token := src.get("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}

	cfg := &Config{
		TelegramBotToken: token,
		DatabasePath:     src.getOr("DATABASE_PATH", "./data/bot.db"),
		LogLevel:         src.getOr("LOG_LEVEL", "info"),
		CheckSchedule:    src.get("CHECK_SCHEDULE"),
		LinksBaseURL:     strings.TrimRight(src.get("LINKS_BASE_URL"), "/"),
		DefaultTime:      model.WindowDay,
		Reddit: RedditConfig{
			Mode:         strings.ToLower(src.getOr("REDDIT_MODE", reddit.ModeJSON)),
			UserAgent:    src.getOr("REDDIT_USER_AGENT", defaultUserAgent),
			ClientID:     src.get("REDDIT_CLIENT_ID"),
			ClientSecret: src.get("REDDIT_CLIENT_SECRET"),
			Username:     src.get("REDDIT_USERNAME"),
			Password:     src.get("REDDIT_PASSWORD"),
		},
		Media: MediaConfig{
			YTDLPPath: src.getOr("YTDLP_PATH", "yt-dlp"),
		},
	}

	switch cfg.Reddit.Mode {
	case reddit.ModeJSON, reddit.ModeRSS, reddit.ModeAPI:
	default:
		return nil, fmt.Errorf("invalid REDDIT_MODE %q, use: json, rss, api", cfg.Reddit.Mode)
	}

	var err error
	if cfg.AllowedUsers, err = parseUserIDs(src.get("ALLOWED_USERS")); err != nil {
		return nil, err
	}
	if cfg.SkipInitialSend, err = src.getBool("SKIP_INITIAL_SEND", true); err != nil {
		return nil, err
	}

	durations := []struct {
		key  string
		def  time.Duration
		dest *time.Duration
	}{
		{"CHECK_INTERVAL", 10 * time.Minute, &cfg.CheckInterval},
		{"REDDIT_REQUEST_INTERVAL", 2 * time.Second, &cfg.Reddit.RequestInterval},
		{"REDDIT_CACHE_TTL", time.Minute, &cfg.Reddit.CacheTTL},
		{"FETCH_BACKOFF", 2 * time.Second, &cfg.FetchBackoff},
		{"SEND_BACKOFF", time.Second, &cfg.SendBackoff},
		{"MEDIA_TIMEOUT", 5 * time.Minute, &cfg.Media.Timeout},
	}
	for _, d := range durations {
		if *d.dest, err = src.getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key      string
		def, min int
		dest     *int
	}{
		{"DEFAULT_LIMIT", 1, 1, &cfg.DefaultLimit},
		{"FETCH_RETRIES", 2, 0, &cfg.FetchRetries},
		{"SEND_RETRIES", 3, 0, &cfg.SendRetries},
		{"SEND_RATE", 20, 1, &cfg.SendRate},
		{"POLL_CONCURRENCY", 4, 1, &cfg.PollConcurrency},
		{"MEDIA_CONCURRENCY", 2, 1, &cfg.Media.Concurrency},
	}
	for _, i := range ints {
		if *i.dest, err = src.getInt(i.key, i.def, i.min); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultLimit > model.MaxLimit {
		return nil, fmt.Errorf("DEFAULT_LIMIT must be between 1 and %d", model.MaxLimit)
	}

	if raw := src.get("DEFAULT_TIME"); raw != "" {
		if cfg.DefaultTime, err = model.ParseTimeWindow(raw); err != nil {
			return nil, fmt.Errorf("DEFAULT_TIME: %w", err)
		}
	}
	if raw := src.get("DEFAULT_FILTER"); raw != "" {
		if cfg.DefaultFilter, err = model.ParseTypeFilter(raw); err != nil {
			return nil, fmt.Errorf("DEFAULT_FILTER: %w", err)
		}
	}

	cfg.Media.MaxBytes = 50 * 1000 * 1000
	if raw := src.get("MEDIA_MAX_BYTES"); raw != "" {
		n, err := humanize.ParseBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid MEDIA_MAX_BYTES %q: %w", raw, err)
		}
		cfg.Media.MaxBytes = int64(n)
	}

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// DefaultOptions returns the subscription options used when a command omits them.
func (c *Config) DefaultOptions() model.SubscriptionOptions {
	return model.SubscriptionOptions{
		Limit:  c.DefaultLimit,
		Time:   c.DefaultTime,
		Filter: c.DefaultFilter,
	}
}

func parseUserIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		ids = append(ids, uid)
	}
	return ids, nil
}

// source resolves keys from the environment first, then from the config file.
type source struct {
	env  func(string) string
	file map[string]string
}

func (s source) get(key string) string {
	getenv := s.env
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return s.file[strings.ToLower(key)]
}

func (s source) getOr(key, def string) string {
	if v := s.get(key); v != "" {
		return v
	}
	return def
}

func (s source) getBool(key string, def bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func (s source) getInt(key string, def, minimum int) (int, error) {
	raw := s.get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if v < minimum {
		return 0, fmt.Errorf("%s must be >= %d", key, minimum)
	}
	return v, nil
}

func (s source) getDuration(key string, def time.Duration) (time.Duration, error) {
	raw := s.get(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// readFile flattens a YAML mapping into lower-cased string values. Lists are
// joined with commas so allowed_users can be written as a YAML sequence.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseFile(data)
}

func parseFile(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(x))
			for _, p := range x {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToLower(k)] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config key %q: nested mappings are not supported", k)
		default:
			out[strings.ToLower(k)] = fmt.Sprint(x)
		}
	}
	return out, nil
}
