// Package config loads the reply monitor configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reply-monitor/pkg/replier"
	"reply-monitor/scoring"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Storage  StorageConfig
	Source   SourceConfig
	Scraper  ScraperConfig
	Judge    JudgeConfig
	Scoring  ScoringConfig
	Gate     GateConfig
	Telegram TelegramConfig
	Posting  PostingConfig
	Run      RunConfig
	Notify   NotifyConfig
	Server   ServerConfig
	LogLevel slog.Level
}

type StorageConfig struct {
	LocalPath   string
	Bucket      string
	SQLitePath  string
	DatabaseURL string
}

type SourceConfig struct {
	RulesFile       string
	SheetID         string
	CredentialsFile string
}

type ScraperConfig struct {
	Kind           string
	ApifyToken     string
	ApifyURL       string
	HTMLBaseURL    string
	FetchLimit     int
	MaxPostAge     time.Duration
	IncludeReplies bool
}

type JudgeConfig struct {
	APIKey string
	Model  string
	Prompt string
}

type ScoringConfig struct {
	Policy           scoring.CombinePolicy
	Threshold        float64
	JudgeWeight      float64
	EngagementWeight float64
}

type GateConfig struct {
	Denylist   []string
	Patterns   []string
	Cooldown   time.Duration
	CapWindow  time.Duration
	GlobalCap  int
	ReviewMode bool
}

type TelegramConfig struct {
	BotToken string
	ChatID   string
}

type PostingConfig struct {
	BearerToken string
	Endpoint    string
	Enabled     bool
	Attempts    uint
	BaseDelay   time.Duration
}

type RunConfig struct {
	Workers  int
	Timeout  time.Duration
	Interval time.Duration
}

type NotifyConfig struct {
	Provider    string
	To          string
	From        string
	BrevoAPIKey string
}

type ServerConfig struct {
	Port       string
	AdminToken string
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{LocalPath: "./data"},
		Scraper: ScraperConfig{
			Kind:       "apify",
			FetchLimit: 20,
			MaxPostAge: 30 * 24 * time.Hour,
		},
		Scoring: ScoringConfig{
			Policy:    scoring.PolicyKeywordOnly,
			Threshold: scoring.DefaultThreshold,
		},
		Gate: GateConfig{
			Cooldown:  6 * time.Hour,
			CapWindow: 24 * time.Hour,
			GlobalCap: 20,
		},
		Posting: PostingConfig{
			Attempts:  4,
			BaseDelay: 2 * time.Second,
		},
		Run: RunConfig{
			Workers:  4,
			Timeout:  15 * time.Minute,
			Interval: 24 * time.Hour,
		},
		Notify:   NotifyConfig{Provider: "mock"},
		Server:   ServerConfig{Port: "8080"},
		LogLevel: slog.LevelInfo,
	}
}

// Load reads .env (if present), the environment and the optional rules file,
// then validates the result. Errors wrap replier.ErrConfigInvalid.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w: %w", replier.ErrConfigInvalid, err)
	}
	return loadWith(os.Getenv)
}

func loadWith(getenv func(string) string) (Config, error) {
	cfg := defaults()
	e := &env{getenv: getenv}

	cfg.Storage.LocalPath = e.str("LOCAL_STORAGE", cfg.Storage.LocalPath)
	cfg.Storage.Bucket = e.str("STORAGE_BUCKET", "")
	if cfg.Storage.Bucket != "" && getenv("LOCAL_STORAGE") == "" {
		cfg.Storage.LocalPath = ""
	}
	cfg.Storage.SQLitePath = e.str("SQLITE_PATH", "")
	cfg.Storage.DatabaseURL = e.str("DATABASE_URL", "")

	cfg.Source.RulesFile = e.str("RULES_FILE", "")
	cfg.Source.SheetID = e.str("GOOGLE_SHEET_ID", "")
	cfg.Source.CredentialsFile = e.str("GOOGLE_CREDENTIALS_FILE", "")

	cfg.Scraper.Kind = strings.ToLower(e.str("SCRAPER", cfg.Scraper.Kind))
	cfg.Scraper.ApifyToken = e.str("APIFY_TOKEN", "")
	cfg.Scraper.ApifyURL = e.str("APIFY_URL", "")
	cfg.Scraper.HTMLBaseURL = e.str("HTML_SCRAPER_BASE_URL", "")
	cfg.Scraper.FetchLimit = e.integer("FETCH_LIMIT", cfg.Scraper.FetchLimit)
	cfg.Scraper.MaxPostAge = e.duration("MAX_POST_AGE", cfg.Scraper.MaxPostAge)
	cfg.Scraper.IncludeReplies = e.boolean("INCLUDE_REPLIES", false)

	cfg.Judge.APIKey = e.str("GEMINI_API_KEY", "")
	cfg.Judge.Model = e.str("GEMINI_MODEL", "")
	cfg.Judge.Prompt = e.str("JUDGE_PROMPT", "")

	if p, err := scoring.ParsePolicy(e.str("COMBINE_POLICY", "")); err != nil {
		e.errs = append(e.errs, err)
	} else {
		cfg.Scoring.Policy = p
	}
	cfg.Scoring.Threshold = e.float("SCORE_THRESHOLD", cfg.Scoring.Threshold)
	cfg.Scoring.JudgeWeight = e.float("JUDGE_WEIGHT", cfg.Scoring.JudgeWeight)
	cfg.Scoring.EngagementWeight = e.float("ENGAGEMENT_WEIGHT", cfg.Scoring.EngagementWeight)

	cfg.Gate.Cooldown = e.duration("COOLDOWN", cfg.Gate.Cooldown)
	cfg.Gate.GlobalCap = e.integer("GLOBAL_CAP", cfg.Gate.GlobalCap)
	cfg.Gate.CapWindow = e.duration("CAP_WINDOW", cfg.Gate.CapWindow)
	cfg.Gate.ReviewMode = e.boolean("REVIEW_MODE", false)
	cfg.Gate.Denylist = e.list("SAFETY_DENYLIST")
	cfg.Gate.Patterns = e.list("SAFETY_PATTERNS")

	cfg.Telegram.BotToken = e.str("TELEGRAM_BOT_TOKEN", "")
	cfg.Telegram.ChatID = e.str("TELEGRAM_CHAT_ID", "")

	cfg.Posting.BearerToken = e.str("X_BEARER_TOKEN", "")
	cfg.Posting.Endpoint = e.str("X_API_URL", "")
	cfg.Posting.Enabled = e.boolean("ENABLE_POSTING", false)
	cfg.Posting.Attempts = uint(e.integer("DISPATCH_ATTEMPTS", int(cfg.Posting.Attempts)))
	cfg.Posting.BaseDelay = e.duration("DISPATCH_BASE_DELAY", cfg.Posting.BaseDelay)

	cfg.Run.Workers = e.integer("WORKERS", cfg.Run.Workers)
	cfg.Run.Timeout = e.duration("RUN_TIMEOUT", cfg.Run.Timeout)
	cfg.Run.Interval = e.duration("RUN_INTERVAL", cfg.Run.Interval)

	cfg.Notify.Provider = strings.ToLower(e.str("NOTIFY_PROVIDER", cfg.Notify.Provider))
	cfg.Notify.To = e.str("NOTIFY_TO", "")
	cfg.Notify.From = e.str("NOTIFY_FROM", "")
	cfg.Notify.BrevoAPIKey = e.str("BREVO_API_KEY", "")

	cfg.Server.Port = e.str("PORT", cfg.Server.Port)
	cfg.Server.AdminToken = e.str("ADMIN_TOKEN", "")

	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(lvl)); err != nil {
			e.errs = append(e.errs, fmt.Errorf("LOG_LEVEL %q: %w", lvl, replier.ErrConfigInvalid))
		}
	}

	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}

	if cfg.Source.RulesFile != "" {
		rf, err := ReadRulesFile(cfg.Source.RulesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Gate.Denylist = append(cfg.Gate.Denylist, rf.Safety.Denylist...)
		cfg.Gate.Patterns = append(cfg.Gate.Patterns, rf.Safety.Patterns...)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), replier.ErrConfigInvalid))
	}

	if c.Storage.LocalPath == "" && c.Storage.Bucket == "" {
		invalid("one of LOCAL_STORAGE or STORAGE_BUCKET is required")
	}
	if c.Source.RulesFile == "" && c.Source.SheetID == "" {
		invalid("one of RULES_FILE or GOOGLE_SHEET_ID is required")
	}

	switch c.Scraper.Kind {
	case "apify":
		if c.Scraper.ApifyToken == "" {
			invalid("APIFY_TOKEN is required for the apify scraper")
		}
	case "html":
		if c.Scraper.HTMLBaseURL == "" {
			invalid("HTML_SCRAPER_BASE_URL is required for the html scraper")
		}
	default:
		invalid("unknown SCRAPER %q", c.Scraper.Kind)
	}
	if c.Scraper.FetchLimit < 1 {
		invalid("FETCH_LIMIT must be positive")
	}

	if c.Scoring.Policy != scoring.PolicyKeywordOnly && c.Judge.APIKey == "" {
		invalid("COMBINE_POLICY %s needs GEMINI_API_KEY", c.Scoring.Policy)
	}

	if c.Gate.Cooldown < 0 || c.Gate.GlobalCap < 0 || c.Gate.CapWindow <= 0 {
		invalid("COOLDOWN and GLOBAL_CAP must not be negative and CAP_WINDOW must be positive")
	}

	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		invalid("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}

	if c.Posting.Enabled && c.Posting.BearerToken == "" {
		invalid("X_BEARER_TOKEN is required when ENABLE_POSTING is set")
	}
	if c.Posting.Attempts < 1 {
		invalid("DISPATCH_ATTEMPTS must be at least 1")
	}

	if c.Run.Workers < 1 {
		invalid("WORKERS must be at least 1")
	}
	if c.Run.Timeout <= 0 || c.Run.Interval <= 0 {
		invalid("RUN_TIMEOUT and RUN_INTERVAL must be positive")
	}

	switch c.Notify.Provider {
	case "mock", "none":
	case "gmail":
		if c.Notify.To == "" || c.Source.CredentialsFile == "" {
			invalid("gmail notifications need NOTIFY_TO and GOOGLE_CREDENTIALS_FILE")
		}
	case "brevo":
		if c.Notify.To == "" || c.Notify.From == "" || c.Notify.BrevoAPIKey == "" {
			invalid("brevo notifications need NOTIFY_TO, NOTIFY_FROM and BREVO_API_KEY")
		}
	case "telegram":
		if c.Telegram.BotToken == "" {
			invalid("telegram notifications need TELEGRAM_BOT_TOKEN")
		}
	default:
		invalid("unknown NOTIFY_PROVIDER %q", c.Notify.Provider)
	}

	return errors.Join(errs...)
}

// env reads typed values and collects parse errors.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) fail(key, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w: %w", key, v, replier.ErrConfigInvalid, err))
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	var out []string
	for _, s := range strings.Split(e.getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
