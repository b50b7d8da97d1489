package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "GIFGUARD"
	defaultDatabaseURL        = "sqlite://BotData/gifguard.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultHTTPAddress        = "127.0.0.1:8090"
	defaultPresenceKind       = "playing"
	defaultPresenceText       = "with the default config"
	defaultAuditPageSize      = 100
	defaultAuditRate          = 5.0
	defaultAuditConcurrency   = 4
	defaultWorkerCount        = 8
	defaultMediaCacheTTL      = 30 * time.Second
	defaultOperatorTokenTTL   = 60 * time.Minute
	maxAuditPageSize          = 100
	defaultDotEnvPath         = ".env"
	presenceKindKey           = "presence.kind"
	presenceTextKey           = "presence.text"
	ownerIDsKey               = "owners.ids"
	classifiersKey            = "filter.classifiers"
	auditDisplayNameCronKey   = "audit.display_name_cron"
	discordTokenKey           = "discord.token"
	operatorSigningSecretKey  = "ops.signing_secret"
	operatorTokenTTLMinuteKey = "ops.token_ttl_minutes"
	countDeletionsKey         = "moderation.count_deletions"
)

var defaultClassifiers = []string{
	"https://tenor.com/view/",
	"https://media.discordapp.net/attachments/",
}

// PresenceKinds lists the accepted presence activity kinds.
var PresenceKinds = []string{"playing", "watching", "listening", "streaming"}

// AppConfig captures runtime configuration for the bot process.
type AppConfig struct {
	DiscordToken           string
	DiscordGuildID         string
	OwnerIDs               []string
	Classifiers            []string
	PresenceKind           string
	PresenceText           string
	DatabaseURL            string
	LogLevel               string
	LogFormat              string
	HTTPAddress            string
	OperatorSigningSecret  string
	OperatorTokenTTL       time.Duration
	AuditPageSize          int
	AuditRequestsPerSecond float64
	AuditConcurrency       int
	AuditDisplayNameCron   string
	WorkerCount            int
	MediaCacheTTL          time.Duration
	CountDeletions         bool
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.url", defaultDatabaseURL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault(presenceKindKey, defaultPresenceKind)
	configViper.SetDefault(presenceTextKey, defaultPresenceText)
	configViper.SetDefault(classifiersKey, defaultClassifiers)
	configViper.SetDefault(ownerIDsKey, []string{})
	configViper.SetDefault("audit.page_size", defaultAuditPageSize)
	configViper.SetDefault("audit.requests_per_second", defaultAuditRate)
	configViper.SetDefault("audit.concurrency", defaultAuditConcurrency)
	configViper.SetDefault(auditDisplayNameCronKey, "")
	configViper.SetDefault("workers.count", defaultWorkerCount)
	configViper.SetDefault("cache.media_ttl", defaultMediaCacheTTL)
	configViper.SetDefault(countDeletionsKey, false)
	configViper.SetDefault(operatorTokenTTLMinuteKey, int(defaultOperatorTokenTTL/time.Minute))
}

// LoadDotEnv populates the process environment from a dotenv file. A missing file at the
// default location is not an error.
func LoadDotEnv(path string) error {
	target := strings.TrimSpace(path)
	explicit := target != ""
	if !explicit {
		target = defaultDotEnvPath
	}
	if err := godotenv.Load(target); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", target, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DiscordToken:           strings.TrimSpace(configViper.GetString(discordTokenKey)),
		DiscordGuildID:         strings.TrimSpace(configViper.GetString("discord.guild_id")),
		OwnerIDs:               normalizeList(configViper.GetStringSlice(ownerIDsKey)),
		Classifiers:            normalizeList(configViper.GetStringSlice(classifiersKey)),
		PresenceKind:           strings.ToLower(strings.TrimSpace(configViper.GetString(presenceKindKey))),
		PresenceText:           configViper.GetString(presenceTextKey),
		DatabaseURL:            strings.TrimSpace(configViper.GetString("database.url")),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		HTTPAddress:            strings.TrimSpace(configViper.GetString("http.address")),
		OperatorSigningSecret:  configViper.GetString(operatorSigningSecretKey),
		OperatorTokenTTL:       time.Duration(configViper.GetInt(operatorTokenTTLMinuteKey)) * time.Minute,
		AuditPageSize:          configViper.GetInt("audit.page_size"),
		AuditRequestsPerSecond: configViper.GetFloat64("audit.requests_per_second"),
		AuditConcurrency:       configViper.GetInt("audit.concurrency"),
		AuditDisplayNameCron:   strings.TrimSpace(configViper.GetString(auditDisplayNameCronKey)),
		WorkerCount:            configViper.GetInt("workers.count"),
		MediaCacheTTL:          configViper.GetDuration("cache.media_ttl"),
		CountDeletions:         configViper.GetBool(countDeletionsKey),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// OperatorConfig is the subset of configuration needed to mint operator tokens.
type OperatorConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
	OwnerIDs      []string
}

// LoadOperator reads token settings without requiring the bot credentials.
func LoadOperator(configViper *viper.Viper) (OperatorConfig, error) {
	cfg := OperatorConfig{
		SigningSecret: configViper.GetString(operatorSigningSecretKey),
		TokenTTL:      time.Duration(configViper.GetInt(operatorTokenTTLMinuteKey)) * time.Minute,
		OwnerIDs:      normalizeList(configViper.GetStringSlice(ownerIDsKey)),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return OperatorConfig{}, fmt.Errorf("%s is required", operatorSigningSecretKey)
	}
	if cfg.TokenTTL <= 0 {
		return OperatorConfig{}, fmt.Errorf("%s must be positive", operatorTokenTTLMinuteKey)
	}
	return cfg, nil
}

// IsOwner reports whether the id belongs to the configured owner set.
func (c AppConfig) IsOwner(userID string) bool {
	for _, owner := range c.OwnerIDs {
		if owner == userID {
			return true
		}
	}
	return false
}

func (c AppConfig) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("%s is required", discordTokenKey)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database.url is required")
	}
	if len(c.OwnerIDs) == 0 {
		return fmt.Errorf("%s requires at least one owner id", ownerIDsKey)
	}
	if !ValidPresenceKind(c.PresenceKind) {
		return fmt.Errorf("%s %q is not one of %s", presenceKindKey, c.PresenceKind, strings.Join(PresenceKinds, ", "))
	}
	if c.AuditPageSize <= 0 || c.AuditPageSize > maxAuditPageSize {
		return fmt.Errorf("audit.page_size must be between 1 and %d", maxAuditPageSize)
	}
	if c.AuditRequestsPerSecond <= 0 {
		return fmt.Errorf("audit.requests_per_second must be positive")
	}
	if c.AuditConcurrency <= 0 {
		return fmt.Errorf("audit.concurrency must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	return nil
}

// ValidPresenceKind reports whether kind is an accepted presence activity kind.
func ValidPresenceKind(kind string) bool {
	for _, candidate := range PresenceKinds {
		if candidate == kind {
			return true
		}
	}
	return false
}

func normalizeList(values []string) []string {
	normalized := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if _, ok := seen[trimmed]; ok {
				continue
			}
			seen[trimmed] = struct{}{}
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
