// Package config loads and validates runtime settings from defaults, an
// optional YAML file, a .env file, environment variables and CLI flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	ProviderAdGuard    = "adguard"
	ProviderCloudflare = "cloudflare"
)

type AdGuard struct {
	URL      string
	Username string
	Password string
}

type Cloudflare struct {
	Token string
	Zone  string
}

type Sync struct {
	Interval        time.Duration
	Debounce        time.Duration
	SafetyThreshold float64
}

type Retry struct {
	MaxAttempts    int
	Delay          time.Duration
	RequestTimeout time.Duration
}

type Store struct {
	Path        string
	MaxBackups  int
	LockTimeout time.Duration
}

type Health struct {
	Port                   int
	CacheDuration          time.Duration
	MaxConsecutiveFailures int
	CheckTimeout           time.Duration
}

type Kube struct {
	Kubeconfig         string
	WatchTimeout       time.Duration
	HostnameAnnotation string
}

type Archive struct {
	Enabled           bool
	Endpoint          string
	AccessKey         string
	SecretKey         string
	Bucket            string
	Path              string
	UseSSL            bool
	AutoCreate        bool
	CapacityThreshold float64
}

type Log struct {
	Level string
	JSON  bool
}

// Config is the validated runtime configuration.
type Config struct {
	Provider      string
	AdGuard       AdGuard
	Cloudflare    Cloudflare
	Sync          Sync
	Retry         Retry
	Store         Store
	Health        Health
	Kube          Kube
	Archive       Archive
	ShutdownGrace time.Duration
	VerifyServer  string
	Log           Log
}

// envBindings maps config keys to the environment variables they read.
var envBindings = map[string]string{
	"provider":                        "SYNC_PROVIDER",
	"adguard.url":                     "ADGUARD_URL",
	"adguard.username":                "ADGUARD_USERNAME",
	"adguard.password":                "ADGUARD_PASSWORD",
	"cloudflare.token":                "CLOUDFLARE_API_TOKEN",
	"cloudflare.zone":                 "CLOUDFLARE_ZONE",
	"sync.interval":                   "SYNC_INTERVAL",
	"sync.debounce":                   "APP_CHANGE_WAIT_TIME",
	"sync.safety_threshold":           "ADGUARD_SAFETY_THRESHOLD",
	"retry.max_attempts":              "ADGUARD_MAX_RETRIES",
	"retry.delay":                     "ADGUARD_RETRY_DELAY",
	"request.timeout":                 "ADGUARD_REQUEST_TIMEOUT",
	"store.path":                      "DB_FILE",
	"store.max_backups":               "DB_MAX_BACKUPS",
	"store.lock_timeout":              "DB_LOCK_TIMEOUT",
	"health.port":                     "APP_HEALTH_SERVER_PORT",
	"health.cache_duration":           "HEALTH_CACHE_DURATION",
	"health.max_consecutive_failures": "HEALTH_MAX_CONSECUTIVE_FAILURES",
	"health.check_timeout":            "HEALTH_CHECK_TIMEOUT",
	"shutdown.grace":                  "APP_THREAD_JOIN_TIMEOUT",
	"kube.kubeconfig":                 "KUBECONFIG",
	"kube.watch_timeout":              "K8S_WATCH_TIMEOUT",
	"kube.hostname_annotation":        "DNS_HOSTNAME_ANNOTATION",
	"archive.enabled":                 "ARCHIVE_ENABLED",
	"archive.endpoint":                "MINIO_ENDPOINT",
	"archive.access_key":              "MINIO_ACCESS_KEY",
	"archive.secret_key":              "MINIO_SECRET_KEY",
	"archive.bucket":                  "MINIO_BUCKET",
	"archive.path":                    "MINIO_BUCKET_PATH",
	"archive.ssl":                     "MINIO_SSL",
	"archive.auto_create":             "MINIO_AUTO_CREATE_BUCKET",
	"archive.capacity_threshold":      "MINIO_CAPACITY_THRESHOLD",
	"verify.server":                   "VERIFY_DNS_SERVER",
	"log.level":                       "LOG_LEVEL",
	"log.json":                        "JSON_LOGGING",
}

// SetDefaults registers default values and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("provider", ProviderAdGuard)
	v.SetDefault("adguard.url", "http://adguard:3000")
	v.SetDefault("adguard.username", "admin")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.debounce", "5s")
	v.SetDefault("sync.safety_threshold", 0.8)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.delay", "2s")
	v.SetDefault("request.timeout", "10s")
	v.SetDefault("store.path", "/app/data/managed_rules.json")
	v.SetDefault("store.max_backups", 5)
	v.SetDefault("store.lock_timeout", "30s")
	v.SetDefault("health.port", 8080)
	v.SetDefault("health.cache_duration", "30s")
	v.SetDefault("health.max_consecutive_failures", 3)
	v.SetDefault("health.check_timeout", "10s")
	v.SetDefault("shutdown.grace", "5s")
	v.SetDefault("kube.watch_timeout", "0s")
	v.SetDefault("kube.hostname_annotation", "dns.sync/hostname")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.path", "adguard-sync")
	v.SetDefault("archive.ssl", true)
	v.SetDefault("archive.capacity_threshold", 95.0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// ReadFile loads an optional config file and .env file into v. A missing
// default config file is not an error; an explicit one must exist.
func ReadFile(v *viper.Viper, cfgFile string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env file: %w", err)
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
		return nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.SetConfigType("yaml")
	v.SetConfigName(".adguard-sync")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}
	return nil
}

// Load builds a Config from v and validates all of it.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := parse(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadState builds a Config from v and validates only the settings used to
// read and restore the state file: store, archive and logging.
func LoadState(v *viper.Viper) (*Config, error) {
	cfg, err := parse(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateState(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(v *viper.Viper) (*Config, error) {
	var errs []error
	dur := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	num := func(key string) int {
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v.GetString(key)))
		}
		return n
	}
	float := func(key string) float64 {
		f, err := strconv.ParseFloat(strings.TrimSpace(v.GetString(key)), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid number %q", key, v.GetString(key)))
		}
		return f
	}

	cfg := &Config{
		Provider: strings.ToLower(strings.TrimSpace(v.GetString("provider"))),
		AdGuard: AdGuard{
			URL:      v.GetString("adguard.url"),
			Username: v.GetString("adguard.username"),
			Password: v.GetString("adguard.password"),
		},
		Cloudflare: Cloudflare{
			Token: v.GetString("cloudflare.token"),
			Zone:  v.GetString("cloudflare.zone"),
		},
		Sync: Sync{
			Interval:        dur("sync.interval"),
			Debounce:        dur("sync.debounce"),
			SafetyThreshold: float("sync.safety_threshold"),
		},
		Retry: Retry{
			MaxAttempts:    num("retry.max_attempts"),
			Delay:          dur("retry.delay"),
			RequestTimeout: dur("request.timeout"),
		},
		Store: Store{
			Path:        v.GetString("store.path"),
			MaxBackups:  num("store.max_backups"),
			LockTimeout: dur("store.lock_timeout"),
		},
		Health: Health{
			Port:                   num("health.port"),
			CacheDuration:          dur("health.cache_duration"),
			MaxConsecutiveFailures: num("health.max_consecutive_failures"),
			CheckTimeout:           dur("health.check_timeout"),
		},
		Kube: Kube{
			Kubeconfig:         v.GetString("kube.kubeconfig"),
			WatchTimeout:       dur("kube.watch_timeout"),
			HostnameAnnotation: v.GetString("kube.hostname_annotation"),
		},
		Archive: Archive{
			Enabled:           v.GetBool("archive.enabled"),
			Endpoint:          v.GetString("archive.endpoint"),
			AccessKey:         v.GetString("archive.access_key"),
			SecretKey:         v.GetString("archive.secret_key"),
			Bucket:            v.GetString("archive.bucket"),
			Path:              v.GetString("archive.path"),
			UseSSL:            v.GetBool("archive.ssl"),
			AutoCreate:        v.GetBool("archive.auto_create"),
			CapacityThreshold: float("archive.capacity_threshold"),
		},
		ShutdownGrace: dur("shutdown.grace"),
		VerifyServer:  v.GetString("verify.server"),
		Log: Log{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

type validator struct {
	errs []error
}

func (v *validator) check(ok bool, format string, args ...any) {
	if !ok {
		v.errs = append(v.errs, fmt.Errorf(format, args...))
	}
}

func (v *validator) durRange(key string, d, lo, hi time.Duration) {
	v.check(d >= lo && d <= hi, "%s must be between %s and %s, got %s", key, lo, hi, d)
}

func (v *validator) intRange(key string, n, lo, hi int) {
	v.check(n >= lo && n <= hi, "%s must be between %d and %d, got %d", key, lo, hi, n)
}

func (v *validator) err() error {
	if len(v.errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(v.errs...))
	}
	return nil
}

// Validate checks every value against its allowed range.
func (c *Config) Validate() error {
	v := &validator{}
	switch c.Provider {
	case ProviderAdGuard:
		v.check(strings.TrimSpace(c.AdGuard.Password) != "", "adguard.password (ADGUARD_PASSWORD) is required")
		v.check(strings.HasPrefix(c.AdGuard.URL, "http://") || strings.HasPrefix(c.AdGuard.URL, "https://"),
			"adguard.url must start with http:// or https://, got %q", c.AdGuard.URL)
	case ProviderCloudflare:
		v.check(strings.TrimSpace(c.Cloudflare.Token) != "", "cloudflare.token (CLOUDFLARE_API_TOKEN) is required")
		v.check(strings.TrimSpace(c.Cloudflare.Zone) != "", "cloudflare.zone (CLOUDFLARE_ZONE) is required")
	default:
		v.check(false, "provider must be %q or %q, got %q", ProviderAdGuard, ProviderCloudflare, c.Provider)
	}

	v.durRange("sync.interval", c.Sync.Interval, 5*time.Second, time.Hour)
	v.durRange("sync.debounce", c.Sync.Debounce, time.Second, time.Minute)
	v.check(c.Sync.SafetyThreshold >= 0.1 && c.Sync.SafetyThreshold <= 1.0,
		"sync.safety_threshold must be between 0.1 and 1.0, got %g", c.Sync.SafetyThreshold)
	v.intRange("retry.max_attempts", c.Retry.MaxAttempts, 1, 10)
	v.durRange("retry.delay", c.Retry.Delay, time.Second, time.Minute)
	v.durRange("request.timeout", c.Retry.RequestTimeout, time.Second, 300*time.Second)
	v.intRange("health.port", c.Health.Port, 1024, 65535)
	v.durRange("health.cache_duration", c.Health.CacheDuration, 5*time.Second, 300*time.Second)
	v.intRange("health.max_consecutive_failures", c.Health.MaxConsecutiveFailures, 1, 10)
	v.durRange("health.check_timeout", c.Health.CheckTimeout, time.Second, time.Minute)
	v.durRange("shutdown.grace", c.ShutdownGrace, time.Second, 30*time.Second)
	v.durRange("kube.watch_timeout", c.Kube.WatchTimeout, 0, time.Hour)
	if c.VerifyServer != "" {
		_, _, err := net.SplitHostPort(c.VerifyServer)
		v.check(err == nil, "verify.server must be host:port, got %q", c.VerifyServer)
	}
	c.validateState(v)
	return v.err()
}

// ValidateState checks the store, archive and log settings only.
func (c *Config) ValidateState() error {
	v := &validator{}
	c.validateState(v)
	return v.err()
}

func (c *Config) validateState(v *validator) {
	v.check(strings.TrimSpace(c.Store.Path) != "", "store.path must not be empty")
	v.intRange("store.max_backups", c.Store.MaxBackups, 1, 50)
	v.durRange("store.lock_timeout", c.Store.LockTimeout, time.Second, 300*time.Second)
	if c.Archive.Enabled {
		v.check(c.Archive.Endpoint != "" && c.Archive.Bucket != "", "archive.endpoint and archive.bucket are required when the archive is enabled")
		v.check(c.Archive.AccessKey != "" && c.Archive.SecretKey != "", "archive.access_key and archive.secret_key are required when the archive is enabled")
		v.check(c.Archive.CapacityThreshold >= 1 && c.Archive.CapacityThreshold <= 100,
			"archive.capacity_threshold must be between 1 and 100, got %g", c.Archive.CapacityThreshold)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		v.errs = append(v.errs, fmt.Errorf("log.level: %w", err))
	}
}

// StorePath expands a leading ~ in the store path.
func (c *Config) StorePath() string {
	if strings.HasPrefix(c.Store.Path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, c.Store.Path[2:])
		}
	}
	return c.Store.Path
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, errors.New("duration is empty")
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return d, nil
}
