// Package config centralizes the gateway configuration: a YAML file
// for structure, environment variables for deploy-time overrides and
// secrets. Recognized knobs cover route-class quotas, anomaly
// thresholds, the sanitizer, the backing store, and the fail-open
// versus fail-closed choice.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gatehouse/internal/logging"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	DDoS      DDoSConfig      `yaml:"ddos"`
	Sanitizer SanitizerConfig `yaml:"sanitizer"`
	Headers   HeadersConfig   `yaml:"headers"`
	Policy    PolicyConfig    `yaml:"policy"`
	Logging   logging.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string            `yaml:"addr"`
	Upstream          string            `yaml:"upstream"`
	UpstreamTimeoutMS int               `yaml:"upstream_timeout_ms"`
	Compression       CompressionConfig `yaml:"compression"`
	HTTP3             HTTP3Config       `yaml:"http3"`
}

type CompressionConfig struct {
	Enabled bool `yaml:"enabled"`
	Level   int  `yaml:"level"`
	MinSize int  `yaml:"min_size"`
}

type HTTP3Config struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type StoreConfig struct {
	// Type selects the backing store: memory, redis, or bolt.
	Type          string      `yaml:"type"`
	IdleTTLMS     int         `yaml:"idle_ttl_ms"`
	ShardCapacity int         `yaml:"shard_capacity"`
	Redis         RedisConfig `yaml:"redis"`
	BoltPath      string      `yaml:"bolt_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RouteClass binds a path prefix to its quota. Classes are resolved
// once at route registration, not per request.
type RouteClass struct {
	Name     string `yaml:"name"`
	Prefix   string `yaml:"prefix"`
	Limit    int64  `yaml:"limit"`
	WindowMS int64  `yaml:"window_ms"`
}

type RateLimitConfig struct {
	DefaultLimit    int64        `yaml:"default_limit"`
	DefaultWindowMS int64        `yaml:"default_window_ms"`
	Classes         []RouteClass `yaml:"classes"`
}

type DDoSConfig struct {
	ObservationWindowMS int     `yaml:"observation_window_ms"`
	RateThreshold       int     `yaml:"rate_threshold"`
	PathDiversityRatio  float64 `yaml:"path_diversity_ratio"`
	PathDiversityMin    int     `yaml:"path_diversity_min"`
	MissingUAWeight     float64 `yaml:"missing_ua_weight"`
	BlockBaseMS         int     `yaml:"block_base_ms"`
	BlockCeilingMS      int     `yaml:"block_ceiling_ms"`
	DecayIntervalMS     int     `yaml:"decay_interval_ms"`
	ScoreTTLMS          int     `yaml:"score_ttl_ms"`
}

type SanitizerConfig struct {
	MaxStringLen int `yaml:"max_string_len"`
	// AllowedTags is the inert inline markup kept; attributes are
	// always stripped. HeaderAllowlist names the only headers the
	// sanitizer touches; everything else passes through untouched.
	AllowedTags     []string `yaml:"allowed_tags"`
	HeaderAllowlist []string `yaml:"header_allowlist"`
}

// HeaderRule is a per-path response header mutation layered on top of
// the fixed protective defaults.
type HeaderRule struct {
	Path      string `yaml:"path"`
	Operation string `yaml:"operation"` // add, set, remove
	Header    string `yaml:"header"`
	Value     string `yaml:"value"`
}

type HeadersConfig struct {
	// Disabled turns the injector off; the zero value keeps it on.
	Disabled bool         `yaml:"disabled"`
	HSTS     bool         `yaml:"hsts"`
	Rules    []HeaderRule `yaml:"rules"`
}

type PolicyConfig struct {
	// FailOpen chooses availability when the backing store is
	// unreachable; false denies instead. An explicit choice, never an
	// accident of error propagation.
	FailOpen          bool   `yaml:"fail_open"`
	StoreTimeoutMS    int    `yaml:"store_timeout_ms"`
	TrustForwardedFor bool   `yaml:"trust_forwarded_for"`
	JWTSecret         string `yaml:"-"` // env only, never from file

	// GlobalRPS caps total throughput across all keys; zero disables.
	GlobalRPS   float64 `yaml:"global_rps"`
	GlobalBurst int     `yaml:"global_burst"`
}

// Load reads the YAML file (optional), then applies environment
// overrides and defaults. A missing path yields the default config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := getenv("GATEHOUSE_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := getenv("GATEHOUSE_UPSTREAM"); v != "" {
		c.Server.Upstream = v
	}
	if v := getenv("GATEHOUSE_STORE"); v != "" {
		c.Store.Type = v
	}
	if v := getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := getenv("GATEHOUSE_FAIL_OPEN"); v != "" {
		c.Policy.FailOpen = v == "true" || v == "1"
	}
	if v := getenv("GATEHOUSE_TRUST_PROXY"); v != "" {
		c.Policy.TrustForwardedFor = v == "true" || v == "1"
	}
	c.Policy.JWTSecret = os.Getenv("GATEHOUSE_JWT_SECRET")
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.UpstreamTimeoutMS <= 0 {
		c.Server.UpstreamTimeoutMS = 10000
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.RateLimit.DefaultLimit <= 0 {
		c.RateLimit.DefaultLimit = 100
	}
	if c.RateLimit.DefaultWindowMS <= 0 {
		c.RateLimit.DefaultWindowMS = 60000
	}
	if c.Policy.StoreTimeoutMS <= 0 {
		c.Policy.StoreTimeoutMS = 150
	}
	if c.Sanitizer.MaxStringLen <= 0 {
		c.Sanitizer.MaxStringLen = 10000
	}
	if len(c.Sanitizer.HeaderAllowlist) == 0 {
		c.Sanitizer.HeaderAllowlist = []string{"Referer", "X-Search-Query", "X-Client-Note"}
	}
}

func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "bolt":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store type redis requires redis.addr or REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}

	for _, class := range c.RateLimit.Classes {
		if class.Prefix == "" {
			return fmt.Errorf("rate limit class %q has no prefix", class.Name)
		}
		if class.Limit <= 0 || class.WindowMS <= 0 {
			return fmt.Errorf("rate limit class %q must have positive limit and window", class.Name)
		}
	}

	for _, rule := range c.Headers.Rules {
		switch rule.Operation {
		case "add", "set", "remove":
		default:
			return fmt.Errorf("header rule for %q has unknown operation %q", rule.Header, rule.Operation)
		}
		if rule.Header == "" {
			return fmt.Errorf("header rule with operation %q has no header name", rule.Operation)
		}
	}

	if c.Server.HTTP3.Enabled && (c.Server.HTTP3.CertFile == "" || c.Server.HTTP3.KeyFile == "") {
		return fmt.Errorf("http3 requires cert_file and key_file")
	}

	return nil
}

// ClassFor resolves the route class for a path at registration time;
// the longest matching prefix wins. ok is false when only the default
// quota applies.
func (c *Config) ClassFor(path string) (RouteClass, bool) {
	var best RouteClass
	found := false
	for _, class := range c.RateLimit.Classes {
		if strings.HasPrefix(path, class.Prefix) && len(class.Prefix) > len(best.Prefix) {
			best = class
			found = true
		}
	}
	return best, found
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
