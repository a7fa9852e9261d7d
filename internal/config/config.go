package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/policy"
)

// EnvPrefix is prepended to every environment override,
// e.g. SANDBOX_LIMITS_JAVA_TIMEOUT_MS.
const EnvPrefix = "SANDBOX"

type ServerConfig struct {
	Port    int     `mapstructure:"port"`
	IPRate  float64 `mapstructure:"ip_rate"`  // requests per second per client IP, 0 disables
	IPBurst int     `mapstructure:"ip_burst"` // bucket size for ip_rate
	// TrustedProxies lists the addresses or CIDRs whose X-Forwarded-For and
	// X-Real-IP headers are believed. Empty means the peer address is used.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	PullImages     bool     `mapstructure:"pull_images"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// DevHeader accepts X-User-ID as identity when no bearer token is sent.
	DevHeader bool `mapstructure:"dev_header"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LimitsConfig struct {
	Java   model.Limits   `mapstructure:"java"`
	Python model.Limits   `mapstructure:"python"`
	Go     model.Limits   `mapstructure:"go"`
	Max    policy.Ceiling `mapstructure:"max"`
}

// RunnerConfig overrides a language's build and run command lines.
// Empty strings keep the built-in commands.
type RunnerConfig struct {
	Image string `mapstructure:"image"`
	Build string `mapstructure:"build"`
	Run   string `mapstructure:"run"`
}

type SandboxConfig struct {
	WorkspaceDir  string                  `mapstructure:"workspace_dir"`
	MaxConcurrent int                     `mapstructure:"max_concurrent"`
	DockerHost    string                  `mapstructure:"docker_host"`
	Runners       map[string]RunnerConfig `mapstructure:"runners"`
}

type RateLimitConfig struct {
	Backend  string `mapstructure:"backend"` // sqlite, redis, memory
	WindowMs int    `mapstructure:"window_ms"`
	Limit    int    `mapstructure:"limit"`
}

type QuotaConfig struct {
	DailyLimit int    `mapstructure:"daily_limit"`
	Timezone   string `mapstructure:"timezone"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ValidateConfig struct {
	MaxCodeChars  int `mapstructure:"max_code_chars"`
	MaxFiles      int `mapstructure:"max_files"`
	MaxTotalBytes int `mapstructure:"max_total_bytes"`
}

type CurriculumConfig struct {
	Dir string `mapstructure:"dir"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        logger.Config    `mapstructure:"log"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Validate   ValidateConfig   `mapstructure:"validate"`
	Curriculum CurriculumConfig `mapstructure:"curriculum"`
}

// Load reads runbox.yaml (optional), .env (optional) and SANDBOX_* variables.
// An explicit configFile must exist.
func Load(configFile string) (*Config, error) {
	// .env never overrides variables already present in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("runbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.runbox")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand ${VAR} references in secrets.
	cfg.Auth.JWTSecret = expandEnv(cfg.Auth.JWTSecret)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.ip_rate", 20.0)
	v.SetDefault("server.ip_burst", 40)
	v.SetDefault("server.trusted_proxies", []string{})
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.pull_images", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.dev_header", false)

	v.SetDefault("storage.db_path", filepath.Join(home, ".runbox", "runbox.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")

	for lang, l := range policy.DefaultTable() {
		prefix := "limits." + string(lang) + "."
		v.SetDefault(prefix+"cpu_cores", l.CPUCores)
		v.SetDefault(prefix+"memory_mb", l.MemoryMB)
		v.SetDefault(prefix+"timeout_ms", l.TimeoutMs)
		v.SetDefault(prefix+"output_limit_bytes", l.OutputLimitBytes)
	}
	v.SetDefault("limits.max.cpu_cores", 2.0)
	v.SetDefault("limits.max.memory_mb", 1024)
	v.SetDefault("limits.max.timeout_ms", 30000)
	v.SetDefault("limits.max.output_limit_bytes", 256*1024)

	v.SetDefault("sandbox.workspace_dir", os.TempDir())
	v.SetDefault("sandbox.max_concurrent", 4)
	v.SetDefault("sandbox.docker_host", "")
	for _, lang := range model.Languages {
		prefix := "sandbox.runners." + string(lang) + "."
		v.SetDefault(prefix+"image", "")
		v.SetDefault(prefix+"build", "")
		v.SetDefault(prefix+"run", "")
	}

	v.SetDefault("ratelimit.backend", "sqlite")
	v.SetDefault("ratelimit.window_ms", 60000)
	v.SetDefault("ratelimit.limit", 10)

	v.SetDefault("quota.daily_limit", 100)
	v.SetDefault("quota.timezone", policy.DefaultTimezone)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("validate.max_code_chars", 64000)
	v.SetDefault("validate.max_files", 30)
	v.SetDefault("validate.max_total_bytes", 200*1024)

	v.SetDefault("curriculum.dir", "curriculum")
}

func (c *Config) validate() error {
	switch c.RateLimit.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown ratelimit.backend %q", c.RateLimit.Backend)
	}
	if c.RateLimit.WindowMs <= 0 || c.RateLimit.Limit <= 0 {
		return fmt.Errorf("ratelimit.window_ms and ratelimit.limit must be positive")
	}
	if c.Quota.DailyLimit <= 0 {
		return fmt.Errorf("quota.daily_limit must be positive")
	}
	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive")
	}
	for _, p := range c.Server.TrustedProxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("server.trusted_proxies: %q is neither an address nor a CIDR", p)
		}
	}
	return nil
}

// LimitsTable returns the configured per-language defaults.
func (c *Config) LimitsTable() policy.Table {
	return policy.Table{
		model.Java:   c.Limits.Java,
		model.Python: c.Limits.Python,
		model.Go:     c.Limits.Go,
	}
}

// Runner returns the command overrides for lang.
func (c *Config) Runner(lang model.Language) RunnerConfig {
	return c.Sandbox.Runners[string(lang)]
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
