package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Agent names recognized for per-agent model overrides via
// <AGENT>_MODEL environment variables.
var agentEnvNames = []string{
	"SUPERVISOR",
	"GENERATION",
	"REFLECTION",
	"RANKING",
	"EVOLUTION",
	"PROXIMITY",
	"META_REVIEW",
}

// LoadEnvFiles loads .env files if present. Missing files are not an
// error; explicit environment variables always win.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyEnv overlays environment variables onto the configuration.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ARGO_PROXY_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("ARGO_AUTH_USER"); v != "" {
		c.Gateway.AuthUser = v
	}
	if v, ok := envSeconds("ARGO_REQUEST_TIMEOUT"); ok {
		c.Gateway.RequestTimeout = v
	}
	if v, ok := envInt("ARGO_MAX_RETRIES"); ok {
		c.Gateway.MaxRetries = v
	}
	if v, ok := envInt("ARGO_QUEUE_MAX_SIZE"); ok {
		c.Gateway.QueueMaxSize = v
	}
	if v, ok := envSeconds("ARGO_QUEUE_MAX_WAIT"); ok {
		c.Gateway.QueueMaxWait = v
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("MEMORY_ROOT_DIR"); v != "" {
		c.Memory.RootDir = v
	}
	if v, ok := envInt("MEMORY_RETENTION_DAYS"); ok {
		c.Memory.RetentionDays = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	for _, name := range agentEnvNames {
		if v := os.Getenv(name + "_MODEL"); v != "" {
			if c.AgentModels == nil {
				c.AgentModels = make(map[string]string)
			}
			c.AgentModels[strings.ToLower(name)] = v
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envSeconds parses a plain integer as seconds, falling back to Go
// duration syntax for values like "5m".
func envSeconds(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}
