package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/gauntlet/internal/estimate"
	"github.com/signalnine/gauntlet/internal/logging"
	"github.com/signalnine/gauntlet/internal/provider"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/retry"
	"github.com/signalnine/gauntlet/internal/scheduler"
)

const (
	DefaultAPIKeyEnv  = "OPENROUTER_API_KEY"
	DefaultTimeout    = 60 * time.Second
	DefaultResultsDir = "results"
	DefaultMaxRetries = 3
)

type Config struct {
	Models    []result.Model     `yaml:"models"`
	Suite     string             `yaml:"suite"`
	Provider  Provider           `yaml:"provider"`
	Scheduler scheduler.Config   `yaml:"scheduler"`
	Retry     retry.Policy       `yaml:"retry"`
	Estimator estimate.Estimator `yaml:"estimator"`
	Judge     Judge              `yaml:"judge"`
	Secrets   Secrets            `yaml:"secrets"`
	Results   Results            `yaml:"results"`
	Pricing   string             `yaml:"pricing"`
	Log       logging.Config     `yaml:"log"`
}

type Provider struct {
	BaseURL   string            `yaml:"base_url"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Timeout   time.Duration     `yaml:"timeout"`
	Headers   map[string]string `yaml:"headers"`
}

// Judge configures the LLM judge evaluator. An empty model uses the
// evaluator's default.
type Judge struct {
	Model string `yaml:"model"`
	Votes int    `yaml:"votes"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir    string `yaml:"dir"`
	SQLite bool   `yaml:"sqlite"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.Suite = resolve(base, cfg.Suite)
	cfg.Secrets.EnvFile = resolve(base, cfg.Secrets.EnvFile)
	cfg.Pricing = resolve(base, cfg.Pricing)
	return &cfg, nil
}

// resolve makes p relative to the config file's directory.
func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("no models defined")
	}
	seen := map[string]bool{}
	for i := range cfg.Models {
		m := &cfg.Models[i]
		if m.Name == "" {
			return fmt.Errorf("model %d: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("model %q defined twice", m.Name)
		}
		seen[m.Name] = true
		if m.Provider == "" {
			m.Provider = m.Name
		}
	}
	if cfg.Suite == "" {
		return fmt.Errorf("suite is required")
	}

	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = provider.DefaultBaseURL
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Provider.Timeout <= 0 {
		cfg.Provider.Timeout = DefaultTimeout
	}

	s := &cfg.Scheduler
	if s.MaxConcurrent < 0 || s.MaxRequestsPerMinute < 0 || s.MaxTokensPerMinute < 0 {
		return fmt.Errorf("scheduler limits must not be negative")
	}
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = 1
	}

	r := &cfg.Retry
	if r.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	// A negative jitter disables it.
	if r.MaxJitter == 0 {
		r.MaxJitter = retry.DefaultMaxJitter
	}

	if cfg.Estimator.CharsPerToken < 0 || cfg.Estimator.OverheadTokens < 0 {
		return fmt.Errorf("estimator values must not be negative")
	}
	if cfg.Estimator == (estimate.Estimator{}) {
		cfg.Estimator = estimate.Default()
	}
	if cfg.Estimator.CharsPerToken == 0 {
		cfg.Estimator.CharsPerToken = estimate.DefaultCharsPerToken
	}
	if cfg.Judge.Votes < 0 {
		return fmt.Errorf("judge.votes must not be negative")
	}

	if cfg.Results.Dir == "" {
		cfg.Results.Dir = DefaultResultsDir
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	return nil
}

// ResolveAPIKey returns the provider key from the environment, falling back
// to the secrets env file.
func (c *Config) ResolveAPIKey() (string, error) {
	name := c.Provider.APIKeyEnv
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	if c.Secrets.EnvFile != "" {
		vars, err := ParseEnvFile(c.Secrets.EnvFile)
		if err != nil {
			return "", fmt.Errorf("reading secrets: %w", err)
		}
		if v := vars[name]; v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%s is not set", name)
}

// ParseEnvFile reads KEY=value lines. Blank lines, comments, and an optional
// "export " prefix are handled; matching outer quotes are stripped.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vars := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		vars[strings.TrimSpace(key)] = stripQuotes(strings.TrimSpace(val))
	}
	return vars, nil
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
