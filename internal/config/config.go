package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Providers ProvidersConfig
	Retrieval RetrievalConfig
	Router    RouterConfig
	Quota     QuotaConfig
	API       APIConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type ProvidersConfig struct {
	XAIAPIKey       string
	XAIBaseURL      string
	GrokModel       string
	AnthropicAPIKey string
	HaikuModel      string
	SonnetModel     string
	Timeout         string // duration string, per provider call
}

type RetrievalConfig struct {
	WeaviateURL    string
	WeaviateAPIKey string
	Collection     string
	TopK           int
	Timeout        string // duration string
	ByteBudget     int
}

// RouterConfig holds per-tier acceptance thresholds. Values are placeholders
// pending calibration; that is exactly why they live in config.
type RouterConfig struct {
	RegexThreshold float64
	FastThreshold  float64
	MidThreshold   float64
	DeepThreshold  float64
}

// QuotaConfig holds per-plan ceilings. Zero means unlimited.
type QuotaConfig struct {
	FreeDaily   int
	FreeMonthly int
	DevDaily    int
	DevMonthly  int
}

type APIConfig struct {
	Token string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    8321,
			MCPPort: 8322,
		},
		Log: LogConfig{Level: "info"},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Providers: ProvidersConfig{
			XAIBaseURL:  "https://api.x.ai/v1",
			GrokModel:   "grok-2-latest",
			HaikuModel:  "claude-3-5-haiku-latest",
			SonnetModel: "claude-3-7-sonnet-latest",
			Timeout:     "30s",
		},
		Retrieval: RetrievalConfig{
			Collection: "RailDoc",
			TopK:       5,
			Timeout:    "5s",
			ByteBudget: 2000,
		},
		Router: RouterConfig{
			RegexThreshold: 0.75,
			FastThreshold:  0.60,
			MidThreshold:   0.60,
			DeepThreshold:  0.50,
		},
		Quota: QuotaConfig{
			FreeDaily:   10,
			FreeMonthly: 50,
			DevDaily:    200,
			DevMonthly:  2000,
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "raildbg-data"
		}
	}
	return filepath.Join(dir, "raildbg")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "raildbg", "config.json")
}

// Load reads configuration as defaults, overlaid by the JSON config file at
// $XDG_CONFIG_HOME/raildbg/config.json, overlaid by RAILDBG_* environment
// variables. API keys are accepted only via file or environment.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b *fileBackend) (Config, error) {
	cfg := defaults()

	for _, f := range fields(&cfg) {
		if s, ok := b.get(f.key); ok {
			if err := f.set(s); err != nil {
				return Config{}, fmt.Errorf("config file key %s: %w", f.key, err)
			}
		}
		if s, ok := os.LookupEnv(f.env); ok {
			if err := f.set(s); err != nil {
				return Config{}, fmt.Errorf("environment variable %s: %w", f.env, err)
			}
		}
	}

	if _, err := time.ParseDuration(cfg.Providers.Timeout); err != nil {
		return Config{}, fmt.Errorf("invalid provider timeout %q: %w", cfg.Providers.Timeout, err)
	}
	if _, err := time.ParseDuration(cfg.Retrieval.Timeout); err != nil {
		return Config{}, fmt.Errorf("invalid retrieval timeout %q: %w", cfg.Retrieval.Timeout, err)
	}

	return cfg, nil
}

// field binds one config key to its file/env names and a parser.
type field struct {
	key string // config file key
	env string // environment override
	set func(string) error
	get func() string
}

func fields(c *Config) []field {
	str := func(p *string) (func(string) error, func() string) {
		return func(s string) error { *p = s; return nil },
			func() string { return *p }
	}
	num := func(p *int) (func(string) error, func() string) {
		return func(s string) error {
				v, err := strconv.Atoi(s)
				if err != nil {
					return fmt.Errorf("not an integer: %q", s)
				}
				*p = v
				return nil
			},
			func() string { return strconv.Itoa(*p) }
	}
	flt := func(p *float64) (func(string) error, func() string) {
		return func(s string) error {
				v, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return fmt.Errorf("not a number: %q", s)
				}
				*p = v
				return nil
			},
			func() string { return strconv.FormatFloat(*p, 'g', -1, 64) }
	}

	var out []field
	add := func(key string, set func(string) error, get func() string) {
		out = append(out, field{key: key, env: envName(key), set: set, get: get})
	}

	s, g := num(&c.Server.Port)
	add("server.port", s, g)
	s, g = num(&c.Server.MCPPort)
	add("server.mcp_port", s, g)

	ss, sg := str(&c.Log.Level)
	add("log.level", ss, sg)
	ss, sg = str(&c.Storage.DataDir)
	add("storage.data_dir", ss, sg)

	ss, sg = str(&c.Providers.XAIAPIKey)
	add("providers.xai_api_key", ss, sg)
	ss, sg = str(&c.Providers.XAIBaseURL)
	add("providers.xai_base_url", ss, sg)
	ss, sg = str(&c.Providers.GrokModel)
	add("providers.grok_model", ss, sg)
	ss, sg = str(&c.Providers.AnthropicAPIKey)
	add("providers.anthropic_api_key", ss, sg)
	ss, sg = str(&c.Providers.HaikuModel)
	add("providers.haiku_model", ss, sg)
	ss, sg = str(&c.Providers.SonnetModel)
	add("providers.sonnet_model", ss, sg)
	ss, sg = str(&c.Providers.Timeout)
	add("providers.timeout", ss, sg)

	ss, sg = str(&c.Retrieval.WeaviateURL)
	add("retrieval.weaviate_url", ss, sg)
	ss, sg = str(&c.Retrieval.WeaviateAPIKey)
	add("retrieval.weaviate_api_key", ss, sg)
	ss, sg = str(&c.Retrieval.Collection)
	add("retrieval.collection", ss, sg)
	s, g = num(&c.Retrieval.TopK)
	add("retrieval.top_k", s, g)
	ss, sg = str(&c.Retrieval.Timeout)
	add("retrieval.timeout", ss, sg)
	s, g = num(&c.Retrieval.ByteBudget)
	add("retrieval.byte_budget", s, g)

	fs, fg := flt(&c.Router.RegexThreshold)
	add("router.regex_threshold", fs, fg)
	fs, fg = flt(&c.Router.FastThreshold)
	add("router.fast_threshold", fs, fg)
	fs, fg = flt(&c.Router.MidThreshold)
	add("router.mid_threshold", fs, fg)
	fs, fg = flt(&c.Router.DeepThreshold)
	add("router.deep_threshold", fs, fg)

	s, g = num(&c.Quota.FreeDaily)
	add("quota.free_daily", s, g)
	s, g = num(&c.Quota.FreeMonthly)
	add("quota.free_monthly", s, g)
	s, g = num(&c.Quota.DevDaily)
	add("quota.dev_daily", s, g)
	s, g = num(&c.Quota.DevMonthly)
	add("quota.dev_monthly", s, g)

	ss, sg = str(&c.API.Token)
	add("api.token", ss, sg)

	return out
}

// envName maps "server.mcp_port" to "RAILDBG_SERVER_MCP_PORT".
func envName(key string) string {
	out := make([]byte, 0, len(key)+8)
	out = append(out, "RAILDBG_"...)
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '.':
			out = append(out, '_')
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// KV is one config entry for display.
type KV struct {
	Key   string
	Value string
}

// secretKeys are masked by ShowAll.
var secretKeys = map[string]bool{
	"providers.xai_api_key":       true,
	"providers.anthropic_api_key": true,
	"retrieval.weaviate_api_key":  true,
	"api.token":                   true,
}

// ShowAll returns every config key and its effective value, secrets masked.
func ShowAll(cfg Config) []KV {
	fs := fields(&cfg)
	out := make([]KV, 0, len(fs))
	for _, f := range fs {
		v := f.get()
		if secretKeys[f.key] && v != "" {
			v = "********"
		}
		out = append(out, KV{Key: f.key, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SetKey validates and persists one key into the config file.
func SetKey(key, value string) error {
	cfg := defaults()
	for _, f := range fields(&cfg) {
		if f.key != key {
			continue
		}
		if err := f.set(value); err != nil {
			return err
		}
		b := newFileBackend(configFilePath())
		return b.put(key, value)
	}
	return fmt.Errorf("unknown config key %q", key)
}

// --- file backend ---

// fileBackend stores config as a flat JSON object of string values.
type fileBackend struct {
	path string
	data map[string]string
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", path, err)
		}
		return b
	}
	if err := json.Unmarshal(raw, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", path, err)
	}
	return b
}

func (b *fileBackend) get(key string) (string, bool) {
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) put(key, value string) error {
	b.data[key] = value
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	raw, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, raw, 0o600)
}
