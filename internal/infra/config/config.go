package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an ex-machina process.
type Config struct {
	Agents       []AgentConfig      `yaml:"agents"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Tools        ToolsConfig        `yaml:"tools"`
	MCPServers   []MCPServer        `yaml:"mcp_servers,omitempty"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// AgentConfig declares one agent identity and its model route.
type AgentConfig struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Capabilities    []string `yaml:"capabilities,omitempty"`
	SystemPrompt    string   `yaml:"system_prompt,omitempty"`
	PromptFile      string   `yaml:"prompt_file,omitempty"` // relative to the config file
	Endpoint        string   `yaml:"endpoint"`
	Model           string   `yaml:"model"`
	MaxTokens       int      `yaml:"max_tokens,omitempty"`
	ShellPermission string   `yaml:"shell_permission,omitempty"`
	Orchestrator    bool     `yaml:"orchestrator,omitempty"` // grants assign/debate tools
	Tools           []string `yaml:"tools,omitempty"`        // empty means every registered tool
}

// ProviderConfig holds settings for one OpenAI-compatible LLM endpoint.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// PoolConfig holds HTTP connection pool settings for LLM endpoints.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// RuntimeConfig controls the per-agent processing loop.
type RuntimeConfig struct {
	MaxToolRounds int              `yaml:"max_tool_rounds"`
	HistoryWindow int              `yaml:"history_window"`
	TaskTimeout   time.Duration    `yaml:"task_timeout"`
	Temperature   float64          `yaml:"temperature"`
	Compaction    CompactionConfig `yaml:"compaction"`
}

// CompactionConfig controls thread checkpoint generation.
type CompactionConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Summarizer string `yaml:"summarizer"` // agent id whose route writes checkpoints
	MaxInput   int    `yaml:"max_input"`  // messages folded into one checkpoint
}

// OrchestratorConfig controls assign-and-collect and debate polling.
type OrchestratorConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	AssignTimeout time.Duration `yaml:"assign_timeout"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	PollLimit     int           `yaml:"poll_limit"`
}

// ResilienceConfig holds retry and circuit breaker settings shared by every
// remote call.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// RetryConfig holds exponential backoff settings.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// BridgeConfig selects the messaging transport.
type BridgeConfig struct {
	Type           string        `yaml:"type"` // "memory" or "websocket"
	URL            string        `yaml:"url,omitempty"`
	Token          string        `yaml:"token,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CompactEvery   int           `yaml:"compact_every"` // memory bridge only
	KeepTail       int           `yaml:"keep_tail"`     // memory bridge only
}

// ToolsConfig configures the agent-side tools.
type ToolsConfig struct {
	AllowedCommands  []string      `yaml:"allowed_commands"`
	ReadOnlyCommands []string      `yaml:"read_only_commands"`
	ShellTimeout     time.Duration `yaml:"shell_timeout"`
	ShellWorkDir     string        `yaml:"shell_workdir"`
	SearchEnabled    bool          `yaml:"search_enabled"`
	SearXNGURL       string        `yaml:"searxng_url"`
	SearchCacheTTL   time.Duration `yaml:"search_cache_ttl"`
	BrowserEnabled   bool          `yaml:"browser_enabled"`
	BrowserCDPURL    string        `yaml:"browser_cdp_url"`
	BrowserHeadless  bool          `yaml:"browser_headless"`
	BrowserTimeout   time.Duration `yaml:"browser_timeout"`
	SportsEnabled    bool          `yaml:"sports_enabled"`
	SportsBaseURL    string        `yaml:"sports_base_url"`
	SportsAPIKey     string        `yaml:"sports_api_key"`
	SportsRatePerMin int           `yaml:"sports_rate_per_min"`
	SportsTimeout    time.Duration `yaml:"sports_timeout"`
}

// MCPServer configures an MCP server connection.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
}

// SchedulerConfig holds scheduled prompts.
type SchedulerConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Prompts []ScheduledPromptConfig `yaml:"prompts"`
}

// ScheduledPromptConfig sends Text to Agent on Thread on a cron or
// duration schedule.
type ScheduledPromptConfig struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"`
	Agent    string `yaml:"agent"`
	Thread   string `yaml:"thread"`
	Text     string `yaml:"text"`
}

// LedgerConfig controls the SQLite coordination ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	OutputPath  string  `yaml:"output_path,omitempty"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".exmachina")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MaxToolRounds: 10,
			HistoryWindow: 10,
			TaskTimeout:   10 * time.Minute,
			Temperature:   0.7,
			Compaction: CompactionConfig{
				Enabled:  true,
				MaxInput: 200,
			},
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:  5 * time.Second,
			AssignTimeout: 5 * time.Minute,
			TurnTimeout:   3 * time.Minute,
			PollLimit:     50,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  time.Second,
				MaxDelay:   30 * time.Second,
			},
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			Type:           "memory",
			RequestTimeout: 2 * time.Minute,
			DialTimeout:    10 * time.Second,
			CompactEvery:   100,
			KeepTail:       20,
		},
		Tools: ToolsConfig{
			AllowedCommands:  []string{"ls", "cat", "grep", "head", "tail", "wc", "date", "echo", "curl", "jq"},
			ReadOnlyCommands: []string{"ls", "cat", "grep", "head", "tail", "wc", "date", "echo"},
			ShellTimeout:     30 * time.Second,
			SearchCacheTTL:   15 * time.Minute,
			BrowserHeadless:  true,
			BrowserTimeout:   30 * time.Second,
			SportsRatePerMin: 30,
			SportsTimeout:    15 * time.Second,
		},
		Ledger: LedgerConfig{
			Path: filepath.Join(defaultDataDir(), "ledger.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, decrypts
// secrets, resolves prompt files and validates the result. A missing file
// yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("EXMACHINA_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := loadPromptFiles(cfg, filepath.Dir(absPath)); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps EXMACHINA_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EXMACHINA_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("EXMACHINA_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("EXMACHINA_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("EXMACHINA_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("EXMACHINA_BRIDGE_TYPE"); v != "" {
		cfg.Bridge.Type = v
	}
	if v := os.Getenv("EXMACHINA_BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("EXMACHINA_BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}
	if v := os.Getenv("EXMACHINA_MAX_TOOL_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.MaxToolRounds = n
		}
	}
	if v := os.Getenv("EXMACHINA_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Resilience.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("EXMACHINA_SEARXNG_URL"); v != "" {
		cfg.Tools.SearXNGURL = v
		cfg.Tools.SearchEnabled = true
	}
	if v := os.Getenv("EXMACHINA_SPORTS_API_KEY"); v != "" {
		cfg.Tools.SportsAPIKey = v
	}
	if v := os.Getenv("EXMACHINA_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
		cfg.Ledger.Enabled = true
	}

	// Per-provider API keys: EXMACHINA_PROVIDER_<NAME>_API_KEY.
	for i := range cfg.Providers {
		name := strings.ToUpper(strings.ReplaceAll(cfg.Providers[i].Name, "-", "_"))
		if v := os.Getenv("EXMACHINA_PROVIDER_" + name + "_API_KEY"); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	type secret struct {
		label string
		field *string
	}
	secrets := []secret{
		{"bridge token", &cfg.Bridge.Token},
		{"sports api key", &cfg.Tools.SportsAPIKey},
	}
	for i := range cfg.Providers {
		secrets = append(secrets, secret{"provider " + cfg.Providers[i].Name + " api_key", &cfg.Providers[i].APIKey})
	}
	for i := range cfg.MCPServers {
		for k, v := range cfg.MCPServers[i].Env {
			if !strings.HasPrefix(v, "enc:") {
				continue
			}
			decrypted, err := DecryptValue(strings.TrimPrefix(v, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("mcp server %s env %s: %w", cfg.MCPServers[i].Name, k, err)
			}
			cfg.MCPServers[i].Env[k] = decrypted
		}
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s.field, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*s.field, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.label, err)
		}
		*s.field = decrypted
	}
	return nil
}

// loadPromptFiles reads prompt_file entries into SystemPrompt.
func loadPromptFiles(cfg *Config, baseDir string) error {
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.PromptFile == "" {
			continue
		}
		path := a.PromptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("agent %s prompt_file: %w", a.ID, err)
		}
		a.SystemPrompt = strings.TrimSpace(string(data))
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result has the form hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
