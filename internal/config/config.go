// Package config loads the agent_blob.yaml configuration document.
// The document carries everything except secrets; secrets come from the
// environment only (optionally seeded from a .env file at startup).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Gateway     GatewayConfig        `yaml:"gateway"`
	Data        DataConfig           `yaml:"data"`
	Permissions PermissionsConfig    `yaml:"permissions"`
	Tools       ToolsConfig          `yaml:"tools"`
	Supervisor  SupervisorConfig     `yaml:"supervisor"`
	Tasks       TasksConfig          `yaml:"tasks"`
	Logs        map[string]LogConfig `yaml:"logs"`
	Memory      MemoryConfig         `yaml:"memory"`
	Scheduler   SchedulerConfig      `yaml:"scheduler"`
	Workers     WorkersConfig        `yaml:"workers"`
	Sessions    SessionsConfig       `yaml:"sessions"`
	LLM         LLMConfig            `yaml:"llm"`
	MCP         MCPConfig            `yaml:"mcp"`
	Skills      SkillsConfig         `yaml:"skills"`
	Prompts     PromptsConfig        `yaml:"prompts"`
	Frontends   FrontendsConfig      `yaml:"frontends"`
}

type GatewayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type DataConfig struct {
	Dir string `yaml:"dir"`
}

type PermissionsConfig struct {
	Allow    []string `yaml:"allow"`
	Ask      []string `yaml:"ask"`
	Deny     []string `yaml:"deny"`
	Remember bool     `yaml:"remember"`
	MaxAgeS  int      `yaml:"max_age_s"`
}

func (p PermissionsConfig) MaxAge() time.Duration {
	if p.MaxAgeS <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(p.MaxAgeS) * time.Second
}

type ToolsConfig struct {
	AllowedFSRoot string `yaml:"allowed_fs_root"`
	ShellTimeoutS int    `yaml:"shell_timeout_s"`
}

func (t ToolsConfig) ShellTimeout() time.Duration {
	if t.ShellTimeoutS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(t.ShellTimeoutS) * time.Second
}

type SupervisorConfig struct {
	IntervalS            float64 `yaml:"interval_s"`
	MaintenanceIntervalS float64 `yaml:"maintenance_interval_s"`
	Debug                bool    `yaml:"debug"`
}

func (s SupervisorConfig) Interval() time.Duration {
	if s.IntervalS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.IntervalS * float64(time.Second))
}

func (s SupervisorConfig) MaintenanceInterval() time.Duration {
	if s.MaintenanceIntervalS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.MaintenanceIntervalS * float64(time.Second))
}

type TasksConfig struct {
	AutoCloseAfterS int `yaml:"auto_close_after_s"`
	KeepDoneDays    int `yaml:"keep_done_days"`
	KeepDoneMax     int `yaml:"keep_done_max"`
}

func (t TasksConfig) AutoCloseAfter() time.Duration {
	if t.AutoCloseAfterS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(t.AutoCloseAfterS) * time.Second
}

type LogConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	KeepDays     int   `yaml:"keep_days"`
	KeepMaxFiles int   `yaml:"keep_max_files"`
}

type MemoryConfig struct {
	Dir           string           `yaml:"dir"`
	ImportanceMin int              `yaml:"importance_min"`
	Retrieval     RetrievalConfig  `yaml:"retrieval"`
	Embeddings    EmbeddingsConfig `yaml:"embeddings"`
}

type RetrievalConfig struct {
	RecentTurnsLimit  int `yaml:"recent_turns_limit"`
	RelatedTurnsLimit int `yaml:"related_turns_limit"`
	StructuredLimit   int `yaml:"structured_limit"`
}

type EmbeddingsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Model           string `yaml:"model"`
	BatchSize       int    `yaml:"batch_size"`
	VectorScanLimit int    `yaml:"vector_scan_limit"`
	VectorTopK      int    `yaml:"vector_top_k"`
}

type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
}

type WorkersConfig struct {
	MaxDepth int `yaml:"max_depth"`
	Keep     int `yaml:"keep"`
}

type SessionsConfig struct {
	QueueMax int `yaml:"queue_max"`
}

type LLMConfig struct {
	Model           string `yaml:"model"`
	ExtractionModel string `yaml:"extraction_model"`
	MaxTokens       int    `yaml:"max_tokens"`
	TurnTimeoutS    int    `yaml:"turn_timeout_s"`
}

func (l LLMConfig) TurnTimeout() time.Duration {
	if l.TurnTimeoutS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(l.TurnTimeoutS) * time.Second
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

type MCPServerConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

type SkillsConfig struct {
	Dirs     []string `yaml:"dirs"`
	Enabled  bool     `yaml:"enabled"`
	MaxChars int      `yaml:"max_chars"`
}

type PromptsConfig struct {
	IncludeMemory     *bool  `yaml:"include_memory"`
	IncludeSkills     *bool  `yaml:"include_skills"`
	ExtraInstructions string `yaml:"extra_instructions"`
}

type FrontendsConfig struct {
	Adapters AdaptersConfig `yaml:"adapters"`
}

type AdaptersConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	EditRateS  float64 `yaml:"edit_rate_s"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

func (t TelegramConfig) EditRate() time.Duration {
	if t.EditRateS <= 0 {
		return 1200 * time.Millisecond
	}
	return time.Duration(t.EditRateS * float64(time.Second))
}

// Load reads path (agent_blob.yaml by default), applies defaults, and loads
// .env into the environment without overriding already-set variables.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path == "" {
		path = "agent_blob.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyFloors(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		Gateway: GatewayConfig{Host: "127.0.0.1", Port: 3336},
		Data:    DataConfig{Dir: "data"},
		Permissions: PermissionsConfig{
			Allow: []string{"filesystem.read", "filesystem.list"},
			Ask:   []string{"shell.run", "shell.write", "filesystem.write", "web.*", "memory.delete", "workers.run"},
		},
		Supervisor: SupervisorConfig{IntervalS: 15, MaintenanceIntervalS: 60},
		Tasks:      TasksConfig{AutoCloseAfterS: 1800, KeepDoneDays: 7, KeepDoneMax: 200},
		Logs: map[string]LogConfig{
			"events":        {MaxBytes: 5_000_000, KeepDays: 30, KeepMaxFiles: 50},
			"memory_events": {MaxBytes: 5_000_000, KeepDays: 30, KeepMaxFiles: 50},
		},
		Memory: MemoryConfig{
			Dir:           "memory",
			ImportanceMin: 6,
			Retrieval:     RetrievalConfig{RecentTurnsLimit: 6, RelatedTurnsLimit: 5, StructuredLimit: 8},
			Embeddings: EmbeddingsConfig{
				Enabled:         true,
				Model:           "text-embedding-3-small",
				BatchSize:       16,
				VectorScanLimit: 2000,
				VectorTopK:      50,
			},
		},
		Scheduler: SchedulerConfig{Timezone: "UTC"},
		Workers:   WorkersConfig{MaxDepth: 2, Keep: 50},
		Sessions:  SessionsConfig{QueueMax: 8},
		LLM:       LLMConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 4096},
	}
}

func applyFloors(cfg *Config) {
	if cfg.Sessions.QueueMax <= 0 {
		cfg.Sessions.QueueMax = 8
	}
	if cfg.Workers.MaxDepth <= 0 {
		cfg.Workers.MaxDepth = 2
	}
	if cfg.Workers.Keep <= 0 {
		cfg.Workers.Keep = 50
	}
	if cfg.Memory.Retrieval.StructuredLimit <= 0 {
		cfg.Memory.Retrieval.StructuredLimit = 8
	}
	if cfg.Memory.Retrieval.RecentTurnsLimit <= 0 {
		cfg.Memory.Retrieval.RecentTurnsLimit = 6
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "UTC"
	}
}

// Log returns the rotation settings for a named log, falling back to the
// events defaults.
func (c Config) Log(name string) LogConfig {
	if lc, ok := c.Logs[name]; ok {
		return lc
	}
	return LogConfig{MaxBytes: 5_000_000, KeepDays: 30, KeepMaxFiles: 50}
}

// MemoryDir resolves the memory directory under the data dir when relative.
func (c Config) MemoryDir() string {
	if filepath.IsAbs(c.Memory.Dir) {
		return c.Memory.Dir
	}
	return filepath.Join(c.Data.Dir, c.Memory.Dir)
}
