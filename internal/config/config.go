package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Workspace   WorkspaceConfig               `yaml:"workspace"`
	Coordinator CoordinatorConfig             `yaml:"coordinator"`
	Defaults    DefaultsConfig                `yaml:"defaults"`
	Agents      map[string]AgentDefinition    `yaml:"agents"`
	Workflows   map[string]WorkflowDefinition `yaml:"workflows"`
	Schedules   map[string]ScheduleDefinition `yaml:"schedules"`
	NATS        NATSConfig                    `yaml:"nats"`
	Store       StoreConfig                   `yaml:"store"`
	Web         WebConfig                     `yaml:"web"`
	Notify      NotifyConfig                  `yaml:"notify"`
	Scheduler   SchedulerConfig               `yaml:"scheduler"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type CoordinatorConfig struct {
	ExecTimeout     time.Duration `yaml:"exec_timeout"`
	SerializeAgents bool          `yaml:"serialize_agents"`
	MaxParallel     int           `yaml:"max_parallel"`
}

// DefaultsConfig holds values passed through to config-defined agents.
// foreman itself never interprets them.
type DefaultsConfig struct {
	Model string `yaml:"model"`
	Token string `yaml:"token"`
	Shell string `yaml:"shell"`
}

type AgentDefinition struct {
	Name         string            `yaml:"name"`
	Role         string            `yaml:"role"`
	Description  string            `yaml:"description"`
	Capabilities []string          `yaml:"capabilities"`
	Command      string            `yaml:"command"`
	Model        string            `yaml:"model"`
	Env          map[string]string `yaml:"env"`
	Timeout      time.Duration     `yaml:"timeout"`
}

type WorkflowDefinition struct {
	Name        string           `yaml:"name"`
	Policy      string           `yaml:"policy"`
	Parallel    bool             `yaml:"parallel"`
	MaxParallel int              `yaml:"max_parallel"`
	Steps       []StepDefinition `yaml:"steps"`
}

type StepDefinition struct {
	Name        string   `yaml:"name"`
	Agent       string   `yaml:"agent"`
	Description string   `yaml:"description"`
	Input       any      `yaml:"input"`
	DependsOn   []string `yaml:"depends_on"`
}

// ScheduleDefinition triggers a named workflow either on a cron expression
// or on a fixed interval. Cron wins when both are set.
type ScheduleDefinition struct {
	Workflow string        `yaml:"workflow"`
	Cron     string        `yaml:"cron"`
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type NotifyConfig struct {
	Backend  string         `yaml:"backend"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func defaults() Config {
	return Config{
		Workspace: WorkspaceConfig{
			Root: "workspace",
		},
		Coordinator: CoordinatorConfig{
			ExecTimeout:     10 * time.Minute,
			SerializeAgents: true,
			MaxParallel:     4,
		},
		Defaults: DefaultsConfig{
			Shell: "/bin/sh",
		},
		NATS: NATSConfig{
			Enabled: true,
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/foreman.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Notify: NotifyConfig{
			Backend: "nats",
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// Load reads the YAML file named by FOREMAN_CONFIG (default
// config/foreman.yaml), expands environment variables in it and applies
// FOREMAN_* overrides. A missing file yields the defaults.
func Load() (*Config, error) {
	path := os.Getenv("FOREMAN_CONFIG")
	if path == "" {
		path = "config/foreman.yaml"
	}
	return LoadFile(path)
}

func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.Expand(string(data), expandEnv)
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross references between sections.
func (c *Config) Validate() error {
	for name, wf := range c.Workflows {
		for _, step := range wf.Steps {
			if _, ok := c.Agents[step.Agent]; !ok {
				return fmt.Errorf("workflow %q step %q: unknown agent %q", name, step.Name, step.Agent)
			}
		}
	}
	for name, s := range c.Schedules {
		if _, ok := c.Workflows[s.Workflow]; !ok {
			return fmt.Errorf("schedule %q: unknown workflow %q", name, s.Workflow)
		}
		if s.Cron == "" && s.Interval <= 0 {
			return fmt.Errorf("schedule %q: cron or interval is required", name)
		}
	}
	switch c.Notify.Backend {
	case "", "none", "nats", "telegram":
	default:
		return fmt.Errorf("unknown notify backend %q", c.Notify.Backend)
	}
	return nil
}

// expandEnv resolves ${VAR} from the environment but keeps ${steps.<name>}
// references, which are workflow input placeholders.
func expandEnv(name string) string {
	if strings.HasPrefix(name, "steps.") {
		return "${" + name + "}"
	}
	return os.Getenv(name)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOREMAN_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("FOREMAN_MODEL"); v != "" {
		cfg.Defaults.Model = v
	}
	if v := os.Getenv("FOREMAN_TOKEN"); v != "" {
		cfg.Defaults.Token = v
	}
	if v := os.Getenv("FOREMAN_EXEC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Coordinator.ExecTimeout = d
		}
	}
	if v := os.Getenv("FOREMAN_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("FOREMAN_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("FOREMAN_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FOREMAN_NOTIFY"); v != "" {
		cfg.Notify.Backend = v
	}
	if v := os.Getenv("FOREMAN_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("FOREMAN_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = id
		}
	}
}
