package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tiny-agent/internal/memory"
	"tiny-agent/internal/observability/alerting"
	"tiny-agent/internal/observability/tracing"
	"tiny-agent/internal/tool"
	"tiny-agent/internal/web3/provider"
	"tiny-agent/pkg/logger"
	"tiny-agent/pkg/plugin"
)

// EnvPrefix 是所有环境变量覆盖项的统一前缀。
const EnvPrefix = "TINYAGENT_"

// DefaultPath 是未显式指定配置文件时使用的路径。
const DefaultPath = "configs/tinyagent.yaml"

// Config 描述了 TinyAgent 在启动阶段需要加载的全部配置。
type Config struct {
	Agent     AgentConfig          `yaml:"agent"`
	Memory    memory.Config        `yaml:"memory"`
	Tools     ToolsConfig          `yaml:"tools"`
	LLM       LLMConfig            `yaml:"llm"`
	TaskQueue TaskQueueConfig      `yaml:"task_queue"`
	Storage   StorageConfig        `yaml:"storage"`
	Server    ServerConfig         `yaml:"server"`
	Logging   logger.Config        `yaml:"logging"`
	Plugins   plugin.ManagerConfig `yaml:"plugins"`
	Tracing   tracing.Config       `yaml:"tracing"`
	Alerting  alerting.Config      `yaml:"alerting"`

	// Path 记录实际加载的配置文件，文件不存在时为空。
	Path string `yaml:"-"`
}

// AgentConfig 控制智能体循环。
type AgentConfig struct {
	Name        string   `yaml:"name"`
	MaxSteps    int      `yaml:"max_steps"`
	Parallelism int      `yaml:"parallelism"`
	Planner     string   `yaml:"planner"`
	Tools       []string `yaml:"tools"`
}

// ToolsConfig 汇总内置工具与注册表的参数。
type ToolsConfig struct {
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Policy         tool.Policy     `yaml:"policy"`
	HTTP           HTTPToolConfig  `yaml:"http"`
	File           FileToolConfig  `yaml:"file"`
	Shell          ShellToolConfig `yaml:"shell"`
	Chain          ChainToolConfig `yaml:"chain"`
}

// RateLimitConfig 为每个工具设置令牌桶，PerSecond 为 0 表示不限速。
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// HTTPToolConfig 对应 http_request 工具。
type HTTPToolConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	CacheSize    int           `yaml:"cache_size"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent"`
}

// FileToolConfig 对应 file_operations 工具，Root 为空时不限制路径。
type FileToolConfig struct {
	Root string `yaml:"root"`
}

// ShellToolConfig 对应 shell_command 工具。
type ShellToolConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Shell   string        `yaml:"shell"`
	Dir     string        `yaml:"dir"`
}

// ChainToolConfig 对应 chain_query 工具，未配置端点时该工具不会注册。
type ChainToolConfig struct {
	Default   string                       `yaml:"default"`
	Endpoints map[string]provider.Endpoint `yaml:"endpoints"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider     string        `yaml:"provider"`
	Temperature  float64       `yaml:"temperature"`
	Timeout      time.Duration `yaml:"timeout"`
	SystemPrompt string        `yaml:"system_prompt"`
	OpenAI       OpenAIConfig  `yaml:"openai"`
	Bridge       BridgeConfig  `yaml:"bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// BridgeConfig 描述通过外部进程完成推理时所需的信息。
type BridgeConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	WorkingDir string   `yaml:"working_dir"`
}

// TaskQueueConfig 选择异步任务队列实现。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Workers  int            `yaml:"workers"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// StorageConfig 统一描述任务存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
}

// TaskStoreConfig 目前提供内存与 MySQL 两种实现。
type TaskStoreConfig struct {
	Driver     string        `yaml:"driver"`
	DSN        string        `yaml:"dsn"`
	MaxRetries int           `yaml:"max_retries"`
	MaxOpen    int           `yaml:"max_open_conns"`
	MaxIdle    int           `yaml:"max_idle_conns"`
	MaxLife    time.Duration `yaml:"conn_max_lifetime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default 返回填充了默认值的配置，baseDir 为空时使用当前目录。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Load 解析指定路径的 YAML 配置文件。
// 同目录下的 .env 会先被加载，随后应用 TINYAGENT_* 环境变量覆盖。
// 文件不存在时返回默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	baseDir := filepath.Dir(path)
	if err := loadDotEnv(baseDir); err != nil {
		return nil, err
	}

	cfg := &Config{}
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		cfg.Path = path
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv 读取 .env，已存在的环境变量不会被覆盖。
func loadDotEnv(baseDir string) error {
	candidates := []string{filepath.Join(baseDir, ".env")}
	if baseDir != "." {
		candidates = append(candidates, ".env")
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			return fmt.Errorf("加载 %s 失败: %w", candidate, err)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if baseDir == "" {
		baseDir = "."
	}

	if c.Agent.Name == "" {
		c.Agent.Name = "tiny-agent"
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 8
	}
	if c.Agent.Parallelism <= 0 {
		c.Agent.Parallelism = 4
	}
	if c.Agent.Planner == "" {
		c.Agent.Planner = "command"
	}

	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Memory.HistoryLimit <= 0 {
		c.Memory.HistoryLimit = memory.DefaultHistoryLimit
	}
	if c.Memory.SQLite.Path == "" {
		c.Memory.SQLite.Path = filepath.Join(baseDir, "data", "memory.db")
	} else {
		c.Memory.SQLite.Path = resolve(baseDir, c.Memory.SQLite.Path)
	}

	if c.Tools.DefaultTimeout <= 0 {
		c.Tools.DefaultTimeout = 2 * time.Minute
	}
	if c.Tools.RateLimit.PerSecond > 0 && c.Tools.RateLimit.Burst <= 0 {
		c.Tools.RateLimit.Burst = 1
	}
	if c.Tools.HTTP.Timeout <= 0 {
		c.Tools.HTTP.Timeout = 30 * time.Second
	}
	if c.Tools.Shell.Timeout <= 0 {
		c.Tools.Shell.Timeout = 30 * time.Second
	}
	if c.Tools.File.Root != "" {
		c.Tools.File.Root = resolve(baseDir, c.Tools.File.Root)
	}
	if c.Tools.Shell.Dir != "" {
		c.Tools.Shell.Dir = resolve(baseDir, c.Tools.Shell.Dir)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.Bridge.WorkingDir == "" {
		c.LLM.Bridge.WorkingDir = baseDir
	} else {
		c.LLM.Bridge.WorkingDir = resolve(baseDir, c.LLM.Bridge.WorkingDir)
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 64
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 2
	}
	if c.TaskQueue.Redis.Address == "" {
		c.TaskQueue.Redis.Address = "127.0.0.1:6379"
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "tinyagent:runs"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "tinyagent.runs"
	}
	if c.TaskQueue.RabbitMQ.Prefetch <= 0 {
		c.TaskQueue.RabbitMQ.Prefetch = c.TaskQueue.Workers
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.MaxRetries <= 0 {
		c.Storage.TaskStore.MaxRetries = 3
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Plugins.PluginDir != "" {
		c.Plugins.PluginDir = resolve(baseDir, c.Plugins.PluginDir)
	}
	if c.Plugins.Plugins == nil {
		c.Plugins.Plugins = map[string]plugin.PluginConfig{}
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Agent.Name
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate 检查枚举类字段的取值。
func (c *Config) Validate() error {
	if err := oneOf("memory.backend", c.Memory.Backend, "memory", "redis", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("agent.planner", c.Agent.Planner, "noop", "command", "llm"); err != nil {
		return err
	}
	if err := oneOf("llm.provider", c.LLM.Provider, "none", "openai", "bridge"); err != nil {
		return err
	}
	if err := oneOf("task_queue.driver", c.TaskQueue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if err := oneOf("storage.task_store.driver", c.Storage.TaskStore.Driver, "memory", "mysql"); err != nil {
		return err
	}
	if c.Agent.Planner == "llm" && c.LLM.Provider == "none" {
		return errors.New("agent.planner=llm 需要配置 llm.provider")
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		return errors.New("storage.task_store.dsn 不能为空")
	}
	if c.TaskQueue.Driver == "rabbitmq" && c.TaskQueue.RabbitMQ.URL == "" {
		return errors.New("task_queue.rabbitmq.url 不能为空")
	}
	return c.Plugins.Validate()
}

// applyEnv 使用 TINYAGENT_* 环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是整数: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	float := func(name string, dst *float64) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是数字: %w", EnvPrefix, name, err)
		}
		*dst = f
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是时长: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("AGENT_NAME", &c.Agent.Name)
	str("PLANNER", &c.Agent.Planner)
	str("MEMORY_BACKEND", &c.Memory.Backend)
	str("MEMORY_REDIS_ADDRESS", &c.Memory.Redis.Address)
	str("MEMORY_REDIS_PASSWORD", &c.Memory.Redis.Password)
	str("MEMORY_SQLITE_PATH", &c.Memory.SQLite.Path)
	str("FILE_ROOT", &c.Tools.File.Root)
	str("LLM_PROVIDER", &c.LLM.Provider)
	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.LLM.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.LLM.OpenAI.Model)
	str("BRIDGE_COMMAND", &c.LLM.Bridge.Command)
	str("QUEUE_DRIVER", &c.TaskQueue.Driver)
	str("REDIS_ADDRESS", &c.TaskQueue.Redis.Address)
	str("REDIS_PASSWORD", &c.TaskQueue.Redis.Password)
	str("RABBITMQ_URL", &c.TaskQueue.RabbitMQ.URL)
	str("TASK_STORE_DRIVER", &c.Storage.TaskStore.Driver)
	str("MYSQL_DSN", &c.Storage.TaskStore.DSN)
	str("SERVER_ADDRESS", &c.Server.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("TRACING_EXPORTER", &c.Tracing.Exporter)
	if v, ok := lookup(EnvPrefix + "ALERT_WEBHOOKS"); ok {
		c.Alerting.Webhooks = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "ALERT_SLACK"); ok {
		c.Alerting.Slack = splitList(v)
	}

	if v, ok := lookup(EnvPrefix + "TOOLS"); ok {
		c.Agent.Tools = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "TRACING_ENABLED"); ok {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %sTRACING_ENABLED 不是布尔值: %w", EnvPrefix, err)
		}
		c.Tracing.Enabled = enabled
	}

	for _, apply := range []func() error{
		func() error { return integer("MAX_STEPS", &c.Agent.MaxSteps) },
		func() error { return integer("PARALLELISM", &c.Agent.Parallelism) },
		func() error { return integer("MEMORY_HISTORY_LIMIT", &c.Memory.HistoryLimit) },
		func() error { return integer("WORKERS", &c.TaskQueue.Workers) },
		func() error { return float("RATE_LIMIT", &c.Tools.RateLimit.PerSecond) },
		func() error { return float("LLM_TEMPERATURE", &c.LLM.Temperature) },
		func() error { return duration("TOOL_TIMEOUT", &c.Tools.DefaultTimeout) },
		func() error { return duration("SHELL_TIMEOUT", &c.Tools.Shell.Timeout) },
		func() error { return duration("HTTP_TIMEOUT", &c.Tools.HTTP.Timeout) },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func oneOf(field, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s 取值无效: %q（可选 %s）", field, value, strings.Join(allowed, ", "))
}
