package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "BAZAAR_CONFIG"

// DefaultConfigPath 为未设置环境变量时的默认配置路径。
const DefaultConfigPath = "configs/bazaar.yaml"

// Config 描述了 Bazaar 守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Logging   logger.Config   `json:"logging" yaml:"logging"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Agent     AgentConfig     `json:"agent" yaml:"agent"`
	LiveSync  LiveSyncConfig  `json:"livesync" yaml:"livesync"`
	Web3      Web3Config      `json:"web3" yaml:"web3"`
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Alerting  AlertingConfig  `json:"alerting" yaml:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime" yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与限流参数。
type ServerConfig struct {
	Address                string  `json:"address" yaml:"address"`
	RateLimitPerSecond     float64 `json:"rate_limit_per_second" yaml:"rate_limit_per_second"`
	RateLimitBurst         int     `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	ShutdownTimeoutSeconds int     `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	TurnTimeoutSeconds     int     `json:"turn_timeout_seconds" yaml:"turn_timeout_seconds"`
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `json:"metrics_address" yaml:"metrics_address"`
}

// StorageConfig 统一描述对话存储、Redis 与任务队列的连接信息。
type StorageConfig struct {
	Conversation ConversationStoreConfig `json:"conversation" yaml:"conversation"`
	Redis        RedisConfig             `json:"redis" yaml:"redis"`
	TaskStore    TaskStoreConfig         `json:"task_store" yaml:"task_store"`
	TaskQueue    TaskQueueConfig         `json:"task_queue" yaml:"task_queue"`
}

// ConversationStoreConfig 支持 memory、mysql 与 sqlite 三种驱动。
type ConversationStoreConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	DSNEnv                 string `json:"dsn_env" yaml:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	AutoMigrate            bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	PasswordEnv string `json:"password_env" yaml:"password_env"`
	DB          int    `json:"db" yaml:"db"`
	KeyPrefix   string `json:"key_prefix" yaml:"key_prefix"`
}

// TaskStoreConfig 描述任务存储，driver 可选 memory、mysql 或 sqlite。
// dsn 留空且对话存储使用同一 SQL 驱动时复用对话存储的连接池。
type TaskStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn" yaml:"dsn"`
	DSNEnv string `json:"dsn_env" yaml:"dsn_env"`
}

// TaskQueueConfig 描述任务队列，driver 可选 memory、redis 或 rabbitmq。
type TaskQueueConfig struct {
	Driver      string         `json:"driver" yaml:"driver"`
	Buffer      int            `json:"buffer" yaml:"buffer"`
	Workers     int            `json:"workers" yaml:"workers"`
	MaxRetries  int            `json:"max_retries" yaml:"max_retries"`
	RedisKey    string         `json:"redis_key" yaml:"redis_key"`
	BlockSecond int            `json:"block_seconds" yaml:"block_seconds"`
	RabbitMQ    RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	URLEnv   string `json:"url_env" yaml:"url_env"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider  string          `json:"provider" yaml:"provider"`
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	Replay    ReplayConfig    `json:"replay" yaml:"replay"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
}

// AnthropicConfig 描述 Anthropic Messages API 的访问参数。
type AnthropicConfig struct {
	APIKey    string `json:"api_key" yaml:"api_key"`
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string `json:"base_url" yaml:"base_url"`
	Model     string `json:"model" yaml:"model"`
	MaxTokens int64  `json:"max_tokens" yaml:"max_tokens"`
}

// ReplayConfig 指向回放用的 JSONL 事件文件。
type ReplayConfig struct {
	Path string `json:"path" yaml:"path"`
}

// BreakerConfig 控制上游熔断器。
type BreakerConfig struct {
	MaxRequests         uint32 `json:"max_requests" yaml:"max_requests"`
	IntervalSeconds     int    `json:"interval_seconds" yaml:"interval_seconds"`
	TimeoutSeconds      int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	ConsecutiveFailures uint32 `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// AgentConfig 控制单轮对话的推理行为。
type AgentConfig struct {
	SystemPrompt    string `json:"system_prompt" yaml:"system_prompt"`
	MaxSteps        int    `json:"max_steps" yaml:"max_steps"`
	MemoryDepth     int    `json:"memory_depth" yaml:"memory_depth"`
	OverloadMessage string `json:"overload_message" yaml:"overload_message"`
}

// LiveSyncConfig 控制实时镜像队列。
type LiveSyncConfig struct {
	Backend                  string `json:"backend" yaml:"backend"`
	Shards                   int    `json:"shards" yaml:"shards"`
	ShardBuffer              int    `json:"shard_buffer" yaml:"shard_buffer"`
	RecordTTLSeconds         int    `json:"record_ttl_seconds" yaml:"record_ttl_seconds"`
	JanitorIntervalSeconds   int    `json:"janitor_interval_seconds" yaml:"janitor_interval_seconds"`
	CompletionTimeoutSeconds int    `json:"completion_timeout_seconds" yaml:"completion_timeout_seconds"`
}

// Web3Config 包含访问区块链节点与本地钱包所需的参数。
type Web3Config struct {
	RPCURL                 string `json:"rpc_url" yaml:"rpc_url"`
	RPCURLEnv              string `json:"rpc_url_env" yaml:"rpc_url_env"`
	KeystoreDir            string `json:"keystore_dir" yaml:"keystore_dir"`
	KeystorePassphraseEnv  string `json:"keystore_passphrase_env" yaml:"keystore_passphrase_env"`
	BalanceCacheTTLSeconds int    `json:"balance_cache_ttl_seconds" yaml:"balance_cache_ttl_seconds"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Path string `json:"path" yaml:"path"`
}

// SchedulerConfig 描述定时驱动的智能体任务。
type SchedulerConfig struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Jobs    []JobConfig `json:"jobs" yaml:"jobs"`
}

// JobConfig 描述单个定时任务。
type JobConfig struct {
	Name     string `json:"name" yaml:"name"`
	Spec     string `json:"spec" yaml:"spec"`
	EntityID string `json:"entity_id" yaml:"entity_id"`
	ChatID   string `json:"chat_id" yaml:"chat_id"`
	Prompt   string `json:"prompt" yaml:"prompt"`
}

// AlertingConfig 描述任务最终失败时的告警渠道。审计日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL       string `json:"webhook_url" yaml:"webhook_url"`
	WebhookURLEnv    string `json:"webhook_url_env" yaml:"webhook_url_env"`
	WebhookPerMinute int    `json:"webhook_per_minute" yaml:"webhook_per_minute"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// PathFromEnv 返回配置文件路径，优先使用环境变量。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.resolveSecrets()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验互相依赖的配置项。
func (c *Config) Validate() error {
	switch c.Storage.Conversation.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.Conversation.DSN == "" {
			return fmt.Errorf("对话存储驱动 %s 需要配置 dsn", c.Storage.Conversation.Driver)
		}
	default:
		return fmt.Errorf("不支持的对话存储驱动: %s", c.Storage.Conversation.Driver)
	}

	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Storage.TaskStore.DSN == "" && c.Storage.Conversation.Driver != c.Storage.TaskStore.Driver {
			return fmt.Errorf("任务存储驱动 %s 需要配置 dsn 或与对话存储共用连接", c.Storage.TaskStore.Driver)
		}
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}

	switch c.Storage.TaskQueue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.Storage.TaskQueue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 任务队列需要配置 url 或 url_env")
		}
	default:
		return fmt.Errorf("不支持的任务队列驱动: %s", c.Storage.TaskQueue.Driver)
	}

	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.Anthropic.APIKey == "" {
			return errors.New("anthropic 提供方需要配置 api_key 或 api_key_env")
		}
	case "replay":
		if c.LLM.Replay.Path == "" {
			return errors.New("replay 提供方需要配置 path")
		}
	default:
		return fmt.Errorf("不支持的模型提供方: %s", c.LLM.Provider)
	}

	if (c.LiveSync.Backend == "redis" || c.Storage.TaskQueue.Driver == "redis") && c.Storage.Redis.Address == "" {
		return errors.New("使用 Redis 时必须配置 storage.redis.address")
	}

	for _, job := range c.Scheduler.Jobs {
		if job.Spec == "" || job.EntityID == "" || job.Prompt == "" {
			return fmt.Errorf("定时任务 %q 缺少 spec、entity_id 或 prompt", job.Name)
		}
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimitPerSecond <= 0 {
		c.Server.RateLimitPerSecond = 1
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 5
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	if c.Server.TurnTimeoutSeconds <= 0 {
		c.Server.TurnTimeoutSeconds = 120
	}

	if c.Storage.Conversation.Driver == "" {
		c.Storage.Conversation.Driver = "memory"
	}
	if c.Storage.Conversation.Driver == "sqlite" && c.Storage.Conversation.DSN != "" {
		c.Storage.Conversation.DSN = resolvePath(baseDir, c.Storage.Conversation.DSN)
	}
	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN != "" {
		c.Storage.TaskStore.DSN = resolvePath(baseDir, c.Storage.TaskStore.DSN)
	}
	if c.Storage.TaskQueue.Driver == "" {
		c.Storage.TaskQueue.Driver = "memory"
	}
	if c.Storage.TaskQueue.Buffer <= 0 {
		c.Storage.TaskQueue.Buffer = 64
	}
	if c.Storage.TaskQueue.Workers <= 0 {
		c.Storage.TaskQueue.Workers = 2
	}
	if c.Storage.TaskQueue.MaxRetries <= 0 {
		c.Storage.TaskQueue.MaxRetries = 3
	}
	if c.Storage.TaskQueue.RedisKey == "" {
		c.Storage.TaskQueue.RedisKey = "bazaar:tasks"
	}
	if c.Storage.TaskQueue.BlockSecond <= 0 {
		c.Storage.TaskQueue.BlockSecond = 5
	}
	if c.Storage.TaskQueue.RabbitMQ.Queue == "" {
		c.Storage.TaskQueue.RabbitMQ.Queue = "bazaar.tasks"
	}
	if c.Storage.TaskQueue.RabbitMQ.Prefetch <= 0 {
		c.Storage.TaskQueue.RabbitMQ.Prefetch = c.Storage.TaskQueue.Workers
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "bazaar"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Anthropic.Model == "" {
		c.LLM.Anthropic.Model = "claude-sonnet-4-5"
	}
	if c.LLM.Anthropic.MaxTokens <= 0 {
		c.LLM.Anthropic.MaxTokens = 4096
	}
	if c.LLM.Replay.Path != "" {
		c.LLM.Replay.Path = resolvePath(baseDir, c.LLM.Replay.Path)
	}
	if c.LLM.Breaker.MaxRequests == 0 {
		c.LLM.Breaker.MaxRequests = 1
	}
	if c.LLM.Breaker.IntervalSeconds <= 0 {
		c.LLM.Breaker.IntervalSeconds = 60
	}
	if c.LLM.Breaker.TimeoutSeconds <= 0 {
		c.LLM.Breaker.TimeoutSeconds = 30
	}
	if c.LLM.Breaker.ConsecutiveFailures == 0 {
		c.LLM.Breaker.ConsecutiveFailures = 5
	}

	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 5
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 40
	}

	if c.LiveSync.Backend == "" {
		c.LiveSync.Backend = "memory"
	}
	if c.LiveSync.Shards <= 0 {
		c.LiveSync.Shards = 4
	}
	if c.LiveSync.ShardBuffer <= 0 {
		c.LiveSync.ShardBuffer = 256
	}
	if c.LiveSync.RecordTTLSeconds <= 0 {
		c.LiveSync.RecordTTLSeconds = 600
	}
	if c.LiveSync.JanitorIntervalSeconds <= 0 {
		c.LiveSync.JanitorIntervalSeconds = 60
	}
	if c.LiveSync.CompletionTimeoutSeconds <= 0 {
		c.LiveSync.CompletionTimeoutSeconds = 3
	}

	if c.Alerting.WebhookPerMinute <= 0 {
		c.Alerting.WebhookPerMinute = 30
	}

	if c.Web3.BalanceCacheTTLSeconds <= 0 {
		c.Web3.BalanceCacheTTLSeconds = 30
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir)
	}
	if c.Web3.KeystoreDir == "" {
		c.Web3.KeystoreDir = filepath.Join(c.Runtime.DataDir, "keystore")
	} else {
		c.Web3.KeystoreDir = resolvePath(baseDir, c.Web3.KeystoreDir)
	}
	if c.Knowledge.Path != "" {
		c.Knowledge.Path = resolvePath(baseDir, c.Knowledge.Path)
	}
}

// resolveSecrets 通过 *_env 字段从环境变量读取敏感配置。
func (c *Config) resolveSecrets() {
	c.LLM.Anthropic.APIKey = fromEnv(c.LLM.Anthropic.APIKeyEnv, c.LLM.Anthropic.APIKey)
	c.Storage.Conversation.DSN = fromEnv(c.Storage.Conversation.DSNEnv, c.Storage.Conversation.DSN)
	c.Storage.TaskStore.DSN = fromEnv(c.Storage.TaskStore.DSNEnv, c.Storage.TaskStore.DSN)
	c.Storage.Redis.Password = fromEnv(c.Storage.Redis.PasswordEnv, c.Storage.Redis.Password)
	c.Storage.TaskQueue.RabbitMQ.URL = fromEnv(c.Storage.TaskQueue.RabbitMQ.URLEnv, c.Storage.TaskQueue.RabbitMQ.URL)
	c.Web3.RPCURL = fromEnv(c.Web3.RPCURLEnv, c.Web3.RPCURL)
	c.Alerting.WebhookURL = fromEnv(c.Alerting.WebhookURLEnv, c.Alerting.WebhookURL)
}

// KeystorePassphrase 返回钱包口令，未配置时为空串。
func (c *Config) KeystorePassphrase() string {
	return fromEnv(c.Web3.KeystorePassphraseEnv, "")
}

func fromEnv(name, fallback string) string {
	if name = strings.TrimSpace(name); name == "" {
		return fallback
	}
	if value, ok := os.LookupEnv(name); ok && value != "" {
		return value
	}
	return fallback
}

func resolvePath(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
