package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/api"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/cache"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/config"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/knowledge"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/livesync"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm/anthropic"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm/replay"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/observability/alerting"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/observability/metrics"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/scheduler"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/storage/mysql"
	redisstore "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/storage/redis"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/tools"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/web3"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/web3/ethereum"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// main 是 Bazaar 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bazaard 运行失败: %v\n", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	log := logger.Named("bazaard")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	m := metrics.New(true)

	// 对话存储。
	store, sqlDB, err := openConversationStore(ctx, cfg.Storage.Conversation)
	if err != nil {
		return err
	}
	if sqlDB != nil {
		defer sqlDB.Close()
	}

	var redisClient *goredis.Client
	if cfg.LiveSync.Backend == "redis" || cfg.Storage.TaskQueue.Driver == "redis" {
		redisClient, err = redisstore.NewClient(ctx, redisstore.Config{
			Address:  cfg.Storage.Redis.Address,
			Username: cfg.Storage.Redis.Username,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	// 实时镜像。
	liveStore, closeLive, err := buildLiveStore(cfg.LiveSync, cfg.Storage.Redis, redisClient)
	if err != nil {
		return err
	}
	defer closeLive()
	liveQueue := livesync.NewQueue(liveStore,
		livesync.WithShards(cfg.LiveSync.Shards, cfg.LiveSync.ShardBuffer),
		livesync.WithObserver(m),
	)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		if err := liveQueue.Close(drainCtx); err != nil {
			log.Warn("实时镜像队列未能排空", slog.Any("error", err))
		}
	}()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	registry, closeTools, err := buildTools(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeTools()

	pipeline, err := stream.New(store, registry,
		stream.WithLiveSync(liveQueue),
		stream.WithObserver(m),
		stream.WithCompletionTimeout(time.Duration(cfg.LiveSync.CompletionTimeoutSeconds)*time.Second),
		stream.WithOverloadMessage(cfg.Agent.OverloadMessage),
	)
	if err != nil {
		return err
	}

	ag, err := agent.New(llmClient, store, pipeline,
		agent.WithTools(registry),
		agent.WithLiveOpener(liveQueue),
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithModel(cfg.LLM.Anthropic.Model, cfg.LLM.Anthropic.MaxTokens),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithLLMTimeout(time.Duration(cfg.Server.TurnTimeoutSeconds)*time.Second),
	)
	if err != nil {
		return err
	}

	// 任务存储与队列。
	taskStore, err := openTaskStore(ctx, cfg.Storage, sqlDB)
	if err != nil {
		return err
	}
	taskQueue, err := openTaskQueue(cfg.Storage.TaskQueue, redisClient)
	if err != nil {
		_ = taskStore.Close()
		return err
	}
	taskService := task.NewService(taskStore, taskQueue, cfg.Storage.TaskQueue.MaxRetries)
	defer func() {
		if err := taskService.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	dispatcher, err := buildAlerting(cfg.Alerting)
	if err != nil {
		return err
	}
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.Storage.TaskQueue.Workers),
		task.WithRunTimeout(time.Duration(cfg.Server.TurnTimeoutSeconds)*time.Second),
		task.WithObserver(m),
		task.WithAlertDispatcher(dispatcher),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	var processorWG sync.WaitGroup
	processorWG.Add(1)
	go func() {
		defer processorWG.Done()
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()
	// 先停处理器，再关闭队列与存储。
	defer func() {
		processorCancel()
		processorWG.Wait()
	}()

	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Jobs) > 0 {
		sched, err := scheduler.New(taskService)
		if err != nil {
			return err
		}
		for _, job := range cfg.Scheduler.Jobs {
			if err := sched.Add(scheduler.Job{
				Name:     job.Name,
				Spec:     job.Spec,
				EntityID: job.EntityID,
				ChatID:   job.ChatID,
				Prompt:   job.Prompt,
			}); err != nil {
				return err
			}
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := m.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, ag,
		api.WithLiveReader(liveStore),
		api.WithHistory(store),
		api.WithTasks(taskService),
		api.WithMetrics(m.Handler(), m),
		api.WithRateLimit(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second),
	)

	log.Info("bazaard 启动完成",
		slog.String("addr", cfg.Server.Address),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("conversation_store", cfg.Storage.Conversation.Driver),
		slog.String("task_queue", cfg.Storage.TaskQueue.Driver),
		slog.String("livesync", cfg.LiveSync.Backend),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("bazaard 正在退出")
	return nil
}

// openConversationStore 返回对话存储；SQL 驱动时同时返回连接池，供任务存储复用。
func openConversationStore(ctx context.Context, cfg config.ConversationStoreConfig) (conversation.Store, *mysql.DB, error) {
	switch cfg.Driver {
	case "memory":
		return conversation.NewMemoryRecorder(), nil, nil
	case mysql.DriverMySQL, mysql.DriverSQLite:
		db, err := mysql.Open(ctx, mysql.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			AutoMigrate:     cfg.AutoMigrate,
		})
		if err != nil {
			return nil, nil, err
		}
		return mysql.NewRecorder(db), db, nil
	default:
		return nil, nil, fmt.Errorf("不支持的对话存储驱动: %s", cfg.Driver)
	}
}

// liveBackend 同时满足镜像队列与 API 读取的需要。
type liveBackend interface {
	livesync.Store
	api.LiveReader
}

func buildLiveStore(cfg config.LiveSyncConfig, redisCfg config.RedisConfig, client *goredis.Client) (liveBackend, func(), error) {
	ttl := time.Duration(cfg.RecordTTLSeconds) * time.Second
	switch cfg.Backend {
	case "memory":
		records := cache.New[string, livesync.Record](ttl, time.Duration(cfg.JanitorIntervalSeconds)*time.Second)
		return livesync.NewMemoryStore(records), records.Close, nil
	case "redis":
		if client == nil {
			return nil, nil, errors.New("redis 实时镜像需要 Redis 客户端")
		}
		return redisstore.NewLiveStore(client, redisCfg.KeyPrefix, ttl), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("不支持的实时镜像后端: %s", cfg.Backend)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:    cfg.LLM.Anthropic.APIKey,
			BaseURL:   cfg.LLM.Anthropic.BaseURL,
			Model:     cfg.LLM.Anthropic.Model,
			MaxTokens: cfg.LLM.Anthropic.MaxTokens,
			Breaker: anthropic.BreakerConfig{
				MaxRequests:         cfg.LLM.Breaker.MaxRequests,
				Interval:            time.Duration(cfg.LLM.Breaker.IntervalSeconds) * time.Second,
				Timeout:             time.Duration(cfg.LLM.Breaker.TimeoutSeconds) * time.Second,
				ConsecutiveFailures: cfg.LLM.Breaker.ConsecutiveFailures,
			},
		})
	case "replay":
		return replay.Load(cfg.LLM.Replay.Path)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildTools 按配置注册可用工具：未配置 RPC 时不提供链上工具，未提供
// keystore 口令时不提供钱包工具。
func buildTools(ctx context.Context, cfg *config.Config, log *slog.Logger) (*tools.Registry, func(), error) {
	registry := tools.NewRegistry()
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var wallets *web3.Wallets
	if env := strings.TrimSpace(cfg.Web3.KeystorePassphraseEnv); env != "" {
		if passphrase := os.Getenv(env); passphrase != "" {
			w, err := web3.OpenWallets(cfg.Web3.KeystoreDir, passphrase)
			if err != nil {
				return nil, nil, err
			}
			wallets = w
			registry.MustRegister(tools.CreateWallet(wallets))
		} else {
			log.Warn("未设置 keystore 口令，钱包工具不可用", slog.String("env", env))
		}
	}

	if cfg.Web3.RPCURL != "" {
		chain, err := ethereum.NewClient(ctx, ethereum.Config{Name: "ethereum", RPCURL: cfg.Web3.RPCURL})
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, chain.Close)
		balances := cache.New[string, web3.Balance](time.Duration(cfg.Web3.BalanceCacheTTLSeconds)*time.Second, time.Minute)
		closers = append(closers, balances.Close)

		var directory tools.WalletDirectory
		if wallets != nil {
			directory = wallets
		}
		registry.MustRegister(
			tools.ChainSnapshot(chain),
			tools.WalletBalance(chain, directory, balances),
		)
	}

	if cfg.Knowledge.Path != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Path, 0)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		registry.MustRegister(tools.KnowledgeSearch(provider))
	}
	return registry, cleanup, nil
}

func openTaskStore(ctx context.Context, cfg config.StorageConfig, shared *mysql.DB) (task.Store, error) {
	switch cfg.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case mysql.DriverMySQL, mysql.DriverSQLite:
		if cfg.TaskStore.DSN == "" && shared != nil && cfg.Conversation.Driver == cfg.TaskStore.Driver {
			return task.NewSQLStore(shared)
		}
		return task.OpenSQLStore(ctx, mysql.Config{Driver: cfg.TaskStore.Driver, DSN: cfg.TaskStore.DSN})
	default:
		return nil, fmt.Errorf("不支持的任务存储驱动: %s", cfg.TaskStore.Driver)
	}
}

func openTaskQueue(cfg config.TaskQueueConfig, client *goredis.Client) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(client, task.RedisQueueConfig{
			Key:       cfg.RedisKey,
			BlockWait: time.Duration(cfg.BlockSecond) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
			Durable:  true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildAlerting(cfg config.AlertingConfig) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		webhook, err := alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookPerMinute, &http.Client{Timeout: 5 * time.Second})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...), nil
}
