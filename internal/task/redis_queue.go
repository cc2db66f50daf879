package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Key       string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现任务队列，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
	logger *slog.Logger
}

// NewRedisQueue 基于共享客户端创建 Redis 队列，客户端由调用方关闭。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端未初始化")
	}
	key := cfg.Key
	if key == "" {
		key = "bazaar:tasks"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait, logger: logger.Named("task.redis")}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, taskID string) error {
	if err := q.client.LPush(ctx, q.key, taskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 从 Redis 获取任务。处理失败的任务会被放回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for workerCtx.Err() == nil {
				values, err := q.client.BRPop(workerCtx, q.wait, q.key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if workerCtx.Err() != nil {
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				taskID := values[1]
				if handlerErr := handler(workerCtx, taskID); handlerErr != nil {
					if pushErr := q.client.RPush(context.WithoutCancel(workerCtx), q.key, taskID).Err(); pushErr != nil {
						q.logger.Error("任务重新入队失败", slog.String("task_id", taskID), slog.Any("error", pushErr))
					}
				}
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	return err
}

// Close 共享客户端由调用方关闭。
func (q *RedisQueue) Close() error {
	return nil
}

var _ Queue = (*RedisQueue)(nil)
