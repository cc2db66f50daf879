package task

import (
	"context"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将任务置为运行中并累加尝试次数。已完成、运行中或重试耗尽的任务
	// 返回对应的任务错误。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败原因。terminal 为 true 时任务不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// List 按更新时间倒序返回最近的任务，entityID 为空时不过滤。
	List(ctx context.Context, entityID string, limit int) ([]*Task, error)
	Close() error
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
