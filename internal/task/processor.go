package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/agent"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/observability/alerting"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// Executor 定义了处理器所需的 Agent 能力。
type Executor interface {
	Execute(ctx context.Context, req agent.TaskRequest) (*agent.TurnResult, error)
}

// Observer 接收任务处理结果，用于指标统计。
type Observer interface {
	TaskProcessed(status string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) TaskProcessed(string, time.Duration) {}

// 处理结果，作为 Observer 的 status 参数。
const (
	ProcessedSucceeded = "succeeded"
	ProcessedRetried   = "retried"
	ProcessedFailed    = "failed"
	ProcessedSkipped   = "skipped"
)

// Processor 负责从队列消费任务并交给 Agent 执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	runTimeout  time.Duration
	observer    Observer
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRunTimeout 限制单个任务的执行时长。
func WithRunTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.runTimeout = timeout
		}
	}
}

// WithObserver 注册指标观察者。
func WithObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithAlertDispatcher 配置告警派发器，任务最终失败时触发。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		observer:    nopObserver{},
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	started := time.Now()

	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			p.observer.TaskProcessed(ProcessedSkipped, time.Since(started))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}
	result, execErr := p.executor.Execute(runCtx, agent.TaskRequest{
		ID:       task.ID,
		EntityID: task.EntityID,
		ChatID:   task.ChatID,
		Prompt:   task.Prompt,
	})
	if execErr == nil && result != nil && result.Outcome == stream.OutcomeOverloaded {
		// 过载时轮次以致歉结束，但任务本身并未完成。
		execErr = xerrors.New(stream.CodeUpstreamOverload, "model provider overloaded")
	}
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr, started)
	}

	var record ExecutionResult
	if result != nil {
		record = ExecutionResult{Reply: result.Reply, ToolCalls: result.ToolCalls}
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	p.observer.TaskProcessed(ProcessedSucceeded, time.Since(started))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("entity_id", task.EntityID),
		slog.String("source", task.Source),
		slog.Int("tool_calls", record.ToolCalls),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error, started time.Time) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("entity_id", task.EntityID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		p.observer.TaskProcessed(ProcessedFailed, time.Since(started))
		p.emitAlert(ctx, task, code, execErr)
		return nil
	}
	p.observer.TaskProcessed(ProcessedRetried, time.Since(started))
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		EntityID:   task.EntityID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"source": task.Source},
		OccurredAt: time.Now().UTC(),
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
