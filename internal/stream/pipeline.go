package stream

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// ToolResult 是工具执行器返回的结构化结果。
type ToolResult struct {
	Success bool
	Data    any
	Error   string
}

// ToolExecutor 执行单个工具调用。
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any, entityID string) (ToolResult, error)
}

// LiveSync 是实时镜像队列的客户端契约。QueueChunkUpdate 不得阻塞，
// 失败由实现方自行吞掉并记录。
type LiveSync interface {
	QueueChunkUpdate(contextID, delta string)
	QueueCompletion(ctx context.Context, contextID string) error
}

// Observer 接收流水线的指标事件。
type Observer interface {
	FrameWritten(kind string)
	ToolExecuted(name string, success bool, elapsed time.Duration)
	TurnFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) FrameWritten(string)                      {}
func (nopObserver) ToolExecuted(string, bool, time.Duration) {}
func (nopObserver) TurnFinished(string)                      {}

// Turn outcomes reported to the Observer and the audit log.
const (
	OutcomeDone       = "done"
	OutcomeOverloaded = "overloaded"
	OutcomeError      = "error"
	OutcomeCancelled  = "cancelled"
	OutcomeTransport  = "transport_error"
)

const (
	defaultCompletionTimeout = 3 * time.Second
	defaultOverloadMessage   = "Sorry, the model is overloaded right now. Please try again in a moment."
)

// TurnContext 标识一次对话轮次。ContextID 为空时不做实时镜像。
type TurnContext struct {
	EntityID  string
	ChatID    string
	ContextID string
}

// Pipeline 持有跨轮次共享的协作者，本身不保存可变状态。
type Pipeline struct {
	recorder          conversation.Recorder
	executor          ToolExecutor
	live              LiveSync
	observer          Observer
	logger            *slog.Logger
	audit             *slog.Logger
	completionTimeout time.Duration
	overloadMessage   string
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

// WithLiveSync 配置实时镜像队列。
func WithLiveSync(live LiveSync) Option {
	return func(p *Pipeline) {
		p.live = live
	}
}

// WithObserver 配置指标观察者。
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		if observer != nil {
			p.observer = observer
		}
	}
}

// WithLogger 覆盖默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCompletionTimeout 限制取消后仍需完成的收尾工作（封存实时记录、
// 保存工具结果）的最长耗时。
func WithCompletionTimeout(timeout time.Duration) Option {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.completionTimeout = timeout
		}
	}
}

// WithOverloadMessage 设置上游过载时返回给用户的道歉文本。
func WithOverloadMessage(message string) Option {
	return func(p *Pipeline) {
		if strings.TrimSpace(message) != "" {
			p.overloadMessage = message
		}
	}
}

// New 创建 Pipeline。
func New(recorder conversation.Recorder, executor ToolExecutor, opts ...Option) (*Pipeline, error) {
	if recorder == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对话记录器未配置")
	}
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具执行器未配置")
	}
	p := &Pipeline{
		recorder:          recorder,
		executor:          executor,
		observer:          nopObserver{},
		logger:            logger.Named("stream"),
		audit:             logger.Audit(),
		completionTimeout: defaultCompletionTimeout,
		overloadMessage:   defaultOverloadMessage,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Run 驱动一个提供方事件流直到结束，写入终止帧并封存实时记录，
// 返回本轮累积的全部文本。
func (p *Pipeline) Run(ctx context.Context, tc TurnContext, src Source, w io.Writer) (string, error) {
	turn := p.NewTurn(tc, w)
	_, err := turn.Consume(ctx, src)
	err = turn.Finish(ctx, err)
	return turn.Text(), err
}

// NewTurn 创建一个可分步驱动的轮次，供多步推理循环使用。
func (p *Pipeline) NewTurn(tc TurnContext, w io.Writer) *Turn {
	return &Turn{
		p:   p,
		tc:  tc,
		mux: NewMultiplexer(w, p.observer),
		acc: NewAccumulator(),
		log: p.logger.With(
			slog.String("entity_id", tc.EntityID),
			slog.String("chat_id", tc.ChatID),
			slog.String("context_id", tc.ContextID),
		),
	}
}

// StepResult 描述一次 Consume 的结果。
type StepResult struct {
	Text       string
	StopReason string
	ToolCalls  int
}

// Turn 是单个轮次的状态，只能被一个 goroutine 使用。
type Turn struct {
	p   *Pipeline
	tc  TurnContext
	mux *Multiplexer
	acc *Accumulator
	log *slog.Logger

	text       strings.Builder
	pending    strings.Builder
	toolCalls  int
	overloaded bool
	finished   bool
	outcome    string
	result     error
}

// Text 返回本轮至今输出的全部文本。
func (t *Turn) Text() string {
	return t.text.String()
}

// Outcome 返回 Finish 记录的结果，未结束时为空。
func (t *Turn) Outcome() string {
	return t.outcome
}

// ToolCalls 返回本轮已执行的工具调用数量。
func (t *Turn) ToolCalls() int {
	return t.toolCalls
}

// Consume 读取 src 直到流结束，不写终止帧。src 总会被关闭。
func (t *Turn) Consume(ctx context.Context, src Source) (step StepResult, _ error) {
	if src == nil {
		return step, xerrors.New(xerrors.CodeInvalidArgument, "事件源不能为空")
	}
	defer func() {
		if err := src.Close(); err != nil {
			t.log.Debug("关闭事件源失败", slog.Any("error", err))
		}
	}()
	if t.finished {
		return step, xerrors.New(xerrors.CodeInvalidArgument, "轮次已经结束")
	}

	var text strings.Builder
	defer func() { step.Text = text.String() }()

	for {
		if err := ctx.Err(); err != nil {
			t.abandon("cancelled")
			return step, cancelledError(err)
		}

		raw, err := src.Recv(ctx)
		if err != nil {
			switch {
			case stdErrors.Is(err, io.EOF):
				t.abandon("stream ended")
				return step, nil
			case ctx.Err() != nil:
				t.abandon("cancelled")
				return step, cancelledError(ctx.Err())
			case xerrors.HasCode(err, CodeUpstreamOverload):
				t.abandon("upstream overloaded")
				t.log.Warn("模型服务过载，返回降级回复", slog.Any("error", err))
				if werr := t.emitText(t.p.overloadMessage); werr != nil {
					return step, werr
				}
				text.WriteString(t.p.overloadMessage)
				t.overloaded = true
				step.StopReason = StopOverloaded
				return step, nil
			default:
				t.abandon("upstream error")
				return step, upstreamError(err)
			}
		}

		switch ev := Decode(raw).(type) {
		case TextEvent:
			if ev.Content == "" {
				continue
			}
			if err := t.emitText(ev.Content); err != nil {
				return step, err
			}
			text.WriteString(ev.Content)
			t.pending.WriteString(ev.Content)

		case ToolStartEvent:
			if discarded := t.acc.Start(ev.Name, ev.ProviderID); discarded != nil {
				t.log.Warn("收到新的工具调用时上一个调用尚未结束，已丢弃",
					slog.String("discarded_tool", discarded.Name),
					slog.String("discarded_correlation_id", discarded.CorrelationID),
					slog.String("tool", ev.Name))
			}

		case ToolInputEvent:
			if !t.acc.Append(ev.Raw) {
				t.log.Debug("空闲状态收到工具参数片段，已忽略")
			}

		case ToolEndEvent:
			if ev.StopReason != StopContentBlock {
				step.StopReason = ev.StopReason
			}
			if t.acc.State() == StateIdle {
				continue
			}
			if !IsClosingReason(ev.StopReason) {
				t.abandon("stop reason " + ev.StopReason)
				continue
			}
			inv, err := t.acc.Close(ev.StopReason)
			if err != nil {
				t.log.Warn("工具参数解析失败，调用已丢弃", slog.Any("error", err))
				continue
			}
			if err := t.runTool(ctx, inv); err != nil {
				return step, err
			}
			step.ToolCalls++

		case UnknownEvent:
			t.log.Debug("忽略无法识别的事件", slog.String("type", fmt.Sprintf("%T", ev.Raw)))
		}
	}
}

// Finish 保存剩余的助手文本，封存实时记录并写入终止帧。cause 为
// Consume 返回的错误。多次调用只生效一次。
func (t *Turn) Finish(ctx context.Context, cause error) error {
	if t.finished {
		return t.result
	}
	t.finished = true
	t.abandon("turn finished")

	if cause == nil {
		if err := t.flushText(ctx); err != nil {
			cause = err
		}
	} else if t.pending.Len() > 0 {
		t.log.Debug("轮次异常结束，未保存尾部文本", slog.Int("bytes", t.pending.Len()))
		t.pending.Reset()
	}

	t.seal(ctx)

	var (
		werr    error
		outcome string
	)
	switch {
	case cause == nil:
		outcome = OutcomeDone
		if t.overloaded {
			outcome = OutcomeOverloaded
		}
		werr = t.mux.Done()
	case xerrors.HasCode(cause, CodeTransportWrite):
		outcome = OutcomeTransport
	case xerrors.HasCode(cause, CodeTurnCancelled):
		outcome = OutcomeCancelled
		if deadlineExceeded(cause) && !t.mux.Broken() {
			werr = t.mux.Error(clientMessage(cause))
		}
	default:
		outcome = OutcomeError
		werr = t.mux.Error(clientMessage(cause))
	}

	t.outcome = outcome
	t.p.observer.TurnFinished(outcome)
	attrs := []any{
		slog.String("entity_id", t.tc.EntityID),
		slog.String("chat_id", t.tc.ChatID),
		slog.String("context_id", t.tc.ContextID),
		slog.String("outcome", outcome),
		slog.Int("tool_calls", t.toolCalls),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("code", string(xerrors.CodeOf(cause))), slog.Any("error", cause))
	}
	t.p.audit.Info("对话轮次结束", attrs...)

	t.result = cause
	if t.result == nil && werr != nil {
		t.result = werr
	}
	return t.result
}

func (t *Turn) emitText(content string) error {
	if err := t.mux.Text(content); err != nil {
		return err
	}
	t.text.WriteString(content)
	if t.p.live != nil && t.tc.ContextID != "" {
		t.p.live.QueueChunkUpdate(t.tc.ContextID, content)
	}
	return nil
}

// runTool 按 保存调用 → 执行 → 保存结果 → 通知客户端 的顺序处理一次调用。
func (t *Turn) runTool(ctx context.Context, inv *ToolInvocation) error {
	if err := t.flushText(ctx); err != nil {
		return err
	}

	call := &conversation.Message{
		EntityID: t.tc.EntityID,
		ChatID:   t.tc.ChatID,
		Role:     conversation.RoleAssistant,
		Payload: conversation.ToolCallPayload(conversation.ToolCall{
			CorrelationID: inv.CorrelationID,
			ProviderID:    inv.ProviderID,
			Name:          inv.Name,
			Input:         inv.Input,
		}),
	}
	if err := t.p.recorder.Save(ctx, call); err != nil {
		if ctx.Err() != nil {
			return cancelledError(ctx.Err())
		}
		return persistenceError(err, "保存工具调用失败")
	}

	result := t.execute(ctx, inv)

	// 工具调用已经落库，结果必须成对写入，即使轮次已被取消。
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.p.completionTimeout)
	defer cancel()
	record := &conversation.Message{
		EntityID: t.tc.EntityID,
		ChatID:   t.tc.ChatID,
		Role:     conversation.RoleTool,
		Payload: conversation.ToolResultPayload(conversation.ToolResult{
			CorrelationID: inv.CorrelationID,
			Name:          inv.Name,
			Success:       result.Success,
			Data:          result.Data,
			Error:         result.Error,
		}),
	}
	if err := t.p.recorder.Save(saveCtx, record); err != nil {
		return persistenceError(err, "保存工具结果失败")
	}
	t.toolCalls++

	if err := ctx.Err(); err != nil {
		return cancelledError(err)
	}
	if err := t.mux.ToolCall(ToolCallFrame{ID: inv.CorrelationID, Name: inv.Name, Input: inv.Input}); err != nil {
		return err
	}
	return t.mux.ToolResult(ToolResultFrame{
		ID:      inv.CorrelationID,
		Name:    inv.Name,
		Success: result.Success,
		Data:    result.Data,
		Error:   result.Error,
	})
}

// execute 调用执行器，把错误、失败结果与 panic 统一转换为失败的 ToolResult。
func (t *Turn) execute(ctx context.Context, inv *ToolInvocation) (result ToolResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = ToolResult{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", inv.Name, r)}
		}
		elapsed := time.Since(started)
		t.p.observer.ToolExecuted(inv.Name, result.Success, elapsed)
		attrs := []any{
			slog.String("entity_id", t.tc.EntityID),
			slog.String("tool", inv.Name),
			slog.String("correlation_id", inv.CorrelationID),
			slog.Bool("success", result.Success),
			slog.Duration("elapsed", elapsed),
		}
		if !result.Success {
			failure := xerrors.New(CodeToolExecution, result.Error, xerrors.WithMetadata("tool", inv.Name))
			attrs = append(attrs, slog.Any("error", failure))
		}
		t.p.audit.Info("工具调用完成", attrs...)
	}()

	out, err := t.p.executor.Execute(ctx, inv.Name, inv.Input, t.tc.EntityID)
	if err != nil {
		return ToolResult{Success: false, Error: err.Error()}
	}
	if !out.Success && out.Error == "" {
		out.Error = "tool reported failure"
	}
	return out
}

func (t *Turn) flushText(ctx context.Context) error {
	if t.pending.Len() == 0 {
		return nil
	}
	content := t.pending.String()
	t.pending.Reset()
	if strings.TrimSpace(content) == "" {
		return nil
	}
	msg := &conversation.Message{
		EntityID: t.tc.EntityID,
		ChatID:   t.tc.ChatID,
		Role:     conversation.RoleAssistant,
		Payload:  conversation.TextPayload(content),
	}
	if err := t.p.recorder.Save(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return cancelledError(ctx.Err())
		}
		return persistenceError(err, "保存助手回复失败")
	}
	return nil
}

func (t *Turn) abandon(reason string) {
	if inv := t.acc.Abandon(); inv != nil {
		t.log.Info("未完成的工具调用已放弃",
			slog.String("tool", inv.Name),
			slog.String("correlation_id", inv.CorrelationID),
			slog.String("reason", reason))
	}
}

// seal 在与客户端取消解耦的上下文中等待实时记录封存完成，失败只记录日志。
func (t *Turn) seal(ctx context.Context) {
	if t.p.live == nil || t.tc.ContextID == "" {
		return
	}
	sealCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.p.completionTimeout)
	defer cancel()
	if err := t.p.live.QueueCompletion(sealCtx, t.tc.ContextID); err != nil {
		t.log.Warn("封存实时记录失败", slog.Any("error", err))
	}
}
