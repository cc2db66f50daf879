package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

// ChatRequest 描述一次用户发言。ContextID 为空时不做实时镜像。
type ChatRequest struct {
	EntityID  string `json:"entity_id"`
	ChatID    string `json:"chat_id"`
	Message   string `json:"message"`
	ContextID string `json:"context_id,omitempty"`
}

// TurnResult 汇总一次对话轮次的结果。
type TurnResult struct {
	EntityID   string `json:"entity_id"`
	ChatID     string `json:"chat_id"`
	ContextID  string `json:"context_id,omitempty"`
	Reply      string `json:"reply"`
	ToolCalls  int    `json:"tool_calls"`
	Steps      int    `json:"steps"`
	StopReason string `json:"stop_reason,omitempty"`
	Outcome    string `json:"outcome"`
}

// ToolCatalog 提供暴露给大模型的工具定义。
type ToolCatalog interface {
	Definitions() []llm.ToolDefinition
}

// LiveOpener 在轮次开始时创建空的实时记录。
type LiveOpener interface {
	Open(contextID string)
}

// Agent 协调大模型、工具与对话记录，是系统的业务核心。
type Agent struct {
	llmClient    llm.Client
	store        conversation.Store
	pipeline     *stream.Pipeline
	tools        ToolCatalog
	live         LiveOpener
	systemPrompt string
	model        string
	maxTokens    int64
	maxSteps     int
	memoryDepth  int
	llmTimeout   time.Duration
	logger       *slog.Logger
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

const (
	defaultMaxSteps    = 5
	defaultMemoryDepth = 40
)

// WithTools 配置工具目录。
func WithTools(tools ToolCatalog) Option {
	return func(a *Agent) {
		a.tools = tools
	}
}

// WithLiveOpener 配置实时记录的初始化方。
func WithLiveOpener(live LiveOpener) Option {
	return func(a *Agent) {
		a.live = live
	}
}

// WithSystemPrompt 设置系统提示词。
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) {
		a.systemPrompt = strings.TrimSpace(prompt)
	}
}

// WithModel 覆盖提供方的默认模型与输出上限。
func WithModel(model string, maxTokens int64) Option {
	return func(a *Agent) {
		a.model = strings.TrimSpace(model)
		a.maxTokens = maxTokens
	}
}

// WithMaxSteps 设置单个轮次内最多的推理步数。
func WithMaxSteps(steps int) Option {
	return func(a *Agent) {
		a.maxSteps = steps
	}
}

// WithMemoryDepth 设置每一步回放给大模型的历史消息数量。
func WithMemoryDepth(depth int) Option {
	return func(a *Agent) {
		a.memoryDepth = depth
	}
}

// WithLLMTimeout 设置整个轮次的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout <= 0 {
			a.llmTimeout = 0
			return
		}
		a.llmTimeout = timeout
	}
}

// New 创建一个 Agent。
func New(llmClient llm.Client, store conversation.Store, pipeline *stream.Pipeline, opts ...Option) (*Agent, error) {
	if llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置对话存储")
	}
	if pipeline == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置流水线")
	}

	ag := &Agent{
		llmClient:   llmClient,
		store:       store,
		pipeline:    pipeline,
		maxSteps:    defaultMaxSteps,
		memoryDepth: defaultMemoryDepth,
		logger:      logger.Named("agent"),
	}
	// 应用可选配置。
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	// 兜底默认值。
	if ag.maxSteps <= 0 {
		ag.maxSteps = defaultMaxSteps
	}
	if ag.memoryDepth <= 0 {
		ag.memoryDepth = defaultMemoryDepth
	}
	return ag, nil
}

// Validate 检查请求是否可以开始一个轮次，在写出任何帧之前调用。
func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.EntityID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "entity_id 不能为空")
	}
	if strings.TrimSpace(r.Message) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "message 不能为空")
	}
	return nil
}

// Respond 处理一次用户发言，把帧写入 w。返回的错误与终止帧一致：
// 成功时为 nil，其余情况带有错误码。
func (a *Agent) Respond(ctx context.Context, req ChatRequest, w io.Writer) (*TurnResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if a.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.llmTimeout)
		defer cancel()
	}

	tc := stream.TurnContext{EntityID: req.EntityID, ChatID: req.ChatID, ContextID: req.ContextID}
	turn := a.pipeline.NewTurn(tc, w)
	if a.live != nil && req.ContextID != "" {
		a.live.Open(req.ContextID)
	}

	result := &TurnResult{EntityID: req.EntityID, ChatID: req.ChatID, ContextID: req.ContextID}
	cause := a.run(ctx, req, turn, result)

	err := turn.Finish(ctx, cause)
	result.Reply = turn.Text()
	result.ToolCalls = turn.ToolCalls()
	result.Outcome = turn.Outcome()
	return result, err
}

func (a *Agent) run(ctx context.Context, req ChatRequest, turn *stream.Turn, result *TurnResult) error {
	// 先落库用户消息，历史中才能看到本轮的输入。
	userMsg := &conversation.Message{
		EntityID: req.EntityID,
		ChatID:   req.ChatID,
		Role:     conversation.RoleUser,
		Payload:  conversation.TextPayload(req.Message),
	}
	if err := a.store.Save(ctx, userMsg); err != nil {
		if ctx.Err() != nil {
			return xerrors.Wrap(stream.CodeTurnCancelled, ctx.Err(), "")
		}
		if xerrors.HasCode(err, conversation.CodePersistence) {
			return err
		}
		return xerrors.Wrap(conversation.CodePersistence, err, "保存用户消息失败")
	}

	var tools []llm.ToolDefinition
	if a.tools != nil {
		tools = a.tools.Definitions()
	}

	for step := 1; step <= a.maxSteps; step++ {
		result.Steps = step

		history, err := a.store.List(ctx, req.EntityID, req.ChatID, a.memoryDepth)
		if err != nil {
			if ctx.Err() != nil {
				return xerrors.Wrap(stream.CodeTurnCancelled, ctx.Err(), "")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载对话历史失败")
		}

		src, err := a.llmClient.Stream(ctx, llm.Request{
			Model:     a.model,
			System:    a.systemPrompt,
			Messages:  history,
			Tools:     tools,
			MaxTokens: a.maxTokens,
		})
		if err != nil {
			// 发起失败与流中失败走同一套错误策略。
			src = stream.ErrorSource(err)
		}

		out, err := turn.Consume(ctx, src)
		result.StopReason = out.StopReason
		if err != nil {
			return err
		}
		if out.StopReason != stream.StopToolUse || out.ToolCalls == 0 {
			return nil
		}
		a.logger.Debug("工具调用完成，继续推理",
			slog.String("entity_id", req.EntityID),
			slog.Int("step", step),
			slog.Int("tool_calls", out.ToolCalls))
	}

	a.logger.Info("达到最大推理步数",
		slog.String("entity_id", req.EntityID),
		slog.Int("max_steps", a.maxSteps))
	return nil
}

// TaskRequest 描述一个后台任务触发的对话轮次。
type TaskRequest struct {
	ID       string
	EntityID string
	ChatID   string
	Prompt   string
}

// Execute 在没有客户端连接的情况下运行一个轮次，供任务处理器与定时任务使用。
func (a *Agent) Execute(ctx context.Context, req TaskRequest) (*TurnResult, error) {
	contextID := req.ID
	if contextID == "" {
		contextID = uuid.NewString()
	}
	return a.Respond(ctx, ChatRequest{
		EntityID:  req.EntityID,
		ChatID:    req.ChatID,
		Message:   req.Prompt,
		ContextID: "task-" + contextID,
	}, io.Discard)
}
