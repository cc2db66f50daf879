// Package tools implements the tool executor offered to the model: a
// registry of named handlers with JSON Schema definitions, plus the
// built-in chain, wallet and knowledge tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// Call 是一次工具调用的参数。
type Call struct {
	EntityID string
	Input    map[string]any
}

// Handler 执行工具并返回可 JSON 序列化的结果。
type Handler func(ctx context.Context, call Call) (any, error)

// Tool 由模型可见的定义与处理函数组成。
type Tool struct {
	Definition llm.ToolDefinition
	Handler    Handler
}

// Registry 按名称管理工具，实现 stream.ToolExecutor。
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *slog.Logger
}

// Option customises a Registry.
type Option func(*Registry)

// WithTimeout bounds every tool execution.
func WithTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// NewRegistry 创建空的工具注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: defaultTimeout,
		logger:  logger.Named("tools"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Register 注册工具，名称重复时返回冲突错误。
func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Definition.Name)
	if name == "" || tool.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称与处理函数不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	tool.Definition.Name = name
	r.tools[name] = tool
	return nil
}

// MustRegister 与 Register 相同，但在失败时 panic，用于启动阶段。
func (r *Registry) MustRegister(tools ...Tool) {
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
}

// Definitions 返回按名称排序的工具定义。
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute implements stream.ToolExecutor. Handler failures become failed
// results; only an unusable registry returns an error.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, entityID string) (stream.ToolResult, error) {
	if r == nil {
		return stream.ToolResult{}, xerrors.New(xerrors.CodeInitializationFailure, "工具注册表未初始化")
	}
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return stream.ToolResult{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}
	if input == nil {
		input = map[string]any{}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := tool.Handler(execCtx, Call{EntityID: entityID, Input: input})
	if err != nil {
		r.logger.Warn("工具执行失败",
			slog.String("tool", name),
			slog.String("entity_id", entityID),
			slog.Any("error", err))
		return stream.ToolResult{Success: false, Error: failureMessage(err)}, nil
	}
	return stream.ToolResult{Success: true, Data: data}, nil
}

// failureMessage 只把参数错误原样交给模型，其余错误使用错误码描述。
func failureMessage(err error) string {
	e, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	if e.Code() == xerrors.CodeInvalidArgument || e.Code() == xerrors.CodeNotFound {
		return e.Message()
	}
	return xerrors.AttributesOf(e.Code()).Message
}

var _ stream.ToolExecutor = (*Registry)(nil)

func stringArg(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return strings.TrimSpace(v)
}

func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
