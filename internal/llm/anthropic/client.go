// Package anthropic adapts the Anthropic Messages streaming API to the
// stream.Source contract. Stream initiation runs behind a circuit breaker and
// upstream capacity errors are tagged so the pipeline can degrade gracefully.
package anthropic

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker/v2"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/pkg/logger"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = int64(4096)

	defaultBreakerFailures uint32 = 5
	defaultBreakerTimeout         = 30 * time.Second
	defaultBreakerInterval        = 60 * time.Second

	overloadedStatus    = 529
	overloadedErrorType = "overloaded_error"
)

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Config 描述了调用 Anthropic Messages API 所需的信息。
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Breaker   BreakerConfig
}

// EventStream 是 SDK 流对象的最小抽象。
type EventStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
	Close() error
}

// Opener 发起一次流式请求。
type Opener func(ctx context.Context, params sdk.MessageNewParams) EventStream

// Client 通过 Anthropic SDK 调用大模型。
type Client struct {
	open      Opener
	model     string
	maxTokens int64
	breaker   *gobreaker.CircuitBreaker[*source]
	logger    *slog.Logger
}

// NewClient 根据配置创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 Anthropic API Key")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := sdk.NewClient(opts...)
	open := func(ctx context.Context, params sdk.MessageNewParams) EventStream {
		return client.Messages.NewStreaming(ctx, params)
	}
	return NewWithOpener(cfg, open), nil
}

// NewWithOpener 使用自定义的流打开函数创建客户端，主要用于测试。
func NewWithOpener(cfg Config, open Opener) *Client {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	c := &Client{
		open:      open,
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.Named("llm.anthropic"),
	}
	c.breaker = gobreaker.NewCircuitBreaker[*source](breakerSettings(cfg.Breaker, c.logger))
	return c
}

func breakerSettings(cfg BreakerConfig, log *slog.Logger) gobreaker.Settings {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBreakerInterval
	}
	maxRequests := cfg.MaxRequests
	if maxRequests == 0 {
		maxRequests = 1
	}
	return gobreaker.Settings{
		Name:        "llm:anthropic",
		MaxRequests: maxRequests,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态变化",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不代表提供方故障。
			return err == nil || stdErrors.Is(err, context.Canceled)
		},
	}
}

// State 返回熔断器当前状态。
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Stream implements llm.Client. The first event is read before returning so
// connection and capacity failures count against the circuit breaker.
func (c *Client) Stream(ctx context.Context, req llm.Request) (stream.Source, error) {
	params := c.buildParams(req)
	src, err := c.breaker.Execute(func() (*source, error) {
		s := &source{es: c.open(ctx, params)}
		if err := s.prime(); err != nil {
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		if stdErrors.Is(err, gobreaker.ErrOpenState) || stdErrors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(stream.CodeUpstreamOverload, err, "模型服务熔断中")
		}
		return nil, err
	}
	return src, nil
}

func (c *Client) buildParams(req llm.Request) sdk.MessageNewParams {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: maxTokens,
		Messages:  BuildMessages(req.Messages),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = BuildTools(req.Tools)
	}
	return params
}

// source 把 SDK 流适配为 stream.Source，首个事件在建立时预读。
type source struct {
	mu     sync.Mutex
	es     EventStream
	peeked *sdk.MessageStreamEventUnion
	done   bool
	closed bool
}

func (s *source) prime() error {
	if !s.es.Next() {
		err := s.es.Err()
		if err == nil {
			s.done = true
			return nil
		}
		_ = s.es.Close()
		return classify(err)
	}
	ev := s.es.Current()
	s.peeked = &ev
	return nil
}

// Recv implements stream.Source.
func (s *source) Recv(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.done {
		return nil, io.EOF
	}
	if s.peeked != nil {
		ev := *s.peeked
		s.peeked = nil
		return ev, nil
	}
	if !s.es.Next() {
		s.done = true
		if err := s.es.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, classify(err)
		}
		return nil, io.EOF
	}
	return s.es.Current(), nil
}

// Close implements stream.Source.
func (s *source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.es.Close()
}

// classify 为提供方错误打上错误码，容量不足与其他失败区分开。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsOverloaded(err) {
		return xerrors.Wrap(stream.CodeUpstreamOverload, err, "模型服务过载")
	}
	return xerrors.Wrap(stream.CodeUpstreamFailure, err, fmt.Sprintf("Anthropic 流式调用失败: %v", err))
}

// IsOverloaded 判断错误是否表示提供方容量不足：HTTP 529，或错误体中
// error.type 为 overloaded_error。流中途的错误没有状态码，只能看错误体。
func IsOverloaded(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *sdk.Error
	if stdErrors.As(err, &apiErr) {
		return apiErr.StatusCode == overloadedStatus || bodyErrorType(apiErr.RawJSON()) == overloadedErrorType
	}
	return bodyErrorType(err.Error()) == overloadedErrorType
}

// bodyErrorType 从文本中第一个 JSON 对象里取出 error.type。
func bodyErrorType(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&body); err != nil {
		return ""
	}
	return body.Error.Type
}
