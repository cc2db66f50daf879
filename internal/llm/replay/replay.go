// Package replay serves recorded provider streams from a JSON Lines script.
// Each line holds one raw Messages API stream event; a message_stop event
// closes a segment and every Stream call plays the next segment, wrapping
// around at the end. An {"type":"error"} line ends its segment with an
// upstream failure, so overload handling can be exercised offline.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/llm"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/stream"
)

// Segment 是一次流式响应的事件序列。
type Segment struct {
	Events []json.RawMessage
	Err    error
}

// Client 依次回放脚本中的片段。
type Client struct {
	mu       sync.Mutex
	segments []Segment
	next     int
	requests []llm.Request
}

// New 使用内存中的片段创建客户端。
func New(segments ...Segment) (*Client, error) {
	if len(segments) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "回放脚本为空")
	}
	return &Client{segments: segments}, nil
}

// Load 从文件读取回放脚本。
func Load(path string) (*Client, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开回放脚本失败: %w", err)
	}
	defer f.Close()
	segments, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return New(segments...)
}

// Parse 解析 JSON Lines 格式的回放脚本，空行与 # 开头的行会被忽略。
func Parse(r io.Reader) ([]Segment, error) {
	var (
		segments []Segment
		current  Segment
		lineNo   int
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var head struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("回放脚本第 %d 行不是合法 JSON", lineNo))
		}
		switch head.Type {
		case "error":
			current.Err = upstreamError(head.Error.Type, head.Error.Message)
			segments = append(segments, current)
			current = Segment{}
		case "message_stop":
			current.Events = append(current.Events, json.RawMessage(line))
			segments = append(segments, current)
			current = Segment{}
		default:
			current.Events = append(current.Events, json.RawMessage(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取回放脚本失败: %w", err)
	}
	if len(current.Events) > 0 {
		segments = append(segments, current)
	}
	return segments, nil
}

func upstreamError(kind, message string) error {
	if message == "" {
		message = kind
	}
	if kind == "overloaded_error" {
		return xerrors.New(stream.CodeUpstreamOverload, message)
	}
	return xerrors.New(stream.CodeUpstreamFailure, message)
}

// Stream implements llm.Client.
func (c *Client) Stream(ctx context.Context, req llm.Request) (stream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	seg := c.segments[c.next]
	c.next = (c.next + 1) % len(c.segments)
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	events := make([]any, len(seg.Events))
	for i, ev := range seg.Events {
		events[i] = ev
	}
	src := stream.NewSliceSource(events...)
	if seg.Err != nil {
		src.FailWith(seg.Err)
	}
	return src, nil
}

// Requests 返回已收到的请求，供测试断言。
func (c *Client) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}
