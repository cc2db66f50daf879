package stream

import (
	"context"
	stdErrors "errors"

	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/conversation"
	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
)

const (
	// CodeToolParse 表示累积的工具参数不是合法 JSON，调用被丢弃。
	CodeToolParse xerrors.Code = "TOOL_PARSE_FAILED"
	// CodeToolExecution 表示工具执行失败，会被转换为失败结果。
	CodeToolExecution xerrors.Code = "TOOL_EXECUTION_FAILED"
	// CodeTransportWrite 表示向客户端写入帧失败。
	CodeTransportWrite xerrors.Code = "TRANSPORT_WRITE_FAILED"
	// CodeUpstreamOverload 表示模型提供方容量不足。
	CodeUpstreamOverload xerrors.Code = "UPSTREAM_OVERLOAD"
	// CodeUpstreamFailure 表示模型提供方的其他错误。
	CodeUpstreamFailure xerrors.Code = "UPSTREAM_FAILURE"
	// CodeTurnCancelled 表示客户端断开或调用方超时。
	CodeTurnCancelled xerrors.Code = "TURN_CANCELLED"
)

func init() {
	xerrors.Register(CodeToolParse, xerrors.Attributes{Message: "工具参数解析失败", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeToolExecution, xerrors.Attributes{Message: "工具执行失败", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeTransportWrite, xerrors.Attributes{Message: "客户端连接写入失败", Severity: xerrors.SeverityWarning, Fatal: true})
	xerrors.Register(CodeUpstreamOverload, xerrors.Attributes{Message: "模型服务繁忙", Severity: xerrors.SeverityWarning, Retryable: true})
	xerrors.Register(CodeUpstreamFailure, xerrors.Attributes{Message: "模型服务调用失败", Severity: xerrors.SeverityCritical, Retryable: true, Fatal: true})
	xerrors.Register(CodeTurnCancelled, xerrors.Attributes{Message: "对话轮次已取消", Severity: xerrors.SeverityInfo, Fatal: true})
}

// clientMessage 返回可以展示给客户端的错误描述，避免泄露内部细节。
func clientMessage(err error) string {
	switch xerrors.CodeOf(err) {
	case conversation.CodePersistence:
		return "failed to record conversation"
	case CodeUpstreamFailure:
		return "model provider unavailable"
	case CodeTurnCancelled:
		return "request timed out"
	case xerrors.CodeInvalidArgument:
		if e, ok := xerrors.From(err); ok {
			return e.Message()
		}
	}
	return "internal error"
}

func persistenceError(err error, message string) error {
	if xerrors.HasCode(err, conversation.CodePersistence) {
		return err
	}
	return xerrors.Wrap(conversation.CodePersistence, err, message)
}

func cancelledError(err error) error {
	if xerrors.HasCode(err, CodeTurnCancelled) {
		return err
	}
	return xerrors.Wrap(CodeTurnCancelled, err, "")
}

// upstreamError 为未分类的提供方错误补充错误码。
func upstreamError(err error) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeUpstreamFailure, err, "")
}

func deadlineExceeded(err error) bool {
	return stdErrors.Is(err, context.DeadlineExceeded)
}
