package api

import (
	"encoding/json"
	"net/http"

	xerrors "github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/errors"
	"github.com/ClarenceL/infinite-bazaar-demo-sub001/internal/task"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeCodedError 根据错误码选择 HTTP 状态，服务端错误不回显内部细节。
func writeCodedError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		message = xerrors.AttributesOf(code).Message
		if message == "" {
			message = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: message, Code: string(code)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
