package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JoeShih716/branch-ledger/internal/app/core/domain"
)

// errorBody 錯誤回應
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	// Data: 業務拒絕時已保存的實體 (例如 Rejected 交易)
	Data any `json:"data,omitempty"`
}

// statusOf 錯誤分類對應 HTTP 狀態碼
func statusOf(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindTimeout:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, data any) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && domain.KindOf(err) == domain.KindUnknown {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{
		Error: msg,
		Kind:  domain.KindOf(err).String(),
		Data:  data,
	})
}

type listBody[T any] struct {
	Items []T  `json:"items"`
	More  bool `json:"more"`
	// NextCursor: More 為 true 時，下一頁以 ?cursor= 帶回
	NextCursor string `json:"next_cursor,omitempty"`
}
