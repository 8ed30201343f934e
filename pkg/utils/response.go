package utils

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-tavern/chatsync/internal/model/chat"
)

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// RespondData 发送成功信封
func RespondData[T any](w http.ResponseWriter, status int, data T) {
	RespondJSON(w, status, chat.Envelope[T]{Success: true, Data: data})
}

// RespondPage 发送带分页信息的成功信封
func RespondPage[T any](w http.ResponseWriter, data T, meta chat.PageMeta) {
	RespondJSON(w, http.StatusOK, chat.Envelope[T]{Success: true, Data: data, Meta: &meta})
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, chat.Envelope[any]{
		Success: false,
		Error:   &chat.APIError{Code: code, Message: message},
	})
}
