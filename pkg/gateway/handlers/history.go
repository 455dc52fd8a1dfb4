package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vango-go/vai-convo/pkg/core"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/core/store"
	"github.com/vango-go/vai-convo/pkg/gateway/apierror"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
	"github.com/vango-go/vai-convo/pkg/gateway/mw"
)

const maxConversationIDLen = 128

type historyResponse struct {
	ConversationID string                 `json:"conversationId"`
	Messages       []conversation.Message `json:"messages"`
}

// HistoryHandler serves GET /v1/conversations/{id}/messages for the caller's
// own conversations.
type HistoryHandler struct {
	Store store.MessageStore
}

func (h HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		apierror.WriteError(w, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		apierror.Write(w, auth.ErrMissingIdentity, reqID)
		return
	}

	convID := strings.TrimSpace(r.PathValue("id"))
	if convID == "" || len(convID) > maxConversationIDLen {
		ce := core.NewInvalidRequestError("invalid conversation id")
		ce.Param = "id"
		apierror.Write(w, ce, reqID)
		return
	}

	msgs, err := h.Store.ListMessages(r.Context(), id.UserID, convID)
	if err != nil {
		apierror.Write(w, err, reqID)
		return
	}
	// Another user's conversation is indistinguishable from a missing one.
	if len(msgs) == 0 {
		apierror.Write(w, core.NewNotFoundError("conversation not found"), reqID)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(historyResponse{ConversationID: convID, Messages: msgs})
}
