package handlers

import (
	"net/http"

	"github.com/vango-go/vai-convo/pkg/core"
	"github.com/vango-go/vai-convo/pkg/gateway/apierror"
	"github.com/vango-go/vai-convo/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.WriteError(w, http.StatusNotFound, &core.Error{
		Type:      core.ErrNotFound,
		Message:   "not found",
		RequestID: reqID,
	})
}
