package middlewares

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/gorilla/mux"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
)

type panicResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type RecoveryMw struct {
	next http.Handler
}

func NewRecoveryMw() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return NewRecovery(next)
	}
}

func NewRecovery(next http.Handler) *RecoveryMw {
	return &RecoveryMw{next: next}
}

func (mw *RecoveryMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			logging.Logger(r.Context()).Errorf("caught panic: %v : %s", err, debug.Stack())

			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(rw).Encode(panicResponse{
				Status:  "error",
				Message: http.StatusText(http.StatusInternalServerError),
			})
		}
	}()

	mw.next.ServeHTTP(rw, r)
}
