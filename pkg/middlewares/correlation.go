package middlewares

import (
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
)

var correlationIDRegexp = regexp.MustCompile(`^[\w-]{3,64}$`)

const badCorrelationID = "<Bad_Correlation_Id>"

type CorrelationMw struct {
	headerName string
	next       http.Handler
}

func NewCorrelationMw(headerName string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return &CorrelationMw{headerName: headerName, next: next}
	}
}

// ServeHTTP echoes the caller's correlation ID, or a new one, and tags the
// request's log entries with it
func (mw *CorrelationMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id := mw.requestID(r)

	rw.Header().Set(mw.headerName, id)
	if id != badCorrelationID {
		r = r.WithContext(logging.WithCorrelationID(r.Context(), id))
	}

	mw.next.ServeHTTP(rw, r)
}

func (mw *CorrelationMw) requestID(r *http.Request) string {
	id := r.Header.Get(mw.headerName)
	if id == "" {
		return uuid.New().String()
	}

	if correlationIDRegexp.MatchString(id) {
		return id
	}

	return badCorrelationID
}
