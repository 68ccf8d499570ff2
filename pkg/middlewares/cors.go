package middlewares

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

type CorsMw struct {
	h http.Handler
}

// NewCorsOptions allows any method and header from the given origins,
// with credentials, the way a dashboard on another host needs it
func NewCorsOptions(origins []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	}
}

func NewCorsMw(opts cors.Options) mux.MiddlewareFunc {
	c := cors.New(opts)

	return func(next http.Handler) http.Handler {
		return &CorsMw{
			h: c.Handler(next),
		}
	}
}

// This should be the first Middleware in the chain
//
func (mw *CorsMw) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	mw.h.ServeHTTP(rw, r)
}
