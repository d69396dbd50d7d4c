package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dekarrin/vone/wire/httpwire"
	"github.com/google/uuid"
)

// Middleware wraps an http.Handler.
type Middleware func(next http.Handler) http.Handler

type mwFunc http.HandlerFunc

func (sf mwFunc) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sf(w, req)
}

// ctxKey is a key in the context of a request populated by middleware.
type ctxKey int64

const (
	ctxRequestID ctxKey = iota
	ctxUser
)

// RequestID returns the correlation ID of the request. It is the one the
// client sent, or a fresh one if the client did not send any.
func RequestID(req *http.Request) string {
	id, _ := req.Context().Value(ctxRequestID).(string)
	return id
}

// LoggedInUser returns the name of the user that made the request. It is
// empty when authentication is turned off.
func LoggedInUser(req *http.Request) string {
	user, _ := req.Context().Value(ctxUser).(string)
	return user
}

// requestIDs tags every request with a correlation ID and echoes it back in
// the response.
func requestIDs() Middleware {
	return func(next http.Handler) http.Handler {
		return mwFunc(func(w http.ResponseWriter, req *http.Request) {
			id := req.Header.Get(httpwire.HeaderRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(httpwire.HeaderRequestID, id)

			ctx := context.WithValue(req.Context(), ctxRequestID, id)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// dontPanic performs a panic check as the handler exits. If it is panicking,
// a generic 500 is written to the client and the details are logged.
func (s *Server) dontPanic() Middleware {
	return func(next http.Handler) http.Handler {
		return mwFunc(func(w http.ResponseWriter, req *http.Request) {
			defer func() {
				if panicErr := recover(); panicErr != nil {
					r := InternalServerError(req.URL.Path, "panic: %v\nSTACK TRACE: %s", panicErr, string(debug.Stack()))
					r.WriteResponse(w)
					s.logResult(req, r)
				}
			}()
			next.ServeHTTP(w, req)
		})
	}
}

// requiredAuth rejects any request that does not carry valid credentials.
// The name of the logged-in user is added to the request context.
func (s *Server) requiredAuth() Middleware {
	return func(next http.Handler) http.Handler {
		return mwFunc(func(w http.ResponseWriter, req *http.Request) {
			if !s.auth.enabled() {
				next.ServeHTTP(w, req)
				return
			}

			user, err := s.auth.Authenticate(req)
			if err != nil {
				r := Unauthorized(req.URL.Path, "%s", err.Error())
				time.Sleep(s.auth.UnauthDelay())
				r.WriteResponse(w)
				s.logResult(req, r)
				return
			}

			ctx := context.WithValue(req.Context(), ctxUser, user)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func (s *Server) logResult(req *http.Request, r Result) {
	msg := fmt.Sprintf("request %s: %s", RequestID(req), r.InternalMsg)
	if user := LoggedInUser(req); user != "" {
		msg = fmt.Sprintf("request %s (%s): %s", RequestID(req), user, r.InternalMsg)
	}
	logExchange(s.log, req, r.Status, msg)
}
