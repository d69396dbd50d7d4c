// Package server serves an in-memory asset service over the same REST/XML
// API the real server speaks. It is used to develop and test against without
// a live instance.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dekarrin/vone"
	"github.com/dekarrin/vone/internal/logging"
	"github.com/dekarrin/vone/wire/inmem"
	"github.com/go-chi/chi/v5"
)

// Config holds the options of a Server.
type Config struct {
	// Address is the address to listen on. It may be empty to listen on all
	// interfaces.
	Address string

	// Port is the port to listen on.
	Port int

	// Instance is the path the API is served under, such as
	// "VersionOne.Web". It may be empty to serve from the root.
	Instance string

	// Users maps user names to the base64-encoded bcrypt hash of their
	// password, as returned by HashPassword. If Users and TokenSecret are
	// both empty, no authentication is required.
	Users map[string]string

	// TokenSecret is the key bearer tokens are signed with. If empty, bearer
	// tokens are refused.
	TokenSecret []byte

	// UnauthDelay is how long to wait before answering a request that fails
	// authentication.
	UnauthDelay time.Duration
}

// Server serves an inmem.Service over HTTP.
type Server struct {
	svc  *inmem.Service
	cfg  Config
	log  vone.Logger
	auth authenticator

	mtx     *sync.Mutex
	rtr     chi.Router
	http    *http.Server
	serving bool
	closing bool
}

// New creates a Server for svc. log may be nil.
func New(svc *inmem.Service, cfg Config, log vone.Logger) (*Server, error) {
	if svc == nil {
		return nil, vone.NewError("asset service is nil", vone.ErrBadArgument)
	}

	auth, err := newAuthenticator(cfg.Users, cfg.TokenSecret, cfg.UnauthDelay)
	if err != nil {
		return nil, vone.WrapError(err, vone.ErrBadArgument, "users")
	}

	cfg.Instance = strings.Trim(cfg.Instance, "/")

	return &Server{
		svc:  svc,
		cfg:  cfg,
		log:  logging.OrNoOp(log),
		auth: auth,
		mtx:  &sync.Mutex{},
	}, nil
}

// Service returns the asset service the server serves.
func (s *Server) Service() *inmem.Service {
	return s.svc
}

// Base returns the path every API route is under. It never ends with a slash.
func (s *Server) Base() string {
	if s.cfg.Instance == "" {
		return ""
	}
	return "/" + s.cfg.Instance
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	s.checkCreatedViaNew()
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.rtr == nil {
		s.rtr = s.routes()
	}
	return s.rtr
}

func (s *Server) routes() chi.Router {
	root := chi.NewRouter()
	root.Use(requestIDs())
	root.Use(s.dontPanic())

	root.NotFound(s.endpoint(func(req *http.Request) Result {
		return NotFound(req.URL.Path, "no route")
	}))
	root.MethodNotAllowed(s.endpoint(func(req *http.Request) Result {
		return MethodNotAllowed(req)
	}))

	api := chi.NewRouter()
	api.Use(s.requiredAuth())

	data := func(r chi.Router) {
		r.Get("/{type}", s.endpoint(s.epQuery))
		r.Post("/{type}", s.endpoint(s.epCreate))
		r.Get("/{type}/{id}", s.endpoint(s.epFetchAsset))
		r.Post("/{type}/{id}", s.endpoint(s.epUpdateOrOperation))
		r.Get("/{type}/{id}/{attr}", s.endpoint(s.epFetchAttr))
	}
	api.Route("/rest-1.v1/Data", data)
	api.Route("/rest-1.oauth.v1/Data", data)
	api.Get("/meta.v1/{type}", s.endpoint(s.epMeta))

	base := s.Base()
	if base == "" {
		root.Mount("/", api)
	} else {
		root.Mount(base, api)
	}

	return root
}

// RoutesIndex returns a human-readable list of every route the server
// answers, one per line.
func (s *Server) RoutesIndex() string {
	var sb strings.Builder
	chi.Walk(s.Handler().(chi.Router), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		sb.WriteString(fmt.Sprintf("%-6s %s\n", method, strings.Replace(route, "/*/", "/", -1)))
		return nil
	})
	return sb.String()
}

// endpoint turns ep into a handler that writes and logs its Result.
func (s *Server) endpoint(ep func(req *http.Request) Result) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r := ep(req)

		if r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden {
			time.Sleep(s.auth.UnauthDelay())
		}

		r.WriteResponse(w)
		s.logResult(req, r)
	}
}

func (s *Server) checkCreatedViaNew() {
	if s.mtx == nil {
		panic("server mutex is in invalid state; was this Server created with New()?")
	}
}

// ServeForever begins listening on the configured address and port.
//
// This function will block until the server is stopped. If it returns as a
// result of Shutdown being called elsewhere, it will return
// http.ErrServerClosed.
func (s *Server) ServeForever() (err error) {
	s.checkCreatedViaNew()
	s.mtx.Lock()
	if s.serving {
		s.mtx.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.serving = true
	s.mtx.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic occurred while running server: %v", r)
		}
	}()
	h := s.Handler()

	s.mtx.Lock()
	s.http = &http.Server{Addr: addr, Handler: h}
	srv := s.http
	s.mtx.Unlock()

	defer func() {
		s.mtx.Lock()
		s.closing = false
		s.serving = false
		s.mtx.Unlock()
	}()

	s.log.Infof("serving on %s%s", addr, s.Base())
	return srv.ListenAndServe()
}

// Shutdown shuts down the server gracefully. This will cause ServeForever to
// return in any goroutine that is blocking on it. If ctx is canceled while
// shutting down, open connections are abandoned.
//
// Returns a non-nil error if the server is not currently running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.checkCreatedViaNew()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.closing {
		return fmt.Errorf("close already in-progress in another goroutine")
	}
	if !s.serving {
		return fmt.Errorf("server is not running")
	}
	s.closing = true

	if s.http != nil {
		err := s.http.Shutdown(ctx)
		s.http = nil
		if err != nil {
			return fmt.Errorf("stop HTTP server: %w", err)
		}
	}
	return nil
}

func logExchange(log vone.Logger, req *http.Request, status int, msg string) {
	log.LogExchange(vone.Exchange{
		Server: true,
		Remote: req.RemoteAddr,
		Method: req.Method,
		Path:   req.URL.Path,
		Status: status,
		Msg:    msg,
	})
}
