package mate

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Server owns the routers, middleware, error handlers and caches, and serves
// them over net/http.
type Server struct {
	config   Configuration
	logs     Loggers
	metrics  *Metrics
	renderer *Renderer
	tls      *tls.Config
	initErr  error
	pool     *semaphore.Weighted

	routersMu sync.RWMutex
	routers   []*Router
	// direct holds routes registered on the server itself. It is tried
	// after every explicit router.
	direct *Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	done     chan struct{}
	serveErr error
	running  atomic.Bool
}

// New builds a server. Unset options take their DefaultConfiguration value.
// Invalid options are reported by StartAsync, not here.
func New(config ...Configuration) *Server {
	cfg := DefaultConfiguration
	if len(config) > 0 {
		cfg = config[0]
	}
	cfg = cfg.withDefaults()

	s := &Server{
		config: cfg,
		logs:   cfg.loggers(),
		direct: NewRouter(""),
	}
	s.direct.attach(s.logs)

	s.initErr = cfg.validate()
	if s.initErr == nil && cfg.usesTLS() {
		s.tls, s.initErr = cfg.tlsConfig()
	}
	if s.initErr != nil {
		s.logs.error(LogError, "Invalid configuration: "+s.initErr.Error())
	}

	if cfg.Metrics != nil {
		metrics, err := NewMetrics(cfg.Metrics)
		if err != nil {
			s.logs.error(LogWarning, "Metrics disabled: "+err.Error())
		} else {
			s.metrics = metrics
		}
	}

	if !cfg.ThreadPerConnection {
		s.pool = semaphore.NewWeighted(int64(cfg.ThreadPoolSize))
	}

	s.renderer = newRenderer(cfg, s.logs, s.metrics)
	return s
}

// CreateRouter adds a router for base and returns it for registration.
func (s *Server) CreateRouter(base string) *Router {
	r := NewRouter(base)
	s.AddRouter(r)
	return r
}

// AddRouter appends r. Routers are tried in the order they were added.
func (s *Server) AddRouter(r *Router) {
	r.attach(s.logs)

	s.routersMu.Lock()
	defer s.routersMu.Unlock()
	s.routers = append(s.routers, r)
}

func (s *Server) HandleRequest(method Method, pattern string, handler Handler, validators ...Validator) (RouteHandle, error) {
	return s.direct.HandleRequest(method, pattern, handler, validators...)
}

func (s *Server) RemoveRequestHandler(handle RouteHandle) bool {
	return s.direct.RemoveRequestHandler(handle)
}

func (s *Server) Get(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Get(pattern, handler, validators...)
	return s
}

func (s *Server) Post(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Post(pattern, handler, validators...)
	return s
}

func (s *Server) Put(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Put(pattern, handler, validators...)
	return s
}

func (s *Server) Patch(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Patch(pattern, handler, validators...)
	return s
}

func (s *Server) Delete(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Delete(pattern, handler, validators...)
	return s
}

func (s *Server) Options(pattern string, handler Handler, validators ...Validator) *Server {
	s.direct.Options(pattern, handler, validators...)
	return s
}

// HandleError registers handler for error responses with status.
func (s *Server) HandleError(status int, handler ErrorHandler) ErrorHandlerHandle {
	return s.renderer.SetErrorHandler(status, handler)
}

func (s *Server) SetNotFound(handler ErrorHandler) ErrorHandlerHandle {
	return s.renderer.SetErrorHandler(404, handler)
}

func (s *Server) RemoveErrorHandler(handle ErrorHandlerHandle) bool {
	return s.renderer.RemoveErrorHandler(handle)
}

// AddGlobalHeader sets a header on every response that does not set it
// itself. Call it before the server starts.
func (s *Server) AddGlobalHeader(key, value string) {
	s.renderer.global.Set(key, value)
}

func (s *Server) Renderer() *Renderer {
	return s.renderer
}

// Dispatch runs the request pipeline without a transport: before-request
// middleware, routing, after-request middleware, rendering and the access
// log. The caller must Release the result.
func (s *Server) Dispatch(req *Request) *WireResponse {
	if req.Start.IsZero() {
		req.Start = time.Now()
	}

	for _, fn := range s.config.BeforeRequest {
		fn(req)
	}

	resp, ok := s.route(req)
	if !ok {
		resp = Status(404)
	}
	if resp.Status == 0 {
		resp.Status = defaultSuccessCode(req.Method)
	}

	if !isError(resp.Status) {
		for _, fn := range s.config.AfterRequest {
			fn(&resp)
		}
	}

	return s.finish(req, &resp)
}

func (s *Server) route(req *Request) (Response, bool) {
	s.routersMu.RLock()
	routers := append([]*Router(nil), s.routers...)
	s.routersMu.RUnlock()

	for _, r := range routers {
		if resp, ok := r.ProcessRequest(req); ok {
			return resp, true
		}
	}
	return s.direct.ProcessRequest(req)
}

func (s *Server) finish(req *Request, resp *Response) *WireResponse {
	wire := s.renderer.Render(req, resp)
	req.End = time.Now()

	s.logs.access(req, resp)
	s.metrics.observeRequest(req.Method, wire.Status, req.End.Sub(req.Start))
	return wire
}

func (s *Server) handler() http.Handler {
	var h http.Handler = s
	for i := len(s.config.TransportMiddleware) - 1; i >= 0; i-- {
		h = s.config.TransportMiddleware[i](h)
	}
	return h
}

// StartAsync binds the listener and serves in the background. It fails on
// invalid configuration, bind errors or when already running.
func (s *Server) StartAsync() error {
	if s.initErr != nil {
		return s.initErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.http != nil {
		return ErrAlreadyRunning
	}

	ln, err := listen(s.config, s.tls, s.logs)
	if err != nil {
		s.logs.error(LogError, "Error meanwhile listening: "+err.Error())
		return err
	}

	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: s.config.RequestTimeout,
		IdleTimeout:       s.config.ConnectionTimeout,
		MaxHeaderBytes:    s.config.ConnectionMemoryLimit,
	}
	done := make(chan struct{})

	s.http = srv
	s.listener = ln
	s.done = done
	s.serveErr = nil
	s.running.Store(true)

	go func() {
		defer close(done)
		err := srv.Serve(ln)
		s.running.Store(false)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logs.error(LogError, "Server stopped: "+err.Error())
			s.mu.Lock()
			s.serveErr = err
			s.mu.Unlock()
		}
	}()

	s.logs.error(LogInfo, "Listening on "+ln.Addr().String())
	return nil
}

// Start is StartAsync followed by Await.
func (s *Server) Start() error {
	if err := s.StartAsync(); err != nil {
		return err
	}
	s.Await()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop shuts the listener down gracefully, waits for pending content cache
// writes and closes every cached file. It returns ErrNotRunning when the
// server was not started, after still doing the cleanup.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv, done := s.http, s.done
	s.http = nil
	s.listener = nil
	s.mu.Unlock()

	var err error
	if srv == nil {
		err = ErrNotRunning
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err = srv.Shutdown(ctx); err != nil {
			s.logs.error(LogWarning, "Graceful shutdown failed: "+err.Error())
			err = srv.Close()
		}
		<-done
	}

	if closeErr := s.renderer.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Await blocks until the server stops serving.
func (s *Server) Await() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Port is the bound port, which differs from the configured one when that
// was 0. It is 0 while the server is stopped.
func (s *Server) Port() int {
	addr, ok := s.addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return addr.Port
}

func (s *Server) Addr() string {
	addr := s.addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

func (s *Server) addr() net.Addr {
	if !s.running.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
