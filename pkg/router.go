package mate

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// RouteHandle identifies a registered route so it can be removed later.
// The zero value refers to no route.
type RouteHandle struct {
	method Method
	id     uint64
}

func (h RouteHandle) Valid() bool {
	return h.id != 0
}

type route struct {
	id         uint64
	pattern    *regexp.Regexp
	extract    func(match []string) Params
	handler    Handler
	validators []Validator
}

// Router owns an ordered route table below a base path. Routes are tried in
// registration order and the first full match wins.
type Router struct {
	base string

	// mu guards everything below. It is never held while a handler runs, so
	// handlers may add or remove routes.
	mu       sync.Mutex
	routes   map[Method][]route
	nextID   uint64
	headers  Headers
	mimeType string
	logs     Loggers
}

func NewRouter(base string) *Router {
	return &Router{
		base:   strings.TrimRight(base, "/"),
		routes: make(map[Method][]route),
	}
}

func (r *Router) Base() string {
	if r.base == "" {
		return "/"
	}
	return r.base
}

// HandleRequest appends a route. pattern must match the whole path left
// after the router base is stripped.
func (r *Router) HandleRequest(method Method, pattern string, handler Handler, validators ...Validator) (RouteHandle, error) {
	re, extract, err := compileRoute(pattern)
	if err != nil {
		return RouteHandle{}, err
	}
	return r.add(method, re, extract, handler, validators), nil
}

// HandleRegexp is HandleRequest for a pattern that is already compiled. It is
// re-anchored for full matching.
func (r *Router) HandleRegexp(method Method, pattern *regexp.Regexp, handler Handler, validators ...Validator) (RouteHandle, error) {
	return r.HandleRequest(method, pattern.String(), handler, validators...)
}

func (r *Router) add(method Method, re *regexp.Regexp, extract func([]string) Params, handler Handler, validators []Validator) RouteHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.routes[method] = append(r.routes[method], route{
		id:         r.nextID,
		pattern:    re,
		extract:    extract,
		handler:    handler,
		validators: append([]Validator(nil), validators...),
	})
	return RouteHandle{method: method, id: r.nextID}
}

// RemoveRequestHandler drops a route. Requests arriving after it returns no
// longer reach the handler.
func (r *Router) RemoveRequestHandler(handle RouteHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	routes := r.routes[handle.method]
	for i, rt := range routes {
		if rt.id == handle.id {
			r.routes[handle.method] = append(routes[:i:i], routes[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Router) register(method Method, pattern string, handler Handler, validators []Validator) *Router {
	if _, err := r.HandleRequest(method, pattern, handler, validators...); err != nil {
		r.logger().error(LogError, "Error meanwhile parsing path to RegExp, for path: "+pattern)
	}
	return r
}

func (r *Router) Get(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodGet, pattern, handler, validators)
}

func (r *Router) Post(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodPost, pattern, handler, validators)
}

func (r *Router) Put(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodPut, pattern, handler, validators)
}

func (r *Router) Patch(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodPatch, pattern, handler, validators)
}

func (r *Router) Delete(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodDelete, pattern, handler, validators)
}

func (r *Router) Options(pattern string, handler Handler, validators ...Validator) *Router {
	return r.register(MethodOptions, pattern, handler, validators)
}

// ServeFiles maps GET requests below mount onto files under dir.
func (r *Router) ServeFiles(mount, dir string) RouteHandle {
	return r.serveFiles(mount, dir, false)
}

// ServeDirectory is ServeFiles with generated listings for directories that
// have no index file.
func (r *Router) ServeDirectory(mount, dir string) RouteHandle {
	return r.serveFiles(mount, dir, true)
}

func (r *Router) serveFiles(mount, dir string, listing bool) RouteHandle {
	pattern := regexp.QuoteMeta(strings.TrimRight(mount, "/")) + "(/.*)?"
	re, extract, err := compileRoute(pattern)
	if err != nil {
		// QuoteMeta output always compiles.
		panic(err)
	}

	handler := func(req *Request) (Response, error) {
		// Cleaning against a rooted path keeps ".." from climbing out of dir.
		rel := path.Clean("/" + req.Match(1))
		return Response{
			File:    filepath.Join(dir, filepath.FromSlash(rel)),
			Listing: listing,
		}, nil
	}
	return r.add(MethodGet, re, extract, handler, nil)
}

// AddHeader sets a header on every response this router produces, unless the
// response already carries that header.
func (r *Router) AddHeader(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers.Set(key, value)
}

// SetMimeType sets the content type for router responses that have none.
func (r *Router) SetMimeType(mimeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mimeType = mimeType
}

func (r *Router) attach(logs Loggers) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = logs
}

func (r *Router) logger() Loggers {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs
}

// ProcessRequest dispatches req if the router has a matching route. The
// second result is false when the path is outside the router base or no
// route matches, so the caller can try the next router.
func (r *Router) ProcessRequest(req *Request) (Response, bool) {
	if !strings.HasPrefix(req.Path, r.base) {
		return Response{}, false
	}
	sub := req.Path[len(r.base):]

	r.mu.Lock()
	var (
		found bool
		match []string
		rt    route
	)
	for _, candidate := range r.routes[req.Method] {
		if m := candidate.pattern.FindStringSubmatch(sub); m != nil {
			found, match, rt = true, m, candidate
			break
		}
	}
	headers := r.headers.Clone()
	mimeType := r.mimeType
	logs := r.logs
	r.mu.Unlock()

	if !found {
		return Response{}, false
	}

	req.Matches = match
	req.PathParams = rt.extract(match)

	resp, ok := validateParams(req.Params, rt.validators)
	if ok {
		resp = invoke(rt.handler, req, logs)
	} else {
		logs.error(LogDebug, fmt.Sprintf("validation failed for %s %s: %s", req.Method, req.Path, resp.Content))
	}

	resp.Headers = resp.Headers.Clone()
	resp.Headers.Merge(headers)
	if resp.ContentType == "" && resp.File == "" && mimeType != "" {
		resp.ContentType = mimeType
	}
	return resp, true
}

// invoke runs a handler and turns any failure into a 500. A returned error is
// a known failure, a panic an unknown one; they get different bodies.
func invoke(handler Handler, req *Request, logs Loggers) (resp Response) {
	defer func() {
		if rec := recover(); rec != nil {
			logs.error(LogError, fmt.Sprintf("handler panic on %s %s: %v", req.Method, req.Path, rec))
			resp = Status(500).SendString("Unknown internal error")
		}
	}()

	var err error
	resp, err = handler(req)
	if err != nil {
		logs.error(LogError, fmt.Sprintf("handler error on %s %s: %v", req.Method, req.Path, err))
		return Status(500).SendString("Internal error")
	}
	return resp
}
