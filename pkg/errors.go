package mate

import (
	"errors"
	"sync"
)

var (
	ErrTLSMaterial    = errors.New("https key and certificate must be set together")
	ErrAlreadyRunning = errors.New("server already running")
	ErrNotRunning     = errors.New("server not running")
)

const (
	notFoundBody     = "<h1>Not found</h1>"
	serverErrorBody  = "<h1>So sorry, generic server error</h1>"
	errorContentType = "text/html"
)

// ErrorHandler customises an error response after the default body has been
// filled in. Changing res.Status has no effect.
type ErrorHandler func(req *Request, res *Response)

// ErrorHandlerHandle identifies a registered ErrorHandler.
type ErrorHandlerHandle struct {
	status int
	id     uint64
}

type errorHandlerEntry struct {
	id      uint64
	handler ErrorHandler
}

// errorPipeline fills error responses: default body, per-status handler,
// then after-error middleware.
type errorPipeline struct {
	afterError []func(res *Response)

	mu       sync.RWMutex
	nextID   uint64
	handlers map[int]errorHandlerEntry
}

func newErrorPipeline(handlers map[int]ErrorHandler, afterError []func(res *Response)) *errorPipeline {
	p := &errorPipeline{
		afterError: afterError,
		handlers:   make(map[int]errorHandlerEntry),
	}
	for status, handler := range handlers {
		p.set(status, handler)
	}
	return p
}

func (p *errorPipeline) set(status int, handler ErrorHandler) ErrorHandlerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	p.handlers[status] = errorHandlerEntry{id: p.nextID, handler: handler}
	return ErrorHandlerHandle{status: status, id: p.nextID}
}

func (p *errorPipeline) remove(handle ErrorHandlerHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.handlers[handle.status]; ok && entry.id == handle.id {
		delete(p.handlers, handle.status)
		return true
	}
	return false
}

func (p *errorPipeline) lookup(status int) ErrorHandler {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handlers[status].handler
}

func (p *errorPipeline) finish(req *Request, res *Response) {
	status := res.Status

	if res.Content == "" {
		res.ContentType = errorContentType
		if status == 404 {
			res.Content = notFoundBody
		} else {
			res.Content = serverErrorBody
		}
	}

	if handler := p.lookup(status); handler != nil {
		handler(req, res)
	}
	for _, fn := range p.afterError {
		fn(res)
	}

	res.Status = status
	res.File = ""
}
