package mate

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	errTransferTooSlow = errors.New("transfer speed too slow")
	errContentTooLarge = errors.New("content length exceeds maximum allowed")
)

// readGrace bounds a single body read and is the time a client gets before
// its transfer speed is judged.
const readGrace = 5 * time.Second

// ServeHTTP is the connection callback net/http invokes for every request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if s.pool != nil {
		if err := s.pool.Acquire(r.Context(), 1); err != nil {
			// The client went away while queued.
			return
		}
		defer s.pool.Release(1)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logs.error(LogError, fmt.Sprintf("Unrecovered panic serving %s %s: %v", r.Method, r.URL.Path, rec))
			http.Error(w, "Unknown internal error", http.StatusInternalServerError)
		}
	}()

	req, err := s.buildRequest(w, r, start)

	var wire *WireResponse
	switch {
	case errors.Is(err, errContentTooLarge):
		s.logs.error(LogWarning, "Content length exceeds maximum allowed")
		wire = s.finish(req, &Response{Status: http.StatusRequestEntityTooLarge})
	case errors.Is(err, errTransferTooSlow):
		s.logs.error(LogWarning, fmt.Sprintf("Transfer speed too slow from %s", req.RemoteAddr))
		wire = s.finish(req, &Response{Status: http.StatusRequestTimeout})
	case err != nil:
		s.logs.error(LogError, err.Error())
		wire = s.finish(req, &Response{Status: http.StatusBadRequest})
	default:
		wire = s.Dispatch(req)
	}
	defer wire.Release()

	if err := wire.WriteTo(w); err != nil {
		s.logs.error(LogDebug, fmt.Sprintf("Error writing response for %s: %v", req.ID, err))
	}
}

// buildRequest converts r. The returned Request is usable even when err is
// set, so the failure can be rendered and logged against it.
func (s *Server) buildRequest(w http.ResponseWriter, r *http.Request, start time.Time) (*Request, error) {
	req := &Request{
		ID:          ulid.Make().String(),
		RemoteAddr:  clientAddr(r.RemoteAddr),
		Method:      ParseMethod(r.Method),
		Path:        r.URL.Path,
		HTTPVersion: r.Proto,
		Params:      Params{},
		Start:       start,
	}

	for _, key := range slices.Sorted(maps.Keys(r.Header)) {
		req.Headers.Set(key, strings.Join(r.Header[key], ", "))
	}
	req.Headers.Set("Host", r.Host)

	for key, values := range r.URL.Query() {
		req.Params[key] = values[len(values)-1]
	}

	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return req, nil
	}
	if r.ContentLength > int64(s.config.MaxContentLength) {
		return req, errContentTooLarge
	}

	body, err := readWithSpeedCheck(http.NewResponseController(w), r.Body, r.ContentLength, &s.config)
	if err != nil {
		return req, err
	}
	req.Body = string(body)

	if takesForm(req.Method) && isFormEncoded(r.Header.Get("Content-Type")) {
		form, err := url.ParseQuery(req.Body)
		if err != nil {
			return req, fmt.Errorf("malformed form body: %w", err)
		}
		if len(form) > 0 {
			req.Params = Params{}
			for key, values := range form {
				req.Params[key] = values[len(values)-1]
			}
		}
	}
	return req, nil
}

// takesForm reports whether parameters of method come from the body rather
// than the query string.
func takesForm(method Method) bool {
	switch method {
	case MethodGet, MethodOptions, MethodDelete:
		return false
	}
	return true
}

func isFormEncoded(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "application/x-www-form-urlencoded")
}

func clientAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// readWithSpeedCheck reads the whole body, failing with errTransferTooSlow
// when the client sends slower than MinimumTransferSpeed or stalls, and with
// errContentTooLarge past MaxContentLength. contentLength is -1 for chunked
// bodies.
func readWithSpeedCheck(rc *http.ResponseController, body io.Reader, contentLength int64, config *Configuration) ([]byte, error) {
	capacity := contentLength
	if capacity < 0 || capacity > int64(config.MaxContentLength) {
		capacity = 8192
	}
	fullBuffer := make([]byte, 0, capacity)
	buffer := make([]byte, 8192) // 8KB buffer

	startTime := time.Now()
	deadline := startTime.Add(config.RequestTimeout)
	lastCheckTime := startTime
	lastCheckBytes := 0

	// Deadlines are best effort; recorders and some wrappers do not support
	// them.
	defer rc.SetReadDeadline(time.Time{})

	for {
		readDeadline := time.Now().Add(readGrace)
		if readDeadline.After(deadline) {
			readDeadline = deadline
		}
		_ = rc.SetReadDeadline(readDeadline)

		n, err := body.Read(buffer)
		fullBuffer = append(fullBuffer, buffer[:n]...)
		if len(fullBuffer) > config.MaxContentLength {
			return nil, errContentTooLarge
		}

		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, errTransferTooSlow
			}
			return nil, fmt.Errorf("error reading request: %w", err)
		}

		// Check speed after grace period (5 seconds or 10% of data, whichever comes first)
		tenth := contentLength > 0 && int64(len(fullBuffer)) > contentLength/10
		if time.Since(startTime) > readGrace || tenth {
			elapsedSinceLastCheck := time.Since(lastCheckTime)
			bytesSinceLastCheck := len(fullBuffer) - lastCheckBytes

			if elapsedSinceLastCheck > time.Second { // Update at most once per second
				bytesPerSecond := float64(bytesSinceLastCheck) / elapsedSinceLastCheck.Seconds()
				if int(bytesPerSecond) < config.MinimumTransferSpeed {
					return nil, errTransferTooSlow
				}

				lastCheckTime = time.Now()
				lastCheckBytes = len(fullBuffer)
			}
		}
	}

	return fullBuffer, nil
}
