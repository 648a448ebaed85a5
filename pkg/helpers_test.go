package mate

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// serve runs one request through s without a network listener.
func serve(t *testing.T, s *Server, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, s, http.MethodGet, target, nil)
}

func postForm(t *testing.T, s *Server, target, form string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, s, http.MethodPost, target, strings.NewReader(form),
		"Content-Type", "application/x-www-form-urlencoded")
}

func text(content string) Handler {
	return func(*Request) (Response, error) {
		return String(content), nil
	}
}
