package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasBorquez/mate/internal"
	"github.com/TomasBorquez/mate/internal/config"
	mate "github.com/TomasBorquez/mate/pkg"
)

func TestConfigCommand(t *testing.T) {
	path := internal.WriteFixture(t, t.TempDir(), "mate.yaml", "server:\n  port: 7070\n")

	var out bytes.Buffer
	app := App()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"mate", "--config", path, "config"}))

	assert.Contains(t, out.String(), "port: 7070")
}

func TestOpenContentCache(t *testing.T) {
	ctx := context.Background()

	none, err := openContentCache(ctx, config.ContentCache{}, nil)
	require.NoError(t, err)
	assert.Nil(t, none.read)
	assert.Nil(t, none.write)
	none.close()

	mem, err := openContentCache(ctx, config.ContentCache{Backend: "memory"}, nil)
	require.NoError(t, err)
	require.True(t, mem.write("k", []byte("v")))
	value, ok := mem.read("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(value))
	mem.close()

	badger, err := openContentCache(ctx, config.ContentCache{Backend: "badger"}, nil)
	require.NoError(t, err)
	require.True(t, badger.write("k", []byte("v")))
	badger.close()

	_, err = openContentCache(ctx, config.ContentCache{Backend: "redis"}, nil)
	assert.Error(t, err)
}

func TestDemoRoutes(t *testing.T) {
	app := mate.New()
	api := app.CreateRouter("/api")
	api.SetMimeType("application/json")
	registerDemoRoutes(api)

	do := func(method, target, body string, headers ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		for i := 0; i+1 < len(headers); i += 2 {
			req.Header.Set(headers[i], headers[i+1])
		}
		rec := httptest.NewRecorder()
		app.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/api/", "")
	assert.Equal(t, "Test String", rec.Body.String())

	rec = do(http.MethodGet, "/api/hello/mate", "")
	assert.JSONEq(t, `{"hello":"mate"}`, rec.Body.String())

	rec = do(http.MethodGet, "/api/users/42", "")
	assert.JSONEq(t, `{"user":"42"}`, rec.Body.String())

	rec = do(http.MethodGet, "/api/sum?a=1&b=2", "")
	assert.Equal(t, 200, rec.Code)
	rec = do(http.MethodGet, "/api/sum?a=1&b=x", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "Invalid value for parameter: b", rec.Body.String())

	rec = do(http.MethodPost, "/api/echo", `{"n":1}`)
	assert.Equal(t, 201, rec.Code)
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())

	rec = do(http.MethodGet, "/api/private", "")
	assert.Equal(t, 401, rec.Code)
	rec = do(http.MethodGet, "/api/private", "",
		"Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("ana:pw")))
	assert.Equal(t, "Hello ana", rec.Body.String())
}

func TestAdminServer(t *testing.T) {
	assert.Nil(t, newAdminServer("", mate.New(), prometheus.NewRegistry()))

	registry := prometheus.NewRegistry()
	app := mate.New(mate.Configuration{Metrics: registry})
	admin := newAdminServer("127.0.0.1:0", app, registry)
	require.NotNil(t, admin)

	rec := httptest.NewRecorder()
	admin.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, false, health["running"])

	app.Get("/", func(*mate.Request) (mate.Response, error) { return mate.String("ok"), nil })
	app.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec = httptest.NewRecorder()
	admin.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `mate_requests_total{method="GET",status="200"} 1`)
}
