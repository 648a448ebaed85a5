package mate

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TomasBorquez/mate/internal"
)

func TestServerBasicRoutes(t *testing.T) {
	s := New()
	s.CreateRouter("").
		Get("/test", text("test")).
		Post("/foo", text("foo"))

	rec := get(t, s, "/test")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "test", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "mate/"+Version, rec.Header().Get("Server"))

	rec = serve(t, s, http.MethodPost, "/foo", nil)
	assert.Equal(t, 201, rec.Code)
	assert.Equal(t, "foo", rec.Body.String())
}

func TestServerNoRoutes(t *testing.T) {
	rec := get(t, New(), "/anything")
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "<h1>Not found</h1>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
}

func TestServerHandlerFailures(t *testing.T) {
	s := New()
	s.Get("/panic", func(*Request) (Response, error) {
		panic("boom")
	})
	s.Get("/error", func(*Request) (Response, error) {
		return Response{}, errors.New("db down")
	})

	rec := get(t, s, "/panic")
	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "Unknown internal error", rec.Body.String())

	rec = get(t, s, "/error")
	assert.Equal(t, 500, rec.Code)
	assert.Equal(t, "Internal error", rec.Body.String())
}

func TestServerServeFiles(t *testing.T) {
	dir := t.TempDir()
	internal.WriteFixture(t, dir, "test.txt", "hello")
	internal.WriteFixture(t, dir, "nested/page.html", "<p>page</p>")

	s := New()
	s.CreateRouter("").ServeFiles("/", dir)

	rec := get(t, s, "/test.txt")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = get(t, s, "/nested/page.html")
	assert.Equal(t, "<p>page</p>", rec.Body.String())
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))

	rec = get(t, s, "/missing.txt")
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "<h1>Not found</h1>", rec.Body.String())

	rec = get(t, s, "/../../etc/passwd")
	assert.Equal(t, 404, rec.Code)
}

func TestServerServeFilesShadowsLaterRoutes(t *testing.T) {
	dir := t.TempDir()
	internal.WriteFixture(t, dir, "api", "from disk")

	s := New()
	r := s.CreateRouter("")
	r.ServeFiles("/", dir)
	r.Get("/api", text("from handler"))

	rec := get(t, s, "/api")
	assert.Equal(t, "from disk", rec.Body.String())

	// POST is not claimed by the file route.
	r.Post("/api", text("posted"))
	rec = serve(t, s, http.MethodPost, "/api", nil)
	assert.Equal(t, "posted", rec.Body.String())
}

func TestServerRouterOrder(t *testing.T) {
	s := New()
	s.Get("/x", text("direct"))
	s.CreateRouter("/api").Get("/x", text("api"))
	s.CreateRouter("").Get("/x", text("root"))

	assert.Equal(t, "root", get(t, s, "/x").Body.String())
	assert.Equal(t, "api", get(t, s, "/api/x").Body.String())

	s.Get("/only-direct", text("direct"))
	assert.Equal(t, "direct", get(t, s, "/only-direct").Body.String())
}

func TestServerRouteRemoval(t *testing.T) {
	s := New()
	handle, err := s.HandleRequest(MethodGet, "/gone", text("here"))
	require.NoError(t, err)
	assert.Equal(t, 200, get(t, s, "/gone").Code)

	assert.True(t, s.RemoveRequestHandler(handle))
	assert.False(t, s.RemoveRequestHandler(handle))
	assert.Equal(t, 404, get(t, s, "/gone").Code)
}

func TestServerMiddleware(t *testing.T) {
	var mu sync.Mutex
	var afterErrors []int

	s := New(Configuration{
		BeforeRequest: []func(req *Request){
			func(req *Request) {
				if req.Path == "/old" {
					req.Path = "/new"
				}
			},
		},
		AfterRequest: []func(res *Response){
			func(res *Response) {
				res.Headers.Set("X-After", "1")
			},
		},
		AfterError: []func(res *Response){
			func(res *Response) {
				mu.Lock()
				defer mu.Unlock()
				afterErrors = append(afterErrors, res.Status)
			},
		},
	})
	s.Get("/new", text("new"))
	s.Get("/fail", func(*Request) (Response, error) {
		return Response{}, errors.New("nope")
	})

	rec := get(t, s, "/old")
	assert.Equal(t, "new", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-After"))

	rec = get(t, s, "/fail")
	assert.Equal(t, 500, rec.Code)
	assert.Empty(t, rec.Header().Get("X-After"))

	rec = get(t, s, "/missing")
	assert.Equal(t, 404, rec.Code)
	assert.Empty(t, rec.Header().Get("X-After"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{500, 404}, afterErrors)
}

func TestServerErrorHandlers(t *testing.T) {
	s := New()
	s.SetNotFound(func(req *Request, res *Response) {
		res.Content = "no " + req.Path
		res.ContentType = "text/plain"
	})
	handle := s.HandleError(500, func(_ *Request, res *Response) {
		res.Status = 200
		res.Content = "custom failure"
	})
	s.Get("/fail", func(*Request) (Response, error) {
		return Status(500), nil
	})

	rec := get(t, s, "/nowhere")
	assert.Equal(t, 404, rec.Code)
	assert.Equal(t, "no /nowhere", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	rec = get(t, s, "/fail")
	assert.Equal(t, 500, rec.Code, "error handlers cannot change the status")
	assert.Equal(t, "custom failure", rec.Body.String())

	assert.True(t, s.RemoveErrorHandler(handle))
	rec = get(t, s, "/fail")
	assert.Equal(t, "<h1>So sorry, generic server error</h1>", rec.Body.String())
}

func TestServerGlobalHeaders(t *testing.T) {
	s := New(Configuration{GlobalHeaders: HeadersFrom("X-Frame-Options", "DENY")})
	s.AddGlobalHeader("X-Team", "mate")
	s.Get("/", func(*Request) (Response, error) {
		return String("x").WithHeader("X-Team", "handler"), nil
	})

	rec := get(t, s, "/")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "handler", rec.Header().Get("X-Team"))

	rec = get(t, s, "/missing")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "mate", rec.Header().Get("X-Team"))
}

func TestServerRedirect(t *testing.T) {
	s := New()
	s.Get("/old", func(*Request) (Response, error) {
		return RedirectTo(302, "/new"), nil
	})

	rec := get(t, s, "/old")
	assert.Equal(t, 302, rec.Code)
	assert.Equal(t, "/new", rec.Header().Get("Location"))
	assert.Empty(t, rec.Body.String())
}

func TestServerAccessLog(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	s := New(Configuration{Loggers: Loggers{
		Access: func(req *Request, res *Response) {
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, req.End.Before(req.Start))
			lines = append(lines, fmt.Sprintf("%s %s %d", req.Method, req.Path, res.Status))
		},
	}})
	s.Get("/", text("ok"))

	get(t, s, "/")
	get(t, s, "/missing")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GET / 200", "GET /missing 404"}, lines)
}

func TestServerStartStop(t *testing.T) {
	s := New(Configuration{Port: 0})
	s.Get("/test", text("test"))

	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, s.Port())

	require.NoError(t, s.StartAsync())
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.Port())
	assert.ErrorIs(t, s.StartAsync(), ErrAlreadyRunning)

	res, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/test", s.Port()))
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "test", internal.ReadResponseBodyString(res.Body))

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Equal(t, 0, s.Port())
	assert.ErrorIs(t, s.Stop(), ErrNotRunning)

	// A stopped server can be started again.
	require.NoError(t, s.StartAsync())
	assert.True(t, s.IsRunning())
	require.NoError(t, s.Stop())
}

func TestServerStartBlocksUntilStop(t *testing.T) {
	s := New()

	started := make(chan error, 1)
	go func() {
		started <- s.Start()
	}()

	require.Eventually(t, s.IsRunning, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestServerInvalidTLSMaterial(t *testing.T) {
	certPEM, _ := selfSignedCert(t)

	s := New(Configuration{HTTPSMemCert: certPEM})
	assert.ErrorIs(t, s.StartAsync(), ErrTLSMaterial)
	assert.False(t, s.IsRunning())

	s = New(Configuration{HTTPSMemCert: "not a cert", HTTPSMemKey: "not a key"})
	assert.ErrorIs(t, s.StartAsync(), ErrTLSMaterial)
	assert.False(t, s.IsRunning())
}

func TestServerTLS(t *testing.T) {
	certPEM, keyPEM := selfSignedCert(t)

	s := New(Configuration{HTTPSMemCert: certPEM, HTTPSMemKey: keyPEM})
	s.Get("/secure", text("secret"))
	require.NoError(t, s.StartAsync())
	t.Cleanup(func() { s.Stop() })

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(certPEM)))
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
	}

	res, err := client.Get(fmt.Sprintf("https://127.0.0.1:%d/secure", s.Port()))
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "secret", internal.ReadResponseBodyString(res.Body))
	assert.NotNil(t, res.TLS)
}

func TestServerMetrics(t *testing.T) {
	reg := newTestRegistry()
	s := New(Configuration{Metrics: reg})
	s.Get("/", text("ok"))

	get(t, s, "/")
	get(t, s, "/")
	get(t, s, "/missing")

	assert.Equal(t, 2.0, counterValue(t, reg, "mate_requests_total", "GET", "200"))
	assert.Equal(t, 1.0, counterValue(t, reg, "mate_requests_total", "GET", "404"))
}

// selfSignedCert returns a PEM certificate and key valid for 127.0.0.1.
func selfSignedCert(t *testing.T) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mate test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return string(certPEM), string(keyPEM)
}
