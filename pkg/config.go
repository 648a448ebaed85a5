package mate

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Version = "0.4.0"

type Configuration struct {
	// Port to listen on, 0 picks a free one.
	Port int
	// RequestTimeout bounds reading a whole request, headers and body.
	RequestTimeout time.Duration
	// ConnectionTimeout closes keep-alive connections idle for this long.
	ConnectionTimeout time.Duration
	// MinimumTransferSpeed in bytes per second, slower bodies get a 408.
	MinimumTransferSpeed int
	// MaxContentLength in bytes, larger bodies get a 413.
	MaxContentLength int
	// ConnectionMemoryLimit caps the request header size in bytes.
	ConnectionMemoryLimit int
	ConnectionLimit       int
	PerIPConnectionLimit  int
	// ThreadPoolSize bounds concurrently dispatched requests. Ignored when
	// ThreadPerConnection is set.
	ThreadPoolSize      int
	ThreadPerConnection bool

	// HTTPS material as in-memory PEM. Key and certificate go together.
	HTTPSMemKey      string
	HTTPSMemCert     string
	HTTPSKeyPassword string
	// HTTPSMemTrust holds CA certificates used to verify client certificates.
	HTTPSMemTrust string

	// ServerIdentifier replaces the "mate/<version>" Server header.
	ServerIdentifier         string
	AppendToServerIdentifier string
	DefaultMimeType          string
	// MimeTypes maps file extensions, with or without the dot, to content
	// types and wins over the built-in table.
	MimeTypes map[string]string

	EnableInternalFileCache    bool
	InternalFileCacheKeepAlive time.Duration
	// WatchFileCache evicts cached files as soon as they change on disk.
	WatchFileCache bool
	CacheRead      CacheRead
	CacheWrite     CacheWrite

	BeforeRequest []func(req *Request)
	AfterRequest  []func(res *Response)
	AfterError    []func(res *Response)
	ErrorHandlers map[int]ErrorHandler
	NotFound      ErrorHandler
	GlobalHeaders Headers

	// Logging installs DefaultLoggers when Loggers is empty.
	Logging bool
	Loggers Loggers

	AcceptPolicy        AcceptPolicy
	TransportMiddleware []func(http.Handler) http.Handler
	Metrics             prometheus.Registerer
	ShutdownTimeout     time.Duration
}

var DefaultConfiguration = Configuration{
	RequestTimeout:             30 * time.Second,
	ConnectionTimeout:          2 * time.Minute,
	MinimumTransferSpeed:       100,
	MaxContentLength:           10 * 1024 * 1024,
	ConnectionMemoryLimit:      http.DefaultMaxHeaderBytes,
	DefaultMimeType:            "text/html; charset=UTF-8",
	InternalFileCacheKeepAlive: 30 * time.Minute,
	ShutdownTimeout:            10 * time.Second,
	Logging:                    false,
}

// withDefaults fills every unset numeric or string option from
// DefaultConfiguration.
func (c Configuration) withDefaults() Configuration {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultConfiguration.RequestTimeout
	}

	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = DefaultConfiguration.ConnectionTimeout
	}

	if c.MinimumTransferSpeed == 0 {
		c.MinimumTransferSpeed = DefaultConfiguration.MinimumTransferSpeed
	}

	if c.MaxContentLength == 0 {
		c.MaxContentLength = DefaultConfiguration.MaxContentLength
	}

	if c.ConnectionMemoryLimit == 0 {
		c.ConnectionMemoryLimit = DefaultConfiguration.ConnectionMemoryLimit
	}

	if c.ThreadPoolSize == 0 {
		c.ThreadPoolSize = 32 * runtime.GOMAXPROCS(0)
	}

	if c.DefaultMimeType == "" {
		c.DefaultMimeType = DefaultConfiguration.DefaultMimeType
	}

	if c.InternalFileCacheKeepAlive == 0 {
		c.InternalFileCacheKeepAlive = DefaultConfiguration.InternalFileCacheKeepAlive
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultConfiguration.ShutdownTimeout
	}

	return c
}

func (c Configuration) loggers() Loggers {
	if c.Loggers.Access != nil || c.Loggers.Error != nil {
		return c.Loggers
	}
	if c.Logging {
		return DefaultLoggers()
	}
	return Loggers{}
}

func (c Configuration) serverIdentifier() string {
	id := "mate/" + Version
	if c.ServerIdentifier != "" {
		id = c.ServerIdentifier
	}
	if c.AppendToServerIdentifier != "" {
		id += " " + c.AppendToServerIdentifier
	}
	return id
}

func (c Configuration) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ConnectionLimit < 0 || c.PerIPConnectionLimit < 0 || c.ThreadPoolSize < 0 {
		return errors.New("connection and thread limits must not be negative")
	}
	if c.MaxContentLength < 0 || c.MinimumTransferSpeed < 0 {
		return errors.New("content length and transfer speed limits must not be negative")
	}
	if c.InternalFileCacheKeepAlive < 0 {
		return errors.New("file cache keep-alive must not be negative")
	}
	if (c.HTTPSMemKey == "") != (c.HTTPSMemCert == "") {
		return ErrTLSMaterial
	}
	if c.HTTPSMemTrust != "" && c.HTTPSMemCert == "" {
		return fmt.Errorf("%w: trust store without a certificate", ErrTLSMaterial)
	}
	return nil
}

func (c Configuration) usesTLS() bool {
	return c.HTTPSMemCert != ""
}

// tlsConfig builds the listener's TLS settings from the in-memory PEM
// material. An encrypted key is decrypted with HTTPSKeyPassword.
func (c Configuration) tlsConfig() (*tls.Config, error) {
	keyPEM := []byte(c.HTTPSMemKey)
	if c.HTTPSKeyPassword != "" {
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return nil, fmt.Errorf("%w: key is not PEM encoded", ErrTLSMaterial)
		}
		//nolint:staticcheck // legacy encrypted PEM is the only format with a password
		if x509.IsEncryptedPEMBlock(block) {
			der, err := x509.DecryptPEMBlock(block, []byte(c.HTTPSKeyPassword))
			if err != nil {
				return nil, fmt.Errorf("%w: decrypt key: %v", ErrTLSMaterial, err)
			}
			keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
		}
	}

	cert, err := tls.X509KeyPair([]byte(c.HTTPSMemCert), keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSMaterial, err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.HTTPSMemTrust != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.HTTPSMemTrust)) {
			return nil, fmt.Errorf("%w: no certificates in trust store", ErrTLSMaterial)
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return config, nil
}
