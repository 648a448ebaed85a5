// Package config loads the mate binary's settings from a YAML file and the
// environment and turns them into a mate.Configuration.
//
// Environment variables take the MATE_ prefix and use a double underscore
// between sections, so MATE_SERVER__REQUEST_TIMEOUT sets
// server.request_timeout.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	mate "github.com/TomasBorquez/mate/pkg"
)

const EnvPrefix = "MATE_"

type Config struct {
	Server       Server            `koanf:"server" yaml:"server"`
	Static       Static            `koanf:"static" yaml:"static"`
	FileCache    FileCache         `koanf:"file_cache" yaml:"file_cache"`
	ContentCache ContentCache      `koanf:"content_cache" yaml:"content_cache"`
	Accept       Accept            `koanf:"accept" yaml:"accept"`
	Admin        Admin             `koanf:"admin" yaml:"admin"`
	MimeTypes    map[string]string `koanf:"mime_types" yaml:"mime_types"`
	Headers      map[string]string `koanf:"headers" yaml:"headers"`
}

type Server struct {
	Port                 int           `koanf:"port" yaml:"port"`
	RequestTimeout       time.Duration `koanf:"request_timeout" yaml:"request_timeout"`
	ConnectionTimeout    time.Duration `koanf:"connection_timeout" yaml:"connection_timeout"`
	MinTransferSpeed     int           `koanf:"min_transfer_speed" yaml:"min_transfer_speed"`
	MaxContentLength     int           `koanf:"max_content_length" yaml:"max_content_length"`
	ConnectionLimit      int           `koanf:"connection_limit" yaml:"connection_limit"`
	PerIPConnectionLimit int           `koanf:"per_ip_connection_limit" yaml:"per_ip_connection_limit"`
	ThreadPoolSize       int           `koanf:"thread_pool_size" yaml:"thread_pool_size"`
	ThreadPerConnection  bool          `koanf:"thread_per_connection" yaml:"thread_per_connection"`
	Identifier           string        `koanf:"identifier" yaml:"identifier"`
	Logging              bool          `koanf:"logging" yaml:"logging"`
	ShutdownTimeout      time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
	TLSKeyFile           string        `koanf:"tls_key_file" yaml:"tls_key_file"`
	TLSCertFile          string        `koanf:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyPassword       string        `koanf:"tls_key_password" yaml:"tls_key_password,omitempty"`
	TLSTrustFile         string        `koanf:"tls_trust_file" yaml:"tls_trust_file"`
}

type Static struct {
	Mount   string `koanf:"mount" yaml:"mount"`
	Dir     string `koanf:"dir" yaml:"dir"`
	Listing bool   `koanf:"listing" yaml:"listing"`
}

type FileCache struct {
	Enabled   bool          `koanf:"enabled" yaml:"enabled"`
	KeepAlive time.Duration `koanf:"keep_alive" yaml:"keep_alive"`
	Watch     bool          `koanf:"watch" yaml:"watch"`
}

// ContentCache selects the external cache backend: "", "memory", "badger"
// or "postgres".
type ContentCache struct {
	Backend  string        `koanf:"backend" yaml:"backend"`
	Dir      string        `koanf:"dir" yaml:"dir"`
	TTL      time.Duration `koanf:"ttl" yaml:"ttl"`
	DSN      string        `koanf:"dsn" yaml:"dsn,omitempty"`
	MaxBytes int           `koanf:"max_bytes" yaml:"max_bytes"`
}

// Accept rate limits new connections per client IP. Rate 0 disables it.
type Accept struct {
	Rate  float64 `koanf:"rate" yaml:"rate"`
	Burst int     `koanf:"burst" yaml:"burst"`
}

// Admin serves /healthz and /metrics. An empty address disables it.
type Admin struct {
	Address string `koanf:"address" yaml:"address"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:             3000,
			RequestTimeout:   mate.DefaultConfiguration.RequestTimeout,
			MinTransferSpeed: mate.DefaultConfiguration.MinimumTransferSpeed,
			MaxContentLength: mate.DefaultConfiguration.MaxContentLength,
			Logging:          true,
			ShutdownTimeout:  mate.DefaultConfiguration.ShutdownTimeout,
		},
		Static: Static{
			Mount: "/",
			Dir:   ".",
		},
		FileCache: FileCache{
			KeepAlive: mate.DefaultConfiguration.InternalFileCacheKeepAlive,
		},
		Accept: Accept{Burst: 20},
		Admin:  Admin{Address: "127.0.0.1:9090"},
	}
}

// Load reads path, if set, then the environment over it, on top of Default.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load file %s: %w", path, err)
		}
	}

	envTransformer := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformer), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Dump renders cfg as YAML, the format Load reads.
func Dump(cfg Config) ([]byte, error) {
	return yamlv3.Marshal(cfg)
}

// Configuration converts cfg, reading the TLS material from disk.
func (c Config) Configuration() (mate.Configuration, error) {
	config := mate.Configuration{
		Port:                       c.Server.Port,
		RequestTimeout:             c.Server.RequestTimeout,
		ConnectionTimeout:          c.Server.ConnectionTimeout,
		MinimumTransferSpeed:       c.Server.MinTransferSpeed,
		MaxContentLength:           c.Server.MaxContentLength,
		ConnectionLimit:            c.Server.ConnectionLimit,
		PerIPConnectionLimit:       c.Server.PerIPConnectionLimit,
		ThreadPoolSize:             c.Server.ThreadPoolSize,
		ThreadPerConnection:        c.Server.ThreadPerConnection,
		AppendToServerIdentifier:   c.Server.Identifier,
		Logging:                    c.Server.Logging,
		ShutdownTimeout:            c.Server.ShutdownTimeout,
		HTTPSKeyPassword:           c.Server.TLSKeyPassword,
		MimeTypes:                  c.MimeTypes,
		EnableInternalFileCache:    c.FileCache.Enabled,
		InternalFileCacheKeepAlive: c.FileCache.KeepAlive,
		WatchFileCache:             c.FileCache.Watch,
	}

	for key, value := range c.Headers {
		config.GlobalHeaders.Set(key, value)
	}

	var err error
	if config.HTTPSMemKey, err = readOptional(c.Server.TLSKeyFile); err != nil {
		return mate.Configuration{}, err
	}
	if config.HTTPSMemCert, err = readOptional(c.Server.TLSCertFile); err != nil {
		return mate.Configuration{}, err
	}
	if config.HTTPSMemTrust, err = readOptional(c.Server.TLSTrustFile); err != nil {
		return mate.Configuration{}, err
	}

	return config, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(b), nil
}
