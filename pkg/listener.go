package mate

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"
)

// AcceptPolicy decides whether a freshly accepted connection is served.
// Rejected connections are closed before any byte is read.
type AcceptPolicy func(remote net.Addr) bool

// RateLimitPolicy admits new connections from each client IP at limit per
// second, with bursts of up to burst. A client's limiter is dropped once it
// has been idle long enough to have refilled, and never sooner than
// limiterIdle.
func RateLimitPolicy(limit rate.Limit, burst int) AcceptPolicy {
	return newRateLimiter(limit, burst).allow
}

const limiterIdle = 5 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

func newRateLimiter(limit rate.Limit, burst int) *rateLimiter {
	idle := limiterIdle
	if limit > 0 && limit != rate.Inf {
		if refill := time.Duration(float64(burst) / float64(limit) * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &rateLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		now:     time.Now,
		entries: make(map[string]*limiterEntry),
	}
}

func (l *rateLimiter) allow(remote net.Addr) bool {
	host := remoteHost(remote)

	l.mu.Lock()
	now := l.now()
	if l.lastSweep.IsZero() {
		l.lastSweep = now
	}
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	entry, ok := l.entries[host]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[host] = entry
	}
	entry.lastSeen = now
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

// sweep drops limiters not seen for l.idle. Callers hold l.mu.
func (l *rateLimiter) sweep(now time.Time) {
	for host, entry := range l.entries {
		if now.Sub(entry.lastSeen) >= l.idle {
			delete(l.entries, host)
		}
	}
	l.lastSweep = now
}

func (l *rateLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// policyListener applies the accept policy and the per-IP connection limit.
type policyListener struct {
	net.Listener
	policy AcceptPolicy
	perIP  int
	logs   Loggers

	mu     sync.Mutex
	counts map[string]int
}

func (l *policyListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if l.policy != nil && !l.policy(conn.RemoteAddr()) {
			l.logs.error(LogDebug, "Connection refused by accept policy: "+conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if l.perIP <= 0 {
			return conn, nil
		}

		host := remoteHost(conn.RemoteAddr())
		l.mu.Lock()
		if l.counts[host] >= l.perIP {
			l.mu.Unlock()
			l.logs.error(LogDebug, "Per IP connection limit reached for "+host)
			conn.Close()
			continue
		}
		l.counts[host]++
		l.mu.Unlock()

		return &trackedConn{Conn: conn, release: func() { l.release(host) }}, nil
	}
}

func (l *policyListener) release(host string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[host]--
	if l.counts[host] <= 0 {
		delete(l.counts, host)
	}
}

type trackedConn struct {
	net.Conn
	once    sync.Once
	release func()
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.release)
	return err
}

// listen binds the configured port and stacks the connection limits and TLS
// on top of the raw listener.
func listen(config Configuration, tlsConfig *tls.Config, logs Loggers) (net.Listener, error) {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(config.Port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", config.Port, err)
	}

	if config.AcceptPolicy != nil || config.PerIPConnectionLimit > 0 {
		ln = &policyListener{
			Listener: ln,
			policy:   config.AcceptPolicy,
			perIP:    config.PerIPConnectionLimit,
			logs:     logs,
			counts:   make(map[string]int),
		}
	}

	if config.ConnectionLimit > 0 {
		ln = netutil.LimitListener(ln, config.ConnectionLimit)
	}

	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}
