package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// connLimiter caps concurrent websocket connections per remote IP. A nil
// limiter admits everything.
type connLimiter struct {
	limit  int
	mu     sync.Mutex
	counts map[string]int
}

func newConnLimiter(limit int) *connLimiter {
	if limit <= 0 {
		return nil
	}
	return &connLimiter{
		limit:  limit,
		counts: make(map[string]int),
	}
}

// acquire reserves a slot for ip. The returned release func is idempotent.
func (l *connLimiter) acquire(ip string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.counts[ip]
	if count >= l.limit {
		return nil, false
	}

	l.counts[ip] = count + 1
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		if current := l.counts[ip]; current <= 1 {
			delete(l.counts, ip)
		} else {
			l.counts[ip] = current - 1
		}
		released = true
	}, true
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func remoteAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
