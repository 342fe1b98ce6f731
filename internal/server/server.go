package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"arenacore/internal/game"
	"arenacore/internal/protocol"
)

// Config controls the websocket listener.
type Config struct {
	// AllowedOrigins optionally lists origins to accept; empty allows all.
	AllowedOrigins []string
	// HandshakeTimeout bounds the upgrade handshake.
	HandshakeTimeout time.Duration
	// MaxConnectionsPerIP limits concurrent connections per remote IP
	// when > 0.
	MaxConnectionsPerIP int
}

// Server upgrades HTTP requests to websockets and hands the connections to
// the router.
type Server struct {
	cfg      Config
	router   *Router
	upgrader websocket.Upgrader
	limiter  *connLimiter
	log      *logrus.Entry
}

// New constructs a Server around a router.
func New(cfg Config, router *Router) *Server {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	upgrader.HandshakeTimeout = handshakeTimeout

	return &Server{
		cfg:      cfg,
		router:   router,
		upgrader: upgrader,
		limiter:  newConnLimiter(cfg.MaxConnectionsPerIP),
		log:      router.log.WithField("component", "listener"),
	}
}

// HandleWS upgrades a request and starts the connection pumps. A bearer
// token in the Authorization header authenticates the connection up front;
// otherwise the client must send an authenticate message first.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	peerIP := remoteAddr(r)

	var preAuth *game.Identity
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		identity, err := s.router.deps.Verifier.Verify(token)
		if err != nil {
			s.router.deps.Metrics.AuthFailures.Inc()
			s.log.WithField("peer", peerIP).Warn("rejected websocket: invalid bearer token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		preAuth = &identity
	}

	var release func()
	if s.limiter != nil {
		rel, ok := s.limiter.acquire(peerIP)
		if !ok {
			s.log.WithField("peer", peerIP).Warn("rejected websocket: connection limit reached")
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		release = rel
		defer func() {
			if release != nil {
				release()
			}
		}()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := newClient(conn, s.router, peerIP, release)
	release = nil
	s.log.WithField("peer", peerIP).Debug("websocket connection established")
	client.start()

	if preAuth != nil {
		identity := *preAuth
		s.router.loop.Submit(func() {
			s.router.adoptIdentity(client, identity)
		})
	}
}

// HandleHealth reports router statistics. The snapshot is taken on the
// loop so the maps are never read concurrently.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	result := make(chan Stats, 1)
	ok := s.router.loop.Submit(func() {
		result <- s.router.Snapshot()
	})
	if !ok {
		http.Error(w, "event loop unavailable", http.StatusServiceUnavailable)
		return
	}
	select {
	case stats := <-result:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	case <-time.After(2 * time.Second):
		http.Error(w, "event loop stalled", http.StatusServiceUnavailable)
	}
}

// adoptIdentity finishes header-based authentication on the loop. The
// pumps start before this runs, so the connection may already be dead; a
// dead client must never be registered or handed a session seat, because
// its close event has already been processed.
func (r *Router) adoptIdentity(c *Client, identity game.Identity) {
	if !c.Alive() {
		r.log.WithField("user", identity.UserID).Debug("connection closed before adoption")
		return
	}
	if existing, ok := r.clients[identity.UserID]; ok && existing != c {
		existing.SendError("signed in from another connection")
		existing.close("superseded by new connection")
	}
	c.identity = identity
	c.authed = true
	r.clients[identity.UserID] = c
	r.deps.Metrics.ConnectedClients.Set(float64(len(r.clients)))
	c.Send(protocol.KindAuthenticated, protocol.AuthenticatedPayload{
		OK:       true,
		UserID:   identity.UserID,
		Username: identity.Username,
	})
	if sess := r.resolveSession(identity.UserID); sess != nil {
		if err := sess.HandleReconnect(context.Background(), identity.UserID, c); err == nil {
			r.log.WithField("user", identity.UserID).Info("seat resumed")
		}
	}
}
