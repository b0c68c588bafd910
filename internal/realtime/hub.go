// Package realtime hosts session contexts behind WebSocket connections: one teacher or student
// context per connection, with its notifications pushed to the browser and its commands read back.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-classroom/livepoll/internal/models"
	"github.com/aura-classroom/livepoll/internal/session"
	"github.com/aura-classroom/livepoll/internal/store"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30 * time.Second
	PongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
	sendBuffer   = 256
)

// Options configure the hub.
type Options struct {
	Backend    store.Backend
	Session    session.Config
	OnArchived func(models.PollResult)
	// CheckOrigin guards the upgrade. Nil allows any origin.
	CheckOrigin func(r *http.Request) bool
	// RateLimit is inbound commands per second per connection; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// Hub tracks live connections and the context each one runs.
type Hub struct {
	ctx     context.Context
	opts    Options
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewHub creates a hub. Contexts it starts live until their connection closes or ctx is done.
func NewHub(ctx context.Context, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		ctx:     ctx,
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

func (h *Hub) limiter() *rate.Limiter {
	if h.opts.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.RateLimit), burst)
}

// login starts the context for c, wiring its notifications to c's send queue.
func (h *Hub) login(c *Client) (session.Context, error) {
	deps := session.Deps{
		Backend:    h.opts.Backend,
		Config:     h.opts.Session,
		Logger:     h.logger,
		Notify:     c.notify,
		OnArchived: h.opts.OnArchived,
	}
	return session.Login(h.ctx, c.User, deps)
}

// Register adds a client. It returns false once the hub is closed.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.ID] = c
	h.logger.Debug("client connected", zap.String("client_id", c.ID), zap.String("email", c.User.Email))
	return true
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("client disconnected", zap.String("client_id", c.ID), zap.String("email", c.User.Email))
}

// Count returns the number of connected clients with role.
func (h *Hub) Count(role models.Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.User.Role == role {
			n++
		}
	}
	return n
}

// Close logs every connected context out, so teachers announce offline and students leave.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.logout(ctx)
	}
}
