package main

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const (
	maxConnsPerIP = 5
	maxTotalConns = 1000
)

// TokenVerifier resolves an identity token to a persistent account
type TokenVerifier interface {
	ValidateToken(token string) (userID int64, username string, err error)
}

// Hub tracks connected clients and owns the collaborators they share
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	unregister chan *Client

	lobby        *Lobby
	inputLimiter *RateLimiter
	verifier     TokenVerifier
	tracker      EventTracker
	logger       *zap.Logger

	// Connection limiting (mutex-protected, accessed from HTTP handlers)
	connMu     sync.Mutex
	ipConns    map[string]int
	totalConns int
}

// HubDeps are the shared collaborators handed to every client. Verifier and
// Tracker may be nil.
type HubDeps struct {
	Lobby    *Lobby
	Verifier TokenVerifier
	Tracker  EventTracker
	Logger   *zap.Logger
}

// NewHub creates a Hub around an existing lobby
func NewHub(deps HubDeps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[*Client]bool),
		unregister:   make(chan *Client, 64),
		lobby:        deps.Lobby,
		inputLimiter: NewRateLimiter(maxInputsPerSecond),
		verifier:     deps.Verifier,
		tracker:      deps.Tracker,
		logger:       logger.Named("hub"),
		ipConns:      make(map[string]int),
	}
}

func (h *Hub) CanAccept(ip string) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.totalConns >= maxTotalConns {
		return false
	}
	if h.ipConns[ip] >= maxConnsPerIP {
		return false
	}
	return true
}

func (h *Hub) TrackConnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]++
	h.totalConns++
}

func (h *Hub) TrackDisconnect(ip string) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.ipConns[ip]--
	if h.ipConns[ip] <= 0 {
		delete(h.ipConns, ip)
	}
	h.totalConns--
}

// Register adds a client before its pumps start
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Run processes unregister events until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.unregister:
			h.drop(client)

		case <-ctx.Done():
			return
		}
	}
}

// drop releases everything a client holds. The room is left before the send
// channel closes so the room never writes to a closed client.
func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	h.lobby.LeaveRoom(client.playerID)
	h.inputLimiter.Clear(client.playerID)
	if !ok {
		return
	}
	close(client.send)
	h.track(EvtDisconnect, client)
	h.logger.Info("client disconnected", zap.String("player", client.playerID), zap.String("ip", client.remoteAddr))
}

func (h *Hub) track(evt string, c *Client) {
	if h.tracker == nil || c.userID == 0 {
		return
	}
	h.tracker.Track(evt, c.userID, c.playerID, "")
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TotalConns returns the tracked connection count
func (h *Hub) TotalConns() int {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	return h.totalConns
}
