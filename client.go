package main

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256

	// floodRate is far above any legitimate client; past it the connection is cut
	floodRate  = 120
	floodBurst = 240
)

// Client represents a WebSocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	flood      *rate.Limiter
	logger     *zap.Logger

	playerID string
	username string
	userID   int64 // 0 = guest
}

// NewClient creates a new Client with a fresh player id
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	id := NewPlayerID()
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
		flood:      rate.NewLimiter(floodRate, floodBurst),
		logger:     hub.logger.With(zap.String("player", id)),
		playerID:   id,
		username:   "Player_" + id[:6],
	}
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.hub.TrackDisconnect(c.remoteAddr)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("ws error", zap.Error(err))
			}
			break
		}

		if !c.flood.Allow() {
			c.logger.Warn("message flood, disconnecting", zap.String("ip", c.remoteAddr))
			break
		}

		c.handleMessage(message)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON sends a JSON message to the client
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal error", zap.Error(err))
		return
	}
	c.SendRaw(data)
}

// SendRaw queues pre-marshaled bytes; a full buffer drops the message
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// Client too slow, drop message
	}
}

func (c *Client) sendError(err error) {
	c.SendJSON(ErrorMsg{Type: MsgError, Error: err.Error()})
}

// handleMessage peeks the type tag and dispatches. Malformed and unknown
// messages are dropped without a reply.
func (c *Client) handleMessage(raw []byte) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || !inboundKinds[env.Type] {
		c.logger.Debug("dropped message", zap.String("type", string(env.Type)))
		return
	}

	switch env.Type {
	case MsgSetUsername:
		c.handleSetUsername(raw)
	case MsgCreateRoom:
		c.handleCreateRoom()
	case MsgJoinRoom:
		c.handleJoinRoom(raw)
	case MsgQuickMatch:
		c.handleQuickMatch()
	case MsgReady:
		c.handleReady()
	case MsgArenaReady:
		c.handleArenaReady()
	case MsgInput:
		c.handleInput(raw)
	case MsgLeaveRoom:
		c.handleLeaveRoom()
	case MsgGetRooms:
		c.SendJSON(RoomListMsg{Type: MsgRoomList, Rooms: c.hub.lobby.AvailableRooms()})
	}
}

func (c *Client) handleSetUsername(raw []byte) {
	msg, err := decodePayload[SetUsernameMsg](raw)
	if err != nil {
		return
	}
	if name := SanitizeName(msg.Username, maxNameLen); name != "" {
		c.username = name
	}

	if msg.Token != "" && c.hub.verifier != nil {
		userID, _, err := c.hub.verifier.ValidateToken(msg.Token)
		if err != nil {
			c.logger.Info("token rejected", zap.Error(err))
		} else {
			c.userID = userID
			c.hub.track(EvtConnect, c)
			c.logger.Info("player identified", zap.Int64("user", userID))
		}
	}

	c.SendJSON(UsernameSetMsg{Type: MsgUsernameSet, Username: c.username})
}

// leaveCurrent drops any previous seat before taking a new one
func (c *Client) leaveCurrent() {
	if c.hub.lobby.PlayerRoom(c.playerID) != nil {
		c.hub.lobby.LeaveRoom(c.playerID)
	}
}

func (c *Client) handleCreateRoom() {
	c.leaveCurrent()
	room, err := c.hub.lobby.CreateRoom(c.playerID, c.username, c.userID, c)
	if err != nil {
		c.sendError(err)
		return
	}
	c.SendJSON(RoomMsg{Type: MsgRoomCreated, Room: room.Info()})
}

func (c *Client) handleJoinRoom(raw []byte) {
	msg, err := decodePayload[JoinRoomMsg](raw)
	if err != nil {
		return
	}
	if current := c.hub.lobby.PlayerRoom(c.playerID); current != nil {
		if current.Code == normalizeRoomCode(msg.RoomCode) {
			return
		}
		c.hub.lobby.LeaveRoom(c.playerID)
	}

	room, err := c.hub.lobby.JoinRoom(msg.RoomCode, c.playerID, c.username, c.userID, c)
	if err != nil {
		c.sendError(err)
		return
	}
	c.announceJoin(room)
}

func (c *Client) handleQuickMatch() {
	c.leaveCurrent()
	room, created, err := c.hub.lobby.QuickMatch(c.playerID, c.username, c.userID, c)
	if err != nil {
		c.sendError(err)
		return
	}
	if created {
		c.SendJSON(RoomMsg{Type: MsgRoomCreated, Room: room.Info()})
		return
	}
	c.announceJoin(room)
}

func (c *Client) announceJoin(room *GameRoom) {
	info := room.Info()
	c.SendJSON(RoomMsg{Type: MsgRoomJoined, Room: info})
	room.Broadcast(RoomMsg{Type: MsgPlayerJoined, Room: info})
}

func (c *Client) handleReady() {
	room := c.hub.lobby.PlayerRoom(c.playerID)
	if room == nil {
		c.sendError(ErrNotInRoom)
		return
	}
	if err := room.SetReady(c.playerID); err != nil {
		c.sendError(err)
	}
}

func (c *Client) handleArenaReady() {
	if room := c.hub.lobby.PlayerRoom(c.playerID); room != nil {
		room.ArenaReady(c.playerID)
	}
}

func (c *Client) handleInput(raw []byte) {
	if !c.hub.inputLimiter.Check(c.playerID) {
		return
	}
	room := c.hub.lobby.PlayerRoom(c.playerID)
	if room == nil {
		return
	}
	in, ok := ValidateInput(raw)
	if !ok {
		return
	}
	room.HandleInput(c.playerID, in)
}

func (c *Client) handleLeaveRoom() {
	if c.hub.lobby.LeaveRoom(c.playerID) == nil {
		c.sendError(ErrNotInRoom)
		return
	}
	c.SendJSON(SimpleMsg{Type: MsgRoomLeft})
}
