package main

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const maxRooms = 500

// Room action failures. The text is sent to the client as ERROR{error}.
var (
	ErrRoomNotFound     = errors.New("Room not found")
	ErrRoomInProgress   = errors.New("Game already in progress")
	ErrRoomFull         = errors.New("Room is full")
	ErrNotInRoom        = errors.New("Not in a room")
	ErrRoomCodeRequired = errors.New("Room code required")
	ErrTooManyRooms     = errors.New("Server is full, try again later")
)

// Lobby is the registry of rooms and of which room each player is in
type Lobby struct {
	mu          sync.Mutex
	rooms       map[string]*GameRoom
	playerRooms map[string]string // player id -> room code

	cfg    RoomConfig
	deps   RoomDeps
	logger *zap.Logger
}

// NewLobby creates an empty registry; every room it creates gets cfg and deps
func NewLobby(cfg RoomConfig, deps RoomDeps) *Lobby {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Logger = logger.Named("room")
	return &Lobby{
		rooms:       make(map[string]*GameRoom),
		playerRooms: make(map[string]string),
		cfg:         cfg,
		deps:        deps,
		logger:      logger.Named("lobby"),
	}
}

func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateRoom registers a room under a fresh code and seats the creator in it
func (l *Lobby) CreateRoom(playerID, username string, userID int64, conn Broadcaster) (*GameRoom, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createLocked(playerID, username, userID, conn)
}

func (l *Lobby) createLocked(playerID, username string, userID int64, conn Broadcaster) (*GameRoom, error) {
	if len(l.rooms) >= maxRooms {
		return nil, ErrTooManyRooms
	}
	code := GenerateRoomCode()
	for l.rooms[code] != nil {
		code = GenerateRoomCode()
	}

	room := NewGameRoom(code, playerID, l.cfg, l.deps)
	if err := room.AddPlayer(playerID, username, userID, conn); err != nil {
		return nil, err
	}
	l.rooms[code] = room
	l.playerRooms[playerID] = code
	l.logger.Info("room created", zap.String("room", code), zap.String("player", playerID))
	return room, nil
}

// JoinRoom seats a player in the room with the given code
func (l *Lobby) JoinRoom(code, playerID, username string, userID int64, conn Broadcaster) (*GameRoom, error) {
	code = normalizeRoomCode(code)
	if code == "" {
		return nil, ErrRoomCodeRequired
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	room := l.rooms[code]
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if err := room.AddPlayer(playerID, username, userID, conn); err != nil {
		return nil, err
	}
	l.playerRooms[playerID] = code
	return room, nil
}

// QuickMatch joins the first room with a player waiting, or opens a new
// one. created reports which happened.
func (l *Lobby) QuickMatch(playerID, username string, userID int64, conn Broadcaster) (room *GameRoom, created bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if room = l.findAvailableLocked(); room != nil {
		if err = room.AddPlayer(playerID, username, userID, conn); err == nil {
			l.playerRooms[playerID] = room.Code
			return room, false, nil
		}
	}
	room, err = l.createLocked(playerID, username, userID, conn)
	return room, err == nil, err
}

// FindAvailableRoom returns a WAITING room with exactly one occupant, if any
func (l *Lobby) FindAvailableRoom() *GameRoom {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findAvailableLocked()
}

func (l *Lobby) findAvailableLocked() *GameRoom {
	for _, room := range l.rooms {
		if room.State() == StateWaiting && room.PlayerCount() == 1 {
			return room
		}
	}
	return nil
}

// LeaveRoom takes the player out of their room. Rooms left without a
// connected occupant are closed and dropped.
func (l *Lobby) LeaveRoom(playerID string) *GameRoom {
	l.mu.Lock()
	defer l.mu.Unlock()

	code, ok := l.playerRooms[playerID]
	if !ok {
		return nil
	}
	delete(l.playerRooms, playerID)

	room := l.rooms[code]
	if room == nil {
		return nil
	}
	room.RemovePlayer(playerID)

	if room.IsEmpty() {
		room.Close()
		delete(l.rooms, code)
		l.logger.Info("room closed", zap.String("room", code))
	}
	return room
}

// GetRoom looks up a room by code
func (l *Lobby) GetRoom(code string) *GameRoom {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rooms[normalizeRoomCode(code)]
}

// PlayerRoom returns the room the player is seated in
func (l *Lobby) PlayerRoom(playerID string) *GameRoom {
	l.mu.Lock()
	defer l.mu.Unlock()
	code, ok := l.playerRooms[playerID]
	if !ok {
		return nil
	}
	return l.rooms[code]
}

// AvailableRooms lists rooms that can still be joined
func (l *Lobby) AvailableRooms() []RoomInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := make([]RoomInfo, 0, len(l.rooms))
	for _, room := range l.rooms {
		info := room.Info()
		if info.State == StateWaiting && info.PlayerCount < maxRoomPlayers {
			list = append(list, info)
		}
	}
	return list
}

// RoomCount returns the number of registered rooms
func (l *Lobby) RoomCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rooms)
}

// CloseAll stops every room. Used on shutdown.
func (l *Lobby) CloseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for code, room := range l.rooms {
		room.Close()
		delete(l.rooms, code)
	}
	clear(l.playerRooms)
}
