package main

import "encoding/json"

// MsgKind is the "type" tag of every wire message
type MsgKind string

// Client -> Server message types
const (
	MsgSetUsername MsgKind = "SET_USERNAME"
	MsgCreateRoom  MsgKind = "CREATE_ROOM"
	MsgJoinRoom    MsgKind = "JOIN_ROOM"
	MsgQuickMatch  MsgKind = "QUICK_MATCH"
	MsgReady       MsgKind = "READY"
	MsgArenaReady  MsgKind = "ARENA_READY"
	MsgInput       MsgKind = "INPUT"
	MsgLeaveRoom   MsgKind = "LEAVE_ROOM"
	MsgGetRooms    MsgKind = "GET_ROOMS"
)

// Server -> Client message types
const (
	MsgConnected    MsgKind = "CONNECTED"
	MsgUsernameSet  MsgKind = "USERNAME_SET"
	MsgRoomCreated  MsgKind = "ROOM_CREATED"
	MsgRoomJoined   MsgKind = "ROOM_JOINED"
	MsgPlayerJoined MsgKind = "PLAYER_JOINED"
	MsgPlayerReady  MsgKind = "PLAYER_READY"
	MsgGameStart    MsgKind = "GAME_START"
	MsgTimerStart   MsgKind = "TIMER_START"
	MsgStateUpdate  MsgKind = "STATE_UPDATE"
	MsgGameOver     MsgKind = "GAME_OVER"
	MsgRoomLeft     MsgKind = "ROOM_LEFT"
	MsgRoomList     MsgKind = "ROOM_LIST"
	MsgError        MsgKind = "ERROR"
)

// inboundKinds is the closed set of message kinds a client may send
var inboundKinds = map[MsgKind]bool{
	MsgSetUsername: true,
	MsgCreateRoom:  true,
	MsgJoinRoom:    true,
	MsgQuickMatch:  true,
	MsgReady:       true,
	MsgArenaReady:  true,
	MsgInput:       true,
	MsgLeaveRoom:   true,
	MsgGetRooms:    true,
}

// InEnvelope peeks at the type tag; the full payload is decoded per kind
type InEnvelope struct {
	Type MsgKind `json:"type"`
}

// SetUsernameMsg renames the connection and optionally attaches an identity
type SetUsernameMsg struct {
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}

// JoinRoomMsg asks to join a room by code
type JoinRoomMsg struct {
	RoomCode string `json:"roomCode"`
}

// InputFlags are the four recognised buttons
type InputFlags struct {
	Left   bool `json:"left,omitempty"`
	Right  bool `json:"right,omitempty"`
	Jump   bool `json:"jump,omitempty"`
	Attack bool `json:"attack,omitempty"`
}

// InputPacket is a validated INPUT message
type InputPacket struct {
	Seq    int64      `json:"seq"`
	Tick   float64    `json:"tick"`
	Inputs InputFlags `json:"inputs"`
}

// RoomPlayerInfo is the lobby view of one player slot
type RoomPlayerInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Ready    bool   `json:"ready"`
}

// RoomInfo is the lobby view of a room
type RoomInfo struct {
	RoomCode    string           `json:"roomCode"`
	State       RoomState        `json:"state"`
	PlayerCount int              `json:"playerCount"`
	Players     []RoomPlayerInfo `json:"players"`
}

// PlayerState is broadcast per fighter each tick
type PlayerState struct {
	ID           string    `json:"id" msgpack:"id"`
	Username     string    `json:"username" msgpack:"username"`
	X            float64   `json:"x" msgpack:"x"`
	Y            float64   `json:"y" msgpack:"y"`
	VelX         float64   `json:"velX" msgpack:"velX"`
	VelY         float64   `json:"velY" msgpack:"velY"`
	Health       int       `json:"health" msgpack:"health"`
	AnimState    AnimState `json:"animState" msgpack:"animState"`
	IsAttacking  bool      `json:"isAttacking" msgpack:"isAttacking"`
	AttackFrame  int       `json:"attackFrame" msgpack:"attackFrame"`
	FacingRight  bool      `json:"facingRight" msgpack:"facingRight"`
	Dead         bool      `json:"dead" msgpack:"dead"`
	LastInputSeq int64     `json:"lastInputSeq" msgpack:"lastInputSeq"`
}

// HitEvent is emitted when an attack connects
type HitEvent struct {
	Type         string `json:"type"`
	Attacker     string `json:"attacker"`
	Target       string `json:"target"`
	Damage       int    `json:"damage"`
	TargetHealth int    `json:"targetHealth"`
}

// ConnectedMsg greets a new connection
type ConnectedMsg struct {
	Type     MsgKind `json:"type"`
	PlayerID string  `json:"playerId"`
}

// UsernameSetMsg confirms SET_USERNAME
type UsernameSetMsg struct {
	Type     MsgKind `json:"type"`
	Username string  `json:"username"`
}

// RoomMsg carries a room snapshot (ROOM_CREATED, ROOM_JOINED, PLAYER_JOINED, PLAYER_READY)
type RoomMsg struct {
	Type MsgKind  `json:"type"`
	Room RoomInfo `json:"room"`
}

// RoomListMsg answers GET_ROOMS
type RoomListMsg struct {
	Type  MsgKind    `json:"type"`
	Rooms []RoomInfo `json:"rooms"`
}

// GameStartMsg tells clients to load the arena
type GameStartMsg struct {
	Type    MsgKind       `json:"type"`
	Players []PlayerState `json:"players"`
}

// TimerStartMsg starts the synchronized match clock
type TimerStartMsg struct {
	Type  MsgKind `json:"type"`
	Timer int     `json:"timer"`
}

// StateUpdateMsg is the per-tick snapshot
type StateUpdateMsg struct {
	Type    MsgKind       `json:"type"`
	Tick    uint64        `json:"tick"`
	Timer   int           `json:"timer"`
	Players []PlayerState `json:"players"`
	Events  []HitEvent    `json:"events"`
}

// GameOverMsg is the terminal event of a match
type GameOverMsg struct {
	Type        MsgKind        `json:"type"`
	Winner      *string        `json:"winner"`
	Reason      EndReason      `json:"reason"`
	FinalScores map[string]int `json:"finalScores"`
	EloChanges  map[string]int `json:"eloChanges"`
	Players     []PlayerState  `json:"players"`
}

// SimpleMsg is a message with no payload (ROOM_LEFT)
type SimpleMsg struct {
	Type MsgKind `json:"type"`
}

// ErrorMsg sends error to client
type ErrorMsg struct {
	Type  MsgKind `json:"type"`
	Error string  `json:"error"`
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
