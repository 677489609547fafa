package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoomState is the lifecycle of a match room
type RoomState string

const (
	StateWaiting    RoomState = "WAITING"
	StateInProgress RoomState = "IN_PROGRESS"
	StateFinished   RoomState = "FINISHED"
)

// EndReason says why a match finished
type EndReason string

const (
	ReasonKO         EndReason = "ko"
	ReasonTimeout    EndReason = "timeout"
	ReasonTie        EndReason = "tie"
	ReasonDisconnect EndReason = "disconnect"
	ReasonIncomplete EndReason = "incomplete"
	ReasonAborted    EndReason = "aborted"
)

const (
	maxRoomPlayers = 2
	SpawnLeftX     = 200.0
	SpawnRightX    = 700.0
)

// Broadcaster sends to one connection without blocking
type Broadcaster interface {
	SendJSON(msg interface{})
	SendRaw(data []byte)
}

// RoomConfig holds the timing of a match
type RoomConfig struct {
	TickRate       int           // simulation ticks per second
	BroadcastEvery int           // send STATE_UPDATE every N ticks
	MatchDuration  int           // match clock, seconds
	CountdownStep  time.Duration // wall time per match-clock second
	ArenaGrace     time.Duration // start the clock anyway after this long
	PersistWait    time.Duration // how long GAME_OVER waits for rating deltas, at most one tick
	PersistTimeout time.Duration // deadline for the persistence calls themselves
}

// DefaultRoomConfig returns production match timing
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		TickRate:       60,
		BroadcastEvery: 1,
		MatchDuration:  60,
		CountdownStep:  time.Second,
		ArenaGrace:     10 * time.Second,
		PersistWait:    time.Second / 60,
		PersistTimeout: 5 * time.Second,
	}
}

// TickInterval is the wall time between simulation ticks
func (c RoomConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// settleWait bounds how long GAME_OVER may wait for rating deltas. It never
// exceeds one tick.
func (c RoomConfig) settleWait() time.Duration {
	return min(c.PersistWait, c.TickInterval())
}

// tickMillis is the simulated time step handed to fighters
func (c RoomConfig) tickMillis() float64 {
	return 1000.0 / float64(c.TickRate)
}

// RoomDeps are the collaborators a room reports to. All are optional.
type RoomDeps struct {
	Store   RatingStore
	Tracker EventTracker
	Logger  *zap.Logger
}

type roomPlayer struct {
	id         string
	userID     int64 // 0 for guests
	username   string
	conn       Broadcaster
	fighter    *Fighter
	ready      bool
	arenaReady bool
	connected  bool
}

// GameRoom owns one 1v1 match: its two fighters, its loops and its outcome
type GameRoom struct {
	Code      string
	creatorID string
	cfg       RoomConfig
	store     RatingStore
	tracker   EventTracker
	logger    *zap.Logger

	mu           sync.Mutex
	state        RoomState
	players      []*roomPlayer
	tick         uint64
	timer        int
	timerStarted bool
	winner       *string
	events       []HitEvent
	startedAt    time.Time
	arenaTimeout *time.Timer

	quit     chan struct{} // closed once when the loops must stop
	quitOnce sync.Once
	done     chan struct{} // closed after GAME_OVER went out
}

// NewGameRoom creates an empty WAITING room
func NewGameRoom(code, creatorID string, cfg RoomConfig, deps RoomDeps) *GameRoom {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GameRoom{
		Code:      code,
		creatorID: creatorID,
		cfg:       cfg,
		store:     deps.Store,
		tracker:   deps.Tracker,
		logger:    logger.With(zap.String("room", code)),
		state:     StateWaiting,
		timer:     cfg.MatchDuration,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// AddPlayer puts a connection into a free slot
func (r *GameRoom) AddPlayer(id, username string, userID int64, conn Broadcaster) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateWaiting {
		return ErrRoomInProgress
	}
	if len(r.players) >= maxRoomPlayers {
		return ErrRoomFull
	}
	if r.findLocked(id) != nil {
		return nil
	}
	r.players = append(r.players, &roomPlayer{
		id:        id,
		userID:    userID,
		username:  username,
		conn:      conn,
		connected: true,
	})
	return nil
}

// RemovePlayer handles a leave or disconnect. A WAITING room just frees the
// slot; a running match is forfeited to the other player.
func (r *GameRoom) RemovePlayer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findLocked(id)
	if p == nil {
		return
	}
	p.connected = false

	switch r.state {
	case StateWaiting:
		for i, q := range r.players {
			if q == p {
				r.players = append(r.players[:i], r.players[i+1:]...)
				break
			}
		}
	case StateInProgress:
		var winner *string
		if other := r.otherLocked(id); other != nil {
			winner = &other.id
		}
		r.endGameLocked(winner, ReasonDisconnect)
	}
}

// SetReady marks a player ready and starts the match once both are
func (r *GameRoom) SetReady(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateWaiting {
		return ErrRoomInProgress
	}
	p := r.findLocked(id)
	if p == nil {
		return ErrNotInRoom
	}
	p.ready = true
	r.broadcastLocked(RoomMsg{Type: MsgPlayerReady, Room: r.infoLocked()})
	r.checkStartLocked()
	return nil
}

func (r *GameRoom) checkStartLocked() {
	if len(r.players) != maxRoomPlayers {
		return
	}
	for _, p := range r.players {
		if !p.ready {
			return
		}
	}
	r.startGameLocked()
}

func (r *GameRoom) startGameLocked() {
	r.state = StateInProgress
	r.tick = 0
	r.timer = r.cfg.MatchDuration
	r.timerStarted = false
	r.startedAt = time.Now()

	spawns := [maxRoomPlayers]float64{SpawnLeftX, SpawnRightX}
	for i, p := range r.players {
		p.fighter = NewFighter(p.id, p.username, spawns[i])
	}

	r.logger.Info("match started", zap.Strings("players", r.playerIDsLocked()))
	r.broadcastLocked(GameStartMsg{Type: MsgGameStart, Players: r.statesLocked()})
	r.track(EvtMatchStart, r.userIDsLocked(), map[string]any{"players": r.playerIDsLocked()})

	go r.runLoop()
	r.arenaTimeout = time.AfterFunc(r.cfg.ArenaGrace, r.arenaGraceExpired)
}

// ArenaReady records that a client finished loading; the clock starts when both have
func (r *GameRoom) ArenaReady(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInProgress || r.timerStarted {
		return
	}
	p := r.findLocked(id)
	if p == nil || p.arenaReady {
		return
	}
	p.arenaReady = true

	count := 0
	for _, q := range r.players {
		if q.arenaReady {
			count++
		}
	}
	r.logger.Debug("arena ready", zap.String("player", id), zap.Int("count", count))
	if count >= maxRoomPlayers {
		r.startTimerLocked()
	}
}

func (r *GameRoom) arenaGraceExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInProgress || r.timerStarted {
		return
	}
	r.logger.Info("arena grace expired, starting clock")
	r.startTimerLocked()
}

func (r *GameRoom) startTimerLocked() {
	if r.timerStarted {
		return
	}
	r.timerStarted = true
	if r.arenaTimeout != nil {
		r.arenaTimeout.Stop()
	}
	r.broadcastLocked(TimerStartMsg{Type: MsgTimerStart, Timer: r.timer})
	go r.runCountdown()
}

// HandleInput queues a validated input for the player's fighter
func (r *GameRoom) HandleInput(id string, in InputPacket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInProgress {
		return false
	}
	p := r.findLocked(id)
	if p == nil || p.fighter == nil {
		return false
	}
	return p.fighter.QueueInput(in)
}

func (r *GameRoom) runLoop() {
	ticker := time.NewTicker(r.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.update()
		case <-r.quit:
			return
		}
	}
}

func (r *GameRoom) runCountdown() {
	ticker := time.NewTicker(r.cfg.CountdownStep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.countdown()
		case <-r.quit:
			return
		}
	}
}

// update runs one simulation tick
func (r *GameRoom) update() {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tick panicked", zap.Any("panic", rec), zap.Uint64("tick", r.tick))
			r.endGameLocked(nil, ReasonAborted)
		}
	}()

	if r.state != StateInProgress {
		return
	}
	r.tick++

	fighters := r.fightersLocked()
	for _, f := range fighters {
		f.ProcessInputs()
	}
	dt := r.cfg.tickMillis()
	for _, f := range fighters {
		f.Update(dt)
	}
	r.events = append(r.events, ResolveAttacks(fighters)...)

	if r.tick%uint64(r.cfg.BroadcastEvery) == 0 {
		r.broadcastStateLocked()
	}
	r.checkWinLocked()
}

func (r *GameRoom) checkWinLocked() {
	var dead []*roomPlayer
	for _, p := range r.players {
		if p.fighter != nil && p.fighter.Dead {
			dead = append(dead, p)
		}
	}
	switch len(dead) {
	case 0:
		return
	case 1:
		var winner *string
		if other := r.otherLocked(dead[0].id); other != nil {
			winner = &other.id
		}
		r.endGameLocked(winner, ReasonKO)
	default:
		// double knockout
		r.endGameLocked(nil, ReasonKO)
	}
}

func (r *GameRoom) countdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateInProgress {
		return
	}
	r.timer--
	if r.timer <= 0 {
		r.timer = 0
		r.endByTimerLocked()
	}
}

func (r *GameRoom) endByTimerLocked() {
	if len(r.players) != maxRoomPlayers {
		r.endGameLocked(nil, ReasonIncomplete)
		return
	}
	p1, p2 := r.players[0], r.players[1]
	switch {
	case p1.fighter.Health > p2.fighter.Health:
		r.endGameLocked(&p1.id, ReasonTimeout)
	case p2.fighter.Health > p1.fighter.Health:
		r.endGameLocked(&p2.id, ReasonTimeout)
	default:
		r.endGameLocked(nil, ReasonTie)
	}
}

type settledPlayer struct {
	id       string
	userID   int64
	username string
	health   int
}

type settlement struct {
	winner      *string
	reason      EndReason
	players     []settledPlayer
	finalScores map[string]int
	states      []PlayerState
	duration    time.Duration
}

// endGameLocked moves the room to FINISHED. Only the first call has any effect.
func (r *GameRoom) endGameLocked(winner *string, reason EndReason) {
	if r.state == StateFinished {
		return
	}
	r.state = StateFinished
	r.winner = winner
	r.stopLoopsLocked()

	s := settlement{
		winner:      winner,
		reason:      reason,
		finalScores: make(map[string]int, len(r.players)),
		states:      r.statesLocked(),
		duration:    time.Since(r.startedAt),
	}
	for i, p := range r.players {
		health := MaxHealth
		if p.fighter != nil {
			health = p.fighter.Health
		}
		s.players = append(s.players, settledPlayer{id: p.id, userID: p.userID, username: p.username, health: health})
		s.finalScores[fmt.Sprintf("player%dHealth", i+1)] = health
	}

	fields := []zap.Field{zap.String("reason", string(reason))}
	if winner != nil {
		fields = append(fields, zap.String("winner", *winner))
	}
	r.logger.Info("match finished", fields...)

	go r.settle(s)
}

func (r *GameRoom) stopLoopsLocked() {
	r.quitOnce.Do(func() { close(r.quit) })
	if r.arenaTimeout != nil {
		r.arenaTimeout.Stop()
	}
}

// settle applies ratings and then announces the result. The announcement
// waits at most one tick for the ratings.
func (r *GameRoom) settle(s settlement) {
	defer close(r.done)

	result := make(chan map[string]int, 1)
	go func() { result <- r.applyRatings(s) }()

	eloChanges := map[string]int{}
	select {
	case d := <-result:
		eloChanges = d
	case <-time.After(r.cfg.settleWait()):
		r.logger.Warn("persistence slow, announcing result without rating changes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(GameOverMsg{
		Type:        MsgGameOver,
		Winner:      s.winner,
		Reason:      s.reason,
		FinalScores: s.finalScores,
		EloChanges:  eloChanges,
		Players:     s.states,
	})
}

// applyRatings computes and persists rating deltas. It returns the deltas
// that were stored, keyed by player id.
func (r *GameRoom) applyRatings(s settlement) map[string]int {
	changes := map[string]int{}
	userIDs := make([]int64, 0, len(s.players))
	for _, p := range s.players {
		userIDs = append(userIDs, p.userID)
	}
	r.track(EvtMatchEnd, userIDs, map[string]any{
		"reason":   s.reason,
		"duration": s.duration.Seconds(),
	})
	if r.store == nil || len(s.players) != maxRoomPlayers || s.reason == ReasonIncomplete || s.reason == ReasonAborted {
		return changes
	}
	p1, p2 := s.players[0], s.players[1]
	if p1.userID == 0 && p2.userID == 0 {
		return changes
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()

	elo1, err1 := r.loadElo(ctx, p1.userID)
	elo2, err2 := r.loadElo(ctx, p2.userID)
	if err1 != nil || err2 != nil {
		return changes
	}

	outcomes := make(map[string]MatchOutcome, 2)
	ko := s.reason == ReasonKO
	if s.winner == nil {
		d := CalculateEloChange(elo1, elo2, true)
		outcomes[p1.id] = MatchOutcome{Result: ResultDraw, EloChange: d.WinnerChange, OpponentName: p2.username}
		outcomes[p2.id] = MatchOutcome{Result: ResultDraw, EloChange: d.LoserChange, OpponentName: p1.username}
	} else {
		winner, loser := p1, p2
		winnerElo, loserElo := elo1, elo2
		if *s.winner == p2.id {
			winner, loser = p2, p1
			winnerElo, loserElo = elo2, elo1
		}
		d := CalculateEloChange(winnerElo, loserElo, false)
		outcomes[winner.id] = MatchOutcome{Result: ResultWin, EloChange: d.WinnerChange, OpponentName: loser.username, KO: ko}
		outcomes[loser.id] = MatchOutcome{Result: ResultLoss, EloChange: d.LoserChange, OpponentName: winner.username, KO: ko}
	}

	for _, p := range s.players {
		if p.userID == 0 {
			continue
		}
		out := outcomes[p.id]
		if err := r.store.ApplyMatchResult(ctx, p.userID, out); err != nil {
			r.logger.Error("apply match result failed", zap.Int64("user", p.userID), zap.Error(err))
			continue
		}
		changes[p.id] = out.EloChange
	}

	rec := MatchRecord{
		RoomCode:    r.Code,
		Usernames:   [2]string{p1.username, p2.username},
		UserIDs:     [2]int64{p1.userID, p2.userID},
		Reason:      s.reason,
		Duration:    s.duration,
		FinalHealth: [2]int{p1.health, p2.health},
		FinalStates: s.states,
	}
	if s.winner != nil {
		rec.Winner = p1.username
		if *s.winner == p2.id {
			rec.Winner = p2.username
		}
	}
	if err := r.store.RecordMatch(ctx, rec); err != nil {
		r.logger.Error("record match failed", zap.Error(err))
	}
	return changes
}

func (r *GameRoom) loadElo(ctx context.Context, userID int64) (int, error) {
	if userID == 0 {
		return DefaultElo, nil
	}
	rating, err := r.store.LoadRating(ctx, userID)
	if err != nil {
		r.logger.Error("load rating failed", zap.Int64("user", userID), zap.Error(err))
		return 0, err
	}
	return rating.Elo, nil
}

func (r *GameRoom) broadcastStateLocked() {
	r.broadcastLocked(StateUpdateMsg{
		Type:    MsgStateUpdate,
		Tick:    r.tick,
		Timer:   r.timer,
		Players: r.statesLocked(),
		Events:  append([]HitEvent{}, r.events...),
	})
	r.events = r.events[:0]
}

// broadcastLocked marshals once and hands the bytes to every connected player
func (r *GameRoom) broadcastLocked(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal broadcast", zap.Error(err))
		return
	}
	for _, p := range r.players {
		if p.connected && p.conn != nil {
			p.conn.SendRaw(data)
		}
	}
}

// Broadcast sends msg to every connected player in the room
func (r *GameRoom) Broadcast(msg interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(msg)
}

// track records evt for every identified account in userIDs
func (r *GameRoom) track(evt string, userIDs []int64, data map[string]any) {
	if r.tracker == nil {
		return
	}
	raw, _ := json.Marshal(data)
	for _, id := range userIDs {
		if id != 0 {
			r.tracker.Track(evt, id, r.Code, string(raw))
		}
	}
}

func (r *GameRoom) findLocked(id string) *roomPlayer {
	for _, p := range r.players {
		if p.id == id {
			return p
		}
	}
	return nil
}

func (r *GameRoom) otherLocked(id string) *roomPlayer {
	for _, p := range r.players {
		if p.id != id {
			return p
		}
	}
	return nil
}

func (r *GameRoom) fightersLocked() []*Fighter {
	out := make([]*Fighter, 0, len(r.players))
	for _, p := range r.players {
		if p.fighter != nil {
			out = append(out, p.fighter)
		}
	}
	return out
}

func (r *GameRoom) statesLocked() []PlayerState {
	out := make([]PlayerState, 0, len(r.players))
	for _, p := range r.players {
		if p.fighter != nil {
			out = append(out, p.fighter.ToState())
		}
	}
	return out
}

func (r *GameRoom) playerIDsLocked() []string {
	ids := make([]string, 0, len(r.players))
	for _, p := range r.players {
		ids = append(ids, p.id)
	}
	return ids
}

func (r *GameRoom) userIDsLocked() []int64 {
	ids := make([]int64, 0, len(r.players))
	for _, p := range r.players {
		ids = append(ids, p.userID)
	}
	return ids
}

func (r *GameRoom) infoLocked() RoomInfo {
	info := RoomInfo{
		RoomCode:    r.Code,
		State:       r.state,
		PlayerCount: len(r.players),
		Players:     make([]RoomPlayerInfo, 0, len(r.players)),
	}
	for i, p := range r.players {
		name := p.username
		if name == "" {
			name = fmt.Sprintf("Player %d", i+1)
		}
		info.Players = append(info.Players, RoomPlayerInfo{ID: p.id, Username: name, Ready: p.ready})
	}
	return info
}

// Info returns the lobby view of the room
func (r *GameRoom) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked()
}

// State returns the lifecycle state
func (r *GameRoom) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PlayerCount returns the number of occupied slots
func (r *GameRoom) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players)
}

// IsEmpty is true when no occupant is still connected
func (r *GameRoom) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.players {
		if p.connected {
			return false
		}
	}
	return true
}

// Winner returns the winning player id, if any
func (r *GameRoom) Winner() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.winner == nil {
		return "", false
	}
	return *r.winner, true
}

// Done is closed after GAME_OVER has been broadcast
func (r *GameRoom) Done() <-chan struct{} {
	return r.done
}

// Close stops any loops still running. Safe to call more than once.
func (r *GameRoom) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLoopsLocked()
}
