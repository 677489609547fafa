package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockBroadcaster captures sent messages for testing
type mockBroadcaster struct {
	mu       sync.Mutex
	messages [][]byte
}

func (m *mockBroadcaster) SendJSON(msg interface{}) {
	data, _ := json.Marshal(msg)
	m.SendRaw(data)
}

func (m *mockBroadcaster) SendRaw(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, append([]byte(nil), data...))
}

// kinds lists the type tag of every captured message, in order
func (m *mockBroadcaster) kinds() []MsgKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MsgKind, 0, len(m.messages))
	for _, raw := range m.messages {
		var env InEnvelope
		json.Unmarshal(raw, &env)
		out = append(out, env.Type)
	}
	return out
}

func (m *mockBroadcaster) count(kind MsgKind) int {
	n := 0
	for _, k := range m.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// last decodes the newest message of the given kind into v
func (m *mockBroadcaster) last(t *testing.T, kind MsgKind, v interface{}) bool {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		var env InEnvelope
		json.Unmarshal(m.messages[i], &env)
		if env.Type == kind {
			require.NoError(t, json.Unmarshal(m.messages[i], v))
			return true
		}
	}
	return false
}

func (m *mockBroadcaster) waitFor(t *testing.T, kind MsgKind, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool { return m.count(kind) > 0 }, timeout, 5*time.Millisecond,
		"never received %s; got %v", kind, m.kinds())
}

type appliedResult struct {
	userID  int64
	outcome MatchOutcome
}

// fakeStore is an in-memory RatingStore
type fakeStore struct {
	mu      sync.Mutex
	elo     map[int64]int
	applied []appliedResult
	records []MatchRecord
	delay   time.Duration
	err     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{elo: map[int64]int{}}
}

func (s *fakeStore) LoadRating(ctx context.Context, userID int64) (Rating, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Rating{}, s.err
	}
	elo, ok := s.elo[userID]
	if !ok {
		elo = DefaultElo
	}
	return Rating{Elo: elo, Rank: RankFromElo(elo)}, nil
}

func (s *fakeStore) ApplyMatchResult(ctx context.Context, userID int64, out MatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.applied = append(s.applied, appliedResult{userID: userID, outcome: out})
	return nil
}

func (s *fakeStore) RecordMatch(ctx context.Context, rec MatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *fakeStore) snapshot() ([]appliedResult, []MatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appliedResult(nil), s.applied...), append([]MatchRecord(nil), s.records...)
}

// testRoomConfig keeps the loops slow enough that tests drive ticks by hand
func testRoomConfig() RoomConfig {
	return RoomConfig{
		TickRate:       1,
		BroadcastEvery: 1,
		MatchDuration:  60,
		CountdownStep:  time.Hour,
		ArenaGrace:     time.Hour,
		PersistWait:    500 * time.Millisecond,
		PersistTimeout: time.Second,
	}
}

type roomFixture struct {
	room   *GameRoom
	c1, c2 *mockBroadcaster
}

func newRoomFixture(t *testing.T, cfg RoomConfig, store RatingStore, userIDs ...int64) *roomFixture {
	t.Helper()
	ids := [2]int64{}
	copy(ids[:], userIDs)
	f := &roomFixture{
		room: NewGameRoom("ABCDEF", "p1", cfg, RoomDeps{Store: store}),
		c1:   &mockBroadcaster{},
		c2:   &mockBroadcaster{},
	}
	require.NoError(t, f.room.AddPlayer("p1", "Alice", ids[0], f.c1))
	require.NoError(t, f.room.AddPlayer("p2", "Bob", ids[1], f.c2))
	t.Cleanup(f.room.Close)
	return f
}

func (f *roomFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.room.SetReady("p1"))
	require.NoError(t, f.room.SetReady("p2"))
	require.Equal(t, StateInProgress, f.room.State())
}

func (f *roomFixture) withFighter(id string, fn func(*Fighter)) {
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	fn(f.room.findLocked(id).fighter)
}

func TestRoomRejectsThirdPlayer(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	err := f.room.AddPlayer("p3", "Carol", 0, &mockBroadcaster{})
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, 2, f.room.PlayerCount())
}

func TestRoomRejectsJoinAfterStart(t *testing.T) {
	room := NewGameRoom("ABCDEF", "p1", testRoomConfig(), RoomDeps{})
	t.Cleanup(room.Close)
	require.NoError(t, room.AddPlayer("p1", "Alice", 0, &mockBroadcaster{}))
	require.NoError(t, room.AddPlayer("p2", "Bob", 0, &mockBroadcaster{}))
	require.NoError(t, room.SetReady("p1"))
	require.NoError(t, room.SetReady("p2"))

	room.RemovePlayer("p2")
	err := room.AddPlayer("p3", "Carol", 0, &mockBroadcaster{})
	assert.ErrorIs(t, err, ErrRoomInProgress)
}

func TestRoomStartsOnlyWhenBothReady(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)

	require.NoError(t, f.room.SetReady("p1"))
	assert.Equal(t, StateWaiting, f.room.State())
	assert.Zero(t, f.c1.count(MsgGameStart))
	assert.Equal(t, 1, f.c2.count(MsgPlayerReady))

	require.NoError(t, f.room.SetReady("p2"))
	assert.Equal(t, StateInProgress, f.room.State())

	var start GameStartMsg
	require.True(t, f.c2.last(t, MsgGameStart, &start))
	require.Len(t, start.Players, 2)
	assert.Equal(t, SpawnLeftX, start.Players[0].X)
	assert.True(t, start.Players[0].FacingRight)
	assert.Equal(t, SpawnRightX, start.Players[1].X)
	assert.False(t, start.Players[1].FacingRight)
	assert.Zero(t, f.c1.count(MsgTimerStart), "clock waits for arena-ready")
}

func TestRoomReadyWithOnePlayerStaysWaiting(t *testing.T) {
	room := NewGameRoom("ABCDEF", "p1", testRoomConfig(), RoomDeps{})
	t.Cleanup(room.Close)
	require.NoError(t, room.AddPlayer("p1", "Alice", 0, &mockBroadcaster{}))
	require.NoError(t, room.SetReady("p1"))
	assert.Equal(t, StateWaiting, room.State())

	assert.ErrorIs(t, room.SetReady("ghost"), ErrNotInRoom)
}

func TestRoomTimerStartsWhenBothArenaReady(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	f.start(t)

	f.room.ArenaReady("p1")
	f.room.ArenaReady("p1")
	assert.Zero(t, f.c1.count(MsgTimerStart))

	f.room.ArenaReady("p2")
	f.room.ArenaReady("p2")
	assert.Equal(t, 1, f.c1.count(MsgTimerStart))
	assert.Equal(t, 1, f.c2.count(MsgTimerStart))

	var ts TimerStartMsg
	require.True(t, f.c1.last(t, MsgTimerStart, &ts))
	assert.Equal(t, 60, ts.Timer)
}

func TestRoomArenaGraceStartsTimerOnce(t *testing.T) {
	cfg := testRoomConfig()
	cfg.ArenaGrace = 30 * time.Millisecond
	f := newRoomFixture(t, cfg, nil)
	f.start(t)

	f.room.ArenaReady("p1")
	f.c1.waitFor(t, MsgTimerStart, time.Second)

	time.Sleep(3 * cfg.ArenaGrace)
	f.room.ArenaReady("p2")
	assert.Equal(t, 1, f.c1.count(MsgTimerStart))
	assert.Equal(t, 1, f.c2.count(MsgTimerStart))
}

func TestRoomUpdateBroadcastsState(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	f.start(t)

	require.True(t, f.room.HandleInput("p1", InputPacket{Seq: 1, Inputs: InputFlags{Right: true}}))
	assert.False(t, f.room.HandleInput("p1", InputPacket{Seq: 1, Inputs: InputFlags{Left: true}}), "stale seq")
	f.room.update()

	var su StateUpdateMsg
	require.True(t, f.c2.last(t, MsgStateUpdate, &su))
	require.Len(t, su.Players, 2)
	assert.Equal(t, SpawnLeftX+PlayerSpeed, su.Players[0].X)
	assert.Equal(t, int64(1), su.Players[0].LastInputSeq)
	assert.Equal(t, AnimFall, su.Players[0].AnimState, "spawned in the air")
	assert.Equal(t, 60, su.Timer)
	assert.Empty(t, su.Events)
}

// placeForHit stands p1 next to p2, facing it, with p2 at the given health
func placeForHit(f *roomFixture, targetHealth int) {
	f.withFighter("p1", func(a *Fighter) {
		a.X, a.Y, a.FacingRight = 400, GroundY, true
	})
	f.withFighter("p2", func(b *Fighter) {
		b.X, b.Y = 460, GroundY
		b.Health = targetHealth
	})
}

func TestRoomKnockoutEndsMatch(t *testing.T) {
	store := newFakeStore()
	f := newRoomFixture(t, testRoomConfig(), store, 11, 22)
	f.start(t)
	placeForHit(f, AttackDamage)

	require.True(t, f.room.HandleInput("p1", InputPacket{Seq: 1, Inputs: InputFlags{Attack: true}}))
	for i := 0; i < AttackFrames && f.room.State() == StateInProgress; i++ {
		f.room.update()
	}
	require.Equal(t, StateFinished, f.room.State())

	select {
	case <-f.room.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("GAME_OVER never sent")
	}

	var over GameOverMsg
	require.True(t, f.c2.last(t, MsgGameOver, &over))
	require.NotNil(t, over.Winner)
	assert.Equal(t, "p1", *over.Winner)
	assert.Equal(t, ReasonKO, over.Reason)
	assert.Equal(t, map[string]int{"player1Health": 100, "player2Health": 0}, over.FinalScores)
	assert.Equal(t, map[string]int{"p1": 16, "p2": -16}, over.EloChanges)

	var su StateUpdateMsg
	require.True(t, f.c1.last(t, MsgStateUpdate, &su))
	require.Len(t, su.Events, 1)
	assert.Equal(t, HitEvent{Type: "HIT", Attacker: "p1", Target: "p2", Damage: AttackDamage, TargetHealth: 0}, su.Events[0])

	// no further snapshots once finished
	before := f.c1.count(MsgStateUpdate)
	f.room.update()
	assert.Equal(t, before, f.c1.count(MsgStateUpdate))
	kinds := f.c1.kinds()
	assert.Equal(t, MsgGameOver, kinds[len(kinds)-1])

	applied, records := store.snapshot()
	require.Len(t, applied, 2)
	assert.Equal(t, appliedResult{userID: 11, outcome: MatchOutcome{Result: ResultWin, EloChange: 16, OpponentName: "Bob", KO: true}}, applied[0])
	assert.Equal(t, appliedResult{userID: 22, outcome: MatchOutcome{Result: ResultLoss, EloChange: -16, OpponentName: "Alice", KO: true}}, applied[1])
	require.Len(t, records, 1)
	assert.Equal(t, "Alice", records[0].Winner)
	assert.Equal(t, [2]int{100, 0}, records[0].FinalHealth)
}

func TestRoomDisconnectForfeits(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	f.start(t)

	f.room.RemovePlayer("p2")
	assert.Equal(t, StateFinished, f.room.State())
	f.c1.waitFor(t, MsgGameOver, time.Second)

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	require.NotNil(t, over.Winner)
	assert.Equal(t, "p1", *over.Winner)
	assert.Equal(t, ReasonDisconnect, over.Reason)
	assert.Empty(t, over.EloChanges)
	assert.Zero(t, f.c2.count(MsgGameOver), "departed player gets nothing")
	assert.False(t, f.room.IsEmpty())
	assert.Equal(t, 2, f.room.PlayerCount(), "slot is kept for the final broadcast")
}

func TestRoomEndIsIdempotent(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	f.start(t)

	f.room.mu.Lock()
	f.room.endGameLocked(nil, ReasonTie)
	f.room.endGameLocked(nil, ReasonKO)
	f.room.mu.Unlock()
	f.room.RemovePlayer("p2")

	<-f.room.Done()
	assert.Equal(t, 1, f.c1.count(MsgGameOver))

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	assert.Equal(t, ReasonTie, over.Reason)
	assert.Nil(t, over.Winner)
}

func TestRoomTimeoutTie(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MatchDuration = 2
	cfg.CountdownStep = 5 * time.Millisecond
	store := newFakeStore()
	f := newRoomFixture(t, cfg, store, 11, 0)
	f.start(t)
	f.room.ArenaReady("p1")
	f.room.ArenaReady("p2")

	select {
	case <-f.room.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timer never expired")
	}

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	assert.Nil(t, over.Winner)
	assert.Equal(t, ReasonTie, over.Reason)
	assert.Equal(t, map[string]int{"p1": 0}, over.EloChanges, "guest has no stored rating")

	applied, _ := store.snapshot()
	require.Len(t, applied, 1)
	assert.Equal(t, ResultDraw, applied[0].outcome.Result)
}

func TestRoomTimeoutHigherHealthWins(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MatchDuration = 1
	cfg.CountdownStep = 5 * time.Millisecond
	f := newRoomFixture(t, cfg, nil)
	f.start(t)
	f.withFighter("p1", func(p *Fighter) { p.TakeDamage(AttackDamage) })
	f.room.ArenaReady("p1")
	f.room.ArenaReady("p2")

	<-f.room.Done()
	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	require.NotNil(t, over.Winner)
	assert.Equal(t, "p2", *over.Winner)
	assert.Equal(t, ReasonTimeout, over.Reason)
}

func TestRoomSlowPersistenceDegradesToEmptyDeltas(t *testing.T) {
	cfg := testRoomConfig()
	cfg.PersistWait = 20 * time.Millisecond
	store := newFakeStore()
	store.delay = 200 * time.Millisecond
	f := newRoomFixture(t, cfg, store, 11, 22)
	f.start(t)

	f.room.RemovePlayer("p2")
	<-f.room.Done()

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	assert.Equal(t, ReasonDisconnect, over.Reason)
	assert.Empty(t, over.EloChanges)

	// persistence still completes afterwards
	require.Eventually(t, func() bool {
		applied, _ := store.snapshot()
		return len(applied) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoomPersistenceFailureStillEndsMatch(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("db down")
	f := newRoomFixture(t, testRoomConfig(), store, 11, 22)
	f.start(t)

	f.room.RemovePlayer("p1")
	<-f.room.Done()

	var over GameOverMsg
	require.True(t, f.c2.last(t, MsgGameOver, &over))
	require.NotNil(t, over.Winner)
	assert.Equal(t, "p2", *over.Winner)
	assert.Empty(t, over.EloChanges)
}

func TestRoomWaitingDisconnectShrinks(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	f.room.RemovePlayer("p2")
	assert.Equal(t, StateWaiting, f.room.State())
	assert.Equal(t, 1, f.room.PlayerCount())
	assert.False(t, f.room.IsEmpty())

	f.room.RemovePlayer("p1")
	assert.True(t, f.room.IsEmpty())
}

func TestRoomInfoShape(t *testing.T) {
	f := newRoomFixture(t, testRoomConfig(), nil)
	require.NoError(t, f.room.SetReady("p2"))

	info := f.room.Info()
	assert.Equal(t, RoomInfo{
		RoomCode:    "ABCDEF",
		State:       StateWaiting,
		PlayerCount: 2,
		Players: []RoomPlayerInfo{
			{ID: "p1", Username: "Alice", Ready: false},
			{ID: "p2", Username: "Bob", Ready: true},
		},
	}, info)
}

func TestRoomConfigSettleWaitCappedAtOneTick(t *testing.T) {
	cfg := RoomConfig{TickRate: 30, PersistWait: 2 * time.Second}
	assert.Equal(t, cfg.TickInterval(), cfg.settleWait())

	cfg.PersistWait = 5 * time.Millisecond
	assert.Equal(t, 5*time.Millisecond, cfg.settleWait())

	def := DefaultRoomConfig()
	assert.LessOrEqual(t, def.settleWait(), def.TickInterval())
}

func TestRoomGameOverWithinOneTickWhenStoreIsSlow(t *testing.T) {
	cfg := DefaultRoomConfig()
	store := newFakeStore()
	store.delay = time.Second
	f := newRoomFixture(t, cfg, store, 11, 22)
	f.start(t)

	began := time.Now()
	f.room.RemovePlayer("p2")
	select {
	case <-f.room.Done():
	case <-time.After(time.Second):
		t.Fatal("GAME_OVER held back by the store")
	}
	elapsed := time.Since(began)
	assert.Less(t, elapsed, 10*cfg.TickInterval(), "GAME_OVER took %s", elapsed)

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	assert.Equal(t, ReasonDisconnect, over.Reason)
	assert.Empty(t, over.EloChanges)
}

func TestRoomDoubleKnockoutIsDraw(t *testing.T) {
	store := newFakeStore()
	f := newRoomFixture(t, testRoomConfig(), store, 11, 22)
	f.start(t)
	placeForHit(f, AttackDamage)
	f.withFighter("p1", func(a *Fighter) { a.Health = AttackDamage })
	f.withFighter("p2", func(b *Fighter) { b.FacingRight = false })

	require.True(t, f.room.HandleInput("p1", InputPacket{Seq: 1, Inputs: InputFlags{Attack: true}}))
	require.True(t, f.room.HandleInput("p2", InputPacket{Seq: 1, Inputs: InputFlags{Attack: true}}))
	for i := 0; i < AttackFrames && f.room.State() == StateInProgress; i++ {
		f.room.update()
	}
	require.Equal(t, StateFinished, f.room.State())
	<-f.room.Done()

	_, won := f.room.Winner()
	assert.False(t, won)

	var over GameOverMsg
	require.True(t, f.c1.last(t, MsgGameOver, &over))
	assert.Nil(t, over.Winner)
	assert.Equal(t, ReasonKO, over.Reason)
	assert.Equal(t, map[string]int{"player1Health": 0, "player2Health": 0}, over.FinalScores)
	assert.Equal(t, map[string]int{"p1": 0, "p2": 0}, over.EloChanges)

	var su StateUpdateMsg
	require.True(t, f.c2.last(t, MsgStateUpdate, &su))
	assert.Len(t, su.Events, 2, "both swings land on the same tick")

	applied, records := store.snapshot()
	require.Len(t, applied, 2)
	assert.Equal(t, ResultDraw, applied[0].outcome.Result)
	assert.Equal(t, ResultDraw, applied[1].outcome.Result)
	assert.False(t, applied[0].outcome.KO)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Winner)
}

// brokenConn panics when handed a state snapshot
type brokenConn struct {
	mockBroadcaster
}

func (b *brokenConn) SendJSON(msg interface{}) {
	data, _ := json.Marshal(msg)
	b.SendRaw(data)
}

func (b *brokenConn) SendRaw(data []byte) {
	var env InEnvelope
	json.Unmarshal(data, &env)
	if env.Type == MsgStateUpdate {
		panic("write on torn connection")
	}
	b.mockBroadcaster.SendRaw(data)
}

func TestRoomPanickingTickAbortsOnlyThatMatch(t *testing.T) {
	store := newFakeStore()
	room := NewGameRoom("PANICS", "p1", testRoomConfig(), RoomDeps{Store: store})
	t.Cleanup(room.Close)
	bad, good := &brokenConn{}, &mockBroadcaster{}
	require.NoError(t, room.AddPlayer("p1", "Alice", 11, bad))
	require.NoError(t, room.AddPlayer("p2", "Bob", 22, good))
	require.NoError(t, room.SetReady("p1"))
	require.NoError(t, room.SetReady("p2"))

	sibling := newRoomFixture(t, testRoomConfig(), nil)
	sibling.start(t)

	assert.NotPanics(t, room.update)
	assert.Equal(t, StateFinished, room.State())
	select {
	case <-room.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("GAME_OVER never sent")
	}

	var over GameOverMsg
	require.True(t, good.last(t, MsgGameOver, &over))
	assert.Nil(t, over.Winner)
	assert.Equal(t, ReasonAborted, over.Reason)
	assert.Empty(t, over.EloChanges)
	assert.Equal(t, 1, bad.count(MsgGameOver))

	applied, records := store.snapshot()
	assert.Empty(t, applied, "aborted matches are unrated")
	assert.Empty(t, records)

	before := sibling.c1.count(MsgStateUpdate)
	sibling.room.update()
	sibling.room.update()
	assert.Equal(t, StateInProgress, sibling.room.State())
	assert.GreaterOrEqual(t, sibling.c1.count(MsgStateUpdate), before+2)
}
