package main

import (
	"context"
	"time"
)

// MatchResult is one player's view of a finished match
type MatchResult string

const (
	ResultWin  MatchResult = "win"
	ResultLoss MatchResult = "loss"
	ResultDraw MatchResult = "draw"
)

// PlayerStats are cumulative per-account counters
type PlayerStats struct {
	Wins          int `json:"wins"`
	Losses        int `json:"losses"`
	Draws         int `json:"draws"`
	TotalMatches  int `json:"totalMatches"`
	Kills         int `json:"kills"`
	Deaths        int `json:"deaths"`
	WinStreak     int `json:"winStreak"`
	BestWinStreak int `json:"bestWinStreak"`
}

// Rating is the persisted competitive state of an account
type Rating struct {
	Elo   int         `json:"elo"`
	Rank  string      `json:"rank"`
	Stats PlayerStats `json:"stats"`
}

// MatchOutcome is applied to one account after a match
type MatchOutcome struct {
	Result       MatchResult
	EloChange    int
	OpponentName string
	KO           bool // finished by knockout; counts a kill or death
}

// MatchRecord is the archived summary of a finished match
type MatchRecord struct {
	RoomCode    string
	Usernames   [2]string
	UserIDs     [2]int64
	Winner      string // username, empty for no winner
	Reason      EndReason
	Duration    time.Duration
	FinalHealth [2]int
	FinalStates []PlayerState
}

// RatingStore is the persistence collaborator the match core calls at match end.
// Failures are logged by the caller and never change the match outcome.
type RatingStore interface {
	LoadRating(ctx context.Context, userID int64) (Rating, error)
	ApplyMatchResult(ctx context.Context, userID int64, outcome MatchOutcome) error
	RecordMatch(ctx context.Context, rec MatchRecord) error
}

// EventTracker receives fire-and-forget analytics events
type EventTracker interface {
	Track(evtType string, playerID int64, sessionID string, data string)
}
