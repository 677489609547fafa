package main

import "math"

const (
	KFactor    = 32
	DefaultElo = 1000

	seasonBaseline   = 1000
	seasonResetRatio = 0.5
)

// XP rewards per match result
const (
	XPWin  = 50
	XPLoss = 20
	XPDraw = 30
)

// Rank tiers, lowest first
const (
	RankBronze   = "Bronze"
	RankSilver   = "Silver"
	RankGold     = "Gold"
	RankPlatinum = "Platinum"
	RankDiamond  = "Diamond"
	RankMaster   = "Master"
)

var rankThresholds = []struct {
	MinElo int
	Name   string
}{
	{3000, RankMaster},
	{2500, RankDiamond},
	{2000, RankPlatinum},
	{1500, RankGold},
	{1000, RankSilver},
	{0, RankBronze},
}

// EloChange is the result of one rating update. For a draw "winner" and
// "loser" just name the first and second argument.
type EloChange struct {
	WinnerNew    int `json:"winnerNew"`
	LoserNew     int `json:"loserNew"`
	WinnerChange int `json:"winnerChange"`
	LoserChange  int `json:"loserChange"`
}

// ExpectedScore is the logistic probability that playerElo beats opponentElo
func ExpectedScore(playerElo, opponentElo int) float64 {
	return 1 / (1 + math.Pow(10, float64(opponentElo-playerElo)/400))
}

// CalculateEloChange computes rating deltas for a finished match. It has no
// side effects.
func CalculateEloChange(winnerElo, loserElo int, isDraw bool) EloChange {
	expectedWin := ExpectedScore(winnerElo, loserElo)
	expectedLose := 1 - expectedWin

	winnerScore, loserScore := 1.0, 0.0
	if isDraw {
		winnerScore, loserScore = 0.5, 0.5
	}

	winnerChange := int(jsRound(KFactor * (winnerScore - expectedWin)))
	loserChange := int(jsRound(KFactor * (loserScore - expectedLose)))

	return EloChange{
		WinnerNew:    max(0, winnerElo+winnerChange),
		LoserNew:     max(0, loserElo+loserChange),
		WinnerChange: winnerChange,
		LoserChange:  loserChange,
	}
}

// RankFromElo maps a rating to its tier name
func RankFromElo(elo int) string {
	for _, t := range rankThresholds {
		if elo >= t.MinElo {
			return t.Name
		}
	}
	return RankBronze
}

// SeasonReset pulls a rating halfway back toward the baseline
func SeasonReset(elo int) int {
	return int(jsRound(seasonBaseline + float64(elo-seasonBaseline)*seasonResetRatio))
}
