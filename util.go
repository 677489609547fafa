package main

import (
	"crypto/rand"
	"math"
	"math/big"

	"github.com/google/uuid"
)

// roomCodeChars omits I, O, 0 and 1
const (
	roomCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLen   = 6
)

// NewPlayerID returns a fresh connection-scoped player id
func NewPlayerID() string {
	return uuid.NewString()
}

// GenerateRoomCode returns a random room code; uniqueness is the caller's job
func GenerateRoomCode() string {
	b := make([]byte, roomCodeLen)
	n := big.NewInt(int64(len(roomCodeChars)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = roomCodeChars[idx.Int64()]
	}
	return string(b)
}

// Clamp restricts v to [min, max]
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// jsRound rounds half up, so -2.5 becomes -2
func jsRound(v float64) float64 {
	return math.Floor(v + 0.5)
}
