package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	jwtExpiry        = 7 * 24 * time.Hour // 7 days
	bcryptCost       = 12
	minPasswordLen   = 4
	minUsernameLen   = 2
	maxUsernameLen   = 20
	loginRateWindow  = 60 * time.Second
	maxLoginAttempts = 10
)

// Auth issues and verifies identity tokens for local accounts
type Auth struct {
	db        *DB
	jwtSecret []byte
	logger    *zap.Logger

	// Login attempts per IP
	rateMu  sync.Mutex
	limiter map[string]*rate.Limiter
}

// NewAuth creates a new Auth handler. An empty secret loads or generates one.
func NewAuth(db *DB, secret string, logger *zap.Logger) *Auth {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Auth{
		db:      db,
		logger:  logger.Named("auth"),
		limiter: make(map[string]*rate.Limiter),
	}
	if secret != "" {
		a.jwtSecret = []byte(secret)
	} else {
		a.jwtSecret = a.loadOrCreateSecret()
	}
	return a
}

// loadOrCreateSecret loads the JWT secret from the database, or generates
// and persists a new one if none exists.
func (a *Auth) loadOrCreateSecret() []byte {
	if a.db != nil {
		if h := a.db.GetSetting("jwt_secret"); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if a.db != nil {
		if err := a.db.SetSetting("jwt_secret", hex.EncodeToString(secret)); err != nil {
			a.logger.Warn("could not persist JWT secret", zap.Error(err))
		}
	}
	return secret
}

// Register creates a new account
func (a *Auth) Register(username, password string) (int64, string, error) {
	username = strings.TrimSpace(username)

	if n := len([]rune(username)); n < minUsernameLen || n > maxUsernameLen {
		return 0, "", fmt.Errorf("username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	if strings.ContainsAny(username, "<>") {
		return 0, "", fmt.Errorf("username contains invalid characters")
	}
	if len(password) < minPasswordLen {
		return 0, "", fmt.Errorf("password must be at least %d characters", minPasswordLen)
	}

	exists, err := a.db.UsernameExists(username)
	if err != nil {
		return 0, "", fmt.Errorf("database error")
	}
	if exists {
		return 0, "", fmt.Errorf("username already taken")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return 0, "", fmt.Errorf("internal error")
	}

	id, err := a.db.CreatePlayer(username, string(hash))
	if err != nil {
		a.logger.Error("create account failed", zap.String("username", username), zap.Error(err))
		return 0, "", fmt.Errorf("failed to create account")
	}

	token, err := a.generateToken(id, username)
	if err != nil {
		return 0, "", fmt.Errorf("internal error")
	}
	a.logger.Info("account registered", zap.Int64("user", id))
	return id, token, nil
}

// Login authenticates a user and returns a JWT
func (a *Auth) Login(username, password, ip string) (int64, string, error) {
	if !a.checkRate(ip) {
		return 0, "", fmt.Errorf("too many login attempts, try again later")
	}

	player, err := a.db.GetPlayerByUsername(strings.TrimSpace(username))
	if err != nil {
		return 0, "", fmt.Errorf("database error")
	}
	if player == nil || player.PassHash == "" {
		return 0, "", fmt.Errorf("invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(player.PassHash), []byte(password)); err != nil {
		return 0, "", fmt.Errorf("invalid username or password")
	}

	token, err := a.generateToken(player.ID, player.Username)
	if err != nil {
		return 0, "", fmt.Errorf("internal error")
	}
	if err := a.db.TouchLogin(player.ID); err != nil {
		a.logger.Warn("touch login failed", zap.Int64("user", player.ID), zap.Error(err))
	}
	return player.ID, token, nil
}

// Guest creates a throwaway account. Guests keep a rating but stay off the leaderboard.
func (a *Auth) Guest(username string) (int64, string, string, error) {
	name := SanitizeName(username, maxUsernameLen)
	if len([]rune(name)) < minUsernameLen {
		name = GenerateGuestName()
	}
	exists, err := a.db.UsernameExists(name)
	if err != nil {
		return 0, "", "", fmt.Errorf("database error")
	}
	if exists {
		name = GenerateGuestName()
	}

	id, err := a.db.CreateGuest(name)
	if err != nil {
		return 0, "", "", fmt.Errorf("failed to create guest")
	}
	token, err := a.generateToken(id, name)
	if err != nil {
		return 0, "", "", fmt.Errorf("internal error")
	}
	return id, name, token, nil
}

// ValidateToken validates a JWT and returns (userID, username, error)
func (a *Auth) ValidateToken(tokenStr string) (int64, string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return 0, "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, "", fmt.Errorf("invalid token")
	}

	uidFloat, ok := claims["uid"].(float64)
	if !ok {
		return 0, "", fmt.Errorf("invalid token claims")
	}
	username, ok := claims["usr"].(string)
	if !ok {
		return 0, "", fmt.Errorf("invalid token claims")
	}

	return int64(uidFloat), username, nil
}

func (a *Auth) generateToken(userID int64, username string) (string, error) {
	claims := jwt.MapClaims{
		"uid": userID,
		"usr": username,
		"exp": time.Now().Add(jwtExpiry).Unix(),
		"iat": time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// checkRate allows maxLoginAttempts per loginRateWindow per IP
func (a *Auth) checkRate(ip string) bool {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()

	l, ok := a.limiter[ip]
	if !ok {
		l = rate.NewLimiter(rate.Every(loginRateWindow/maxLoginAttempts), maxLoginAttempts)
		a.limiter[ip] = l
	}
	return l.Allow()
}

// PruneLimiters forgets IPs whose login budget has fully refilled
func (a *Auth) PruneLimiters() int {
	a.rateMu.Lock()
	defer a.rateMu.Unlock()
	n := 0
	for ip, l := range a.limiter {
		if l.Tokens() >= maxLoginAttempts {
			delete(a.limiter, ip)
			n++
		}
	}
	return n
}

// GenerateGuestName creates a unique guest name like "Guest_a3f2c1"
func GenerateGuestName() string {
	b := make([]byte, 3)
	rand.Read(b)
	return "Guest_" + hex.EncodeToString(b)
}
