package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const (
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 100
	qrSize                  = 256
)

// Server bundles what the HTTP handlers need. DB, Auth and Analytics may be
// nil, in which case their routes answer 503.
type Server struct {
	Hub       *Hub
	Lobby     *Lobby
	DB        *DB
	Auth      *Auth
	Analytics *Analytics
	Config    Config
	Logger    *zap.Logger

	upgrader websocket.Upgrader
}

// NewRouter builds the gin engine with every route registered
func NewRouter(s *Server) *gin.Engine {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if !s.Config.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.Logger.Named("http")))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{s.Config.CORSOrigin},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Origin"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/ws", s.handleWS)
	router.GET("/health", s.handleHealth)

	api := router.Group("/api")
	api.GET("/rooms", s.handleListRooms)
	api.GET("/rooms/:code", s.handleGetRoom)
	api.GET("/rooms/:code/qr", s.handleRoomQR)
	api.GET("/leaderboard", s.handleLeaderboard)
	api.GET("/leaderboard/rank/:userId", s.handleRankPosition)
	api.GET("/leaderboard/distribution", s.handleRankDistribution)
	api.GET("/matches/recent", s.handleRecentMatches)
	api.GET("/stats", s.handleStats)

	auth := api.Group("/auth")
	auth.POST("/register", s.handleRegister)
	auth.POST("/login", s.handleLogin)
	auth.POST("/guest", s.handleGuest)
	auth.GET("/me", s.handleMe)
	auth.GET("/profile/:id", s.handlePublicProfile)

	return router
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Non-browser clients don't send Origin
	}
	if origin == s.Config.CORSOrigin {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

func (s *Server) handleWS(c *gin.Context) {
	ip := c.ClientIP()
	if !s.Hub.CanAccept(ip) {
		c.String(http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Warn("upgrade error", zap.Error(err))
		return
	}

	s.Hub.TrackConnect(ip)
	client := NewClient(s.Hub, conn, ip)
	s.Hub.Register(client)
	client.SendJSON(ConnectedMsg{Type: MsgConnected, PlayerID: client.playerID})
	client.logger.Info("client connected", zap.String("ip", ip))

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"rooms":     s.Lobby.RoomCount(),
		"clients":   s.Hub.ClientCount(),
	})
}

func (s *Server) handleListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": s.Lobby.AvailableRooms()})
}

func (s *Server) handleGetRoom(c *gin.Context) {
	room := s.Lobby.GetRoom(c.Param("code"))
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrRoomNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

// handleRoomQR renders the room's join link as a PNG
func (s *Server) handleRoomQR(c *gin.Context) {
	room := s.Lobby.GetRoom(c.Param("code"))
	if room == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrRoomNotFound.Error()})
		return
	}
	png, err := qrcode.Encode(joinLink(s.Config.CORSOrigin, room.Code), qrcode.Medium, qrSize)
	if err != nil {
		s.Logger.Error("qr encode failed", zap.String("room", room.Code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render code"})
		return
	}
	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "image/png", png)
}

func joinLink(origin, code string) string {
	return strings.TrimRight(origin, "/") + "/?room=" + url.QueryEscape(code)
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}
	page := queryInt(c, "page", 1, 1, 1<<20)
	limit := queryInt(c, "limit", defaultLeaderboardLimit, 1, maxLeaderboardLimit)

	entries, total, err := s.DB.GetLeaderboard(c.Request.Context(), page, limit)
	if err != nil {
		s.Logger.Error("leaderboard query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch leaderboard"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"leaderboard": entries,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": (total + limit - 1) / limit,
		},
	})
}

func (s *Server) handleRankPosition(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	rp, err := s.DB.GetRankPosition(c.Request.Context(), id)
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return
	}
	if err != nil {
		s.Logger.Error("rank query failed", zap.Int64("user", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, rp)
}

func (s *Server) handleRankDistribution(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}
	dist, err := s.DB.RankDistribution(c.Request.Context())
	if err != nil {
		s.Logger.Error("distribution query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, dist)
}

func (s *Server) handleRecentMatches(c *gin.Context) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}
	matches, err := s.DB.RecentMatches(c.Request.Context(), queryInt(c, "limit", 20, 1, 100))
	if err != nil {
		s.Logger.Error("recent matches query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}

	out := make([]gin.H, 0, len(matches))
	for _, m := range matches {
		out = append(out, gin.H{
			"id":          m.ID,
			"roomCode":    m.RoomCode,
			"players":     m.Usernames,
			"winner":      m.Winner,
			"reason":      m.Reason,
			"duration":    m.Duration,
			"finalScores": gin.H{"player1Health": m.FinalHealth[0], "player2Health": m.FinalHealth[1]},
			"finalStates": m.FinalStates,
			"createdAt":   m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"matches": out})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.Analytics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analytics unavailable"})
		return
	}
	since := time.Now().AddDate(0, 0, -queryInt(c, "days", 7, 1, 365))
	events, err := s.Analytics.EventCounts(since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	matches, err := s.Analytics.MatchStats(since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "matches": matches})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(c *gin.Context) {
	if s.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth unavailable"})
		return
	}
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id, token, err := s.Auth.Register(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respondWithProfile(c, http.StatusCreated, id, token)
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth unavailable"})
		return
	}
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id, token, err := s.Auth.Login(req.Username, req.Password, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	s.respondWithProfile(c, http.StatusOK, id, token)
}

func (s *Server) handleGuest(c *gin.Context) {
	if s.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth unavailable"})
		return
	}
	var req struct {
		Username string `json:"username"`
	}
	_ = c.ShouldBindJSON(&req)
	id, _, token, err := s.Auth.Guest(req.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.respondWithProfile(c, http.StatusCreated, id, token)
}

func (s *Server) handleMe(c *gin.Context) {
	if s.Auth == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auth unavailable"})
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	id, _, err := s.Auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	profile, ok := s.lookupProfile(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": profile})
}

// handlePublicProfile serves any account's profile by numeric id
func (s *Server) handlePublicProfile(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	profile, ok := s.lookupProfile(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, profile)
}

// lookupProfile loads a profile or writes the error response itself
func (s *Server) lookupProfile(c *gin.Context, id int64) (*Profile, bool) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return nil, false
	}
	profile, err := s.DB.GetProfile(c.Request.Context(), id)
	if errors.Is(err, ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
		return nil, false
	}
	if err != nil {
		s.Logger.Error("profile query failed", zap.Int64("user", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return nil, false
	}
	return profile, true
}

func (s *Server) respondWithProfile(c *gin.Context, status int, id int64, token string) {
	if s.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}
	profile, err := s.DB.GetProfile(c.Request.Context(), id)
	if err != nil {
		s.Logger.Error("profile query failed", zap.Int64("user", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("account %d created but unreadable", id)})
		return
	}
	c.JSON(status, gin.H{"token": token, "user": profile})
}

// queryInt reads an integer query parameter clamped to [lo, hi]
func queryInt(c *gin.Context, key string, def, lo, hi int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return min(max(n, lo), hi)
}
