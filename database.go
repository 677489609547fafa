package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	matchHistoryLimit = 50
	profileHistoryLen = 10
	xpPerLevel        = 100
)

// ErrUserNotFound is returned for an unknown account id
var ErrUserNotFound = errors.New("user not found")

// DB wraps the SQLite database connection
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// PlayerRow represents an account in the database
type PlayerRow struct {
	ID        int64
	Username  string
	PassHash  string
	IsGuest   bool
	CreatedAt time.Time
}

// HistoryEntry is one line of an account's match history
type HistoryEntry struct {
	Opponent  string      `json:"opponent"`
	Result    MatchResult `json:"result"`
	EloChange int         `json:"eloChange"`
	Date      time.Time   `json:"date"`
}

// Profile is the public view of an account
type Profile struct {
	ID           int64          `json:"id"`
	Username     string         `json:"username"`
	Level        int            `json:"level"`
	XP           int            `json:"xp"`
	Elo          int            `json:"elo"`
	PeakElo      int            `json:"peakElo"`
	Rank         string         `json:"rank"`
	Stats        PlayerStats    `json:"stats"`
	WinRate      int            `json:"winRate"`
	Guest        bool           `json:"guest"`
	MatchHistory []HistoryEntry `json:"matchHistory"`
}

// LeaderboardEntry represents one row in the leaderboard
type LeaderboardEntry struct {
	Position int    `json:"position"`
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Elo      int    `json:"elo"`
	Rank     string `json:"rank"`
	Level    int    `json:"level"`
	Wins     int    `json:"wins"`
	Losses   int    `json:"losses"`
	WinRate  int    `json:"winRate"`
}

// RankPosition is where one account stands on the leaderboard. Position and
// Percentile are nil for guest accounts.
type RankPosition struct {
	Position   *int   `json:"position"`
	Total      int    `json:"total"`
	Percentile *int   `json:"percentile"`
	Elo        int    `json:"elo"`
	Rank       string `json:"rank"`
	Verified   bool   `json:"verified"`
}

// RankCount is how many ranked accounts sit in one tier
type RankCount struct {
	Rank  string `json:"rank"`
	Count int    `json:"count"`
}

// StoredMatch is a row of the matches table with its snapshots decoded
type StoredMatch struct {
	ID          int64
	RoomCode    string
	Usernames   [2]string
	Winner      string
	Reason      EndReason
	Duration    float64 // seconds
	FinalHealth [2]int
	FinalStates []PlayerState
	CreatedAt   time.Time
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single writer avoids SQLITE_BUSY between the room settle goroutines
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, logger: logger.Named("db")}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		pass_hash TEXT NOT NULL DEFAULT '',
		is_guest INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_login DATETIME DEFAULT CURRENT_TIMESTAMP,
		level INTEGER NOT NULL DEFAULT 1,
		xp INTEGER NOT NULL DEFAULT 0,
		elo INTEGER NOT NULL DEFAULT 1000,
		peak_elo INTEGER NOT NULL DEFAULT 1000,
		rank TEXT NOT NULL DEFAULT 'Silver',
		wins INTEGER NOT NULL DEFAULT 0,
		losses INTEGER NOT NULL DEFAULT 0,
		draws INTEGER NOT NULL DEFAULT 0,
		total_matches INTEGER NOT NULL DEFAULT 0,
		kills INTEGER NOT NULL DEFAULT 0,
		deaths INTEGER NOT NULL DEFAULT 0,
		win_streak INTEGER NOT NULL DEFAULT 0,
		best_win_streak INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS match_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		opponent TEXT NOT NULL,
		result TEXT NOT NULL,
		elo_change INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS matches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_code TEXT NOT NULL,
		player1 TEXT NOT NULL,
		player2 TEXT NOT NULL,
		player1_id INTEGER,
		player2_id INTEGER,
		winner TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		duration REAL NOT NULL DEFAULT 0,
		player1_health INTEGER NOT NULL,
		player2_health INTEGER NOT NULL,
		final_states BLOB,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		player_id INTEGER,
		session_id TEXT,
		data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_elo ON users(elo DESC);
	CREATE INDEX IF NOT EXISTS idx_match_history_user ON match_history(user_id, id);
	CREATE INDEX IF NOT EXISTS idx_analytics_created ON analytics_events(created_at);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		db.logger.Error("migration failed", zap.Error(err))
	}
	return err
}

// GetSetting returns a stored setting, or "" if unset
func (db *DB) GetSetting(key string) string {
	var v string
	if err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&v); err != nil {
		return ""
	}
	return v
}

// SetSetting stores a setting, replacing any previous value
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// CreatePlayer creates a new password account (returns its ID)
func (db *DB) CreatePlayer(username, passHash string) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO users (username, pass_hash, rank) VALUES (?, ?, ?)",
		username, passHash, RankFromElo(DefaultElo),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateGuest creates a guest account; guests are rated but never ranked
func (db *DB) CreateGuest(username string) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO users (username, is_guest, rank) VALUES (?, 1, ?)",
		username, RankFromElo(DefaultElo),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPlayerByUsername returns an account by username, or nil
func (db *DB) GetPlayerByUsername(username string) (*PlayerRow, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, pass_hash, is_guest, created_at FROM users WHERE username = ?",
		username,
	)
	p := &PlayerRow{}
	err := row.Scan(&p.ID, &p.Username, &p.PassHash, &p.IsGuest, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// TouchLogin records a successful login
func (db *DB) TouchLogin(id int64) error {
	_, err := db.conn.Exec("UPDATE users SET last_login = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// UsernameExists checks if a username is taken
func (db *DB) UsernameExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	return count > 0, err
}

// LoadRating returns the rating and stats of an account
func (db *DB) LoadRating(ctx context.Context, userID int64) (Rating, error) {
	var r Rating
	var s = &r.Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT elo, rank, wins, losses, draws, total_matches, kills, deaths, win_streak, best_win_streak
		FROM users WHERE id = ?`, userID,
	).Scan(&r.Elo, &r.Rank, &s.Wins, &s.Losses, &s.Draws, &s.TotalMatches, &s.Kills, &s.Deaths, &s.WinStreak, &s.BestWinStreak)
	if err == sql.ErrNoRows {
		return Rating{}, fmt.Errorf("load rating %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return Rating{}, fmt.Errorf("load rating %d: %w", userID, err)
	}
	return r, nil
}

// AddXP adds gained to xp, levelling up every level*100 and carrying the remainder
func AddXP(level, xp, gained int) (int, int) {
	xp += gained
	for xp >= level*xpPerLevel {
		xp -= level * xpPerLevel
		level++
	}
	return level, xp
}

// ApplyMatchResult updates rating, stats, XP and history of one account in a
// single transaction.
func (db *DB) ApplyMatchResult(ctx context.Context, userID int64, out MatchOutcome) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply match result: %w", err)
	}
	defer tx.Rollback()

	var elo, peak, level, xp int
	var s PlayerStats
	err = tx.QueryRowContext(ctx, `
		SELECT elo, peak_elo, level, xp, wins, losses, draws, total_matches, kills, deaths, win_streak, best_win_streak
		FROM users WHERE id = ?`, userID,
	).Scan(&elo, &peak, &level, &xp, &s.Wins, &s.Losses, &s.Draws, &s.TotalMatches, &s.Kills, &s.Deaths, &s.WinStreak, &s.BestWinStreak)
	if err == sql.ErrNoRows {
		return fmt.Errorf("apply match result %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return fmt.Errorf("apply match result %d: %w", userID, err)
	}

	elo = max(0, elo+out.EloChange)
	peak = max(peak, elo)

	s.TotalMatches++
	gained := XPDraw
	switch out.Result {
	case ResultWin:
		s.Wins++
		s.WinStreak++
		s.BestWinStreak = max(s.BestWinStreak, s.WinStreak)
		gained = XPWin
		if out.KO {
			s.Kills++
		}
	case ResultLoss:
		s.Losses++
		s.WinStreak = 0
		gained = XPLoss
		if out.KO {
			s.Deaths++
		}
	default:
		s.Draws++
	}
	level, xp = AddXP(level, xp, gained)

	_, err = tx.ExecContext(ctx, `
		UPDATE users SET
			elo = ?, peak_elo = ?, rank = ?, level = ?, xp = ?,
			wins = ?, losses = ?, draws = ?, total_matches = ?,
			kills = ?, deaths = ?, win_streak = ?, best_win_streak = ?
		WHERE id = ?`,
		elo, peak, RankFromElo(elo), level, xp,
		s.Wins, s.Losses, s.Draws, s.TotalMatches,
		s.Kills, s.Deaths, s.WinStreak, s.BestWinStreak,
		userID,
	)
	if err != nil {
		return fmt.Errorf("update user %d: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO match_history (user_id, opponent, result, elo_change, created_at) VALUES (?, ?, ?, ?, ?)",
		userID, out.OpponentName, string(out.Result), out.EloChange, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert history %d: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM match_history WHERE user_id = ? AND id NOT IN (
			SELECT id FROM match_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)`, userID, userID, matchHistoryLimit,
	)
	if err != nil {
		return fmt.Errorf("trim history %d: %w", userID, err)
	}

	return tx.Commit()
}

// RecordMatch archives a finished match. Final snapshots are stored as msgpack.
func (db *DB) RecordMatch(ctx context.Context, rec MatchRecord) error {
	states, err := msgpack.Marshal(rec.FinalStates)
	if err != nil {
		return fmt.Errorf("encode final states: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO matches (room_code, player1, player2, player1_id, player2_id, winner, reason,
			duration, player1_health, player2_health, final_states, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RoomCode, rec.Usernames[0], rec.Usernames[1],
		nullID(rec.UserIDs[0]), nullID(rec.UserIDs[1]),
		rec.Winner, string(rec.Reason), rec.Duration.Seconds(),
		rec.FinalHealth[0], rec.FinalHealth[1], states, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record match %s: %w", rec.RoomCode, err)
	}
	return nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

// RecentMatches returns the newest archived matches
func (db *DB) RecentMatches(ctx context.Context, limit int) ([]StoredMatch, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, room_code, player1, player2, winner, reason, duration,
			player1_health, player2_health, final_states, created_at
		FROM matches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StoredMatch
	for rows.Next() {
		var m StoredMatch
		var reason string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.RoomCode, &m.Usernames[0], &m.Usernames[1], &m.Winner, &reason,
			&m.Duration, &m.FinalHealth[0], &m.FinalHealth[1], &blob, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Reason = EndReason(reason)
		if len(blob) > 0 {
			if err := msgpack.Unmarshal(blob, &m.FinalStates); err != nil {
				return nil, fmt.Errorf("decode match %d: %w", m.ID, err)
			}
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

// GetProfile returns the public profile of an account with its newest matches
func (db *DB) GetProfile(ctx context.Context, userID int64) (*Profile, error) {
	p := &Profile{ID: userID}
	s := &p.Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT username, is_guest, level, xp, elo, peak_elo, rank,
			wins, losses, draws, total_matches, kills, deaths, win_streak, best_win_streak
		FROM users WHERE id = ?`, userID,
	).Scan(&p.Username, &p.Guest, &p.Level, &p.XP, &p.Elo, &p.PeakElo, &p.Rank,
		&s.Wins, &s.Losses, &s.Draws, &s.TotalMatches, &s.Kills, &s.Deaths, &s.WinStreak, &s.BestWinStreak)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	p.WinRate = winRate(s.Wins, s.Losses)

	p.MatchHistory, err = db.GetMatchHistory(ctx, userID, profileHistoryLen)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetMatchHistory returns an account's newest history entries
func (db *DB) GetMatchHistory(ctx context.Context, userID int64, limit int) ([]HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT opponent, result, elo_change, created_at FROM match_history
		WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		var res string
		if err := rows.Scan(&h.Opponent, &res, &h.EloChange, &h.Date); err != nil {
			return nil, err
		}
		h.Result = MatchResult(res)
		result = append(result, h)
	}
	return result, rows.Err()
}

func winRate(wins, losses int) int {
	if wins+losses == 0 {
		return 0
	}
	return int(math.Round(float64(wins) / float64(wins+losses) * 100))
}

// GetLeaderboard returns one page of non-guest accounts ordered by elo, and
// the total number of ranked accounts.
func (db *DB) GetLeaderboard(ctx context.Context, page, limit int) ([]LeaderboardEntry, int, error) {
	offset := (page - 1) * limit

	var total int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE is_guest = 0").Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, username, elo, level, wins, losses FROM users
		WHERE is_guest = 0
		ORDER BY elo DESC, id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	result := []LeaderboardEntry{}
	pos := offset + 1
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.ID, &e.Username, &e.Elo, &e.Level, &e.Wins, &e.Losses); err != nil {
			return nil, 0, err
		}
		e.Position = pos
		e.Rank = RankFromElo(e.Elo)
		e.WinRate = winRate(e.Wins, e.Losses)
		pos++
		result = append(result, e)
	}
	return result, total, rows.Err()
}

// GetRankPosition returns where an account stands among ranked accounts
func (db *DB) GetRankPosition(ctx context.Context, userID int64) (*RankPosition, error) {
	var elo int
	var guest bool
	err := db.conn.QueryRowContext(ctx, "SELECT elo, is_guest FROM users WHERE id = ?", userID).Scan(&elo, &guest)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	rp := &RankPosition{Elo: elo, Rank: RankFromElo(elo), Verified: !guest}
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE is_guest = 0").Scan(&rp.Total); err != nil {
		return nil, err
	}
	if guest {
		return rp, nil
	}

	var above int
	if err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE is_guest = 0 AND elo > ?", elo,
	).Scan(&above); err != nil {
		return nil, err
	}
	pos := above + 1
	pct := int(math.Round((1 - float64(pos)/float64(rp.Total)) * 100))
	rp.Position = &pos
	rp.Percentile = &pct
	return rp, nil
}

// RankDistribution counts ranked accounts per tier, lowest tier first. Empty
// tiers are included.
func (db *DB) RankDistribution(ctx context.Context) ([]RankCount, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT elo, COUNT(*) FROM users WHERE is_guest = 0 GROUP BY elo")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int, len(rankThresholds))
	for rows.Next() {
		var elo, n int
		if err := rows.Scan(&elo, &n); err != nil {
			return nil, err
		}
		counts[RankFromElo(elo)] += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]RankCount, 0, len(rankThresholds))
	for i := len(rankThresholds) - 1; i >= 0; i-- {
		name := rankThresholds[i].Name
		result = append(result, RankCount{Rank: name, Count: counts[name]})
	}
	return result, nil
}

// SeasonResetAll pulls every account's rating halfway back toward the
// baseline. Returns the number of accounts changed.
func (db *DB) SeasonResetAll(ctx context.Context) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT id, elo FROM users")
	if err != nil {
		return 0, err
	}
	type reset struct {
		id  int64
		elo int
	}
	var resets []reset
	for rows.Next() {
		var r reset
		if err := rows.Scan(&r.id, &r.elo); err != nil {
			rows.Close()
			return 0, err
		}
		if next := SeasonReset(r.elo); next != r.elo {
			resets = append(resets, reset{id: r.id, elo: next})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, r := range resets {
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET elo = ?, rank = ?, win_streak = 0 WHERE id = ?",
			r.elo, RankFromElo(r.elo), r.id,
		); err != nil {
			return 0, fmt.Errorf("season reset %d: %w", r.id, err)
		}
	}
	return len(resets), tx.Commit()
}
