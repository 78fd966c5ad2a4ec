package domain

import (
	"sort"
	"strings"
	"time"
)

// SessionStatus is the lifecycle status of a trivia session.
type SessionStatus string

const (
	SessionLobby    SessionStatus = "LOBBY"
	SessionRunning  SessionStatus = "RUNNING"
	SessionPaused   SessionStatus = "PAUSED"
	SessionFinished SessionStatus = "FINISHED"
)

// QuestionStatus is the arbitration status of a single question.
type QuestionStatus string

const (
	QuestionIdle     QuestionStatus = "IDLE"
	QuestionOpen     QuestionStatus = "OPEN"
	QuestionLocked   QuestionStatus = "LOCKED"
	QuestionResolved QuestionStatus = "RESOLVED"
)

// BuzzOutcome is the server-assigned result of a buzz attempt.
type BuzzOutcome string

const (
	BuzzWinner          BuzzOutcome = "WINNER"
	BuzzTooLate         BuzzOutcome = "TOO_LATE"
	BuzzRejectedNotOpen BuzzOutcome = "REJECTED_NOT_OPEN"
	BuzzRejectedLocked  BuzzOutcome = "REJECTED_LOCKED"
)

// Role identifies what a connection is allowed to do in a session.
type Role string

const (
	RoleMC     Role = "mc"
	RolePlayer Role = "player"
	RoleScreen Role = "screen"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleMC, RolePlayer, RoleScreen:
		return true
	}
	return false
}

// Verdict is the MC's judgment of a locked buzz.
type Verdict string

const (
	VerdictCorrect   Verdict = "CORRECT"
	VerdictIncorrect Verdict = "INCORRECT"
)

// IncorrectPenalty is deducted on a wrong answer when negative scoring is enabled.
const IncorrectPenalty = 1

// DefaultPoints applies to questions created without a point value.
const DefaultPoints = 1

// Session is one running trivia game.
type Session struct {
	ID                   string
	JoinCode             string
	MCCredentialHash     string
	Status               SessionStatus
	CurrentQuestionIndex int
	AllowNegativePoints  bool
	CreatedAt            time.Time
	FinishedAt           *time.Time
	// PausedFrom is the status a PAUSED session returns to on resume.
	PausedFrom SessionStatus
}

// Question belongs to exactly one session. Answer is never exposed to players.
type Question struct {
	ID        string `json:"id"`
	SessionID string `json:"-"`
	Index     int    `json:"index"`
	Text      string `json:"text"`
	Answer    string `json:"answer,omitempty"`
	Points    int    `json:"points"`
	// TimeLimit is in seconds.
	TimeLimit *int `json:"timeLimit,omitempty"`
}

// QuestionKey addresses the QuestionState of one question within one session.
type QuestionKey struct {
	SessionID  string
	QuestionID string
}

// QuestionState is the arbitration record of one question.
// Winner is set iff Status is LOCKED.
type QuestionState struct {
	SessionID     string
	QuestionID    string
	Status        QuestionStatus
	Winner        string
	LockedPlayers []string
	OpenedAt      *time.Time
	LockedAt      *time.Time
	ResolvedAt    *time.Time
	Version       int64
}

// Key returns the store key of the state.
func (s QuestionState) Key() QuestionKey {
	return QuestionKey{SessionID: s.SessionID, QuestionID: s.QuestionID}
}

// IsPlayerLocked reports whether playerID is excluded from buzzing on this question.
func (s QuestionState) IsPlayerLocked(playerID string) bool {
	for _, id := range s.LockedPlayers {
		if id == playerID {
			return true
		}
	}
	return false
}

// Player is a participant of a session.
type Player struct {
	ID             string
	SessionID      string
	Name           string
	CredentialHash string
	Score          int
	Connected      bool
	JoinedAt       time.Time
}

// NameKey is the case-insensitive uniqueness key of a display name.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// BuzzEvent is the append-only audit record of one buzz attempt.
type BuzzEvent struct {
	ID              string      `json:"id"`
	SessionID       string      `json:"sessionId"`
	QuestionID      string      `json:"questionId"`
	PlayerID        string      `json:"playerId"`
	ClientTimestamp time.Time   `json:"clientTimestamp"`
	ServerTimestamp time.Time   `json:"serverTimestamp"`
	Outcome         BuzzOutcome `json:"outcome"`
}

// ScoreEntry is a scoreboard row.
type ScoreEntry struct {
	PlayerID  string `json:"playerId"`
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Connected bool   `json:"connected"`
}

// Scoreboard orders players by score descending, then by join order, then by name.
func Scoreboard(players []Player) []ScoreEntry {
	sorted := make([]Player, len(players))
	copy(sorted, players)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].JoinedAt.Equal(sorted[j].JoinedAt) {
			return sorted[i].JoinedAt.Before(sorted[j].JoinedAt)
		}
		return sorted[i].Name < sorted[j].Name
	})

	entries := make([]ScoreEntry, 0, len(sorted))
	for _, p := range sorted {
		entries = append(entries, ScoreEntry{
			PlayerID:  p.ID,
			Name:      p.Name,
			Score:     p.Score,
			Connected: p.Connected,
		})
	}
	return entries
}
