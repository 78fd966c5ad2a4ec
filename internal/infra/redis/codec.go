package redis

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"trivia-buzzer-service/internal/domain"
)

const keyPrefix = "buzzer:"

func sessionKey(id string) string   { return keyPrefix + "session:" + id }
func questionsKey(id string) string { return sessionKey(id) + ":questions" }
func rosterKey(id string) string    { return sessionKey(id) + ":players" }
func namesKey(id string) string     { return sessionKey(id) + ":names" }
func buzzesKey(id string) string    { return sessionKey(id) + ":buzzes" }
func codeKey(code string) string    { return keyPrefix + "code:" + code }
func playerKey(id string) string    { return keyPrefix + "player:" + id }
func tokenKey(hash string) string   { return keyPrefix + "token:" + hash }

func stateKey(key domain.QuestionKey) string {
	return keyPrefix + "qs:" + key.SessionID + ":" + key.QuestionID
}

func lockKey(key domain.QuestionKey) string { return stateKey(key) + ":locked" }

func sessionFields(s domain.Session) map[string]interface{} {
	fields := map[string]interface{}{
		"id":         s.ID,
		"code":       s.JoinCode,
		"mc":         s.MCCredentialHash,
		"status":     string(s.Status),
		"pausedFrom": string(s.PausedFrom),
		"index":      s.CurrentQuestionIndex,
		"negative":   formatBool(s.AllowNegativePoints),
		"createdAt":  formatTime(s.CreatedAt),
	}
	if s.FinishedAt != nil {
		fields["finishedAt"] = formatTime(*s.FinishedAt)
	}
	return fields
}

func parseSession(fields map[string]string) (domain.Session, error) {
	index, err := strconv.Atoi(fields["index"])
	if err != nil {
		return domain.Session{}, fmt.Errorf("decode session index: %w", err)
	}
	createdAt, err := parseTime(fields["createdAt"])
	if err != nil {
		return domain.Session{}, err
	}
	session := domain.Session{
		ID:                   fields["id"],
		JoinCode:             fields["code"],
		MCCredentialHash:     fields["mc"],
		Status:               domain.SessionStatus(fields["status"]),
		PausedFrom:           domain.SessionStatus(fields["pausedFrom"]),
		CurrentQuestionIndex: index,
		AllowNegativePoints:  fields["negative"] == "1",
	}
	if createdAt != nil {
		session.CreatedAt = *createdAt
	}
	session.FinishedAt, err = parseTime(fields["finishedAt"])
	if err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

func parsePlayer(fields map[string]string) (domain.Player, error) {
	score, err := strconv.Atoi(fields["score"])
	if err != nil {
		return domain.Player{}, fmt.Errorf("decode player score: %w", err)
	}
	joinedAt, err := parseTime(fields["joinedAt"])
	if err != nil {
		return domain.Player{}, err
	}
	player := domain.Player{
		ID:             fields["id"],
		SessionID:      fields["sessionId"],
		Name:           fields["name"],
		CredentialHash: fields["credential"],
		Score:          score,
		Connected:      fields["connected"] == "1",
	}
	if joinedAt != nil {
		player.JoinedAt = *joinedAt
	}
	return player, nil
}

func parseState(key domain.QuestionKey, fields map[string]string, locked []string) (domain.QuestionState, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return domain.QuestionState{}, fmt.Errorf("decode question state version: %w", err)
	}
	// Set members come back unordered.
	sort.Strings(locked)
	state := domain.QuestionState{
		SessionID:     key.SessionID,
		QuestionID:    key.QuestionID,
		Status:        domain.QuestionStatus(fields["status"]),
		Winner:        fields["winner"],
		LockedPlayers: locked,
		Version:       version,
	}
	if state.OpenedAt, err = parseTime(fields["openedAt"]); err != nil {
		return domain.QuestionState{}, err
	}
	if state.LockedAt, err = parseTime(fields["lockedAt"]); err != nil {
		return domain.QuestionState{}, err
	}
	if state.ResolvedAt, err = parseTime(fields["resolvedAt"]); err != nil {
		return domain.QuestionState{}, err
	}
	return state, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return &t, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
