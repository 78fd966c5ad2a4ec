package domain

import "time"

// QuestionStateView is the client-facing form of a QuestionState.
type QuestionStateView struct {
	QuestionID    string         `json:"questionId"`
	Status        QuestionStatus `json:"status"`
	WinnerID      string         `json:"winnerId,omitempty"`
	WinnerName    string         `json:"winnerName,omitempty"`
	LockedPlayers []string       `json:"lockedPlayers"`
	OpenedAt      *time.Time     `json:"openedAt,omitempty"`
	LockedAt      *time.Time     `json:"lockedAt,omitempty"`
	ResolvedAt    *time.Time     `json:"resolvedAt,omitempty"`
	Version       int64          `json:"version"`
}

// Snapshot is the full current state of a session, sent on (re)connect and
// after session status transitions.
type Snapshot struct {
	SessionID            string             `json:"sessionId"`
	JoinCode             string             `json:"code"`
	Status               SessionStatus      `json:"status"`
	AllowNegativePoints  bool               `json:"allowNegativePoints"`
	CurrentQuestionIndex int                `json:"currentQuestionIndex"`
	QuestionCount        int                `json:"questionCount"`
	CurrentQuestion      *Question          `json:"currentQuestion,omitempty"`
	QuestionState        *QuestionStateView `json:"questionState,omitempty"`
	Players              []ScoreEntry       `json:"players"`
	TakenAt              time.Time          `json:"takenAt"`
}

// Public strips the answer of the current question.
func (s Snapshot) Public() Snapshot {
	if s.CurrentQuestion != nil {
		q := s.CurrentQuestion.Public()
		s.CurrentQuestion = &q
	}
	return s
}

// NewQuestionStateView resolves the winner name against the roster.
func NewQuestionStateView(state QuestionState, players []Player) QuestionStateView {
	view := QuestionStateView{
		QuestionID:    state.QuestionID,
		Status:        state.Status,
		WinnerID:      state.Winner,
		LockedPlayers: append([]string{}, state.LockedPlayers...),
		OpenedAt:      state.OpenedAt,
		LockedAt:      state.LockedAt,
		ResolvedAt:    state.ResolvedAt,
		Version:       state.Version,
	}
	for _, p := range players {
		if p.ID == state.Winner {
			view.WinnerName = p.Name
			break
		}
	}
	return view
}
