package app

import (
	"context"
	"fmt"

	"trivia-buzzer-service/internal/domain"
)

// JudgeRequest is the MC's verdict on the current winner of a question.
type JudgeRequest struct {
	SessionID    string
	QuestionID   string
	PlayerID     string
	Verdict      domain.Verdict
	MCCredential string
}

// Judgment is the applied outcome of a verdict.
type Judgment struct {
	Verdict    domain.Verdict        `json:"verdict"`
	QuestionID string                `json:"questionId"`
	PlayerID   string                `json:"playerId"`
	Points     int                   `json:"points"`
	Penalty    int                   `json:"penalty"`
	Status     domain.QuestionStatus `json:"status"`
}

// Judge applies a verdict to a LOCKED question. Correct awards the question's
// points and resolves it; Incorrect locks the player out and reopens the
// question, deducting the penalty when negative scoring is enabled. The score
// change and the state change commit as one unit.
func (e *Engine) Judge(ctx context.Context, req JudgeRequest) (Judgment, error) {
	if req.QuestionID == "" || req.PlayerID == "" {
		return Judgment{}, fmt.Errorf("%w: question and player are required", domain.ErrInvalidArgument)
	}
	if req.Verdict != domain.VerdictCorrect && req.Verdict != domain.VerdictIncorrect {
		return Judgment{}, fmt.Errorf("%w: unknown verdict %q", domain.ErrInvalidArgument, req.Verdict)
	}
	session, err := e.runningSession(ctx, req.SessionID, req.MCCredential)
	if err != nil {
		return Judgment{}, err
	}
	question, err := e.findQuestion(ctx, session.ID, req.QuestionID)
	if err != nil {
		return Judgment{}, err
	}

	key := domain.QuestionKey{SessionID: session.ID, QuestionID: question.ID}
	state, err := e.store.QuestionState(ctx, key)
	if err != nil {
		return Judgment{}, err
	}
	if err := judgeGuard(state, req.PlayerID); err != nil {
		return Judgment{}, err
	}

	judgment := Judgment{Verdict: req.Verdict, QuestionID: question.ID, PlayerID: req.PlayerID}
	t := QuestionTransition{
		Expect:       domain.QuestionLocked,
		ExpectWinner: req.PlayerID,
		ScorePlayer:  req.PlayerID,
		At:           e.now(),
	}
	if req.Verdict == domain.VerdictCorrect {
		t.Status = domain.QuestionResolved
		t.ScoreDelta = question.Points
		judgment.Points = question.Points
	} else {
		t.Status = domain.QuestionOpen
		t.LockPlayer = req.PlayerID
		if session.AllowNegativePoints {
			t.ScoreDelta = -domain.IncorrectPenalty
			judgment.Penalty = domain.IncorrectPenalty
		}
	}
	judgment.Status = t.Status

	// Past this point the request can no longer be cancelled.
	ctx = context.WithoutCancel(ctx)
	res, err := e.store.CompareAndSwapQuestionState(ctx, key, t)
	if err != nil {
		return Judgment{}, fmt.Errorf("apply judgment: %w", err)
	}
	if !res.Committed() {
		latest, err := e.store.QuestionState(ctx, key)
		if err != nil {
			return Judgment{}, err
		}
		if err := judgeGuard(latest, req.PlayerID); err != nil {
			return Judgment{}, err
		}
		return Judgment{}, domain.ErrStaleState
	}

	next, _ := t.Apply(state)
	next.Version = res.Version

	events := make([]domain.Event, 0, 4)
	if req.Verdict == domain.VerdictCorrect {
		events = append(events, domain.NewBuzzCorrect(next, req.PlayerID, judgment.Points))
	} else {
		events = append(events,
			domain.NewBuzzWrong(next, req.PlayerID, judgment.Penalty),
			domain.NewPlayerLocked(next, req.PlayerID),
			domain.NewQuestionReopened(next),
		)
	}
	if t.ScoreDelta != 0 {
		players, err := e.store.Players(ctx, session.ID)
		if err != nil {
			// The judgment is committed; clients recover the scores from the next snapshot.
			e.log.Error().Err(err).Str("session_id", session.ID).Msg("load scoreboard")
		} else {
			events = append(events, domain.NewScoreboardUpdated(next, players))
		}
	}
	e.broadcaster.Publish(events...)

	e.log.Info().
		Str("session_id", session.ID).
		Str("question_id", question.ID).
		Str("player_id", req.PlayerID).
		Str("verdict", string(req.Verdict)).
		Int("delta", t.ScoreDelta).
		Msg("buzz judged")
	return judgment, nil
}

func judgeGuard(state domain.QuestionState, playerID string) error {
	if state.Status != domain.QuestionLocked {
		return domain.ErrNoPendingJudgment
	}
	if state.Winner != playerID {
		return domain.ErrWinnerMismatch
	}
	return nil
}
