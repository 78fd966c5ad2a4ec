package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

const uniqueViolation = "23505"

// Store is the Postgres implementation of app.Store. Conditional writes are
// UPDATE statements whose WHERE clause carries the precondition; the affected
// row count tells whether they committed. Question state writes lock the row
// before checking it.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ app.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, session domain.Session, questions []domain.Question) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO sessions (id, join_code, mc_credential_hash, status, current_question_index, allow_negative_points, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			session.ID, session.JoinCode, session.MCCredentialHash, string(session.Status),
			session.CurrentQuestionIndex, session.AllowNegativePoints, session.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrJoinCodeTaken
			}
			return fmt.Errorf("insert session: %w", err)
		}

		return insertQuestions(ctx, tx, session.ID, questions)
	})
}

// insertQuestions adds questions with one IDLE state each.
func insertQuestions(ctx context.Context, tx pgx.Tx, sessionID string, questions []domain.Question) error {
	batch := &pgx.Batch{}
	for _, q := range questions {
		batch.Queue(`
			INSERT INTO questions (id, session_id, idx, text, answer, points, time_limit_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			q.ID, sessionID, q.Index, q.Text, q.Answer, q.Points, q.TimeLimit)
		batch.Queue(`INSERT INTO question_states (session_id, question_id) VALUES ($1, $2)`, sessionID, q.ID)
	}
	if batch.Len() == 0 {
		return nil
	}
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("insert questions: %w", err)
		}
	}
	return results.Close()
}

func (s *Store) ReplaceQuestions(ctx context.Context, sessionID string, questions []domain.Question) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// The row lock keeps the session in LOBBY until the swap commits.
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if status != string(domain.SessionLobby) {
			return domain.ErrSessionNotLobby
		}

		// Question states and lock-sets cascade.
		if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete questions: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE sessions SET current_question_index = 0 WHERE id = $1`, sessionID); err != nil {
			return fmt.Errorf("reset question index: %w", err)
		}
		return insertQuestions(ctx, tx, sessionID, questions)
	})
}

func (s *Store) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, sessionID))
}

func (s *Store) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	return s.scanSession(s.pool.QueryRow(ctx, sessionSelect+` WHERE join_code = $1`, code))
}

const sessionSelect = `
	SELECT id, join_code, mc_credential_hash, status, paused_from, current_question_index, allow_negative_points, created_at, finished_at
	FROM sessions`

func (s *Store) scanSession(row pgx.Row) (domain.Session, error) {
	var (
		session    domain.Session
		status     string
		pausedFrom string
	)
	err := row.Scan(&session.ID, &session.JoinCode, &session.MCCredentialHash, &status, &pausedFrom,
		&session.CurrentQuestionIndex, &session.AllowNegativePoints, &session.CreatedAt, &session.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	session.Status = domain.SessionStatus(status)
	session.PausedFrom = domain.SessionStatus(pausedFrom)
	return session, nil
}

func (s *Store) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, idx, text, answer, points, time_limit_seconds
		FROM questions WHERE session_id = $1 ORDER BY idx`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()

	questions := make([]domain.Question, 0)
	for rows.Next() {
		q := domain.Question{SessionID: sessionID}
		if err := rows.Scan(&q.ID, &q.Index, &q.Text, &q.Answer, &q.Points, &q.TimeLimit); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (s *Store) QuestionState(ctx context.Context, key domain.QuestionKey) (domain.QuestionState, error) {
	state := domain.QuestionState{SessionID: key.SessionID, QuestionID: key.QuestionID}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status, winner_id, opened_at, locked_at, resolved_at, version
		FROM question_states WHERE session_id = $1 AND question_id = $2`,
		key.SessionID, key.QuestionID,
	).Scan(&status, &state.Winner, &state.OpenedAt, &state.LockedAt, &state.ResolvedAt, &state.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuestionState{}, domain.ErrQuestionNotFound
	}
	if err != nil {
		return domain.QuestionState{}, fmt.Errorf("load question state: %w", err)
	}
	state.Status = domain.QuestionStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT player_id FROM locked_players
		WHERE session_id = $1 AND question_id = $2 ORDER BY seq`,
		key.SessionID, key.QuestionID)
	if err != nil {
		return domain.QuestionState{}, fmt.Errorf("load locked players: %w", err)
	}
	defer rows.Close()
	state.LockedPlayers = make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.QuestionState{}, fmt.Errorf("scan locked player: %w", err)
		}
		state.LockedPlayers = append(state.LockedPlayers, id)
	}
	return state, rows.Err()
}

const playerSelect = `
	SELECT id, session_id, name, credential_hash, score, connected, joined_at
	FROM players`

func (s *Store) Players(ctx context.Context, sessionID string) ([]domain.Player, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, playerSelect+` WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	defer rows.Close()

	players := make([]domain.Player, 0)
	for rows.Next() {
		player, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, rows.Err()
}

func (s *Store) Player(ctx context.Context, sessionID, playerID string) (domain.Player, error) {
	return scanPlayer(s.pool.QueryRow(ctx, playerSelect+` WHERE id = $1 AND session_id = $2`, playerID, sessionID))
}

func (s *Store) PlayerByCredential(ctx context.Context, credentialHash string) (domain.Player, error) {
	return scanPlayer(s.pool.QueryRow(ctx, playerSelect+` WHERE credential_hash = $1`, credentialHash))
}

func scanPlayer(row pgx.Row) (domain.Player, error) {
	var p domain.Player
	err := row.Scan(&p.ID, &p.SessionID, &p.Name, &p.CredentialHash, &p.Score, &p.Connected, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("load player: %w", err)
	}
	return p, nil
}

func (s *Store) AddPlayer(ctx context.Context, player domain.Player) error {
	// The insert only happens while the session is in LOBBY.
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO players (id, session_id, name, name_key, credential_hash, joined_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz
		FROM sessions WHERE id = $2 AND status = $7`,
		player.ID, player.SessionID, player.Name, domain.NameKey(player.Name), player.CredentialHash,
		player.JoinedAt, string(domain.SessionLobby))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "players_session_name_key" {
			return domain.ErrNameTaken
		}
		return fmt.Errorf("insert player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := s.sessionExists(ctx, player.SessionID); err != nil {
			return err
		}
		return domain.ErrSessionNotLobby
	}
	return nil
}

func (s *Store) SetPlayerConnected(ctx context.Context, sessionID, playerID string, connected bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE players SET connected = $3 WHERE id = $1 AND session_id = $2`,
		playerID, sessionID, connected)
	if err != nil {
		return fmt.Errorf("set player connected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPlayerNotFound
	}
	return nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) (int64, error) {
	statuses := make([]string, len(from))
	for i, status := range from {
		statuses[i] = string(status)
	}
	var finishedAt *time.Time
	if to == domain.SessionFinished {
		finishedAt = &at
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			paused_from = CASE
				WHEN $2::text <> 'PAUSED' THEN ''
				WHEN status <> 'PAUSED' THEN status
				ELSE paused_from
			END,
			status      = $2::text,
			finished_at = COALESCE($3, finished_at)
		WHERE id = $1 AND status = ANY($4)`,
		sessionID, string(to), finishedAt, statuses)
	if err != nil {
		return 0, fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, s.sessionExists(ctx, sessionID)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AdvanceQuestion(ctx context.Context, sessionID string, from, to int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET current_question_index = $3
		WHERE id = $1 AND current_question_index = $2
		  AND EXISTS (SELECT 1 FROM questions WHERE session_id = $1 AND idx = $3)`,
		sessionID, from, to)
	if err != nil {
		return 0, fmt.Errorf("advance question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, s.sessionExists(ctx, sessionID)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CompareAndSwapQuestionState(ctx context.Context, key domain.QuestionKey, t app.QuestionTransition) (app.SwapResult, error) {
	winner := ""
	if t.Status == domain.QuestionLocked {
		winner = t.Winner
	}
	var result app.SwapResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Lock the row first. The UPDATE below then runs with a snapshot taken
		// after any judgment that held the row committed, so its lock-set check
		// sees players locked by that judgment.
		var current int64
		err := tx.QueryRow(ctx, `
			SELECT version FROM question_states
			WHERE session_id = $1 AND question_id = $2
			FOR UPDATE`,
			key.SessionID, key.QuestionID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrQuestionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock question state: %w", err)
		}

		err = tx.QueryRow(ctx, `
			UPDATE question_states SET
				status      = $3,
				winner_id   = $4,
				opened_at   = CASE WHEN $3 = 'OPEN' THEN $6 ELSE opened_at END,
				locked_at   = CASE WHEN $3 = 'LOCKED' THEN $6 ELSE locked_at END,
				resolved_at = CASE WHEN $3 = 'RESOLVED' THEN $6 ELSE resolved_at END,
				version     = version + 1
			WHERE session_id = $1 AND question_id = $2
			  AND status = $5
			  AND ($7 = '' OR winner_id = $7)
			  AND ($3 <> 'LOCKED' OR ($4 <> '' AND NOT EXISTS (
				SELECT 1 FROM locked_players lp
				WHERE lp.session_id = $1 AND lp.question_id = $2 AND lp.player_id = $4)))
			RETURNING version`,
			key.SessionID, key.QuestionID, string(t.Status), winner, string(t.Expect), t.At, t.ExpectWinner,
		).Scan(&result.Version)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("swap question state: %w", err)
		}
		result.Affected = 1

		if t.LockPlayer != "" {
			if _, err := tx.Exec(ctx, `
				INSERT INTO locked_players (session_id, question_id, player_id)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				key.SessionID, key.QuestionID, t.LockPlayer); err != nil {
				return fmt.Errorf("lock player: %w", err)
			}
		}
		if t.ScorePlayer != "" && t.ScoreDelta != 0 {
			tag, err := tx.Exec(ctx, `UPDATE players SET score = score + $3 WHERE id = $1 AND session_id = $2`,
				t.ScorePlayer, key.SessionID, t.ScoreDelta)
			if err != nil {
				return fmt.Errorf("update score: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return domain.ErrPlayerNotFound
			}
		}
		return nil
	})
	if err != nil {
		return app.SwapResult{}, err
	}
	return result, nil
}

func (s *Store) UnlockPlayer(ctx context.Context, key domain.QuestionKey, playerID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM locked_players WHERE session_id = $1 AND question_id = $2 AND player_id = $3`,
		key.SessionID, key.QuestionID, playerID)
	if err != nil {
		return 0, fmt.Errorf("unlock player: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.QuestionState(ctx, key); err != nil {
			return 0, err
		}
	}
	return tag.RowsAffected(), nil
}

func (s *Store) AppendBuzzEvent(ctx context.Context, event domain.BuzzEvent) error {
	var clientTS *time.Time
	if !event.ClientTimestamp.IsZero() {
		clientTS = &event.ClientTimestamp
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO buzz_events (id, session_id, question_id, player_id, client_timestamp, server_timestamp, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.SessionID, event.QuestionID, event.PlayerID, clientTS, event.ServerTimestamp, string(event.Outcome))
	if err != nil {
		return fmt.Errorf("append buzz event: %w", err)
	}
	return nil
}

func (s *Store) BuzzEvents(ctx context.Context, sessionID string) ([]domain.BuzzEvent, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, question_id, player_id, client_timestamp, server_timestamp, outcome
		FROM buzz_events WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load buzz events: %w", err)
	}
	defer rows.Close()

	events := make([]domain.BuzzEvent, 0)
	for rows.Next() {
		ev := domain.BuzzEvent{SessionID: sessionID}
		var (
			clientTS *time.Time
			outcome  string
		)
		if err := rows.Scan(&ev.ID, &ev.QuestionID, &ev.PlayerID, &clientTS, &ev.ServerTimestamp, &outcome); err != nil {
			return nil, fmt.Errorf("scan buzz event: %w", err)
		}
		if clientTS != nil {
			ev.ClientTimestamp = *clientTS
		}
		ev.Outcome = domain.BuzzOutcome(outcome)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) sessionExists(ctx context.Context, sessionID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
