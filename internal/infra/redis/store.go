package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

// Store keeps session state in Redis so that several service instances can
// arbitrate buzzes for the same session. Layout:
//
//	buzzer:session:{id}            HASH  session record
//	buzzer:session:{id}:questions  STRING JSON question list
//	buzzer:session:{id}:players    LIST  player IDs in join order
//	buzzer:session:{id}:names      HASH  lowercased name -> player ID
//	buzzer:session:{id}:buzzes     LIST  JSON buzz events
//	buzzer:code:{code}             STRING session ID
//	buzzer:player:{id}             HASH  player record
//	buzzer:token:{hash}            STRING player ID
//	buzzer:qs:{sid}:{qid}          HASH  question state
//	buzzer:qs:{sid}:{qid}:locked   SET   locked player IDs
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore returns a Store; a positive ttl expires every key of a session
// that long after it was written.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

var _ app.Store = (*Store)(nil)

func (s *Store) CreateSession(ctx context.Context, session domain.Session, questions []domain.Question) error {
	ok, err := s.client.SetNX(ctx, codeKey(session.JoinCode), session.ID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve join code: %w", err)
	}
	if !ok {
		return domain.ErrJoinCodeTaken
	}

	qs := make([]domain.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	encoded, err := json.Marshal(qs)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(session.ID), sessionFields(session))
		pipe.Set(ctx, questionsKey(session.ID), encoded, s.ttl)
		for _, q := range qs {
			key := stateKey(domain.QuestionKey{SessionID: session.ID, QuestionID: q.ID})
			pipe.HSet(ctx, key, "status", string(domain.QuestionIdle), "winner", "", "version", 0)
			s.expire(ctx, pipe, key)
		}
		s.expire(ctx, pipe, sessionKey(session.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return parseSession(fields)
}

func (s *Store) SessionByCode(ctx context.Context, code string) (domain.Session, error) {
	id, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve join code: %w", err)
	}
	return s.Session(ctx, id)
}

func (s *Store) Questions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	raw, err := s.client.Get(ctx, questionsKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	var questions []domain.Question
	if err := json.Unmarshal(raw, &questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}
	for i := range questions {
		questions[i].SessionID = sessionID
	}
	return questions, nil
}

func (s *Store) QuestionState(ctx context.Context, key domain.QuestionKey) (domain.QuestionState, error) {
	var (
		fields *redis.MapStringStringCmd
		locked *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, stateKey(key))
		locked = pipe.SMembers(ctx, lockKey(key))
		return nil
	})
	if err != nil {
		return domain.QuestionState{}, fmt.Errorf("load question state: %w", err)
	}
	if len(fields.Val()) == 0 {
		return domain.QuestionState{}, domain.ErrQuestionNotFound
	}
	return parseState(key, fields.Val(), locked.Val())
}

func (s *Store) Players(ctx context.Context, sessionID string) ([]domain.Player, error) {
	exists, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrSessionNotFound
	}
	ids, err := s.client.LRange(ctx, rosterKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Player{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, playerKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load players: %w", err)
	}
	players := make([]domain.Player, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		player, err := parsePlayer(cmd.Val())
		if err != nil {
			return nil, err
		}
		players = append(players, player)
	}
	return players, nil
}

func (s *Store) Player(ctx context.Context, sessionID, playerID string) (domain.Player, error) {
	player, err := s.playerByID(ctx, playerID)
	if err != nil {
		return domain.Player{}, err
	}
	if player.SessionID != sessionID {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return player, nil
}

func (s *Store) PlayerByCredential(ctx context.Context, credentialHash string) (domain.Player, error) {
	id, err := s.client.Get(ctx, tokenKey(credentialHash)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	if err != nil {
		return domain.Player{}, fmt.Errorf("resolve credential: %w", err)
	}
	return s.playerByID(ctx, id)
}

func (s *Store) AddPlayer(ctx context.Context, player domain.Player) error {
	keys := []string{
		sessionKey(player.SessionID),
		namesKey(player.SessionID),
		playerKey(player.ID),
		rosterKey(player.SessionID),
		tokenKey(player.CredentialHash),
	}
	res, err := addPlayer.Run(ctx, s.client, keys,
		domain.NameKey(player.Name),
		player.ID,
		player.SessionID,
		player.Name,
		player.CredentialHash,
		formatTime(player.JoinedAt),
		s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("add player: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrNameTaken
	case -1:
		return domain.ErrSessionNotLobby
	default:
		return domain.ErrSessionNotFound
	}
}

func (s *Store) SetPlayerConnected(ctx context.Context, sessionID, playerID string, connected bool) error {
	owner, err := s.client.HGet(ctx, playerKey(playerID), "sessionId").Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != sessionID) {
		return domain.ErrPlayerNotFound
	}
	if err != nil {
		return fmt.Errorf("load player: %w", err)
	}
	if err := s.client.HSet(ctx, playerKey(playerID), "connected", formatBool(connected)).Err(); err != nil {
		return fmt.Errorf("set player connected: %w", err)
	}
	return nil
}

func (s *Store) ReplaceQuestions(ctx context.Context, sessionID string, questions []domain.Question) error {
	old, err := s.Questions(ctx, sessionID)
	if err != nil {
		return err
	}
	qs := make([]domain.Question, len(questions))
	copy(qs, questions)
	sort.Slice(qs, func(i, j int) bool { return qs[i].Index < qs[j].Index })
	encoded, err := json.Marshal(qs)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}

	keys := make([]string, 0, 2+len(qs)+2*len(old))
	keys = append(keys, sessionKey(sessionID), questionsKey(sessionID))
	for _, q := range qs {
		keys = append(keys, stateKey(domain.QuestionKey{SessionID: sessionID, QuestionID: q.ID}))
	}
	for _, q := range old {
		key := domain.QuestionKey{SessionID: sessionID, QuestionID: q.ID}
		keys = append(keys, stateKey(key), lockKey(key))
	}
	res, err := replaceQuestions.Run(ctx, s.client, keys, encoded, s.ttl.Milliseconds(), len(qs)).Int64()
	if err != nil {
		return fmt.Errorf("replace questions: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return domain.ErrSessionNotLobby
	default:
		return domain.ErrSessionNotFound
	}
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, from []domain.SessionStatus, to domain.SessionStatus, at time.Time) (int64, error) {
	finishedAt := ""
	if to == domain.SessionFinished {
		finishedAt = formatTime(at)
	}
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to), finishedAt)
	for _, status := range from {
		args = append(args, string(status))
	}
	res, err := updateSessionStatus.Run(ctx, s.client, []string{sessionKey(sessionID)}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("update session status: %w", err)
	}
	if res < 0 {
		return 0, domain.ErrSessionNotFound
	}
	return res, nil
}

func (s *Store) AdvanceQuestion(ctx context.Context, sessionID string, from, to int) (int64, error) {
	questions, err := s.Questions(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	res, err := advanceQuestion.Run(ctx, s.client, []string{sessionKey(sessionID)}, from, to, len(questions)).Int64()
	if err != nil {
		return 0, fmt.Errorf("advance question: %w", err)
	}
	if res < 0 {
		return 0, domain.ErrSessionNotFound
	}
	return res, nil
}

func (s *Store) CompareAndSwapQuestionState(ctx context.Context, key domain.QuestionKey, t app.QuestionTransition) (app.SwapResult, error) {
	winner := ""
	if t.Status == domain.QuestionLocked {
		winner = t.Winner
	}
	stampField := ""
	switch t.Status {
	case domain.QuestionOpen:
		stampField = "openedAt"
	case domain.QuestionLocked:
		stampField = "lockedAt"
	case domain.QuestionResolved:
		stampField = "resolvedAt"
	}
	delta := 0
	scored := t.ScorePlayer
	if scored != "" {
		delta = t.ScoreDelta
	} else {
		scored = "-"
	}

	keys := []string{stateKey(key), lockKey(key), playerKey(scored)}
	res, err := casQuestionState.Run(ctx, s.client, keys,
		string(t.Expect),
		t.ExpectWinner,
		string(t.Status),
		winner,
		t.LockPlayer,
		stampField,
		formatTime(t.At),
		strconv.Itoa(delta),
		key.SessionID,
	).Int64()
	if err != nil {
		return app.SwapResult{}, fmt.Errorf("swap question state: %w", err)
	}
	switch {
	case res > 0:
		return app.SwapResult{Affected: 1, Version: res}, nil
	case res == -1:
		return app.SwapResult{}, domain.ErrQuestionNotFound
	case res == -2:
		return app.SwapResult{}, domain.ErrPlayerNotFound
	}
	return app.SwapResult{}, nil
}

func (s *Store) UnlockPlayer(ctx context.Context, key domain.QuestionKey, playerID string) (int64, error) {
	exists, err := s.client.Exists(ctx, stateKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("load question state: %w", err)
	}
	if exists == 0 {
		return 0, domain.ErrQuestionNotFound
	}
	n, err := s.client.SRem(ctx, lockKey(key), playerID).Result()
	if err != nil {
		return 0, fmt.Errorf("unlock player: %w", err)
	}
	return n, nil
}

func (s *Store) AppendBuzzEvent(ctx context.Context, event domain.BuzzEvent) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode buzz event: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, buzzesKey(event.SessionID), encoded)
		s.expire(ctx, pipe, buzzesKey(event.SessionID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("append buzz event: %w", err)
	}
	return nil
}

func (s *Store) BuzzEvents(ctx context.Context, sessionID string) ([]domain.BuzzEvent, error) {
	exists, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if exists == 0 {
		return nil, domain.ErrSessionNotFound
	}
	raw, err := s.client.LRange(ctx, buzzesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load buzz events: %w", err)
	}
	events := make([]domain.BuzzEvent, 0, len(raw))
	for _, item := range raw {
		var ev domain.BuzzEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("decode buzz event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) playerByID(ctx context.Context, playerID string) (domain.Player, error) {
	fields, err := s.client.HGetAll(ctx, playerKey(playerID)).Result()
	if err != nil {
		return domain.Player{}, fmt.Errorf("load player: %w", err)
	}
	if len(fields) == 0 {
		return domain.Player{}, domain.ErrPlayerNotFound
	}
	return parsePlayer(fields)
}

func (s *Store) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
}
