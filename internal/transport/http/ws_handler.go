package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"trivia-buzzer-service/internal/app"
	"trivia-buzzer-service/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Inbound message types.
const (
	msgOpenBuzz     = "mc:open_buzz"
	msgBuzz         = "player:buzz"
	msgJudgeBuzz    = "mc:judge_buzz"
	msgNextQuestion = "mc:next_question"
	msgUnlockPlayer = "mc:unlock_player"
	msgResume       = "mc:resume"
	msgStateRequest = "state:request"
)

// WSConfig tunes per-connection behaviour.
type WSConfig struct {
	// RateLimit is the sustained number of inbound messages per second.
	RateLimit    float64
	RateBurst    int
	PingInterval time.Duration
}

type WSHandler struct {
	engine   *app.Engine
	registry *app.Registry
	cfg      WSConfig
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(engine *app.Engine, registry *app.Registry, cfg WSConfig, logger zerolog.Logger) *WSHandler {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	return &WSHandler{
		engine:   engine,
		registry: registry,
		cfg:      cfg,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type questionPayload struct {
	QuestionID string `json:"questionId"`
}

type buzzPayload struct {
	QuestionID string `json:"questionId"`
	// ClientTimestamp is milliseconds since the Unix epoch; audit only.
	ClientTimestamp int64 `json:"clientTimestamp"`
}

type judgePayload struct {
	QuestionID string `json:"questionId"`
	PlayerID   string `json:"playerId"`
	IsCorrect  bool   `json:"isCorrect"`
}

type unlockPayload struct {
	QuestionID string `json:"questionId"`
	PlayerID   string `json:"playerId"`
}

type nextQuestionResult struct {
	QuestionIndex int             `json:"questionIndex"`
	Question      domain.Question `json:"question"`
}

// ServeWS attaches a client to a session and pumps its events until either
// side goes away.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := app.AttachRequest{
		Code:       q.Get("code"),
		Role:       domain.Role(q.Get("role")),
		Credential: q.Get("token"),
	}
	client, err := h.registry.Attach(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), errorCode(err), clientMessage(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("conn_id", client.ID).Msg("ws upgrade failed")
		h.detach(r.Context(), client)
		return
	}
	defer conn.Close()

	sub := h.engine.Broadcaster().Subscribe(client.SessionID, client.Role)
	writerDone := make(chan struct{})
	go h.writeLoop(conn, sub, writerDone)

	h.sendSnapshot(r.Context(), client, sub)
	h.readLoop(r.Context(), conn, client, sub)

	sub.Close()
	<-writerDone
	h.detach(r.Context(), client)
}

func (h *WSHandler) writeLoop(conn *websocket.Conn, sub *app.Subscription, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Closed by the read loop or evicted by the broadcaster; either way
				// the connection is done.
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug().Err(err).Msg("ws write error")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client app.Connection, sub *app.Subscription) {
	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	limiter := rate.NewLimiter(rate.Limit(h.cfg.RateLimit), h.cfg.RateBurst)
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("conn_id", client.ID).Msg("ws read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if !limiter.Allow() {
			sub.Send(domain.NewError(inbound.Type, "RATE_LIMITED", "too many messages"))
			continue
		}
		h.dispatch(ctx, client, sub, inbound)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, client app.Connection, sub *app.Subscription, msg inboundMessage) {
	switch msg.Type {
	case msgOpenBuzz:
		var p questionPayload
		if !h.decode(sub, msg, &p) || !h.requireRole(sub, client, msg, domain.RoleMC) {
			return
		}
		_, err := h.engine.OpenQuestion(ctx, client.SessionID, client.MCCredential(), p.QuestionID)
		h.reply(sub, msg, p, err)

	case msgBuzz:
		var p buzzPayload
		if !h.decode(sub, msg, &p) || !h.requireRole(sub, client, msg, domain.RolePlayer) {
			return
		}
		var clientTS time.Time
		if p.ClientTimestamp > 0 {
			clientTS = time.UnixMilli(p.ClientTimestamp).UTC()
		}
		result, err := h.engine.AttemptBuzz(ctx, client.SessionID, p.QuestionID, client.PlayerID, clientTS)
		if reason, ok := domain.RejectionReason(err); ok {
			sub.Send(domain.NewBuzzRejected(client.SessionID, p.QuestionID, reason))
			return
		}
		h.reply(sub, msg, result, err)

	case msgJudgeBuzz:
		var p judgePayload
		if !h.decode(sub, msg, &p) || !h.requireRole(sub, client, msg, domain.RoleMC) {
			return
		}
		verdict := domain.VerdictIncorrect
		if p.IsCorrect {
			verdict = domain.VerdictCorrect
		}
		judgment, err := h.engine.Judge(ctx, app.JudgeRequest{
			SessionID:    client.SessionID,
			QuestionID:   p.QuestionID,
			PlayerID:     p.PlayerID,
			Verdict:      verdict,
			MCCredential: client.MCCredential(),
		})
		h.reply(sub, msg, judgment, err)

	case msgNextQuestion:
		if !h.requireRole(sub, client, msg, domain.RoleMC) {
			return
		}
		index, question, err := h.engine.NextQuestion(ctx, client.SessionID, client.MCCredential())
		h.reply(sub, msg, nextQuestionResult{QuestionIndex: index, Question: question}, err)

	case msgUnlockPlayer:
		var p unlockPayload
		if !h.decode(sub, msg, &p) || !h.requireRole(sub, client, msg, domain.RoleMC) {
			return
		}
		err := h.engine.UnlockPlayer(ctx, client.SessionID, client.MCCredential(), p.QuestionID, p.PlayerID)
		h.reply(sub, msg, domain.PlayerLock{QuestionID: p.QuestionID, PlayerID: p.PlayerID}, err)

	case msgResume:
		if !h.requireRole(sub, client, msg, domain.RoleMC) {
			return
		}
		_, err := h.engine.ResumeSession(ctx, client.SessionID, client.MCCredential())
		h.reply(sub, msg, nil, err)

	case msgStateRequest:
		h.sendSnapshot(ctx, client, sub)

	default:
		sub.Send(domain.NewError(msg.Type, "UNSUPPORTED", "unsupported message type"))
	}
}

// reply acknowledges a request or reports its failure, on the requester's
// queue so it stays ordered after the broadcast of its own transition.
func (h *WSHandler) reply(sub *app.Subscription, msg inboundMessage, result any, err error) {
	if err != nil {
		if statusFor(err) == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("request", msg.Type).Msg("ws request failed")
		}
		sub.Send(domain.NewError(msg.Type, errorCode(err), clientMessage(err)))
		return
	}
	sub.Send(domain.NewAck(msg.Type, result))
}

func (h *WSHandler) decode(sub *app.Subscription, msg inboundMessage, v any) bool {
	if len(msg.Payload) == 0 {
		msg.Payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		sub.Send(domain.NewError(msg.Type, "INVALID_ARGUMENT", "invalid payload"))
		return false
	}
	return true
}

func (h *WSHandler) requireRole(sub *app.Subscription, client app.Connection, msg inboundMessage, role domain.Role) bool {
	if client.Role != role {
		sub.Send(domain.NewError(msg.Type, "NOT_AUTHORIZED", "not allowed for role "+string(client.Role)))
		return false
	}
	return true
}

func (h *WSHandler) sendSnapshot(ctx context.Context, client app.Connection, sub *app.Subscription) {
	_, err := sub.SendFresh(func() (domain.Event, error) {
		snap, err := h.engine.Snapshot(ctx, client.SessionID)
		if err != nil {
			return domain.Event{}, err
		}
		return domain.NewSnapshotEvent(snap), nil
	})
	if err != nil {
		h.reply(sub, inboundMessage{Type: msgStateRequest}, nil, err)
	}
}

func (h *WSHandler) detach(ctx context.Context, client app.Connection) {
	if err := h.registry.Detach(ctx, client.ID); err != nil {
		h.log.Error().Err(err).Str("conn_id", client.ID).Msg("detach failed")
	}
}
