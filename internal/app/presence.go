package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trivia-buzzer-service/internal/domain"
)

// Connection is the per-connection context of a live client: which session it
// is attached to and in which role. It is owned by the Registry and looked up
// by connection ID.
type Connection struct {
	ID         string
	SessionID  string
	JoinCode   string
	Role       domain.Role
	PlayerID   string
	PlayerName string
	AttachedAt time.Time

	mcCredential string
}

// MCCredential returns the credential presented by an MC connection.
func (c Connection) MCCredential() string {
	return c.mcCredential
}

// AttachRequest identifies a client joining a session's live channel.
type AttachRequest struct {
	Code       string
	Credential string
	Role       domain.Role
}

// Registry tracks which players and MCs are attached to which session, and
// applies the consequences of a detach.
type Registry struct {
	engine *Engine
	log    zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewRegistry(engine *Engine, logger zerolog.Logger) *Registry {
	return &Registry{
		engine: engine,
		log:    logger,
		conns:  make(map[string]*Connection),
	}
}

// Attach authenticates a client and registers its connection. Screens need no
// credential; players present their player credential, the MC its MC credential.
func (r *Registry) Attach(ctx context.Context, req AttachRequest) (Connection, error) {
	if !req.Role.Valid() {
		return Connection{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidArgument, req.Role)
	}
	session, err := r.engine.SessionByCode(ctx, req.Code)
	if err != nil {
		return Connection{}, err
	}

	conn := &Connection{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		JoinCode:   session.JoinCode,
		Role:       req.Role,
		AttachedAt: r.engine.now(),
	}

	switch req.Role {
	case domain.RoleMC:
		if err := r.engine.AuthorizeMC(session, req.Credential); err != nil {
			return Connection{}, err
		}
		conn.mcCredential = req.Credential
	case domain.RolePlayer:
		player, err := r.playerFor(ctx, session, req.Credential)
		if err != nil {
			return Connection{}, err
		}
		if err := r.engine.store.SetPlayerConnected(ctx, session.ID, player.ID, true); err != nil {
			return Connection{}, fmt.Errorf("mark player connected: %w", err)
		}
		conn.PlayerID = player.ID
		conn.PlayerName = player.Name
		r.engine.broadcaster.Publish(domain.NewPlayerConnected(player))
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.log.Info().
		Str("conn_id", conn.ID).
		Str("session_id", conn.SessionID).
		Str("role", string(conn.Role)).
		Str("player_id", conn.PlayerID).
		Msg("connection attached")
	return *conn, nil
}

// Detach unregisters a connection. A player whose last connection goes away is
// marked disconnected, keeping score and lock state. When the last MC
// connection goes away the session is paused unless it is finished.
func (r *Registry) Detach(ctx context.Context, connID string) error {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	stillAttached := false
	for _, other := range r.conns {
		if other.SessionID != conn.SessionID || other.Role != conn.Role {
			continue
		}
		if conn.Role == domain.RoleMC || other.PlayerID == conn.PlayerID {
			stillAttached = true
			break
		}
	}
	r.mu.Unlock()

	r.log.Info().
		Str("conn_id", conn.ID).
		Str("session_id", conn.SessionID).
		Str("role", string(conn.Role)).
		Msg("connection detached")

	if stillAttached {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	switch conn.Role {
	case domain.RolePlayer:
		if err := r.engine.store.SetPlayerConnected(ctx, conn.SessionID, conn.PlayerID, false); err != nil {
			return fmt.Errorf("mark player disconnected: %w", err)
		}
		r.engine.broadcaster.Publish(domain.NewPlayerDisconnected(domain.Player{
			ID:        conn.PlayerID,
			SessionID: conn.SessionID,
			Name:      conn.PlayerName,
		}))
	case domain.RoleMC:
		return r.engine.PauseSession(ctx, conn.SessionID, pausedByMCMessage)
	}
	return nil
}

// Lookup returns the connection context for connID.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Connections lists the live connections of a session.
func (r *Registry) Connections(sessionID string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0)
	for _, conn := range r.conns {
		if conn.SessionID == sessionID {
			out = append(out, *conn)
		}
	}
	return out
}

func (r *Registry) playerFor(ctx context.Context, session domain.Session, credential string) (domain.Player, error) {
	if credential == "" {
		return domain.Player{}, domain.ErrInvalidCredential
	}
	player, err := r.engine.store.PlayerByCredential(ctx, HashCredential(credential))
	if err != nil {
		if errors.Is(err, domain.ErrPlayerNotFound) {
			return domain.Player{}, domain.ErrInvalidCredential
		}
		return domain.Player{}, err
	}
	if player.SessionID != session.ID {
		return domain.Player{}, domain.ErrInvalidCredential
	}
	return player, nil
}
