// Package chatws serves chat turns over a WebSocket with a small JSON
// protocol.
//
// Client messages:
//
//	{"type":"turn","id":"c1","message":"고양이 그려줘","session_id":"...","images":["<base64>"],"selection":"<base64>"}
//	{"type":"ping"}
//
// Server messages are "accepted", "reply", "error" and "pong". Replies and
// errors carry the id of the turn they answer.
package chatws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/carat-studio/internal/identity"
	"github.com/ashureev/carat-studio/internal/orchestrator"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	defaultReadLimit = 16 << 20
	// turnQueueSize bounds accepted turns waiting behind the running one.
	turnQueueSize = 8
)

// TurnHandler runs one chat turn. orchestrator.Orchestrator implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn orchestrator.Turn) (orchestrator.Reply, error)
}

// Limiter throttles turns per user. api.RateLimiter implements it.
type Limiter interface {
	Allow(key string) bool
}

type clientMessage struct {
	Type        string   `json:"type"`
	ID          string   `json:"id,omitempty"`
	Message     string   `json:"message,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	SourceImage string   `json:"source_image,omitempty"`
	Images      [][]byte `json:"images,omitempty"`
	Selection   []byte   `json:"selection,omitempty"`
}

type serverMessage struct {
	Type  string              `json:"type"`
	ID    string              `json:"id,omitempty"`
	Reply *orchestrator.Reply `json:"reply,omitempty"`
	Error string              `json:"error,omitempty"`
}

// Handler upgrades /ws/chat requests.
type Handler struct {
	turns          TurnHandler
	limiter        Limiter
	allowedOrigins []string
	isDev          bool
	readLimit      int64
	logger         *slog.Logger
}

// NewHandler creates a Handler. limiter may be nil; readLimit <= 0 uses a
// 16 MiB default.
func NewHandler(turns TurnHandler, limiter Limiter, allowedOrigins []string, isDev bool, readLimit int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &Handler{
		turns:          turns,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		readLimit:      readLimit,
		logger:         logger,
	}
}

// conn is one client connection. The session id sticks to the connection
// once a reply names it.
type conn struct {
	ws        *websocket.Conn
	userID    string
	mu        sync.Mutex
	sessionID string
}

func (c *conn) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *conn) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(h.readLimit)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	c := &conn{ws: ws, userID: userID, sessionID: identity.SessionIDFromContext(r.Context())}
	h.logger.Info("chat websocket connected", "user_id", userID, "session_id", c.sessionID)

	// Turns on one connection run in arrival order so each sees the session
	// left by the previous one. A turn still running when the client leaves
	// is cancelled and awaited before the socket closes.
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	queue := make(chan clientMessage, turnQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.work(ctx, c, queue)
	}()

	h.readLoop(ctx, c, queue)
	close(queue)
	h.logger.Info("chat websocket closed", "user_id", userID)
}

// work runs queued turns one at a time. Turns left in the queue after the
// connection is cancelled are dropped.
func (h *Handler) work(ctx context.Context, c *conn, queue <-chan clientMessage) {
	for msg := range queue {
		if ctx.Err() != nil {
			continue
		}
		h.runTurn(ctx, c, msg)
	}
}

func (h *Handler) readLoop(ctx context.Context, c *conn, queue chan<- clientMessage) {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, c.ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				h.logger.Debug("websocket closed by client", "user_id", c.userID)
			} else {
				h.logger.Warn("websocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		switch msg.Type {
		case "ping":
			h.write(ctx, c, serverMessage{Type: "pong"})
		case "turn":
			if h.limiter != nil && !h.limiter.Allow(c.userID) {
				h.write(ctx, c, serverMessage{Type: "error", ID: msg.ID, Error: "too many requests, please slow down"})
				continue
			}
			h.write(ctx, c, serverMessage{Type: "accepted", ID: msg.ID})
			select {
			case queue <- msg:
			case <-ctx.Done():
				return
			}
		default:
			h.write(ctx, c, serverMessage{Type: "error", ID: msg.ID, Error: "unknown message type"})
		}
	}
}

func (h *Handler) runTurn(ctx context.Context, c *conn, msg clientMessage) {
	turn := orchestrator.Turn{
		UserID:      c.userID,
		SessionID:   identity.SanitizeSessionID(msg.SessionID),
		Text:        strings.TrimSpace(msg.Message),
		SourceImage: strings.TrimSpace(msg.SourceImage),
		Selection:   msg.Selection,
	}
	if turn.SessionID == "" {
		turn.SessionID = c.session()
	}
	for i, data := range msg.Images {
		turn.Images = append(turn.Images, orchestrator.Upload{Name: fmt.Sprintf("image-%d", i+1), Data: data})
	}

	reply, err := h.turns.HandleTurn(ctx, turn)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("websocket turn failed", "user_id", c.userID, "error", err)
		}
		h.write(ctx, c, serverMessage{Type: "error", ID: msg.ID, Error: errorMessage(err)})
		return
	}
	c.setSession(reply.Meta.SessionID)
	h.write(ctx, c, serverMessage{Type: "reply", ID: msg.ID, Reply: &reply})
}

func (h *Handler) write(ctx context.Context, c *conn, msg serverMessage) {
	if err := wsjson.Write(ctx, c.ws, msg); err != nil && ctx.Err() == nil {
		h.logger.Debug("websocket write failed", "error", err, "user_id", c.userID)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyTurn):
		return "message or image is required"
	case errors.Is(err, orchestrator.ErrUnsupportedUpload):
		return "only image uploads are supported"
	default:
		return "failed to process message"
	}
}
