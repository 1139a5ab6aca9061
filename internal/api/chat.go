package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/carat-studio/internal/identity"
	"github.com/ashureev/carat-studio/internal/orchestrator"
)

var errBadRequest = errors.New("bad request")

// chatRequest is the JSON form of a turn. Multipart requests carry the same
// fields plus files.
type chatRequest struct {
	Message     string `json:"message"`
	SessionID   string `json:"session_id"`
	SourceImage string `json:"source_image"`
}

// HandleChat runs one turn and answers with the Reply as JSON.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.acceptTurn(w, r)
	if !ok {
		return
	}
	reply, err := h.turns.HandleTurn(r.Context(), turn)
	if err != nil {
		h.turnFailed(w, turn, err)
		return
	}
	JSON(w, http.StatusOK, reply)
}

// HandleChatStream runs one turn over SSE: an accepted event, ping
// keepalives while the turn runs, then message or error.
func (h *Handler) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	turn, ok := h.acceptTurn(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeSSEJSON(w, "accepted", map[string]string{"status": "accepted"}); err != nil {
		return
	}
	flusher.Flush()

	type result struct {
		reply orchestrator.Reply
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h.turns.HandleTurn(r.Context(), turn)
		done <- result{reply, err}
	}()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("chat stream closed by client", "user_id", turn.UserID)
			return
		case <-ticker.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		case res := <-done:
			if res.err != nil {
				status, msg := turnStatus(res.err)
				h.logTurnError(turn, status, res.err)
				_ = writeSSEJSON(w, "error", map[string]interface{}{"status": status, "error": msg})
			} else {
				_ = writeSSEJSON(w, "message", res.reply)
			}
			flusher.Flush()
			return
		}
	}
}

// acceptTurn authenticates, rate limits and parses a turn request. It writes
// the error response itself and reports false when the turn must not run.
func (h *Handler) acceptTurn(w http.ResponseWriter, r *http.Request) (orchestrator.Turn, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return orchestrator.Turn{}, false
	}
	if !h.limiter.Allow(userID) {
		h.logger.Warn("chat rate limited", "user_id", userID)
		Error(w, http.StatusTooManyRequests, "too many requests, please slow down")
		return orchestrator.Turn{}, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	turn, err := h.parseTurn(r)
	if err != nil {
		status, msg := turnStatus(err)
		Error(w, status, msg)
		return orchestrator.Turn{}, false
	}
	turn.UserID = userID
	if turn.SessionID == "" {
		turn.SessionID = identity.SessionIDFromContext(r.Context())
	}
	return turn, true
}

func (h *Handler) parseTurn(r *http.Request) (orchestrator.Turn, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return h.parseMultipartTurn(r)
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return orchestrator.Turn{}, err
		}
		return orchestrator.Turn{}, fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	return orchestrator.Turn{
		Text:        strings.TrimSpace(req.Message),
		SessionID:   identity.SanitizeSessionID(req.SessionID),
		SourceImage: strings.TrimSpace(req.SourceImage),
	}, nil
}

func (h *Handler) parseMultipartTurn(r *http.Request) (orchestrator.Turn, error) {
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return orchestrator.Turn{}, err
		}
		return orchestrator.Turn{}, fmt.Errorf("%w: invalid multipart body", errBadRequest)
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	turn := orchestrator.Turn{
		Text:        strings.TrimSpace(r.FormValue("message")),
		SessionID:   identity.SanitizeSessionID(r.FormValue("session_id")),
		SourceImage: strings.TrimSpace(r.FormValue("source_image")),
	}
	for _, fh := range r.MultipartForm.File["image"] {
		data, err := readPart(fh)
		if err != nil {
			return orchestrator.Turn{}, err
		}
		turn.Images = append(turn.Images, orchestrator.Upload{Name: fh.Filename, Data: data})
	}
	if files := r.MultipartForm.File["selection"]; len(files) > 0 {
		data, err := readPart(files[0])
		if err != nil {
			return orchestrator.Turn{}, err
		}
		turn.Selection = data
	}
	return turn, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable file %q", errBadRequest, fh.Filename)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable file %q", errBadRequest, fh.Filename)
	}
	return data, nil
}

func (h *Handler) turnFailed(w http.ResponseWriter, turn orchestrator.Turn, err error) {
	status, msg := turnStatus(err)
	h.logTurnError(turn, status, err)
	Error(w, status, msg)
}

func (h *Handler) logTurnError(turn orchestrator.Turn, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.logger.Error("chat turn failed", "user_id", turn.UserID, "session_id", turn.SessionID, "error", err)
		return
	}
	h.logger.Info("chat turn rejected", "user_id", turn.UserID, "status", status, "error", err)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEJSON(w io.Writer, event string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeSSE(w, event, string(data))
}
