package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"coachsync/cmd/internal/chatsync"
	"coachsync/cmd/internal/transport"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Max request body for the command endpoints.
const maxBodyBytes = 64 << 10

type engineAPI interface {
	Snapshot(ctx context.Context) (chatsync.Snapshot, error)
	Messages(ctx context.Context, k chatsync.Key) ([]chatsync.Message, bool, error)
	Typing(ctx context.Context, k chatsync.Key) ([]chatsync.TypingEntry, error)
	Apply(ctx context.Context, ev chatsync.Event) (chatsync.Outcome, error)
}

type upstreamAPI interface {
	Connected() bool
	SendDirectMessage(ctx context.Context, recipientID, content string) error
	SendGroupMessage(ctx context.Context, groupID, content string) error
	SendTyping(ctx context.Context, conversationID string, kind chatsync.Kind, isTyping bool) (bool, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

type httpDeps struct {
	engine   engineAPI
	upstream upstreamAPI

	dbPool    *pgxpool.Pool
	dbEnabled bool

	metrics http.Handler
	watch   http.Handler
}

type api struct {
	log      Logger
	engine   engineAPI
	upstream upstreamAPI
}

func registerHTTP(mux *http.ServeMux, log Logger, cfg Config, deps httpDeps) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !deps.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if deps.dbEnabled && deps.dbPool != nil {
			if err := PingDB(r.Context(), deps.dbPool, cfg.DBSchema, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if deps.upstream == nil || !deps.upstream.Connected() {
			http.Error(w, "upstream not connected", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	a := &api{log: log, engine: deps.engine, upstream: deps.upstream}

	mux.HandleFunc("GET /v1/snapshot", a.getSnapshot)
	mux.HandleFunc("GET /v1/conversations", a.listConversations)
	mux.HandleFunc("GET /v1/conversations/{kind}/{id}/messages", a.listMessages)
	mux.HandleFunc("GET /v1/conversations/{kind}/{id}/typing", a.listTyping)
	mux.HandleFunc("GET /v1/contacts", a.listContacts)

	mux.HandleFunc("PUT /v1/active", a.openConversation)
	mux.HandleFunc("DELETE /v1/active", a.closeConversation)

	mux.HandleFunc("POST /v1/messages", a.sendMessage)
	mux.HandleFunc("POST /v1/typing", a.sendTyping)
	mux.HandleFunc("POST /v1/read", a.markRead)

	if deps.metrics != nil {
		mux.Handle("GET /metrics", deps.metrics)
	}
	if deps.watch != nil {
		mux.Handle("GET /ws", deps.watch)
	}
}

// ---- read side ----

func (a *api) getSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.Snapshot(r.Context())
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type conversationsResponse struct {
	Version       uint64                  `json:"version"`
	UnreadTotal   int                     `json:"unread_total"`
	Active        *chatsync.Active        `json:"active,omitempty"`
	Conversations []chatsync.Conversation `json:"conversations"`
}

func (a *api) listConversations(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.Snapshot(r.Context())
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationsResponse{
		Version:       snap.Version,
		UnreadTotal:   snap.UnreadTotal,
		Active:        snap.Active,
		Conversations: snap.Conversations,
	})
}

// pathKey reads the {kind}/{id} conversation key from the route.
func pathKey(w http.ResponseWriter, r *http.Request) (chatsync.Key, bool) {
	kind, ok := chatsync.ParseKind(r.PathValue("kind"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be direct or group")
		return chatsync.Key{}, false
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid", "missing conversation id")
		return chatsync.Key{}, false
	}
	return chatsync.Key{Kind: kind, ID: id}, true
}

func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKey(w, r)
	if !ok {
		return
	}
	msgs, found, err := a.engine.Messages(r.Context(), k)
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "unknown conversation")
		return
	}
	if msgs == nil {
		msgs = []chatsync.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": k.ID, "kind": k.Kind, "messages": msgs})
}

func (a *api) listTyping(w http.ResponseWriter, r *http.Request) {
	k, ok := pathKey(w, r)
	if !ok {
		return
	}
	entries, err := a.engine.Typing(r.Context(), k)
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	if entries == nil {
		entries = []chatsync.TypingEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": k.ID, "kind": k.Kind, "typing": entries})
}

func (a *api) listContacts(w http.ResponseWriter, r *http.Request) {
	snap, err := a.engine.Snapshot(r.Context())
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	contacts := snap.Contacts
	if contacts == nil {
		contacts = []chatsync.Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": contacts})
}

// ---- active conversation gate ----

type activeRequest struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
}

func (a *api) openConversation(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, ok := chatsync.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be direct or group")
		return
	}

	out, err := a.engine.Apply(r.Context(), chatsync.OpenConversationEvent{ConversationID: req.ConversationID, Kind: kind})
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	if out.Err != nil {
		writeError(w, http.StatusBadRequest, chatsync.Reason(out.Err), out.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":  chatsync.Active{ConversationID: strings.TrimSpace(req.ConversationID), Kind: kind},
		"changed": out.Changed,
	})
}

func (a *api) closeConversation(w http.ResponseWriter, r *http.Request) {
	if _, err := a.engine.Apply(r.Context(), chatsync.CloseConversationEvent{}); err != nil {
		a.writeEngineErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- commands forwarded upstream ----

type sendMessageRequest struct {
	Kind    string `json:"kind"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// sendMessage never appends locally; the UI sees the message once upstream echoes it.
func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch kind, _ := chatsync.ParseKind(req.Kind); kind {
	case chatsync.KindDirect:
		err = a.upstream.SendDirectMessage(r.Context(), req.To, req.Content)
	case chatsync.KindGroup:
		err = a.upstream.SendGroupMessage(r.Context(), req.To, req.Content)
	default:
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be direct or group")
		return
	}
	if err != nil {
		a.writeUpstreamErr(w, "message.send", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

type typingRequest struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	IsTyping       bool   `json:"is_typing"`
}

func (a *api) sendTyping(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind, ok := chatsync.ParseKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be direct or group")
		return
	}

	sent, err := a.upstream.SendTyping(r.Context(), req.ConversationID, kind, req.IsTyping)
	if err != nil {
		a.writeUpstreamErr(w, "typing.send", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

type readRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

// markRead asks upstream first; once acknowledged the same read is applied locally.
func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := a.upstream.MarkRead(r.Context(), req.ConversationID, req.MessageIDs); err != nil {
		a.writeUpstreamErr(w, "message.mark_read", err)
		return
	}

	out, err := a.engine.Apply(r.Context(), chatsync.MessagesReadEvent{
		ConversationID: req.ConversationID,
		MessageIDs:     req.MessageIDs,
	})
	if err != nil {
		a.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": out.Changed})
}

// ---- encoding ----

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_json", "body must contain a single JSON object")
		return false
	}
	return true
}

func (a *api) writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatsync.ErrEngineStopped):
		writeError(w, http.StatusServiceUnavailable, "engine_stopped", "engine is not running")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		a.log.Error("http.engine.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (a *api) writeUpstreamErr(w http.ResponseWriter, op string, err error) {
	var re transport.RequestError
	switch {
	case errors.Is(err, transport.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, transport.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", err.Error())
	case errors.Is(err, transport.ErrRequestTimeout):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
	case errors.As(err, &re):
		writeError(w, http.StatusBadGateway, orDefault(re.Code, "rejected"), err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "canceled", err.Error())
	default:
		a.log.Warn("http.upstream.fail", "op", op, "err", err)
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
	}
}
