// Package api exposes the synchronous façade over the messaging core as HTTP
// endpoints. The handlers translate transport concerns only; every rule lives
// in chat.Service so the realtime path stays consistent with this one.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"parley/internal/chat"
)

// Handler carries the façade dependencies.
type Handler struct {
	log *slog.Logger
	svc *chat.Service
}

// NewHandler constructs the façade handler set.
func NewHandler(log *slog.Logger, svc *chat.Service) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc}
}

type createConversationRequest struct {
	Participants []string `json:"participants"`
	ProjectID    string   `json:"projectId,omitempty"`
}

// CreateOrGetConversation finds or creates the conversation for a participant set.
func (h *Handler) CreateOrGetConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	conv, err := h.svc.CreateOrGetConversation(r.Context(), UserID(r.Context()), req.Participants, req.ProjectID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ListConversations returns the requester's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.svc.ListConversations(r.Context(), UserID(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// GetConversation returns one conversation for a participant.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.svc.GetConversation(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation and its messages.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConversation(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListMessages pages a conversation's messages newest-first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)

	out, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "id"), page, pageSize, UserID(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	Type        string            `json:"type,omitempty"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ClientMsgID string            `json:"clientMsgId,omitempty"`
}

// SendMessage persists and fans out a message.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := h.svc.SendMessage(r.Context(), chat.SendMessageInput{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       UserID(r.Context()),
		Content:        req.Content,
		Type:           chat.MessageType(req.Type),
		Attachments:    req.Attachments,
		ClientMsgID:    req.ClientMsgID,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkConversationRead zeroes the requester's unread counter.
func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.MarkConversationRead(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// MarkMessageRead acknowledges a single message.
func (h *Handler) MarkMessageRead(w http.ResponseWriter, r *http.Request) {
	msg, err := h.svc.MarkMessageRead(r.Context(), chi.URLParam(r, "id"), UserID(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage removes a message (sender only).
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMessage(r.Context(), chi.URLParam(r, "id"), UserID(r.Context())); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---- helpers ----

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		jsonError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrForbidden):
		jsonError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, chat.ErrNotFound):
		jsonError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrStoreUnavailable):
		// Retryable: the caller must treat this as unknown outcome and re-query.
		jsonError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		h.log.Error("api.internal", "method", r.Method, "path", r.URL.Path, "err", err)
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
