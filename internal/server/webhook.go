package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/familyledger/core/internal/orchestrator"
	"github.com/familyledger/core/internal/store"
)

// WebhookDecoder extracts the inbound (channel_user_id, text,
// attachments) from one channel's raw webhook payload. Per
// SPEC_FULL.md §4.16 the actual decryption/parsing of a given
// messenger's envelope is out of scope (interface-only) — each
// concrete decoder is supplied by the deployment, not this package.
type WebhookDecoder interface {
	Decode(ctx context.Context, body []byte) (channelUserID, text string, attachments []orchestrator.Attachment, err error)
}

// jsonWebhookDecoder is the default decoder used for any channel with
// no registered WebhookDecoder: it expects the plain
// {channel_user_id, text, attachments} shape spec.md §6 describes as
// the payload's common denominator once a channel-specific envelope
// has already been unwrapped upstream.
type jsonWebhookDecoder struct{}

func (jsonWebhookDecoder) Decode(_ context.Context, body []byte) (string, string, []orchestrator.Attachment, error) {
	var payload struct {
		ChannelUserID string              `json:"channel_user_id"`
		Text          string              `json:"text"`
		Attachments   []attachmentRequest `json:"attachments"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", "", nil, err
	}
	if payload.ChannelUserID == "" {
		return "", "", nil, errors.New("webhook: missing channel_user_id")
	}
	return payload.ChannelUserID, payload.Text, toOrchestratorAttachments(payload.Attachments), nil
}

// handleWebhook verifies the payload's HMAC-SHA256 signature against
// SIGNING_SECRET, decodes it with the channel's registered decoder,
// resolves (or creates) the bound principal, and hands the message to
// the orchestrator exactly as POST /message does.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxContentBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "could not read body"})
		return
	}
	if len(body) > MaxContentBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "payload too large"})
		return
	}

	if s.signingSecret != "" && !validSignature(s.signingSecret, body, r.Header.Get("X-Signature")) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid webhook signature"})
		return
	}

	decoder, ok := s.webhooks[channel]
	if !ok {
		decoder = jsonWebhookDecoder{}
	}
	channelUserID, text, attachments, err := decoder.Decode(r.Context(), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid webhook payload: " + err.Error()})
		return
	}

	principalID, err := s.resolvePrincipal(r.Context(), channel, channelUserID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not resolve principal"})
		return
	}

	traceID := uuid.NewString()
	reply := s.orch.Process(r.Context(), text, principalID, orchestrator.MessageContext{
		Channel:     channel,
		TraceID:     traceID,
		Attachments: attachments,
	})

	writeJSON(w, http.StatusOK, messageResponse{Response: reply, TraceID: traceID})
}

// resolvePrincipal binds an inbound (channel, channel_user_id) to a
// stable principal id, creating the binding on first contact — spec.md
// §3's "same key always maps to the same id across processes" extended
// to channel identities rather than direct user keys.
func (s *Server) resolvePrincipal(ctx context.Context, channel, channelUserID string) (string, error) {
	principalID, err := s.principals.ResolveChannelBinding(ctx, channel, channelUserID)
	if err == nil {
		return principalID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	principalID, err = s.principals.EnsurePrincipal(ctx, channel+":"+channelUserID)
	if err != nil {
		return "", err
	}
	if err := s.principals.BindChannel(ctx, principalID, channel, channelUserID, true); err != nil {
		return "", err
	}
	return principalID, nil
}

func validSignature(secret string, body []byte, signatureHeader string) bool {
	if signatureHeader == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}
