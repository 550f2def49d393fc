package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/familyledger/core/internal/orchestrator"
)

// messageRequest is spec.md §6's POST /message body.
type messageRequest struct {
	Content     string              `json:"content"`
	UserID      string              `json:"user_id"`
	ThreadID    string              `json:"thread_id"`
	Channel     string              `json:"channel"`
	Attachments []attachmentRequest `json:"attachments"`
}

type attachmentRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type messageResponse struct {
	Response  string `json:"response"`
	TraceID   string `json:"trace_id"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	traceID := uuid.NewString()

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxContentBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{
			Response: "I couldn't read your message.", TraceID: traceID, ElapsedMs: elapsedMs(start),
		})
		return
	}
	if len(body) > MaxContentBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, messageResponse{
			Response:  "That message is too long for me to process — could you shorten it?",
			TraceID:   traceID,
			ElapsedMs: elapsedMs(start),
		})
		return
	}

	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{
			Response: "I couldn't understand that request.", TraceID: traceID, ElapsedMs: elapsedMs(start),
		})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, messageResponse{
			Response: "A user_id is required.", TraceID: traceID, ElapsedMs: elapsedMs(start),
		})
		return
	}
	if len(req.Content) > MaxContentBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, messageResponse{
			Response:  "That message is too long for me to process — could you shorten it?",
			TraceID:   traceID,
			ElapsedMs: elapsedMs(start),
		})
		return
	}

	msgCtx := orchestrator.MessageContext{
		Channel:     req.Channel,
		ThreadID:    req.ThreadID,
		TraceID:     traceID,
		Attachments: toOrchestratorAttachments(req.Attachments),
	}

	reply := s.orch.Process(r.Context(), req.Content, req.UserID, msgCtx)

	writeJSON(w, http.StatusOK, messageResponse{
		Response:  reply,
		TraceID:   traceID,
		ElapsedMs: elapsedMs(start),
	})
}

func toOrchestratorAttachments(in []attachmentRequest) []orchestrator.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]orchestrator.Attachment, len(in))
	for i, a := range in {
		out[i] = orchestrator.Attachment{Kind: a.Kind, Text: a.Text}
	}
	return out
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
