package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/familyledger/core/internal/analysis"
	"github.com/familyledger/core/internal/contextmgr"
	"github.com/familyledger/core/internal/experiment"
	"github.com/familyledger/core/internal/household"
	"github.com/familyledger/core/internal/orchestrator"
	"github.com/familyledger/core/internal/prompt"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/toolexec"
	"github.com/familyledger/core/internal/toolservice"
)

// fakeLLM answers every ChatJSON call with a fixed "no action needed"
// understanding and every ChatText call with a fixed reply — enough to
// drive the orchestrator through its happy path for ingress tests,
// which only care about the HTTP envelope.
type fakeLLM struct{}

func (fakeLLM) ChatJSON(ctx context.Context, system, user string, schema map[string]any) (map[string]any, error) {
	return map[string]any{
		"understanding": map[string]any{
			"intent": "chit chat", "entities": map[string]any{},
			"need_action": false, "need_clarification": false, "needs_deeper_analysis": false,
		},
		"context_requests": []any{}, "tool_plan": map[string]any{"steps": []any{}},
		"response_directives": map[string]any{"profile": "default"},
	}, nil
}

func (fakeLLM) ChatText(ctx context.Context, system, user string) (string, error) {
	return "hello there", nil
}

func (fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }

const testCatalogYAML = `
blocks:
  - name: sys
    text: "You are a family assistant."
variants:
  - name: default
    phases:
      system_blocks: [sys]
      understanding_blocks: [sys]
      tool_planning_blocks: [sys]
      response_blocks: [sys]
`

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(context.Background(), "file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	hhCache := household.NewCache(s, 0)
	ctxMgr := contextmgr.NewManager(s, hhCache, nil)
	analysisEng := analysis.NewEngine(fakeLLM{}, ctxMgr)
	reg := toolservice.BuildRegistry(s, true, t.TempDir(), "/media")
	toolExec, err := toolexec.NewExecutor(reg, nil, toolexec.DefaultConfig())
	require.NoError(t, err)

	experiments := experiment.NewManager()
	experiments.Register(experiment.Definition{
		ID:    orchestrator.PromptVariantExperimentID,
		Bands: []experiment.Band{{Variant: "default", Start: 0, End: 100}},
	})

	path := t.TempDir() + "/catalog.yaml"
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))
	catalog, err := prompt.LoadCatalog(path)
	require.NoError(t, err)
	assembler := prompt.NewAssembler(catalog, time.Minute)

	orch := orchestrator.New(fakeLLM{}, analysisEng, ctxMgr, toolExec, reg, assembler, experiments, s, nil, orchestrator.DefaultConfig())

	srv := New(Config{
		Orchestrator:  orch,
		Principals:    s,
		MediaRoot:     t.TempDir(),
		SigningSecret: "webhook-secret",
		Health:        map[string]HealthChecker{},
	})
	return srv, s
}

func TestHandleMessage_HappyPath(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	body, _ := json.Marshal(map[string]any{"content": "hi there", "user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp messageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Response)
	assert.NotEmpty(t, resp.TraceID)
}

func TestHandleMessage_MissingUserIDIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	body, _ := json.Marshal(map[string]any{"content": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleMessage_OverLongContentRejectedAtIngress(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	long := bytes.Repeat([]byte("a"), MaxContentBytes+1)
	body, _ := json.Marshal(map[string]any{"content": string(long), "user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	var resp messageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Response)
}

func TestHandleMessage_RequiresBearerTokenWhenAuthConfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.jwtValidator = NewJWTValidator("shh", "familyledger", "familyledger-clients")
	router := srv.Routes()

	body, _ := json.Marshal(map[string]any{"content": "hi", "user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleMessage_AcceptsValidBearerToken(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.jwtValidator = NewJWTValidator("shh", "familyledger", "familyledger-clients")
	router := srv.Routes()

	token := signTestJWT(t, "shh", "familyledger", "familyledger-clients", "u1")

	body, _ := json.Marshal(map[string]any{"content": "hi", "user_id": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleWebhook_ValidSignatureResolvesPrincipalAndReplies(t *testing.T) {
	srv, s := newTestServer(t)
	router := srv.Routes()

	payload, _ := json.Marshal(map[string]any{"channel_user_id": "abc123", "text": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/sms", bytes.NewReader(payload))
	req.Header.Set("X-Signature", sign(t, "webhook-secret", payload))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	principalID, err := s.ResolveChannelBinding(context.Background(), "sms", "abc123")
	require.NoError(t, err)
	assert.NotEmpty(t, principalID)
}

func TestHandleWebhook_InvalidSignatureRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	payload, _ := json.Marshal(map[string]any{"channel_user_id": "abc123", "text": "hi"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/sms", bytes.NewReader(payload))
	req.Header.Set("X-Signature", "not-the-right-signature")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleHealth_HealthyWhenAllCheckersPass(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.health = map[string]HealthChecker{
		"db": func(ctx context.Context) error { return nil },
	}
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Components["db"])
}

func TestHandleHealth_DegradedWhenACheckerFails(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.health = map[string]HealthChecker{
		"db":  func(ctx context.Context) error { return nil },
		"llm": func(ctx context.Context) error { return errors.New("timeout") },
	}
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unreachable", resp.Components["llm"])
}

func TestHandleMedia_RejectsNonUUIDIDs(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/media/../../etc/passwd", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func sign(t *testing.T, secret string, body []byte) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signTestJWT(t *testing.T, secret, issuer, audience, subject string) string {
	t.Helper()
	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, issuer))
	require.NoError(t, token.Set(jwt.AudienceKey, audience))
	require.NoError(t, token.Set(jwt.SubjectKey, subject))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}
