package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"replydesk/internal/middleware"
	"replydesk/internal/models"
	"replydesk/internal/repository/memory"
	"replydesk/internal/scheduler"
	"replydesk/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProcessor struct {
	mu       sync.Mutex
	payloads []*webhook.Payload
	ctxErr   error
	// release, when set, holds processing until it is closed.
	release chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, payload *webhook.Payload) []webhook.Outcome {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	f.ctxErr = ctx.Err()
	return []webhook.Outcome{webhook.OutcomeIgnored}
}

func (f *fakeProcessor) processed() []*webhook.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*webhook.Payload(nil), f.payloads...)
}

type fakeQueue struct {
	requests []scheduler.SyncRequest
	err      error
}

func (f *fakeQueue) Enqueue(req scheduler.SyncRequest) error {
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func do(r http.Handler, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func webhookRouter(processor PayloadProcessor, appSecret string) (*gin.Engine, WebhookHandler) {
	gin.SetMode(gin.TestMode)
	h := NewWebhookHandler(processor, "verify-me", appSecret, zap.NewNop())
	r := gin.New()
	r.GET("/webhook", h.Verify)
	r.POST("/webhook", h.Receive)
	return r, h
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const dmPayload = `{"object":"instagram","entry":[{"id":"acct-1","messaging":[{"sender":{"id":"s1"},"recipient":{"id":"acct-1"},"message":{"mid":"m1","text":"hi"}}]}]}`

func TestWebhookVerify(t *testing.T) {
	r, _ := webhookRouter(&fakeProcessor{}, "")

	w := do(r, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "12345", w.Body.String())

	w = do(r, http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=12345", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookReceive_ProcessesAndAcknowledges(t *testing.T) {
	processor := &fakeProcessor{}
	r, h := webhookRouter(processor, "")

	w := do(r, http.MethodPost, "/webhook", dmPayload, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()

	payloads := processor.processed()
	require.Len(t, payloads, 1)
	payload := payloads[0]
	assert.Equal(t, "instagram", payload.Object)
	require.Len(t, payload.Entry, 1)
	require.Len(t, payload.Entry[0].Messaging, 1)
	assert.Equal(t, "m1", payload.Entry[0].Messaging[0].Message.MID)
	assert.NoError(t, processor.ctxErr)
}

func TestWebhookReceive_MalformedBodyIsAcknowledged(t *testing.T) {
	processor := &fakeProcessor{}
	r, h := webhookRouter(processor, "")
	w := do(r, http.MethodPost, "/webhook", "{not json", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()
	assert.Empty(t, processor.processed())
}

func TestWebhookReceive_AcknowledgesBeforeProcessing(t *testing.T) {
	processor := &fakeProcessor{release: make(chan struct{})}
	r, h := webhookRouter(processor, "")

	w := do(r, http.MethodPost, "/webhook", dmPayload, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "EVENT_RECEIVED", w.Body.String())
	assert.Empty(t, processor.processed())

	close(processor.release)
	h.Wait()
	assert.Len(t, processor.processed(), 1)
}

func TestWebhookReceive_Signature(t *testing.T) {
	processor := &fakeProcessor{}
	r, h := webhookRouter(processor, "app-secret")

	w := do(r, http.MethodPost, "/webhook", dmPayload, http.Header{
		"X-Hub-Signature-256": {sign("app-secret", dmPayload)},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	h.Wait()
	assert.Len(t, processor.processed(), 1)

	for name, header := range map[string]string{
		"missing":    "",
		"wrong key":  sign("other", dmPayload),
		"no prefix":  strings.TrimPrefix(sign("app-secret", dmPayload), "sha256="),
		"not hex":    "sha256=zz",
		"other body": sign("app-secret", dmPayload+" "),
	} {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			if header != "" {
				h.Set("X-Hub-Signature-256", header)
			}
			w := do(r, http.MethodPost, "/webhook", dmPayload, h)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	h.Wait()
	assert.Len(t, processor.processed(), 1)
}

var apiSecret = []byte("api-secret")

func apiRouter(t *testing.T, queue SyncQueue, store *memory.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewAPIHandler(queue, store.Contacts(), zap.NewNop())
	r := gin.New()
	r.GET("/health", h.Health)
	api := r.Group("/api/v1", middleware.ServiceTokenAuth(apiSecret, zap.NewNop()))
	api.POST("/sync", h.RequestSync)
	api.POST("/contacts/:remoteId/clear-hrn", h.ClearHumanResponse)
	return r
}

func bearer(t *testing.T, userID string) http.Header {
	t.Helper()
	token, err := middleware.IssueServiceToken(apiSecret, "crm", userID, time.Hour)
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestHealthIsPublic(t *testing.T) {
	w := do(apiRouter(t, &fakeQueue{}, memory.NewStore()), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestSync(t *testing.T) {
	queue := &fakeQueue{}
	r := apiRouter(t, queue, memory.NewStore())

	w := do(r, http.MethodPost, "/api/v1/sync", `{"userId":"u1","fullSync":true}`, bearer(t, ""))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []scheduler.SyncRequest{{UserID: "u1", FullSync: true}}, queue.requests)

	// A user-bound token supplies the user.
	w = do(r, http.MethodPost, "/api/v1/sync", `{}`, bearer(t, "u2"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "u2", queue.requests[1].UserID)

	w = do(r, http.MethodPost, "/api/v1/sync", `{"userId":"u1"}`, bearer(t, "u2"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/v1/sync", `{}`, bearer(t, ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/v1/sync", `{"userId":"u1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, queue.requests, 2)
}

func TestRequestSync_QueueErrors(t *testing.T) {
	queue := &fakeQueue{err: scheduler.ErrQueueFull}
	r := apiRouter(t, queue, memory.NewStore())
	w := do(r, http.MethodPost, "/api/v1/sync", `{"userId":"u1"}`, bearer(t, ""))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	queue.err = errors.New("boom")
	w = do(r, http.MethodPost, "/api/v1/sync", `{"userId":"u1"}`, bearer(t, ""))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestClearHumanResponse(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	_, err := store.Contacts().UpsertInbound(ctx, models.InboundContact{
		UserID: "u1", RemoteID: "r1", LastMessage: "sign the contract", LastMessageAt: time.Now(), MarkHRN: true,
	})
	require.NoError(t, err)
	r := apiRouter(t, &fakeQueue{}, store)

	w := do(r, http.MethodPost, "/api/v1/contacts/r1/clear-hrn", `{"userId":"u1"}`, bearer(t, ""))
	assert.Equal(t, http.StatusOK, w.Code)

	contact, err := store.Contacts().GetByRemoteID(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.False(t, contact.RequiresHumanResponse)
	assert.Nil(t, contact.HumanResponseSetAt)

	w = do(r, http.MethodPost, "/api/v1/contacts/unknown/clear-hrn?userId=u1", "", bearer(t, ""))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/v1/contacts/r1/clear-hrn", "", bearer(t, "u1"))
	assert.Equal(t, http.StatusOK, w.Code)
}
