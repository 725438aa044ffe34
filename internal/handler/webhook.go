package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"replydesk/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	maxPayloadBytes = 1 << 20
	// maxInflight bounds deliveries processed in the background; beyond it
	// Receive processes before acknowledging.
	maxInflight = 64
)

// PayloadProcessor handles one decoded webhook delivery.
type PayloadProcessor interface {
	Process(ctx context.Context, payload *webhook.Payload) []webhook.Outcome
}

type WebhookHandler interface {
	Verify(c *gin.Context)
	Receive(c *gin.Context)
	// Wait blocks until every acknowledged delivery has been processed.
	Wait()
}

type webhookHandler struct {
	processor   PayloadProcessor
	verifyToken string
	appSecret   []byte
	logger      *zap.Logger

	inflight sync.WaitGroup
	slots    chan struct{}
}

// NewWebhookHandler creates the platform webhook endpoints. An empty
// appSecret disables signature checks.
func NewWebhookHandler(processor PayloadProcessor, verifyToken, appSecret string, logger *zap.Logger) WebhookHandler {
	return &webhookHandler{
		processor:   processor,
		verifyToken: verifyToken,
		appSecret:   []byte(appSecret),
		logger:      logger.Named("webhook_handler"),
		slots:       make(chan struct{}, maxInflight),
	}
}

// Verify handles GET /webhook, the platform's subscription handshake.
func (h *webhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || challenge == "" ||
		!hmac.Equal([]byte(token), []byte(h.verifyToken)) {
		h.logger.Warn("Webhook verification failed", zap.String("mode", mode))
		c.String(http.StatusForbidden, "verification failed")
		return
	}

	h.logger.Info("Webhook verified")
	c.String(http.StatusOK, challenge)
}

// Receive handles POST /webhook. Once the signature checks out the delivery
// is always acknowledged with 200, whatever happens while processing it.
func (h *webhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if len(h.appSecret) > 0 && !validSignature(h.appSecret, body, c.GetHeader(signatureHeader)) {
		h.logger.Warn("Rejected webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var payload webhook.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		h.logger.Warn("Ignoring malformed webhook payload", zap.Error(err))
		c.String(http.StatusOK, "EVENT_RECEIVED")
		return
	}

	// The platform redelivers when the ack is slow, so answer first. A
	// platform-side disconnect must not abort sends already under way.
	ctx := context.WithoutCancel(c.Request.Context())
	select {
	case h.slots <- struct{}{}:
		h.inflight.Add(1)
		go func() {
			defer h.inflight.Done()
			defer func() { <-h.slots }()
			h.process(ctx, &payload)
		}()
	default:
		h.logger.Warn("Webhook backlog full, processing before acknowledging")
		h.process(ctx, &payload)
	}

	c.String(http.StatusOK, "EVENT_RECEIVED")
}

func (h *webhookHandler) process(ctx context.Context, payload *webhook.Payload) {
	outcomes := h.processor.Process(ctx, payload)
	h.logger.Debug("Webhook processed",
		zap.String("object", payload.Object),
		zap.Int("entries", len(payload.Entry)),
		zap.Any("outcomes", outcomes))
}

func (h *webhookHandler) Wait() {
	h.inflight.Wait()
}

// validSignature checks a "sha256=<hex>" HMAC of body.
func validSignature(secret, body []byte, header string) bool {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
