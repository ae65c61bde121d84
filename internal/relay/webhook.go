package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bountyhub/internal/config"
)

const (
	DefaultWebhookTimeout = 5 * time.Second

	EventHeader     = "X-Bountyhub-Event"
	DeliveryHeader  = "X-Bountyhub-Delivery"
	SignatureHeader = "X-Bountyhub-Signature"
)

// WebhookSink POSTs each event to an HTTP endpoint.
type WebhookSink struct {
	name   string
	url    string
	secret string
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(cfg config.WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookSink{
		name:   "webhook:" + cfg.Name,
		url:    cfg.URL,
		secret: cfg.Secret,
		filter: newEventFilter(cfg.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Accepts(evtType string) bool { return s.filter.match(evtType) }

func (s *WebhookSink) Deliver(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, msg.Type)
	req.Header.Set(DeliveryHeader, strconv.FormatInt(msg.ID, 10))
	if s.secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}
	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by Sign.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
