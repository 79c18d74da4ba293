package worker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-certify/internal/model"
)

// SignatureHeader carries an HS256 token binding the delivery to its body.
const SignatureHeader = "X-Webhook-Signature"

// DefaultWebhookTimeout bounds a single delivery.
const DefaultWebhookTimeout = 30 * time.Second

// WebhookClaims are the signed claims of a webhook delivery.
type WebhookClaims struct {
	BodySHA256 string `json:"body_sha256"`
	Event      string `json:"event"`
	jwt.RegisteredClaims
}

// WebhookNotifier posts scored-attempt events to tenant endpoints.
type WebhookNotifier struct {
	client *http.Client
	secret []byte
}

// NewWebhookNotifier creates a new WebhookNotifier. An empty secret sends
// unsigned deliveries.
func NewWebhookNotifier(secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &WebhookNotifier{
		client: &http.Client{Timeout: timeout},
		secret: []byte(secret),
	}
}

// Notify delivers one event. Any non-2xx response is an error; nothing is retried.
func (n *WebhookNotifier) Notify(ctx context.Context, url string, ev model.AttemptScoredEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if len(n.secret) > 0 {
		sig, err := n.sign(body, ev)
		if err != nil {
			return err
		}
		req.Header.Set(SignatureHeader, sig)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (n *WebhookNotifier) sign(body []byte, ev model.AttemptScoredEvent) (string, error) {
	sum := sha256.Sum256(body)
	claims := WebhookClaims{
		BodySHA256: hex.EncodeToString(sum[:]),
		Event:      ev.Event,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ev.AttemptID.String(),
			Audience:  jwt.ClaimStrings{ev.TenantID},
			IssuedAt:  jwt.NewNumericDate(ev.Timestamp),
			ExpiresAt: jwt.NewNumericDate(ev.Timestamp.Add(10 * time.Minute)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(n.secret)
	if err != nil {
		return "", fmt.Errorf("sign webhook: %w", err)
	}
	return signed, nil
}

// VerifyWebhook checks a delivery signature against its body. Receivers use
// it with the shared secret.
func VerifyWebhook(secret, signature string, body []byte) (*WebhookClaims, error) {
	claims := &WebhookClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse webhook signature: %w", err)
	}
	sum := sha256.Sum256(body)
	if claims.BodySHA256 != hex.EncodeToString(sum[:]) {
		return nil, fmt.Errorf("webhook body does not match signature")
	}
	return claims, nil
}
