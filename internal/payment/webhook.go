package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// Sign returns the signature the gateway sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against body in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// WebhookEvent is the subset of a gateway callback the reconciler needs.
// The callback is only a hint: state is always taken from Verify.
type WebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string         `json:"reference"`
		Status    string         `json:"status"`
		Metadata  map[string]any `json:"metadata"`
	} `json:"data"`
}

func (e WebhookEvent) OrderID() string {
	if id, ok := e.Data.Metadata["order_id"].(string); ok {
		return strings.TrimSpace(id)
	}
	return ""
}

func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	ev.Event = strings.TrimSpace(ev.Event)
	ev.Data.Reference = strings.TrimSpace(ev.Data.Reference)
	if ev.Event == "" || ev.Data.Reference == "" {
		return WebhookEvent{}, fmt.Errorf("%w: event and reference are required", ErrMalformedResponse)
	}
	return ev, nil
}
