package events

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Webhook posts selected events to an operator-configured URL. All sends
// are fire-and-forget; delivery failures are logged and swallowed.
type Webhook struct {
	url    string
	client *http.Client
	log    zerolog.Logger
}

func NewWebhook(url string, log zerolog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool { return w.url != "" }

// Notify posts one event asynchronously.
func (w *Webhook) Notify(event string, data any) {
	if !w.Enabled() {
		return
	}
	go w.send(event, data)
}

func (w *Webhook) send(event string, data any) {
	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"timestamp": time.Now().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		w.log.Error().Err(err).Str("event", event).Msg("webhook payload marshal failed")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		w.log.Warn().Err(err).Str("event", event).Msg("webhook delivery failed")
		return
	}
	resp.Body.Close()
}

// NotifyAccountError reports a credential failure on one account.
func (w *Webhook) NotifyAccountError(email, errMsg string) {
	w.Notify("account.error", map[string]string{"email": email, "error": errMsg})
}

// NotifyQuotaExhausted reports a drained (account, model) pair.
func (w *Webhook) NotifyQuotaExhausted(email, model string) {
	w.Notify("quota.exhausted", map[string]string{"email": email, "model": model})
}
