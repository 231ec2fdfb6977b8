package protection

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
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kptdev/gitd/internal/giterrors"
)

// WebhookConfig is one webhook hook's delivery configuration (spec
// §4.7's "Webhook hooks").
type WebhookConfig struct {
	URL        string
	Secret     string // empty means no X-Hook-Signature header
	Attempts   int
	DelayMS    int
	Backoff    float64 // exponential multiplier
}

const defaultWebhookAttempts = 3
const defaultWebhookDelayMS = 500
const defaultWebhookBackoff = 2.0

// webhookPayload mirrors spec §4.7's JSON body shape.
type webhookPayload struct {
	Hook         string            `json:"hook"`
	Timestamp    int64             `json:"timestamp"`
	Repository   string            `json:"repository"`
	Commands     []CommandSummary  `json:"commands,omitempty"`
	Results      []HookResult      `json:"results,omitempty"`
	Ref          string            `json:"ref,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
}

// WebhookDispatcher sends webhook hook deliveries with HMAC signing and
// exponential-backoff retry, grounded on the pack's cenkalti/backoff
// wiring for outbound webhook delivery.
type WebhookDispatcher struct {
	client *http.Client
	nowFn  func() int64
}

func NewWebhookDispatcher(client *http.Client) *WebhookDispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookDispatcher{client: client, nowFn: func() int64 { return time.Now().Unix() }}
}

// Dispatch POSTs the hook payload to cfg.URL, retrying per spec §4.7:
// non-2xx or network error retries; a 4xx response is a permanent
// failure (not retried).
func (d *WebhookDispatcher) Dispatch(ctx context.Context, cfg WebhookConfig, hookName string, env HookEnv) error {
	payload := webhookPayload{
		Hook:       hookName,
		Timestamp:  d.nowFn(),
		Repository: env.Repository,
		Commands:   env.Commands,
		Results:    env.Results,
		Ref:        env.Ref,
		Env:        flattenPushOptions(env.PushOptions),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return giterrors.Wrap(giterrors.HookRejected, err, "marshaling webhook payload for %s", hookName)
	}

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultWebhookAttempts
	}
	delay := cfg.DelayMS
	if delay <= 0 {
		delay = defaultWebhookDelayMS
	}
	mult := cfg.Backoff
	if mult <= 0 {
		mult = defaultWebhookBackoff
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(delay) * time.Millisecond
	bo.Multiplier = mult
	policy := backoff.WithMaxRetries(bo, uint64(attempts-1))

	return backoff.Retry(func() error {
		err := d.deliver(ctx, cfg, body)
		if permErr, ok := err.(*permanentWebhookError); ok {
			return backoff.Permanent(permErr.cause)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

type permanentWebhookError struct{ cause error }

func (e *permanentWebhookError) Error() string { return e.cause.Error() }

func (d *WebhookDispatcher) deliver(ctx context.Context, cfg WebhookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return &permanentWebhookError{giterrors.Wrap(giterrors.HookRejected, err, "building webhook request")}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		req.Header.Set("X-Hook-Signature", "sha256="+signHMAC(cfg.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return giterrors.Wrap(giterrors.HookRejected, err, "delivering webhook")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentWebhookError{giterrors.New(giterrors.HookRejected, "webhook returned %d (permanent failure)", resp.StatusCode)}
	default:
		return giterrors.New(giterrors.HookRejected, "webhook returned %d", resp.StatusCode)
	}
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func flattenPushOptions(options []string) map[string]string {
	if len(options) == 0 {
		return nil
	}
	env := make(map[string]string, len(options)+1)
	env["GIT_PUSH_OPTION_COUNT"] = fmt.Sprintf("%d", len(options))
	for i, opt := range options {
		env[fmt.Sprintf("GIT_PUSH_OPTION_%d", i)] = opt
	}
	return env
}
