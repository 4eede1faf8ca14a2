package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"permitline/internal/domain"
)

const defaultTimeout = 5 * time.Second

// Webhook POSTs the notification as JSON to URL.
type Webhook struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"X-Permitline-Event":    string(n.Event),
		"X-Permitline-Delivery": strconv.FormatInt(n.EntryID, 10),
	}
	if err := Post(ctx, w.client(), w.URL, w.Secret, headers, data); err != nil {
		return fmt.Errorf("webhook %s: %w", w.URL, err)
	}
	return nil
}

func (w Webhook) client() *http.Client {
	if w.Client != nil {
		return w.Client
	}
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Post sends body as JSON and treats any non-2xx status as an error.
func Post(ctx context.Context, client *http.Client, url, secret string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if strings.TrimSpace(secret) != "" {
		req.Header.Set("X-Permitline-Secret", secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
