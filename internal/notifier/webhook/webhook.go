// webhook is a generic webhook Notifier implementation that posts
// recovery messages to a URL, for deployments that route delivery
// through their own messaging infrastructure.
package webhook

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook posts messages to an upstream URL.
type Webhook struct {
	cfg        Config
	authHeader string
	http       *http.Client
}

// Payload is posted to the upstream URL.
type Payload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Config contains the webhook notifier configuration.
type Config struct {
	URL         string `json:"url"`
	ID          string `json:"id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	ChannelName string `json:"channel_name"`

	Timeout  time.Duration `json:"timeout"`
	MaxConns int           `json:"max_conns"`
}

// New returns a webhook Notifier backend.
func New(cfg Config) (*Webhook, error) {
	// Initialize the HTTP client.
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}

	authHeader := ""
	if cfg.Username != "" && cfg.Password != "" {
		authHeader = fmt.Sprintf("Basic %s", base64.StdEncoding.EncodeToString(
			[]byte(cfg.Username+":"+cfg.Password)))
	}

	return &Webhook{
		cfg:        cfg,
		authHeader: authHeader,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   cfg.MaxConns,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
	}, nil
}

// ID returns the Notifier's ID.
func (w *Webhook) ID() string {
	return w.cfg.ID
}

// ChannelName returns the Notifier's name.
func (w *Webhook) ChannelName() string {
	return w.cfg.ChannelName
}

// ValidateAddress "validates" an address. The upstream decides what it
// accepts.
func (w *Webhook) ValidateAddress(to string) error {
	return nil
}

// Push posts the message to the upstream URL.
func (w *Webhook) Push(to, subject string, body []byte) error {
	p := Payload{
		To:      to,
		Subject: subject,
		Body:    string(body),
	}

	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", "schoolauth")
	req.Header.Add("Content-Type", "application/json")

	// Optional BasicAuth.
	if w.authHeader != "" {
		req.Header.Set("Authorization", w.authHeader)
	}

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		// Drain and close the body to let the Transport reuse the connection.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("non-OK response from webhook: %d", resp.StatusCode)
	}

	return nil
}

// MaxBodyLen returns the max permitted body size.
func (w *Webhook) MaxBodyLen() int {
	return 0
}
