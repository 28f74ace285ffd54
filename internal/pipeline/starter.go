// Package pipeline triggers the remote dubbing pipeline for a channel and
// target language.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response body is kept for diagnostics.
const maxErrorBody = 512

// DefaultTimeout bounds a single start request.
const DefaultTimeout = 10 * time.Second

// ErrAckMismatch is returned when the service acknowledges a different pair
// than the one requested.
var ErrAckMismatch = errors.New("pipeline acknowledged a different channel or language")

// Ack is the service's acknowledgement of a start request.
type Ack struct {
	Channel    string `json:"channel"`
	Lang       string `json:"lang"`
	Status     string `json:"status,omitempty"`
	StatusCode int    `json:"-"`
}

// StartError reports a failed start request. StatusCode is zero for
// transport failures.
type StartError struct {
	Channel    string
	Lang       string
	StatusCode int
	Body       string
	Cause      error
}

func (e *StartError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("start pipeline %s/%s: status %d: %s", e.Channel, e.Lang, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("start pipeline %s/%s: %v", e.Channel, e.Lang, e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

// Starter issues start requests against the pipeline service. It never
// retries; that decision belongs to the caller.
type Starter struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewStarter returns a Starter posting to baseURL. A nil client gets one with
// DefaultTimeout.
func NewStarter(baseURL string, client *http.Client, log *slog.Logger) *Starter {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Starter{baseURL: strings.TrimRight(baseURL, "/"), client: client, log: log}
}

// StartURL returns the endpoint a start request for (channel, lang) is sent to.
func (s *Starter) StartURL(channel, lang string) string {
	return fmt.Sprintf("%s/start/%s/%s", s.baseURL, url.PathEscape(channel), url.PathEscape(lang))
}

// Trigger asks the service to start dubbing channel into lang. The service
// treats repeated calls for a running pair as a no-op.
func (s *Starter) Trigger(ctx context.Context, channel, lang string) (Ack, error) {
	fail := func(code int, body string, cause error) (Ack, error) {
		return Ack{}, &StartError{Channel: channel, Lang: lang, StatusCode: code, Body: body, Cause: cause}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.StartURL(channel, lang), nil)
	if err != nil {
		return fail(0, "", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fail(0, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fail(0, "", fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(body))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return fail(resp.StatusCode, text, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	ack := Ack{StatusCode: resp.StatusCode}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &ack); err != nil {
			return fail(resp.StatusCode, "", fmt.Errorf("decode ack: %w", err))
		}
	}
	// Older services answer {"status":"ok"} without echoing the pair.
	if (ack.Channel != "" && ack.Channel != channel) || (ack.Lang != "" && ack.Lang != lang) {
		return fail(resp.StatusCode, string(body), ErrAckMismatch)
	}
	ack.Channel, ack.Lang = channel, lang

	s.log.Info("pipeline start acknowledged",
		slog.String("channel", channel),
		slog.String("lang", lang),
		slog.Int("status", resp.StatusCode))
	return ack, nil
}
