// Package session drives one playback session at a time: trigger the
// pipeline, wait for its manifest, attach the stream and tail its log.
package session

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"livedub/internal/logtail"
	"livedub/internal/probe"
)

// ErrInvalidKey is returned by Start for an empty channel or language.
var ErrInvalidKey = errors.New("channel and lang are required")

// Reason codes carried by Failed updates.
const (
	ReasonStartError      = "start-error"
	ReasonManifestTimeout = "manifest-timeout"
	ReasonPlaybackFailed  = "playback-failed"
	ReasonUnsupported     = "unsupported"
)

// Key identifies a session by channel and target language.
type Key struct {
	Channel string `json:"channel"`
	Lang    string `json:"lang"`
}

func (k Key) String() string { return k.Channel + "/" + k.Lang }

func (k Key) valid() bool {
	return strings.TrimSpace(k.Channel) != "" && strings.TrimSpace(k.Lang) != ""
}

// ManifestURL derives the live manifest location under base.
func (k Key) ManifestURL(base string) string {
	return fmt.Sprintf("%s/%s/%s/index.m3u8", strings.TrimRight(base, "/"), url.PathEscape(k.Channel), url.PathEscape(k.Lang))
}

func (k Key) logKey() logtail.Key { return logtail.Key{Channel: k.Channel, Lang: k.Lang} }

// Phase is the internal lifecycle of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseWaitingForManifest
	PhaseAttaching
	PhasePlaying
	PhaseRecovering
	PhaseFailed
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseWaitingForManifest:
		return "waiting_for_manifest"
	case PhaseAttaching:
		return "attaching"
	case PhasePlaying:
		return "playing"
	case PhaseRecovering:
		return "recovering"
	case PhaseFailed:
		return "failed"
	case PhaseStopped:
		return "stopped"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Status is the coarse state shown to the user.
type Status int

const (
	StatusIdle Status = iota
	StatusStarting
	StatusWaiting
	StatusPlaying
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusWaiting:
		return "waiting"
	case StatusPlaying:
		return "playing"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// status maps a phase to what the user sees. Attaching and Recovering keep
// the previous public status.
func (p Phase) status() (Status, bool) {
	switch p {
	case PhaseIdle, PhaseStopped:
		return StatusIdle, true
	case PhaseStarting:
		return StatusStarting, true
	case PhaseWaitingForManifest:
		return StatusWaiting, true
	case PhasePlaying:
		return StatusPlaying, true
	case PhaseFailed:
		return StatusFailed, true
	}
	return 0, false
}

// Update is one status change delivered to watchers.
type Update struct {
	SessionID string    `json:"session_id,omitempty"`
	Key       Key       `json:"key"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Snapshot is the current session as seen by Status.
type Snapshot struct {
	ID            string    `json:"id,omitempty"`
	Key           Key       `json:"key"`
	Phase         string    `json:"phase"`
	Status        Status    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	ManifestURL   string    `json:"manifest_url,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	ProbeAttempts int       `json:"probe_attempts"`
	Paused        bool      `json:"paused"`
	Diagnostic    string    `json:"diagnostic,omitempty"`
	LogEntries    int       `json:"log_entries"`
}

// Observer receives counters from the orchestrator. Implementations must
// not block.
type Observer interface {
	Triggered(err error)
	ProbeAttempt(outcome probe.Outcome)
	Recovering()
	Failed(reason string)
}

type nopObserver struct{}

func (nopObserver) Triggered(error)            {}
func (nopObserver) ProbeAttempt(probe.Outcome) {}
func (nopObserver) Recovering()                {}
func (nopObserver) Failed(string)              {}
