package player

import "fmt"

// State is a playback attachment state.
type State int

const (
	Idle State = iota
	Attaching
	Playing
	Recovering
	Failed
	Released
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Attaching:
		return "attaching"
	case Playing:
		return "playing"
	case Recovering:
		return "recovering"
	case Failed:
		return "failed"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultMaxNetworkRetries bounds consecutive reloads after fatal network
// errors before the attachment fails.
const DefaultMaxNetworkRetries = 3

type action int

const (
	actPlay action = iota + 1
	actRecoverMedia
	actReload
	actDestroy
)

// machine is the pure part of an Attachment: state plus retry counters.
type machine struct {
	state             State
	native            bool
	started           bool
	mediaRecoveries   int
	networkRetries    int
	maxNetworkRetries int
}

// step applies ev and returns the side effects to run, the failure reason if
// the machine just failed, and a diagnostic line for non-fatal conditions.
func (m *machine) step(ev Event) (acts []action, failure *PlaybackError, diag string) {
	switch m.state {
	case Attaching, Playing, Recovering:
	default:
		return nil, nil, ""
	}

	switch e := ev.(type) {
	case MediaAttached, Ended:
		return nil, nil, ""

	case ManifestParsed:
		switch m.state {
		case Attaching:
			m.state = Playing
			m.networkRetries = 0
			return m.start(), nil, ""
		case Recovering:
			return m.resume(), nil, ""
		default:
			m.networkRetries = 0
		}
		return nil, nil, ""

	case FragmentLoaded:
		switch m.state {
		case Recovering:
			return m.resume(), nil, ""
		case Playing:
			m.networkRetries = 0
		}
		return nil, nil, ""

	case ErrorEvent:
		if !e.Fatal {
			return nil, nil, fmt.Sprintf("%s error: %s", e.Type, e.Detail)
		}
		return m.fatal(Classify(e), e.Detail)
	}
	return nil, nil, ""
}

// resume returns to Playing and re-arms both recovery budgets.
func (m *machine) resume() []action {
	m.state = Playing
	m.mediaRecoveries = 0
	m.networkRetries = 0
	return m.start()
}

// start requests playback on the first entry into Playing only.
func (m *machine) start() []action {
	if m.started {
		return nil
	}
	m.started = true
	return []action{actPlay}
}

func (m *machine) fatal(kind ErrorKind, detail string) ([]action, *PlaybackError, string) {
	switch kind {
	case NetworkFatal:
		if m.networkRetries < m.maxNetworkRetries {
			m.networkRetries++
			return []action{actReload}, nil, fmt.Sprintf("network error, reload %d/%d: %s", m.networkRetries, m.maxNetworkRetries, detail)
		}
		detail = fmt.Sprintf("gave up after %d reloads: %s", m.networkRetries, detail)
	case MediaFatal:
		if !m.native && m.state != Recovering && m.mediaRecoveries == 0 {
			m.mediaRecoveries++
			m.state = Recovering
			return []action{actRecoverMedia}, nil, "media error, recovering: " + detail
		}
	}
	return m.fail(kind, detail)
}

func (m *machine) fail(kind ErrorKind, detail string) ([]action, *PlaybackError, string) {
	m.state = Failed
	return []action{actDestroy}, &PlaybackError{Kind: kind, Detail: detail}, ""
}
