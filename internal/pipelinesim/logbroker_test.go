package pipelinesim

import (
	"testing"
)

func drain(ch <-chan LogEvent) []LogEvent {
	var out []LogEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestLogBroker_filters_by_stream(t *testing.T) {
	b := NewLogBroker(16)
	sport := StreamKey{Channel: "sport", Lang: "fr"}

	mine, cancelMine := b.Subscribe(&news, 0)
	defer cancelMine()
	all, cancelAll := b.Subscribe(nil, 0)
	defer cancelAll()

	b.Publish(news, "asr: chunk %d transcribed", 1)
	b.Publish(sport, "asr: chunk %d transcribed", 1)

	if got := drain(mine); len(got) != 1 || got[0].Text != "[news/es] asr: chunk 1 transcribed" {
		t.Errorf("stream subscriber got %v", got)
	}
	if got := drain(all); len(got) != 2 {
		t.Errorf("global subscriber got %d events, want 2", len(got))
	}
}

func TestLogBroker_resume_after_id(t *testing.T) {
	b := NewLogBroker(16)
	for i := 0; i < 5; i++ {
		b.Publish(news, "line %d", i)
	}

	ch, cancel := b.Subscribe(&news, 3)
	defer cancel()
	got := drain(ch)
	if len(got) != 2 || got[0].ID != 4 || got[1].ID != 5 {
		t.Errorf("resume after 3 got %v", got)
	}
}

func TestLogBroker_history_is_bounded(t *testing.T) {
	b := NewLogBroker(2)
	for i := 0; i < 5; i++ {
		b.Publish(news, "line %d", i)
	}
	ch, cancel := b.Subscribe(nil, 0)
	defer cancel()
	if got := drain(ch); len(got) != 2 || got[0].ID != 4 {
		t.Errorf("bounded history replay got %v", got)
	}
}

func TestLogBroker_cancel_closes_channel(t *testing.T) {
	b := NewLogBroker(16)
	ch, cancel := b.Subscribe(nil, 0)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers = %d, want 0", n)
	}
	b.Publish(news, "after cancel")
}
