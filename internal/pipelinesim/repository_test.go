package pipelinesim

import (
	"errors"
	"testing"
)

var news = StreamKey{Channel: "news", Lang: "es"}

func TestInMemoryRepository_StartStream_idempotent(t *testing.T) {
	repo := NewInMemoryRepository()
	if !repo.StartStream(news) {
		t.Fatal("first start should create the stream")
	}
	if repo.StartStream(news) {
		t.Error("second start should not create again")
	}
	if n := repo.ActiveStreamCount(); n != 1 {
		t.Errorf("ActiveStreamCount = %d, want 1", n)
	}
}

func TestInMemoryRepository_AppendSegment_assigns_sequences(t *testing.T) {
	repo := NewInMemoryRepository()
	if _, err := repo.AppendSegment(news, Segment{Duration: 2}); !errors.Is(err, ErrStreamNotStarted) {
		t.Fatalf("expected ErrStreamNotStarted, got %v", err)
	}

	repo.StartStream(news)
	for want := int64(0); want < 3; want++ {
		seg, err := repo.AppendSegment(news, Segment{Duration: 2})
		if err != nil {
			t.Fatalf("AppendSegment: %v", err)
		}
		if seg.Sequence != want {
			t.Errorf("sequence = %d, want %d", seg.Sequence, want)
		}
		if seg.ProducedAt.IsZero() {
			t.Error("ProducedAt not set")
		}
	}

	segments, ended, ok := repo.Snapshot(news)
	if !ok || ended || len(segments) != 3 {
		t.Fatalf("Snapshot: ok=%v ended=%v len=%d", ok, ended, len(segments))
	}
	for i, seg := range segments {
		if seg.Sequence != int64(i) {
			t.Errorf("segments[%d].Sequence = %d", i, seg.Sequence)
		}
	}
}

func TestInMemoryRepository_after_end(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.StartStream(news)
	_, _ = repo.AppendSegment(news, Segment{Duration: 2})
	if err := repo.EndStream(news); err != nil {
		t.Fatalf("EndStream: %v", err)
	}

	if _, err := repo.AppendSegment(news, Segment{Duration: 2}); !errors.Is(err, ErrStreamEnded) {
		t.Errorf("expected ErrStreamEnded, got %v", err)
	}
	if n := repo.ActiveStreamCount(); n != 0 {
		t.Errorf("ActiveStreamCount = %d, want 0", n)
	}

	// Restarting reopens the stream and continues the sequence.
	if !repo.StartStream(news) {
		t.Error("restart of an ended stream should report created")
	}
	seg, err := repo.AppendSegment(news, Segment{Duration: 2})
	if err != nil || seg.Sequence != 1 {
		t.Errorf("after restart: seq=%d err=%v, want 1, nil", seg.Sequence, err)
	}
}

func TestInMemoryRepository_EndStream_unknown(t *testing.T) {
	repo := NewInMemoryRepository()
	if err := repo.EndStream(news); err != nil {
		t.Errorf("EndStream on unknown stream: %v", err)
	}
	if _, _, ok := repo.Snapshot(news); ok {
		t.Error("EndStream must not create the stream")
	}
}

func TestInMemoryRepository_Prune(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.StartStream(news)
	for i := 0; i < 5; i++ {
		_, _ = repo.AppendSegment(news, Segment{Duration: 2})
	}
	repo.Prune(news, 3)

	if _, ok := repo.Segment(news, 2); ok {
		t.Error("segment 2 should be pruned")
	}
	if _, ok := repo.Segment(news, 3); !ok {
		t.Error("segment 3 should be kept")
	}
	segments, _, _ := repo.Snapshot(news)
	if len(segments) != 2 {
		t.Errorf("len = %d, want 2", len(segments))
	}
}

func TestInMemoryStore_GetSetStream(t *testing.T) {
	store := NewInMemoryStore()
	if _, ok := store.GetStream(news); ok {
		t.Fatal("empty store should not have stream")
	}
	store.SetStream(&StreamState{Key: news, Segments: map[int64]Segment{}})
	st, ok := store.GetStream(news)
	if !ok || st.Key != news {
		t.Errorf("GetStream = %v, %v", st, ok)
	}
	if keys := store.ListStreamKeys(); len(keys) != 1 || keys[0] != news {
		t.Errorf("ListStreamKeys = %v", keys)
	}
}

func TestNewInMemoryRepositoryWithStore(t *testing.T) {
	store := NewInMemoryStore()
	repo := NewInMemoryRepositoryWithStore(store)
	repo.StartStream(news)
	if _, ok := store.GetStream(news); !ok {
		t.Error("repository should write through to the given store")
	}
}
