package pipelinesim

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository is the concurrency-safe contract over stream state.
type Repository interface {
	// StartStream creates the stream if needed. created is false when it
	// already existed; restarting an ended stream reopens it and keeps the
	// sequence counter.
	StartStream(key StreamKey) (created bool)

	// AppendSegment stores the next segment and returns it with its
	// assigned sequence.
	AppendSegment(key StreamKey, seg Segment) (Segment, error)

	// Snapshot returns the stored segments ordered by sequence and the ended
	// flag. ok is false for an unknown stream.
	Snapshot(key StreamKey) (segments []Segment, ended bool, ok bool)

	// Segment returns one stored segment.
	Segment(key StreamKey, seq int64) (Segment, bool)

	// Prune drops segments with a sequence below keepFrom.
	Prune(key StreamKey, keepFrom int64)

	// EndStream marks a stream as ended. Unknown streams are a no-op.
	EndStream(key StreamKey) error

	// ActiveStreamCount returns the number of streams that are not ended.
	ActiveStreamCount() int
}

var (
	// ErrStreamEnded is returned when producing into an ended stream.
	ErrStreamEnded = errors.New("stream has ended")

	// ErrStreamNotStarted is returned when producing into an unknown stream.
	ErrStreamNotStarted = errors.New("stream not started")
)

// InMemoryRepository is a concurrency-safe Repository over a Store.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a repository with an in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository over store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// StartStream implements Repository.StartStream.
func (r *InMemoryRepository) StartStream(key StreamKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.store.GetStream(key); ok {
		st.Starts++
		if st.Ended {
			st.Ended = false
			return true
		}
		return false
	}
	r.store.SetStream(&StreamState{
		Key:       key,
		Segments:  make(map[int64]Segment),
		StartedAt: time.Now().UTC(),
		Starts:    1,
	})
	return true
}

// AppendSegment implements Repository.AppendSegment.
func (r *InMemoryRepository) AppendSegment(key StreamKey, seg Segment) (Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetStream(key)
	if !ok {
		return Segment{}, ErrStreamNotStarted
	}
	if st.Ended {
		return Segment{}, ErrStreamEnded
	}
	seg.Sequence = st.NextSeq
	seg.ProducedAt = time.Now().UTC()
	st.Segments[seg.Sequence] = seg
	st.NextSeq++
	return seg, nil
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot(key StreamKey) ([]Segment, bool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetStream(key)
	if !ok {
		return nil, false, false
	}
	if len(st.Segments) == 0 {
		return nil, st.Ended, true
	}

	sequences := make([]int64, 0, len(st.Segments))
	for seq := range st.Segments {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	segments := make([]Segment, 0, len(sequences))
	for _, seq := range sequences {
		segments = append(segments, st.Segments[seq])
	}
	return segments, st.Ended, true
}

// Segment implements Repository.Segment.
func (r *InMemoryRepository) Segment(key StreamKey, seq int64) (Segment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.store.GetStream(key)
	if !ok {
		return Segment{}, false
	}
	seg, ok := st.Segments[seq]
	return seg, ok
}

// Prune implements Repository.Prune.
func (r *InMemoryRepository) Prune(key StreamKey, keepFrom int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetStream(key)
	if !ok {
		return
	}
	for seq := range st.Segments {
		if seq < keepFrom {
			delete(st.Segments, seq)
		}
	}
}

// EndStream implements Repository.EndStream.
func (r *InMemoryRepository) EndStream(key StreamKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.store.GetStream(key); ok {
		st.Ended = true
	}
	return nil
}

// ActiveStreamCount implements Repository.ActiveStreamCount.
func (r *InMemoryRepository) ActiveStreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, k := range r.store.ListStreamKeys() {
		if st, ok := r.store.GetStream(k); ok && !st.Ended {
			n++
		}
	}
	return n
}
