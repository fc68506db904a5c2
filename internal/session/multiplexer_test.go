package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// bufferSource serves replay from per-session ring buffers.
type bufferSource struct {
	mu      sync.Mutex
	buffers map[string]*RingBuffer
}

func (b *bufferSource) buffer(id string) *RingBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buffers == nil {
		b.buffers = make(map[string]*RingBuffer)
	}
	rb, ok := b.buffers[id]
	if !ok {
		rb = NewRingBuffer(10)
		b.buffers[id] = rb
	}
	return rb
}

func (b *bufferSource) ReplaySince(id string, after uint64) []Chunk {
	return b.buffer(id).Since(after)
}

func (b *bufferSource) LastSeq(id string) uint64 {
	return b.buffer(id).LastSeq()
}

type muxFixture struct {
	store *MemoryStore
	src   *bufferSource
	mux   *Multiplexer
}

func newMuxFixture(t *testing.T, queue int, ids ...string) *muxFixture {
	t.Helper()
	f := &muxFixture{store: NewMemoryStore(), src: &bufferSource{}}
	f.mux = NewMultiplexer(f.store, f.src, MultiplexerOptions{QueueSize: queue})
	for _, id := range ids {
		if err := f.store.Create(context.Background(), &Session{ID: id, Status: StatusRunning, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

// emit appends output the way the supervisor does: buffer first, then broadcast.
func (f *muxFixture) emit(id, data string) Chunk {
	c := f.src.buffer(id).Append([]byte(data), time.Now())
	f.mux.Broadcast(OutputEvent(id, c))
	return c
}

func drain(a *Attachment) []Event {
	var events []Event
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func seqs(chunks []Chunk, events []Event) []uint64 {
	var out []uint64
	for _, c := range chunks {
		out = append(out, c.Seq)
	}
	for _, ev := range events {
		if ev.Kind == EventOutput {
			out = append(out, ev.Seq)
		}
	}
	return out
}

func TestMultiplexer_AttachUnknownSession(t *testing.T) {
	f := newMuxFixture(t, 8)
	_, err := f.mux.Attach(context.Background(), "missing", "v1", 0)
	if !errors.Is(err, ErrNoSuchSession) {
		t.Fatalf("expected ErrNoSuchSession, got %v", err)
	}
}

func TestMultiplexer_ReplayThenLive(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	for i := 0; i < 3; i++ {
		f.emit("s1", fmt.Sprintf("line %d\n", i))
	}

	a, err := f.mux.Attach(context.Background(), "s1", "v1", 0)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(a.Replay) != 3 {
		t.Fatalf("expected 3 replayed chunks, got %d", len(a.Replay))
	}

	f.emit("s1", "line 3\n")
	got := seqs(a.Replay, drain(a))
	want := []uint64{1, 2, 3, 4}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMultiplexer_ReplayIsTailOfBuffer(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	for i := 0; i < 25; i++ {
		f.emit("s1", "x")
	}
	a, err := f.mux.Attach(context.Background(), "s1", "v1", 0)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(a.Replay) != 10 || a.Replay[0].Seq != 16 || a.Replay[9].Seq != 25 {
		t.Errorf("expected seqs 16..25, got %v", seqs(a.Replay, nil))
	}
}

func TestMultiplexer_TwoViewersSameOrder(t *testing.T) {
	f := newMuxFixture(t, 64, "s1")
	ctx := context.Background()
	a1, _ := f.mux.Attach(ctx, "s1", "v1", 0)
	a2, _ := f.mux.Attach(ctx, "s1", "v2", 0)

	for i := 0; i < 20; i++ {
		f.emit("s1", "x")
	}
	s1 := seqs(nil, drain(a1))
	s2 := seqs(nil, drain(a2))
	if len(s1) != 20 || fmt.Sprint(s1) != fmt.Sprint(s2) {
		t.Errorf("viewers disagree: %v vs %v", s1, s2)
	}
	if f.mux.Viewers("s1") != 2 {
		t.Errorf("expected 2 viewers, got %d", f.mux.Viewers("s1"))
	}
}

func TestMultiplexer_BroadcastOnlyToAttached(t *testing.T) {
	f := newMuxFixture(t, 8, "s1", "s2")
	ctx := context.Background()
	a1, _ := f.mux.Attach(ctx, "s1", "v1", 0)
	a2, _ := f.mux.Attach(ctx, "s2", "v2", 0)

	f.emit("s1", "only s1")
	if n := len(drain(a1)); n != 1 {
		t.Errorf("expected 1 event on s1 viewer, got %d", n)
	}
	if n := len(drain(a2)); n != 0 {
		t.Errorf("expected no events on s2 viewer, got %d", n)
	}
}

func TestMultiplexer_DetachReattachNoDuplicates(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	ctx := context.Background()

	a, _ := f.mux.Attach(ctx, "s1", "v1", 0)
	f.emit("s1", "a")
	f.emit("s1", "b")
	seen := seqs(a.Replay, drain(a))
	last := seen[len(seen)-1]

	f.mux.Detach("s1", "v1")
	if a.Reason() != ReasonDetached {
		t.Errorf("expected reason detached, got %q", a.Reason())
	}
	if _, ok := <-a.Events(); ok {
		t.Error("expected events channel to be closed")
	}

	f.emit("s1", "c")
	b, err := f.mux.Attach(ctx, "s1", "v1", last)
	if err != nil {
		t.Fatalf("re-Attach failed: %v", err)
	}
	f.emit("s1", "d")

	got := seqs(b.Replay, drain(b))
	if fmt.Sprint(got) != fmt.Sprint([]uint64{3, 4}) {
		t.Errorf("expected [3 4] after reattach, got %v", got)
	}
}

func TestMultiplexer_DetachNotAttached(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	f.mux.Detach("s1", "nobody")
	f.mux.Detach("missing", "nobody")
}

func TestMultiplexer_ReattachReplaces(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	ctx := context.Background()
	a, _ := f.mux.Attach(ctx, "s1", "v1", 0)
	b, _ := f.mux.Attach(ctx, "s1", "v1", 0)

	if a.Reason() != ReasonReplaced {
		t.Errorf("expected first attachment replaced, got %q", a.Reason())
	}
	if b.Reason() != "" {
		t.Errorf("expected second attachment open, got %q", b.Reason())
	}
	if f.mux.Viewers("s1") != 1 {
		t.Errorf("expected 1 viewer, got %d", f.mux.Viewers("s1"))
	}
}

func TestMultiplexer_SlowViewerEvicted(t *testing.T) {
	f := newMuxFixture(t, 2, "s1")
	ctx := context.Background()
	slow, _ := f.mux.Attach(ctx, "s1", "slow", 0)
	fast, _ := f.mux.Attach(ctx, "s1", "fast", 0)

	var got []Event
	for i := 0; i < 5; i++ {
		f.emit("s1", "x")
		got = append(got, drain(fast)...)
	}

	if slow.Reason() != ReasonLagged {
		t.Errorf("expected slow viewer evicted as lagged, got %q", slow.Reason())
	}
	if len(got) != 5 {
		t.Errorf("expected fast viewer to get all 5 events, got %d", len(got))
	}
	if f.mux.Viewers("s1") != 1 {
		t.Errorf("expected 1 remaining viewer, got %d", f.mux.Viewers("s1"))
	}
}

func TestMultiplexer_DropSession(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	a, _ := f.mux.Attach(context.Background(), "s1", "v1", 0)

	f.mux.DropSession("s1")
	if a.Reason() != ReasonDeleted {
		t.Errorf("expected reason deleted, got %q", a.Reason())
	}
	if f.mux.Viewers("s1") != 0 {
		t.Error("expected no viewers after drop")
	}
}

func TestMultiplexer_DetachViewer(t *testing.T) {
	f := newMuxFixture(t, 8, "s1", "s2")
	ctx := context.Background()
	a1, _ := f.mux.Attach(ctx, "s1", "v1", 0)
	a2, _ := f.mux.Attach(ctx, "s2", "v1", 0)
	other, _ := f.mux.Attach(ctx, "s1", "v2", 0)

	f.mux.DetachViewer("v1")
	if a1.Reason() != ReasonDetached || a2.Reason() != ReasonDetached {
		t.Errorf("expected both attachments detached, got %q %q", a1.Reason(), a2.Reason())
	}
	if other.Reason() != "" {
		t.Error("expected other viewer to stay attached")
	}
}

func TestMultiplexer_ConcurrentAttachNoGaps(t *testing.T) {
	f := newMuxFixture(t, 1024, "s1")
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			f.emit("s1", "x")
		}
	}()

	a, err := f.mux.Attach(ctx, "s1", "v1", 0)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	<-done

	got := seqs(a.Replay, drain(a))
	for i := 1; i < len(got); i++ {
		if got[i] != got[i-1]+1 {
			t.Fatalf("gap or duplicate at %d: %v", i, got[i-1:i+1])
		}
	}
	if len(got) > 0 && got[len(got)-1] != 500 {
		t.Errorf("expected to end at seq 500, got %d", got[len(got)-1])
	}
}

func TestMultiplexer_AfterSeqBeyondBufferDeliversLive(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	f.emit("s1", "a")

	a, err := f.mux.Attach(context.Background(), "s1", "v1", 1000)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if len(a.Replay) != 0 {
		t.Errorf("expected empty replay, got %v", seqs(a.Replay, nil))
	}

	f.emit("s1", "late")
	got := seqs(nil, drain(a))
	if fmt.Sprint(got) != fmt.Sprint([]uint64{2}) {
		t.Errorf("expected live chunk 2, got %v", got)
	}
}

func TestMultiplexer_DetachReleasesEmptyGroup(t *testing.T) {
	f := newMuxFixture(t, 8, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.mux.Attach(ctx, "s1", "v1", 0); err != nil {
			t.Fatalf("Attach failed: %v", err)
		}
		f.mux.Detach("s1", "v1")
	}
	if n := len(f.mux.sessions()); n != 0 {
		t.Errorf("expected no viewer groups left, got %d", n)
	}

	// A fresh attach after the group was released still gets live output.
	a, err := f.mux.Attach(ctx, "s1", "v2", 0)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	f.emit("s1", "x")
	if n := len(drain(a)); n != 1 {
		t.Errorf("expected 1 live event, got %d", n)
	}
}
