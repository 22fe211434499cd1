package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/divan/internal/raft"
)

func makeEvent(index uint64, aggregate string, payload string) Event {
	return Event{
		Index:       index,
		Term:        1,
		Kind:        1,
		AggregateID: aggregate,
		Payload:     []byte(payload),
		Timestamp:   time.Now(),
	}
}

func TestRingBufferPushAndEventsSince(t *testing.T) {
	rb := NewRingBuffer(4)

	for i := uint64(1); i <= 3; i++ {
		rb.Push(makeEvent(i, "a", "x"))
	}

	events := rb.EventsSince(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Index != 1 || events[2].Index != 3 {
		t.Errorf("events out of order: %v", events)
	}

	events = rb.EventsSince(2)
	if len(events) != 1 || events[0].Index != 3 {
		t.Errorf("EventsSince(2) should return only index 3")
	}
}

func TestRingBufferEviction(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := uint64(1); i <= 5; i++ {
		rb.Push(makeEvent(i, "a", "x"))
	}

	if rb.MinIndex() != 3 {
		t.Errorf("MinIndex should be 3 after eviction, got %d", rb.MinIndex())
	}
	if rb.MaxIndex() != 5 {
		t.Errorf("MaxIndex should be 5, got %d", rb.MaxIndex())
	}

	// Index 1 was evicted, resume from it is impossible
	if rb.EventsSince(1) != nil {
		t.Errorf("EventsSince below MinIndex should return nil")
	}
	if len(rb.EventsSince(3)) != 2 {
		t.Errorf("EventsSince(3) should return 2 events")
	}
}

func TestWatchFilterMatches(t *testing.T) {
	ev := makeEvent(1, "locks/build", "x")
	ev.Kind = 2

	all := MatchAll()
	if !all.Matches(&ev) {
		t.Errorf("MatchAll should match everything")
	}

	exact := MatchAggregate("locks/build")
	if !exact.Matches(&ev) {
		t.Errorf("exact filter should match")
	}
	exact = MatchAggregate("locks/other")
	if exact.Matches(&ev) {
		t.Errorf("exact filter should not match a different aggregate")
	}

	prefix := MatchPrefix("locks/")
	if !prefix.Matches(&ev) {
		t.Errorf("prefix filter should match")
	}

	kinds := WatchFilter{Kinds: []uint8{3}}
	if kinds.Matches(&ev) {
		t.Errorf("kind filter should not match kind 2")
	}
	kinds.Kinds = []uint8{2, 3}
	if !kinds.Matches(&ev) {
		t.Errorf("kind filter should match kind 2")
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe(MatchAggregate("orders/1"))
	if sub == nil {
		t.Fatal("Subscribe returned nil")
	}

	b.Publish(makeEvent(1, "orders/1", "created"))
	b.Publish(makeEvent(2, "orders/2", "other aggregate"))
	b.Publish(makeEvent(3, "orders/1", "updated"))

	got := drain(sub)
	if len(got) != 2 {
		t.Fatalf("expected 2 matching events, got %d", len(got))
	}
	if got[0].Index != 1 || got[1].Index != 3 {
		t.Errorf("wrong events delivered: %v", got)
	}
}

func TestBrokerSubscribeFromReplays(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	for i := uint64(1); i <= 5; i++ {
		b.Publish(makeEvent(i, "a", "x"))
	}

	sub, err := b.SubscribeFrom(MatchAll(), 2)
	if err != nil {
		t.Fatalf("SubscribeFrom failed: %v", err)
	}

	got := drain(sub)
	if len(got) != 3 {
		t.Fatalf("expected replay of 3 events, got %d", len(got))
	}
	if got[0].Index != 3 {
		t.Errorf("replay should start after the resume index")
	}
}

func TestBrokerSubscribeFromDuringPublish(t *testing.T) {
	b := NewBrokerWithCapacity(1024)
	b.SetSubscriberBuffer(1024)
	defer b.Close()

	const total = 400
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(1); i <= total; i++ {
			b.Publish(makeEvent(i, "a", "x"))
		}
	}()

	// Resuming mid-stream must splice replay and live delivery with no
	// gap and no reordering
	sub, err := b.SubscribeFrom(MatchAll(), 0)
	if err != nil {
		t.Fatalf("SubscribeFrom failed: %v", err)
	}
	<-done

	var prev uint64
	for _, ev := range drain(sub) {
		if ev.Index != prev+1 {
			t.Fatalf("delivery gap or reorder: index %d after %d", ev.Index, prev)
		}
		prev = ev.Index
	}
	if prev != total {
		t.Errorf("expected delivery through index %d, got %d", total, prev)
	}
}

func TestBrokerSubscribeFromTooOld(t *testing.T) {
	b := &Broker{replayBuffer: NewRingBuffer(2)}

	for i := uint64(1); i <= 5; i++ {
		b.Publish(makeEvent(i, "a", "x"))
	}

	_, err := b.SubscribeFrom(MatchAll(), 1)
	if err != ErrIndexTooOld {
		t.Errorf("expected ErrIndexTooOld, got %v", err)
	}
}

func TestBrokerOnCommitBridge(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	sub := b.Subscribe(MatchAll())

	cmd := &raft.Command{
		RequestID: "r1",
		Kind:      2,
		Aggregate: "locks/build",
		Stamp:     time.Now().UnixNano(),
		Data:      []byte("acquire"),
	}
	entry := &raft.LogEntry{Index: 7, Term: 2, Type: raft.EntryCommand}

	b.OnCommit(entry, cmd, "ok", nil)

	// Noops and failed applies are not published
	b.OnCommit(&raft.LogEntry{Index: 8, Term: 2, Type: raft.EntryNoop}, nil, nil, nil)
	b.OnCommit(&raft.LogEntry{Index: 9, Term: 2, Type: raft.EntryCommand}, cmd, nil, ErrBrokerClosed)

	got := drain(sub)
	if len(got) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(got))
	}
	ev := got[0]
	if ev.Index != 7 || ev.Term != 2 || ev.Kind != 2 ||
		ev.AggregateID != "locks/build" || ev.RequestID != "r1" ||
		string(ev.Payload) != "acquire" {
		t.Errorf("bridged event mismatch: %+v", ev)
	}
}

func TestProjectorFoldsInOrder(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	fold := func(state []byte, ev *Event) []byte {
		return append(state, ev.Payload...)
	}

	p := NewProjector("concat", b, MatchAll(), fold)
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer p.Stop()

	b.Publish(makeEvent(1, "a", "x"))
	b.Publish(makeEvent(2, "a", "y"))
	b.Publish(makeEvent(3, "a", "z"))

	waitFor(t, func() bool { return p.LastIndex() == 3 })

	if !bytes.Equal(p.State(), []byte("xyz")) {
		t.Errorf("projection state = %q, want %q", p.State(), "xyz")
	}
}

func TestProjectorResumeFromCheckpoint(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	fold := func(state []byte, ev *Event) []byte {
		return append(state, ev.Payload...)
	}

	p := NewProjector("concat", b, MatchAll(), fold)
	p.Start()

	b.Publish(makeEvent(1, "a", "x"))
	b.Publish(makeEvent(2, "a", "y"))
	waitFor(t, func() bool { return p.LastIndex() == 2 })

	index, state := p.Checkpoint()
	p.Stop()

	// More events arrive while the projector is down
	b.Publish(makeEvent(3, "a", "z"))

	restarted := NewProjector("concat", b, MatchAll(), fold)
	restarted.Restore(index, state)
	if err := restarted.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	defer restarted.Stop()

	waitFor(t, func() bool { return restarted.LastIndex() == 3 })

	if !bytes.Equal(restarted.State(), []byte("xyz")) {
		t.Errorf("resumed state = %q, want %q", restarted.State(), "xyz")
	}
}

func TestProjectorSkipsReplayOverlap(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	count := 0
	fold := func(state []byte, ev *Event) []byte {
		count++
		return state
	}

	b.Publish(makeEvent(1, "a", "x"))
	b.Publish(makeEvent(2, "a", "y"))

	p := NewProjector("count", b, MatchAll(), fold)
	p.Restore(1, nil)
	p.Start()
	defer p.Stop()

	waitFor(t, func() bool { return p.LastIndex() == 2 })

	if count != 1 {
		t.Errorf("already-folded events must not fold again, folded %d", count)
	}
}

func TestSubscriberBackpressure(t *testing.T) {
	sub := NewSubscriber(1, MatchAll(), 2)

	if !sub.Send(makeEvent(1, "a", "x")) || !sub.Send(makeEvent(2, "a", "y")) {
		t.Fatal("sends within buffer should succeed")
	}
	if sub.Send(makeEvent(3, "a", "z")) {
		t.Errorf("send to full buffer should fail")
	}
	if sub.DroppedCount() != 1 {
		t.Errorf("dropped count should be 1, got %d", sub.DroppedCount())
	}
	if sub.ResetDropped() != 1 || sub.DroppedCount() != 0 {
		t.Errorf("ResetDropped should return and clear the counter")
	}
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(MatchAll())

	b.Close()

	if !b.IsClosed() {
		t.Errorf("broker should be closed")
	}
	if !sub.IsClosed() {
		t.Errorf("subscribers should close with the broker")
	}
	if b.Subscribe(MatchAll()) != nil {
		t.Errorf("Subscribe after close should return nil")
	}
	if _, err := b.SubscribeFrom(MatchAll(), 0); err != ErrBrokerClosed {
		t.Errorf("SubscribeFrom after close should fail, got %v", err)
	}
}

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Channel:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
