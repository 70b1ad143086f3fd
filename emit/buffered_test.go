package emit_test

import (
	"context"
	"sync"
	"testing"

	"github.com/nhi-project/nhi/emit"
)

func TestBufferedEmitterHistory(t *testing.T) {
	e := emit.NewBufferedEmitter()

	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Seq: 1, Msg: "checkpoint_dump"})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Seq: 1, Msg: "sync_push"})
	e.Emit(emit.Event{InstanceID: "a1b2c3d4", Seq: 2, Msg: "checkpoint_dump"})
	e.Emit(emit.Event{InstanceID: "ffff0000", Seq: 1, Msg: "checkpoint_dump"})

	t.Run("history is per instance and ordered", func(t *testing.T) {
		got := e.History("a1b2c3d4")
		if len(got) != 3 {
			t.Fatalf("expected 3 events, got %d", len(got))
		}
		if got[0].Msg != "checkpoint_dump" || got[1].Msg != "sync_push" {
			t.Errorf("order lost: %s, %s", got[0].Msg, got[1].Msg)
		}
	})

	t.Run("filter by message", func(t *testing.T) {
		got := e.HistoryWithFilter("a1b2c3d4", emit.HistoryFilter{Msg: "checkpoint_dump"})
		if len(got) != 2 {
			t.Errorf("expected 2 dumps, got %d", len(got))
		}
	})

	t.Run("filter by seq range", func(t *testing.T) {
		minSeq := uint64(2)
		got := e.HistoryWithFilter("a1b2c3d4", emit.HistoryFilter{MinSeq: &minSeq})
		if len(got) != 1 || got[0].Seq != 2 {
			t.Errorf("seq filter returned %+v", got)
		}
	})

	t.Run("history returns a copy", func(t *testing.T) {
		got := e.History("a1b2c3d4")
		got[0].Msg = "mutated"
		if e.History("a1b2c3d4")[0].Msg == "mutated" {
			t.Error("mutating the returned slice leaked into the buffer")
		}
	})

	t.Run("clear", func(t *testing.T) {
		e.Clear("a1b2c3d4")
		if len(e.History("a1b2c3d4")) != 0 {
			t.Error("clear left events behind")
		}
		if len(e.History("ffff0000")) != 1 {
			t.Error("clear removed another instance's events")
		}
		e.ClearAll()
		if len(e.History("ffff0000")) != 0 {
			t.Error("ClearAll left events behind")
		}
	})
}

func TestBufferedEmitterConcurrency(t *testing.T) {
	e := emit.NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(emit.Event{InstanceID: "a1b2c3d4", Msg: "tick"})
			}
		}()
	}
	wg.Wait()

	if got := len(e.History("a1b2c3d4")); got != 800 {
		t.Errorf("expected 800 events, got %d", got)
	}
}

func TestBufferedEmitterBatch(t *testing.T) {
	e := emit.NewBufferedEmitter()
	err := e.EmitBatch(context.Background(), []emit.Event{
		{InstanceID: "a1b2c3d4", Msg: "one"},
		{InstanceID: "a1b2c3d4", Msg: "two"},
	})
	if err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if got := len(e.History("a1b2c3d4")); got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
}
