package emit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/nhi-project/nhi/emit"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, false)

	e.Emit(emit.Event{
		NodeID:     "aaaa-node",
		InstanceID: "a1b2c3d4",
		Seq:        7,
		Msg:        "migration_begin",
		Meta:       map[string]interface{}{"peer": "bbbb-node"},
	})

	out := buf.String()
	for _, want := range []string{"[migration_begin]", "node=aaaa-node", "instance=a1b2c3d4", "seq=7", `"peer":"bbbb-node"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, true)

	e.Emit(emit.Event{NodeID: "aaaa-node", InstanceID: "a1b2c3d4", Seq: 3, Msg: "sync_push"})

	var got struct {
		Node     string `json:"node"`
		Instance string `json:"instance"`
		Seq      uint64 `json:"seq"`
		Msg      string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not one JSON object per line: %v: %s", err, buf.String())
	}
	if got.Node != "aaaa-node" || got.Instance != "a1b2c3d4" || got.Seq != 3 || got.Msg != "sync_push" {
		t.Errorf("fields lost: %+v", got)
	}
}

func TestLogEmitterBatch(t *testing.T) {
	var buf bytes.Buffer
	e := emit.NewLogEmitter(&buf, true)

	events := []emit.Event{
		{NodeID: "n", InstanceID: "a1b2c3d4", Msg: "one"},
		{NodeID: "n", InstanceID: "a1b2c3d4", Msg: "two"},
	}
	if err := e.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 JSONL lines, got %d", len(lines))
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestNullEmitter(t *testing.T) {
	e := emit.NewNullEmitter()
	e.Emit(emit.Event{Msg: "dropped"})
	if err := e.EmitBatch(context.Background(), []emit.Event{{Msg: "x"}}); err != nil {
		t.Errorf("EmitBatch: %v", err)
	}
	if err := e.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}
