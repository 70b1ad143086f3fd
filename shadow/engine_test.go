package shadow_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/instance"
	"github.com/nhi-project/nhi/shadow"
	"github.com/nhi-project/nhi/transfer"
)

// writePayloadTool creates a fake checkpoint tool whose dump output is
// whatever the payload file currently holds, letting tests control
// whether consecutive dumps hash identically.
func writePayloadTool(t *testing.T) (toolPath, payloadPath string) {
	t.Helper()
	dir := t.TempDir()
	payloadPath = filepath.Join(dir, "payload")
	if err := os.WriteFile(payloadPath, []byte("generation-1"), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	script := `#!/bin/sh
cmd="$1"; shift
dir=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-D" ]; then dir="$2"; shift; fi
  shift
done
case "$cmd" in
  dump) cp "$NHI_TEST_PAYLOAD" "$dir/pages-1.img" ;;
esac
exit 0
`
	toolPath = filepath.Join(dir, "fake-criu")
	if err := os.WriteFile(toolPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub tool: %v", err)
	}
	t.Setenv("NHI_TEST_PAYLOAD", payloadPath)
	return toolPath, payloadPath
}

type engineFixture struct {
	store   *instance.Store
	engine  *shadow.Engine
	permits *shadow.Permits
	events  *emit.BufferedEmitter
	payload string
}

func newEngineFixture(t *testing.T, interval time.Duration) *engineFixture {
	t.Helper()
	toolPath, payloadPath := writePayloadTool(t)

	store, err := instance.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	driver := checkpoint.NewDriver(toolPath, nil)
	mgr := cluster.NewManager("aaaa-node", "alpha", "test", "127.0.0.1:0", nil)
	sender := transfer.NewSender(mgr, nil)
	permits := shadow.NewPermits()
	events := emit.NewBufferedEmitter()

	engine := shadow.NewEngine("aaaa-node", store, driver, sender, mgr, permits, events, interval, nil)
	t.Cleanup(engine.Close)

	return &engineFixture{store: store, engine: engine, permits: permits, events: events, payload: payloadPath}
}

func (f *engineFixture) createRunning(t *testing.T, id string) {
	t.Helper()
	err := f.store.Create(&instance.Instance{
		ID:        id,
		Program:   "/bin/yes",
		Role:      instance.RoleRunning,
		OwnerNode: "aaaa-node",
		PID:       os.Getpid(), // a live pid the engine's aliveness check passes
		AutoSync:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestTickDumpsAndCommitsRef(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	f.createRunning(t, "a1b2c3d4")

	if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	inst, err := f.store.Get("a1b2c3d4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.LatestCheckpoint == nil {
		t.Fatal("no checkpoint ref committed")
	}
	if inst.LatestCheckpoint.Seq != 1 || inst.LatestCheckpoint.Name != "auto-1" {
		t.Errorf("ref = %+v", inst.LatestCheckpoint)
	}

	if _, err := checkpoint.ReadManifest(f.store.ImageDir("a1b2c3d4", "auto-1")); err != nil {
		t.Errorf("manifest missing from image dir: %v", err)
	}

	dumps := f.events.HistoryWithFilter("a1b2c3d4", emit.HistoryFilter{Msg: "checkpoint_dump"})
	if len(dumps) != 1 {
		t.Errorf("expected 1 checkpoint_dump event, got %d", len(dumps))
	}
}

func TestTickDedupesIdenticalImages(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	f.createRunning(t, "a1b2c3d4")

	for i := 0; i < 3; i++ {
		if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	inst, _ := f.store.Get("a1b2c3d4")
	if inst.LatestCheckpoint.Seq != 1 {
		t.Errorf("idle process advanced seq to %d", inst.LatestCheckpoint.Seq)
	}
	if _, err := os.Stat(f.store.ImageDir("a1b2c3d4", "auto-2")); !os.IsNotExist(err) {
		t.Error("deduped dump left its directory behind")
	}
	dumps := f.events.HistoryWithFilter("a1b2c3d4", emit.HistoryFilter{Msg: "checkpoint_dump"})
	if len(dumps) != 1 {
		t.Errorf("expected 1 checkpoint_dump event after dedupe, got %d", len(dumps))
	}
}

func TestTickAdvancesSeqOnNewState(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	f.createRunning(t, "a1b2c3d4")

	if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if err := os.WriteFile(f.payload, []byte("generation-2"), 0o644); err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	inst, _ := f.store.Get("a1b2c3d4")
	if inst.LatestCheckpoint.Seq != 2 {
		t.Errorf("seq = %d, want 2", inst.LatestCheckpoint.Seq)
	}
}

func TestTickSkipsWhilePermitHeld(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	f.createRunning(t, "a1b2c3d4")

	if !f.permits.TryAcquire("a1b2c3d4") {
		t.Fatal("could not take permit")
	}
	defer f.permits.Release("a1b2c3d4")

	if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	inst, _ := f.store.Get("a1b2c3d4")
	if inst.LatestCheckpoint != nil {
		t.Error("tick dumped while the permit was held")
	}
}

func TestTickIgnoresNonRunningRoles(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	err := f.store.Create(&instance.Instance{
		ID:        "a1b2c3d4",
		Program:   "/bin/yes",
		Role:      instance.RoleShadow,
		OwnerNode: "bbbb-node",
		AutoSync:  true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	inst, _ := f.store.Get("a1b2c3d4")
	if inst.LatestCheckpoint != nil {
		t.Error("a shadow dumped its own checkpoint")
	}
}

func TestNamedDumpAlwaysCommits(t *testing.T) {
	f := newEngineFixture(t, time.Hour)
	f.createRunning(t, "a1b2c3d4")

	inst, _ := f.store.Get("a1b2c3d4")
	ref, fresh, err := f.engine.Dump(context.Background(), inst, "cp1", checkpoint.DumpOptions{LeaveRunning: true})
	if err != nil {
		t.Fatalf("Dump cp1: %v", err)
	}
	if !fresh || ref.Name != "cp1" || ref.Seq != 1 {
		t.Errorf("ref = %+v fresh = %v", ref, fresh)
	}

	// Identical content, but a named checkpoint must still materialize
	// under its own name.
	inst, _ = f.store.Get("a1b2c3d4")
	ref, fresh, err = f.engine.Dump(context.Background(), inst, "cp2", checkpoint.DumpOptions{LeaveRunning: true})
	if err != nil {
		t.Fatalf("Dump cp2: %v", err)
	}
	if !fresh || ref.Name != "cp2" || ref.Seq != 2 {
		t.Errorf("ref = %+v fresh = %v", ref, fresh)
	}
	if _, err := os.Stat(f.store.ImageDir("a1b2c3d4", "cp2")); err != nil {
		t.Errorf("named checkpoint directory missing: %v", err)
	}
}

func TestPushTargetsOnlyRecordedShadows(t *testing.T) {
	toolPath, payloadPath := writePayloadTool(t)

	store, err := instance.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	driver := checkpoint.NewDriver(toolPath, nil)
	mgrA := cluster.NewManager("aaaa-node", "alpha", "test", "127.0.0.1:0", nil)
	mgrB := cluster.NewManager("bbbb-node", "beta", "test", "127.0.0.1:0", nil)

	var mu sync.Mutex
	var received []transfer.CompletedSet
	recv := transfer.NewReceiver(mgrB, nil)
	recv.ImagesDir = func(id string) (string, error) {
		dir := filepath.Join(t.TempDir(), id, "images")
		return dir, os.MkdirAll(dir, 0o755)
	}
	recv.OnComplete = func(peerID string, set transfer.CompletedSet) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, set)
	}

	if err := mgrA.Start(context.Background()); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := mgrB.Start(context.Background()); err != nil {
		t.Fatalf("start b: %v", err)
	}
	t.Cleanup(mgrA.Close)
	t.Cleanup(mgrB.Close)
	if err := mgrA.Dial(mgrB.ListenAddr()); err != nil {
		t.Fatalf("dial: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !mgrA.Connected("bbbb-node") {
		if time.Now().After(deadline) {
			t.Fatal("session never came up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sender := transfer.NewSender(mgrA, nil)
	permits := shadow.NewPermits()
	engine := shadow.NewEngine("aaaa-node", store, driver, sender, mgrA, permits, emit.NewNullEmitter(), time.Hour, nil)
	t.Cleanup(engine.Close)

	if err := store.Create(&instance.Instance{
		ID:        "a1b2c3d4",
		Program:   "/bin/yes",
		Role:      instance.RoleRunning,
		OwnerNode: "aaaa-node",
		PID:       os.Getpid(),
		AutoSync:  true,
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A connected peer with no recorded interest must not receive the
	// image set.
	if err := engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	got := len(received)
	mu.Unlock()
	if got != 0 {
		t.Fatalf("uninterested peer received %d sets", got)
	}

	// Recording the interest makes the next fresh dump replicate.
	if err := store.Mutate("a1b2c3d4", func(in *instance.Instance) error {
		in.AddShadow("bbbb-node")
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := os.WriteFile(payloadPath, []byte("generation-2"), 0o644); err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if err := engine.Tick(context.Background(), "a1b2c3d4"); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got = len(received)
		mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("hinted peer never received the image set")
		}
		time.Sleep(20 * time.Millisecond)
	}
	mu.Lock()
	set := received[0]
	mu.Unlock()
	if set.InstanceID != "a1b2c3d4" || set.Seq != 2 {
		t.Errorf("received set = %+v", set)
	}
}

func TestEngineLoopPicksUpRunningInstances(t *testing.T) {
	f := newEngineFixture(t, 50*time.Millisecond)
	f.engine.Start(context.Background())

	f.createRunning(t, "a1b2c3d4")

	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := f.store.Get("a1b2c3d4")
		if err == nil && inst.LatestCheckpoint != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("engine loop never dumped the new instance")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
