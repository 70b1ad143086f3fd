package instance_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nhi-project/nhi/instance"
)

func newTestStore(t *testing.T) *instance.Store {
	t.Helper()
	s, err := instance.NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func testInstance(id string) *instance.Instance {
	return &instance.Instance{
		ID:        id,
		Program:   "/bin/yes",
		Argv:      []string{"hello"},
		Role:      instance.RoleRunning,
		OwnerNode: "node-a",
		AutoSync:  true,
	}
}

func TestStoreCreate(t *testing.T) {
	s := newTestStore(t)

	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("lays out the directory tree", func(t *testing.T) {
		for _, dir := range []string{
			filepath.Dir(s.OutputLogPath("a1b2c3d4")),
			s.ImagesDir("a1b2c3d4"),
		} {
			if _, err := os.Stat(dir); err != nil {
				t.Errorf("expected directory %s: %v", dir, err)
			}
		}
	})

	t.Run("persists config.json", func(t *testing.T) {
		data, err := os.ReadFile(s.ConfigPath("a1b2c3d4"))
		if err != nil {
			t.Fatalf("read config: %v", err)
		}
		var got instance.Instance
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("parse config: %v", err)
		}
		if got.ID != "a1b2c3d4" || got.Program != "/bin/yes" || got.Role != instance.RoleRunning {
			t.Errorf("persisted record mismatch: %+v", got)
		}
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		if err := s.Create(testInstance("a1b2c3d4")); !errors.Is(err, instance.ErrExists) {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})
}

func TestStoreGetReturnsSnapshot(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	snap, err := s.Get("a1b2c3d4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	snap.Program = "/bin/false"
	snap.Argv[0] = "mutated"

	again, err := s.Get("a1b2c3d4")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Program != "/bin/yes" || again.Argv[0] != "hello" {
		t.Error("mutating a snapshot leaked into the store")
	}
}

func TestStoreGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("deadbeef"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreMutate(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Run("commits to memory and disk", func(t *testing.T) {
		err := s.Mutate("a1b2c3d4", func(in *instance.Instance) error {
			in.PID = 4242
			in.Role = instance.RoleShadow
			return nil
		})
		if err != nil {
			t.Fatalf("Mutate: %v", err)
		}

		got, err := s.Get("a1b2c3d4")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.PID != 4242 || got.Role != instance.RoleShadow {
			t.Errorf("in-memory view not updated: %+v", got)
		}

		data, err := os.ReadFile(s.ConfigPath("a1b2c3d4"))
		if err != nil {
			t.Fatalf("read config: %v", err)
		}
		var onDisk instance.Instance
		if err := json.Unmarshal(data, &onDisk); err != nil {
			t.Fatalf("parse config: %v", err)
		}
		if onDisk.PID != 4242 || onDisk.Role != instance.RoleShadow {
			t.Errorf("on-disk view not updated: %+v", onDisk)
		}
	})

	t.Run("a failing mutation leaves the record untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Mutate("a1b2c3d4", func(in *instance.Instance) error {
			in.PID = 9999
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected mutation error, got %v", err)
		}
		got, _ := s.Get("a1b2c3d4")
		if got.PID != 4242 {
			t.Errorf("failed mutation leaked: pid %d", got.PID)
		}
	})

	t.Run("updates the timestamp", func(t *testing.T) {
		before, _ := s.Get("a1b2c3d4")
		time.Sleep(5 * time.Millisecond)
		if err := s.Mutate("a1b2c3d4", func(in *instance.Instance) error { return nil }); err != nil {
			t.Fatalf("Mutate: %v", err)
		}
		after, _ := s.Get("a1b2c3d4")
		if !after.UpdatedAt.After(before.UpdatedAt) {
			t.Error("UpdatedAt did not advance")
		}
	})
}

func TestStoreReload(t *testing.T) {
	dir := t.TempDir()
	s, err := instance.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Mutate("a1b2c3d4", func(in *instance.Instance) error {
		in.LatestCheckpoint = &instance.CheckpointRef{Name: "cp1", Seq: 3, SHA256: "ab", ByteSize: 10}
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	// A second store over the same directory is the restart case: the
	// disk copy is the source of truth.
	reloaded, err := instance.NewStore(dir, nil)
	if err != nil {
		t.Fatalf("NewStore reload: %v", err)
	}
	got, err := reloaded.Get("a1b2c3d4")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.LatestCheckpoint == nil || got.LatestCheckpoint.Seq != 3 {
		t.Errorf("reload lost checkpoint ref: %+v", got.LatestCheckpoint)
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := newTestStore(t)
	events := s.Subscribe()

	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Mutate("a1b2c3d4", func(in *instance.Instance) error {
		in.PID = 7
		return nil
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := s.Delete("a1b2c3d4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	wantOps := []instance.ChangeOp{instance.OpCreate, instance.OpUpdate, instance.OpDelete}
	for i, want := range wantOps {
		select {
		case ev := <-events:
			if ev.Op != want {
				t.Errorf("event %d: got op %s, want %s", i, ev.Op, want)
			}
			if ev.Instance.ID != "a1b2c3d4" {
				t.Errorf("event %d: wrong instance %s", i, ev.Instance.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	if err := s.Create(testInstance("a1b2c3d4")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete("a1b2c3d4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(s.Dir("a1b2c3d4")); !os.IsNotExist(err) {
		t.Error("instance directory survived delete")
	}
	if _, err := s.Get("a1b2c3d4"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete("a1b2c3d4"); !errors.Is(err, instance.ErrNotFound) {
		t.Errorf("double delete: expected ErrNotFound, got %v", err)
	}
}

func TestShadowHints(t *testing.T) {
	in := testInstance("a1b2c3d4")
	in.AddShadow("node-b")
	in.AddShadow("node-c")
	in.AddShadow("node-b") // duplicate ignored
	if len(in.ShadowNodes) != 2 {
		t.Fatalf("expected 2 shadow hints, got %v", in.ShadowNodes)
	}
	in.RemoveShadow("node-b")
	if len(in.ShadowNodes) != 1 || in.ShadowNodes[0] != "node-c" {
		t.Errorf("RemoveShadow left %v", in.ShadowNodes)
	}
	in.RemoveShadow("absent") // no-op
	if len(in.ShadowNodes) != 1 {
		t.Errorf("removing an absent hint changed %v", in.ShadowNodes)
	}
}
