package instance

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when a requested instance id does not exist.
var ErrNotFound = errors.New("instance not found")

// ErrExists is returned when creating an instance whose id is already taken.
var ErrExists = errors.New("instance already exists")

// ChangeOp classifies a store change event.
type ChangeOp string

const (
	// OpCreate signals a new instance record.
	OpCreate ChangeOp = "create"

	// OpUpdate signals a mutation of an existing record.
	OpUpdate ChangeOp = "update"

	// OpDelete signals an instance purge.
	OpDelete ChangeOp = "delete"
)

// ChangeEvent describes a committed store mutation. The carried Instance
// is a snapshot taken after the mutation; subscribers may retain it.
type ChangeEvent struct {
	Op       ChangeOp
	Instance *Instance
}

// changeBuffer bounds the per-subscriber event queue. A subscriber that
// stops draining loses events rather than blocking store mutations.
const changeBuffer = 64

// Store is the authoritative per-node map of instance id to instance
// record, backed by instances/<id>/config.json on disk.
//
// Discipline:
//   - Single writer per instance: Mutate serializes mutations under a
//     per-instance lock, so an owning task's updates never interleave.
//   - Every mutation is (a) applied in memory, (b) synced to disk via
//     write-to-temp + atomic rename, (c) emitted to subscribers.
//   - Readers get deep-copied snapshots and never observe partial writes.
//
// On restart the in-memory view is rebuilt from disk; a crash between the
// in-memory write and the disk sync is recovered by reloading, the disk
// copy being the source of truth.
type Store struct {
	root string
	log  logrus.FieldLogger

	mu        sync.RWMutex
	instances map[string]*Instance
	locks     map[string]*sync.Mutex

	subMu sync.Mutex
	subs  []chan ChangeEvent
}

// NewStore creates a store rooted at dir (the directory that holds
// instances/) and loads any existing records from disk.
func NewStore(dir string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		root:      dir,
		log:       log,
		instances: make(map[string]*Instance),
		locks:     make(map[string]*sync.Mutex),
	}
	if err := os.MkdirAll(s.InstancesDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create instances dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// InstancesDir returns the instances/ directory under the store root.
func (s *Store) InstancesDir() string {
	return filepath.Join(s.root, "instances")
}

// Dir returns the directory of an instance: instances/<id>/.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.InstancesDir(), id)
}

// ConfigPath returns instances/<id>/config.json.
func (s *Store) ConfigPath(id string) string {
	return filepath.Join(s.Dir(id), "config.json")
}

// PidfilePath returns instances/<id>/pidfile.
func (s *Store) PidfilePath(id string) string {
	return filepath.Join(s.Dir(id), "pidfile")
}

// OutputLogPath returns instances/<id>/output/process_output.log.
func (s *Store) OutputLogPath(id string) string {
	return filepath.Join(s.Dir(id), "output", "process_output.log")
}

// ImagesDir returns instances/<id>/images/.
func (s *Store) ImagesDir(id string) string {
	return filepath.Join(s.Dir(id), "images")
}

// ImageDir returns instances/<id>/images/<name>/.
func (s *Store) ImageDir(id, name string) string {
	return filepath.Join(s.ImagesDir(id), name)
}

// load rebuilds the in-memory map from instances/<id>/config.json files.
// Directories without a readable config are skipped with a warning; they
// may be partially purged leftovers.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.InstancesDir())
	if err != nil {
		return fmt.Errorf("read instances dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		data, err := os.ReadFile(s.ConfigPath(id))
		if err != nil {
			s.log.WithField("instance_id", id).WithError(err).Warn("skipping instance with unreadable config")
			continue
		}
		var inst Instance
		if err := json.Unmarshal(data, &inst); err != nil {
			s.log.WithField("instance_id", id).WithError(err).Warn("skipping instance with corrupt config")
			continue
		}
		s.instances[inst.ID] = &inst
		s.locks[inst.ID] = &sync.Mutex{}
	}
	return nil
}

// Exists reports whether an instance id is present in the store.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.instances[id]
	return ok
}

// Get returns a snapshot of an instance record.
func (s *Store) Get(id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

// List returns snapshots of all instance records, in unspecified order.
func (s *Store) List() []*Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// Create inserts a new instance record, lays out its directory tree
// (output/, images/) and persists config.json.
func (s *Store) Create(inst *Instance) error {
	s.mu.Lock()
	if _, ok := s.instances[inst.ID]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	now := time.Now().UTC()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	s.instances[inst.ID] = inst.Clone()
	s.locks[inst.ID] = &sync.Mutex{}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.OutputLogPath(inst.ID)), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.MkdirAll(s.ImagesDir(inst.ID), 0o755); err != nil {
		return fmt.Errorf("create images dir: %w", err)
	}
	if err := s.persist(inst); err != nil {
		return err
	}
	s.notify(ChangeEvent{Op: OpCreate, Instance: inst.Clone()})
	return nil
}

// Mutate applies fn to the instance record under the per-instance lock,
// persists the result and emits a change event. If fn returns an error
// the record is left untouched in memory and on disk.
//
// fn runs with no store-wide lock held; it must not call back into the
// store for the same instance.
func (s *Store) Mutate(id string, fn func(*Instance) error) error {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	cur, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()

	if err := s.persist(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.instances[id] = next
	s.mu.Unlock()

	s.notify(ChangeEvent{Op: OpUpdate, Instance: next.Clone()})
	return nil
}

// Delete removes the instance record and its whole on-disk directory.
// It does not check the instance's role.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	snapshot := inst.Clone()
	delete(s.instances, id)
	delete(s.locks, id)
	s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(id)); err != nil {
		return fmt.Errorf("remove instance dir: %w", err)
	}
	s.notify(ChangeEvent{Op: OpDelete, Instance: snapshot})
	return nil
}

// persist writes config.json via write-to-temp + atomic rename so readers
// and crash recovery never observe a torn file.
func (s *Store) persist(inst *Instance) error {
	data, err := json.MarshalIndent(inst, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instance config: %w", err)
	}
	path := s.ConfigPath(inst.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write instance config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit instance config: %w", err)
	}
	return nil
}

// Subscribe returns a channel of committed change events. Subscribers
// that fall more than changeBuffer events behind lose events; the store
// never blocks a mutation on a slow subscriber.
func (s *Store) Subscribe() <-chan ChangeEvent {
	ch := make(chan ChangeEvent, changeBuffer)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)
			return
		}
	}
}

func (s *Store) notify(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub <- ev:
		default:
			s.log.WithField("instance_id", ev.Instance.ID).Warn("dropping change event for slow subscriber")
		}
	}
}
