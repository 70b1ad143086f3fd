// Package supervisor is the composition root: it wires the instance
// store, process manager, checkpoint driver, cluster substrate, shadow
// sync engine and migration coordinator into one node, and exposes the
// operation surface a control front-end drives.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/instance"
	"github.com/nhi-project/nhi/journal"
	"github.com/nhi-project/nhi/migrate"
	"github.com/nhi-project/nhi/proc"
	"github.com/nhi-project/nhi/shadow"
	"github.com/nhi-project/nhi/transfer"
)

// ErrInvalidState is returned when an operation is illegal in the
// instance's current role.
var ErrInvalidState = migrate.ErrInvalidState

// ErrBusy is returned on single-flight contention; callers may retry.
var ErrBusy = migrate.ErrBusy

// Supervisor is one node of the cluster.
type Supervisor struct {
	cfg     Config
	log     logrus.FieldLogger
	emitter emit.Emitter
	metrics *Metrics
	journal journal.Journal

	store   *instance.Store
	procs   *proc.Manager
	driver  *checkpoint.Driver
	mgr     *cluster.Manager
	disc    *cluster.Discovery
	sender  *transfer.Sender
	recv    *transfer.Receiver
	permits *shadow.Permits
	engine  *shadow.Engine
	coord   *migrate.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	watchMu  sync.Mutex
	watching map[string]int
}

// New builds a supervisor from the loaded config and options. Nothing
// runs until Start.
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		emitter:  emit.NewNullEmitter(),
		watching: make(map[string]int),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}

	if s.log == nil {
		logger := logrus.New()
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
		s.log = logger.WithField("node_id", cfg.NodeID)
	}
	if s.metrics != nil {
		s.emitter = NewMetricsEmitter(s.metrics, s.emitter)
	}

	if s.journal == nil {
		var err error
		if cfg.JournalDSN != "" {
			s.journal, err = journal.NewMySQLJournal(cfg.JournalDSN)
		} else {
			if mkErr := os.MkdirAll(cfg.DataDir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create data dir: %w", mkErr)
			}
			s.journal, err = journal.NewSQLiteJournal(cfg.journalPath())
		}
		if err != nil {
			return nil, err
		}
	}

	store, err := instance.NewStore(cfg.DataDir, s.log)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.procs = proc.NewManager(cfg.DaemonizerPath, s.log)
	s.procs.SetSpawnTimeout(cfg.SpawnTimeout.Std())
	s.driver = checkpoint.NewDriver(cfg.ExternalToolPath, s.log)

	s.mgr = cluster.NewManager(cfg.NodeID, cfg.NodeName, Version, cfg.ListenAddr, s.log)
	s.mgr.SetHeartbeatInterval(cfg.HeartbeatInterval.Std())

	s.sender = transfer.NewSender(s.mgr, s.log)
	s.recv = transfer.NewReceiver(s.mgr, s.log)
	s.recv.SetChunkTimeout(cfg.ChunkTimeout.Std())

	s.permits = shadow.NewPermits()
	s.engine = shadow.NewEngine(cfg.NodeID, store, s.driver, s.sender, s.mgr, s.permits, s.emitter, cfg.ShadowSyncInterval.Std(), s.log)
	s.coord = migrate.NewCoordinator(cfg.NodeID, store, s.driver, s.procs, s.mgr, s.sender, s.engine, s.permits, s.emitter, cfg.MigrationTimeout.Std(), s.log)

	s.recv.Accept = s.coord.AcceptImageSet
	s.recv.OnComplete = s.coord.OnImageSetInstalled
	s.recv.ImagesDir = func(id string) (string, error) {
		if !store.Exists(id) {
			return "", instance.ErrNotFound
		}
		dir := store.ImagesDir(id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return dir, nil
	}

	return s, nil
}

// Start brings the node up: cluster substrate (when networking is
// enabled), the sync engine, crash recovery and the pid watchers.
func (s *Supervisor) Start(ctx context.Context) error {
	// Propagate the caller's cancellation into the node lifetime that
	// began at New.
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	if s.cfg.NetworkingEnabled {
		if err := s.mgr.Start(s.ctx); err != nil {
			return err
		}
		s.mgr.OnPeerUp(func(info cluster.PeerInfo) {
			s.observePeers()
			s.emitter.Emit(emit.Event{NodeID: s.cfg.NodeID, Msg: "peer_joined", Meta: map[string]interface{}{"peer": info.ID}})
			s.announceInstancesTo(info.ID)
		})
		s.mgr.OnPeerDown(func(info cluster.PeerInfo) {
			s.observePeers()
			s.emitter.Emit(emit.Event{NodeID: s.cfg.NodeID, Msg: "peer_lost", Meta: map[string]interface{}{"peer": info.ID}})
		})

		advertise := s.cfg.AdvertiseAddr
		if advertise == "" {
			advertise = s.mgr.ListenAddr()
		}
		s.disc = cluster.NewDiscovery(s.cfg.DiscoveryPort, cluster.Beacon{
			NodeID:     s.cfg.NodeID,
			NodeName:   s.cfg.NodeName,
			ListenAddr: advertise,
		}, s.mgr.HandleBeacon, s.log)
		go func() {
			if err := s.disc.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.WithError(err).Error("discovery stopped")
			}
		}()
	}

	s.engine.Start(s.ctx)
	s.coord.Recover()

	go s.watchLoop()
	for _, inst := range s.store.List() {
		if inst.Role == instance.RoleRunning && proc.Alive(inst.PID) {
			s.watchPid(inst.ID, inst.PID)
		}
	}
	s.observeInstances()

	s.log.WithFields(logrus.Fields{
		"node_name": s.cfg.NodeName,
		"listen":    s.mgr.ListenAddr(),
	}).Info("supervisor started")
	return nil
}

// Close shuts the node down. Running instances with auto-sync get a
// final checkpoint before their process is killed; the rest are stopped
// with grace. Buffered events are flushed.
func (s *Supervisor) Close() {
	for _, inst := range s.store.List() {
		if inst.Role != instance.RoleRunning || !proc.Alive(inst.PID) {
			continue
		}
		if inst.AutoSync {
			if s.permits.TryAcquire(inst.ID) {
				if _, _, err := s.engine.Dump(context.Background(), inst, "", checkpoint.DumpOptions{LeaveRunning: false, ShellJob: true}); err != nil {
					s.log.WithField("instance_id", inst.ID).WithError(err).Warn("shutdown checkpoint failed")
				}
				s.permits.Release(inst.ID)
			}
			_ = s.procs.Kill(inst.PID)
		} else {
			_ = s.procs.Stop(context.Background(), inst.PID, s.cfg.StopGrace.Std())
		}
		_ = s.store.Mutate(inst.ID, func(in *instance.Instance) error {
			in.Role = instance.RoleStopped
			in.PID = 0
			return nil
		})
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.engine.Close()
	if s.cfg.NetworkingEnabled {
		s.mgr.Close()
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.emitter.Flush(flushCtx); err != nil {
		s.log.WithError(err).Warn("event flush on shutdown")
	}
	if err := s.journal.Close(); err != nil {
		s.log.WithError(err).Warn("journal close")
	}
}

// StartDetached creates a new instance and launches its workload
// detached, returning the allocated instance id.
func (s *Supervisor) StartDetached(ctx context.Context, program string, argv []string) (string, error) {
	if !filepath.IsAbs(program) {
		return "", fmt.Errorf("%w: program path must be absolute", ErrInvalidState)
	}

	id, err := instance.AllocateID(s.store.Exists)
	if err != nil {
		return "", err
	}

	inst := &instance.Instance{
		ID:            id,
		Program:       program,
		Argv:          append([]string(nil), argv...),
		Role:          instance.RoleRunning,
		OwnerNode:     s.cfg.NodeID,
		OutputLogPath: s.store.OutputLogPath(id),
		AutoSync:      true,
	}
	if err := s.store.Create(inst); err != nil {
		return "", err
	}

	pid, err := s.procs.Spawn(ctx, program, argv, s.store.OutputLogPath(id), s.store.PidfilePath(id))
	if err != nil {
		_ = s.store.Mutate(id, func(in *instance.Instance) error {
			in.Role = instance.RoleStopped
			return nil
		})
		s.record(ctx, journal.Entry{InstanceID: id, Op: "create", Outcome: journal.OutcomeError, Detail: err.Error()})
		return id, err
	}

	if err := s.store.Mutate(id, func(in *instance.Instance) error {
		in.PID = pid
		return nil
	}); err != nil {
		return id, err
	}
	s.watchPid(id, pid)

	if s.cfg.NetworkingEnabled {
		s.mgr.Broadcast(&cluster.InstanceCreated{
			InstanceID: id,
			OwnerNode:  s.cfg.NodeID,
			Program:    program,
			Argv:       argv,
		})
		// Every announced peer is a learned shadow interest; the sync
		// engine pushes image sets to exactly this set.
		_ = s.store.Mutate(id, func(in *instance.Instance) error {
			for _, p := range s.mgr.Peers() {
				if p.State == cluster.PeerConnected {
					in.AddShadow(p.ID)
				}
			}
			return nil
		})
	}

	s.emitter.Emit(emit.Event{
		NodeID:     s.cfg.NodeID,
		InstanceID: id,
		Msg:        "instance_start",
		Meta:       map[string]interface{}{"pid": pid, "program": program},
	})
	s.record(ctx, journal.Entry{InstanceID: id, Op: "create", Outcome: journal.OutcomeOK, Detail: program})
	return id, nil
}

// Checkpoint takes a named checkpoint of a locally Running instance. The
// process keeps running; the image set lands under images/<name>/.
func (s *Supervisor) Checkpoint(ctx context.Context, id, name string) error {
	if err := validCheckpointName(name); err != nil {
		return err
	}
	if _, err := os.Stat(s.store.ImageDir(id, name)); err == nil {
		return fmt.Errorf("checkpoint %q already exists for instance %s", name, id)
	}

	if err := s.permits.Acquire(ctx, id); err != nil {
		return err
	}
	defer s.permits.Release(id)

	inst, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != instance.RoleRunning || !proc.Alive(inst.PID) {
		return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, id, inst.Role)
	}

	ref, _, err := s.engine.Dump(ctx, inst, name, checkpoint.DumpOptions{LeaveRunning: true, ShellJob: true})
	if err != nil {
		s.record(ctx, journal.Entry{InstanceID: id, Op: "checkpoint", Outcome: journal.OutcomeError, Detail: err.Error()})
		return err
	}
	s.record(ctx, journal.Entry{InstanceID: id, Op: "checkpoint", Seq: ref.Seq, Outcome: journal.OutcomeOK, Detail: name})
	return nil
}

// Stop terminates a locally Running instance's process and marks the
// instance stopped. The on-disk directory survives until Purge.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	inst, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role.Migrating() {
		return fmt.Errorf("%w: instance %s is migrating", ErrBusy, id)
	}
	if inst.Role != instance.RoleRunning {
		return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, id, inst.Role)
	}

	if inst.PID > 0 {
		if err := s.procs.Stop(ctx, inst.PID, s.cfg.StopGrace.Std()); err != nil {
			return err
		}
	}
	if err := s.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleStopped
		in.PID = 0
		return nil
	}); err != nil {
		return err
	}

	s.emitter.Emit(emit.Event{NodeID: s.cfg.NodeID, InstanceID: id, Msg: "instance_stop"})
	s.record(ctx, journal.Entry{InstanceID: id, Op: "stop", Outcome: journal.OutcomeOK})
	return nil
}

// Restore resurrects a stopped instance from one of its local image sets
// and makes this node the owner.
func (s *Supervisor) Restore(ctx context.Context, id, name string) error {
	inst, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != instance.RoleStopped {
		return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, id, inst.Role)
	}

	dir := s.store.ImageDir(id, name)
	m, err := checkpoint.ReadManifest(dir)
	if err != nil {
		return err
	}

	// The checkpoint tool restores under the original pid; a leftover
	// process there has to go first.
	if inst.PID > 0 && proc.Alive(inst.PID) {
		if err := s.procs.Stop(ctx, inst.PID, 0); err != nil {
			return err
		}
	}

	pid, err := s.driver.Restore(ctx, dir, checkpoint.RestoreOptions{ShellJob: true})
	if err != nil {
		s.record(ctx, journal.Entry{InstanceID: id, Op: "restore", Outcome: journal.OutcomeError, Detail: err.Error()})
		return err
	}
	if err := proc.WritePidfile(s.store.PidfilePath(id), pid); err != nil {
		s.log.WithField("instance_id", id).WithError(err).Warn("write pidfile after restore")
	}

	if err := s.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleRunning
		in.PID = pid
		in.OwnerNode = s.cfg.NodeID
		return nil
	}); err != nil {
		return err
	}
	s.watchPid(id, pid)

	s.emitter.Emit(emit.Event{
		NodeID:     s.cfg.NodeID,
		InstanceID: id,
		Seq:        m.Seq,
		Msg:        "instance_restore",
		Meta:       map[string]interface{}{"pid": pid, "name": name},
	})
	s.record(ctx, journal.Entry{InstanceID: id, Op: "restore", Seq: m.Seq, Outcome: journal.OutcomeOK, Detail: name})
	return nil
}

// Migrate hands the instance off to the target node.
func (s *Supervisor) Migrate(ctx context.Context, id, targetNode string) error {
	err := s.coord.Migrate(ctx, id, targetNode)
	entry := journal.Entry{InstanceID: id, Op: "migrate_out", Peer: targetNode, Outcome: journal.OutcomeOK}
	if err != nil {
		entry.Outcome = journal.OutcomeError
		entry.Detail = err.Error()
	}
	s.record(ctx, entry)
	return err
}

// CancelMigration aborts an in-flight outbound migration, permitted only
// before the image hand-off completes.
func (s *Supervisor) CancelMigration(id string) error {
	return s.coord.Cancel(id)
}

// SyncNow forces an immediate shadow sync tick for the instance.
func (s *Supervisor) SyncNow(ctx context.Context, id string) error {
	return s.engine.Tick(ctx, id)
}

// Purge removes a stopped instance's record and its whole directory.
func (s *Supervisor) Purge(ctx context.Context, id string) error {
	inst, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != instance.RoleStopped {
		return fmt.Errorf("%w: purge requires a stopped instance, %s is %s", ErrInvalidState, id, inst.Role)
	}
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.permits.Forget(id)
	s.record(ctx, journal.Entry{InstanceID: id, Op: "purge", Outcome: journal.OutcomeOK})
	return nil
}

// Get returns a snapshot of one instance record.
func (s *Supervisor) Get(id string) (*instance.Instance, error) {
	return s.store.Get(id)
}

// List returns snapshots of all local instance records.
func (s *Supervisor) List() []*instance.Instance {
	return s.store.List()
}

// Peers returns the membership table snapshot.
func (s *Supervisor) Peers() []cluster.PeerInfo {
	if !s.cfg.NetworkingEnabled {
		return nil
	}
	return s.mgr.Peers()
}

// History returns the operation journal for an instance, newest first.
func (s *Supervisor) History(ctx context.Context, id string, limit int) ([]journal.Entry, error) {
	return s.journal.History(ctx, id, limit)
}

// NodeID returns this node's id.
func (s *Supervisor) NodeID() string { return s.cfg.NodeID }

func (s *Supervisor) record(ctx context.Context, e Entry) {
	if err := s.journal.Record(ctx, e); err != nil {
		s.log.WithField("instance_id", e.InstanceID).WithError(err).Warn("journal record failed")
	}
}

// Entry aliases the journal entry type for the operation surface.
type Entry = journal.Entry

// watchLoop reacts to store changes: metrics gauges and pid watchers for
// instances that became Running (a completed inbound migration, a
// restore).
func (s *Supervisor) watchLoop() {
	events := s.store.Subscribe()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.observeInstances()
			if ev.Op != instance.OpDelete && ev.Instance.Role == instance.RoleRunning && ev.Instance.PID > 0 {
				s.watchPid(ev.Instance.ID, ev.Instance.PID)
			}
		}
	}
}

// watchPid marks the instance stopped once its process dies on its own.
// Idempotent per (id, pid): a second call for the same generation is a
// no-op, and the store check on death keeps a watcher from a previous
// process generation from clobbering a newer one.
func (s *Supervisor) watchPid(id string, pid int) {
	s.watchMu.Lock()
	if s.watching[id] == pid {
		s.watchMu.Unlock()
		return
	}
	s.watching[id] = pid
	s.watchMu.Unlock()

	go func() {
		select {
		case <-s.ctx.Done():
			return
		case <-s.procs.Watch(s.ctx, pid):
		}
		s.watchMu.Lock()
		if s.watching[id] == pid {
			delete(s.watching, id)
		}
		s.watchMu.Unlock()

		inst, err := s.store.Get(id)
		if err != nil || inst.Role != instance.RoleRunning || inst.PID != pid {
			return
		}
		s.log.WithFields(logrus.Fields{"instance_id": id, "pid": pid}).Info("process exited")
		_ = s.store.Mutate(id, func(in *instance.Instance) error {
			if in.Role == instance.RoleRunning && in.PID == pid {
				in.Role = instance.RoleStopped
				in.PID = 0
			}
			return nil
		})
		s.emitter.Emit(emit.Event{NodeID: s.cfg.NodeID, InstanceID: id, Msg: "instance_exit", Meta: map[string]interface{}{"pid": pid}})
	}()
}

// announceInstancesTo tells a newly joined peer about every instance this
// node owns and records the peer as a learned shadow interest, so the
// sync engine starts replicating to it on its next tick.
func (s *Supervisor) announceInstancesTo(peerID string) {
	for _, inst := range s.store.List() {
		if inst.Role != instance.RoleRunning || inst.OwnerNode != s.cfg.NodeID {
			continue
		}
		if err := s.mgr.Send(peerID, &cluster.InstanceCreated{
			InstanceID: inst.ID,
			OwnerNode:  s.cfg.NodeID,
			Program:    inst.Program,
			Argv:       inst.Argv,
		}); err != nil {
			s.log.WithField("peer", peerID).WithError(err).Debug("instance announcement failed")
			continue
		}
		_ = s.store.Mutate(inst.ID, func(in *instance.Instance) error {
			in.AddShadow(peerID)
			return nil
		})
	}
}

func (s *Supervisor) observePeers() {
	if s.metrics == nil {
		return
	}
	n := 0
	for _, p := range s.mgr.Peers() {
		if p.State == cluster.PeerConnected {
			n++
		}
	}
	s.metrics.SetPeersConnected(n)
}

func (s *Supervisor) observeInstances() {
	if s.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for _, inst := range s.store.List() {
		counts[string(inst.Role)]++
	}
	for _, role := range []instance.Role{
		instance.RoleRunning, instance.RoleShadow, instance.RoleStopped,
		instance.RoleMigratingSource, instance.RoleMigratingTarget,
	} {
		s.metrics.SetInstances(string(role), counts[string(role)])
	}
}

func validCheckpointName(name string) error {
	if name == "" {
		return errors.New("checkpoint name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}
