// Package shadow runs the per-instance checkpoint replication loops that
// keep warm replicas on peer nodes current.
package shadow

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/instance"
	"github.com/nhi-project/nhi/proc"
	"github.com/nhi-project/nhi/transfer"
)

// DefaultSyncInterval is the shadow sync tick period.
const DefaultSyncInterval = 30 * time.Second

// Engine owns one replication loop per locally-Running instance with
// auto-sync enabled. Each tick:
//
//  1. Takes the instance's single-flight permit, skipping the tick when a
//     migration (or a straggling previous tick) holds it.
//  2. Dumps with leave-running semantics; the process never pauses.
//  3. Skips the push when the image set hashes identically to the last
//     one: an idle process costs zero bytes on the wire.
//  4. Pushes the set concurrently to every connected peer recorded as a
//     shadow holder of the instance; a peer that
//     fails simply retries on the next tick, the tick period being rate
//     limit enough.
//
// Loops start and stop in reaction to instance store change events; the
// engine holds no instance state of its own.
type Engine struct {
	nodeID  string
	store   *instance.Store
	driver  *checkpoint.Driver
	sender  *transfer.Sender
	mgr     *cluster.Manager
	permits *Permits
	emitter emit.Emitter
	log     logrus.FieldLogger

	interval time.Duration

	mu    sync.Mutex
	loops map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a sync engine. A zero interval selects the default.
func NewEngine(nodeID string, store *instance.Store, driver *checkpoint.Driver, sender *transfer.Sender, mgr *cluster.Manager, permits *Permits, emitter emit.Emitter, interval time.Duration, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Engine{
		nodeID:   nodeID,
		store:    store,
		driver:   driver,
		sender:   sender,
		mgr:      mgr,
		permits:  permits,
		emitter:  emitter,
		log:      log,
		interval: interval,
		loops:    make(map[string]context.CancelFunc),
	}
}

// Start launches loops for current Running instances and begins reacting
// to store changes.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	for _, inst := range e.store.List() {
		e.reconcile(inst)
	}

	events := e.store.Subscribe()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Op == instance.OpDelete {
					e.stopLoop(ev.Instance.ID)
					e.permits.Forget(ev.Instance.ID)
					continue
				}
				e.reconcile(ev.Instance)
			}
		}
	}()
}

// Close stops every loop and waits for in-flight ticks.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	for id, cancel := range e.loops {
		cancel()
		delete(e.loops, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// reconcile starts or stops the loop for one instance based on its
// current role and auto-sync flag.
func (e *Engine) reconcile(inst *instance.Instance) {
	want := inst.Role == instance.RoleRunning && inst.AutoSync

	e.mu.Lock()
	cancel, have := e.loops[inst.ID]
	if want == have {
		e.mu.Unlock()
		return
	}
	if !want {
		cancel()
		delete(e.loops, inst.ID)
		e.mu.Unlock()
		return
	}
	loopCtx, loopCancel := context.WithCancel(e.ctx)
	e.loops[inst.ID] = loopCancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(loopCtx, inst.ID)
	}()
}

func (e *Engine) stopLoop(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.loops[id]; ok {
		cancel()
		delete(e.loops, id)
	}
}

func (e *Engine) loop(ctx context.Context, id string) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Tick(ctx, id); err != nil {
				e.log.WithField("instance_id", id).WithError(err).Warn("shadow sync tick failed")
			}
		}
	}
}

// Tick performs one sync round for the instance. Exported so a control
// surface can force an immediate sync.
func (e *Engine) Tick(ctx context.Context, id string) error {
	if !e.permits.TryAcquire(id) {
		e.log.WithField("instance_id", id).Debug("sync tick skipped, permit held")
		return nil
	}
	defer e.permits.Release(id)

	inst, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != instance.RoleRunning || !inst.AutoSync || !proc.Alive(inst.PID) {
		return nil
	}

	ref, fresh, err := e.Dump(ctx, inst, "", checkpoint.DumpOptions{LeaveRunning: true, ShellJob: true})
	if err != nil {
		return err
	}
	if !fresh {
		// Identical image, nothing to push.
		return nil
	}

	return e.push(ctx, inst, ref)
}

// Dump checkpoints the instance's process into a new image directory and
// commits the new checkpoint ref. The caller must hold the instance
// permit. An empty name selects the automatic "auto-<seq>" naming used by
// the sync loop; manual checkpoints pass their own. When the new set
// hashes identically to the previous one it is deleted again and fresh is
// false; the previous ref stands and the sequence does not advance.
func (e *Engine) Dump(ctx context.Context, inst *instance.Instance, name string, opts checkpoint.DumpOptions) (*instance.CheckpointRef, bool, error) {
	seq := uint64(1)
	if inst.LatestCheckpoint != nil {
		seq = inst.LatestCheckpoint.Seq + 1
	}
	auto := name == ""
	if auto {
		name = fmt.Sprintf("auto-%d", seq)
	}
	dir := e.store.ImageDir(inst.ID, name)

	start := time.Now()
	if err := e.driver.Dump(ctx, inst.PID, dir, opts); err != nil {
		_ = os.RemoveAll(dir)
		e.emitter.Emit(emit.Event{
			NodeID:     e.nodeID,
			InstanceID: inst.ID,
			Msg:        "checkpoint_fail",
			Meta:       map[string]interface{}{"error": err.Error()},
		})
		return nil, false, err
	}

	m, err := checkpoint.BuildManifest(dir, seq)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, false, err
	}

	// Only automatic dumps dedupe; a named checkpoint always commits so
	// its directory exists under the name the caller asked for.
	if auto && inst.LatestCheckpoint != nil && m.SHA256 == inst.LatestCheckpoint.SHA256 {
		_ = os.RemoveAll(dir)
		return inst.LatestCheckpoint, false, nil
	}

	if err := checkpoint.WriteManifest(dir, m); err != nil {
		_ = os.RemoveAll(dir)
		return nil, false, err
	}

	ref := &instance.CheckpointRef{Name: name, Seq: seq, SHA256: m.SHA256, ByteSize: m.TotalBytes()}
	if err := e.store.Mutate(inst.ID, func(in *instance.Instance) error {
		in.LatestCheckpoint = ref
		return nil
	}); err != nil {
		return nil, false, err
	}

	e.emitter.Emit(emit.Event{
		NodeID:     e.nodeID,
		InstanceID: inst.ID,
		Seq:        seq,
		Msg:        "checkpoint_dump",
		Meta: map[string]interface{}{
			"name":        name,
			"bytes":       m.TotalBytes(),
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return ref, true, nil
}

// push replicates the image set behind ref to every shadow holder of the
// instance, concurrently. The target set is the recorded interest hints:
// peers the instance has been announced to (the supervisor re-announces
// local instances to every newly joined peer, so interest is learned at
// session establishment). Peers that are currently unreachable, and
// per-peer failures, are simply retried next tick.
func (e *Engine) push(ctx context.Context, inst *instance.Instance, ref *instance.CheckpointRef) error {
	id := inst.ID
	m, err := checkpoint.ReadManifest(e.store.ImageDir(id, ref.Name))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peerID := range inst.ShadowNodes {
		if peerID == e.nodeID || !e.mgr.Connected(peerID) {
			continue
		}
		peerID := peerID
		g.Go(func() error {
			if err := e.sender.SendSet(gctx, peerID, id, ref.Name, e.store.ImageDir(id, ref.Name), m); err != nil {
				e.log.WithFields(logrus.Fields{"instance_id": id, "peer": peerID}).WithError(err).Warn("shadow push failed")
				return nil // retried next tick
			}
			e.emitter.Emit(emit.Event{
				NodeID:     e.nodeID,
				InstanceID: id,
				Seq:        ref.Seq,
				Msg:        "sync_push",
				Meta:       map[string]interface{}{"peer": peerID, "bytes": ref.ByteSize},
			})
			return nil
		})
	}
	return g.Wait()
}
