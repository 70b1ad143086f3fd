// Package migrate drives the migration state machine: the source-side
// hand-off (negotiate, freeze, transfer, swap) and the target-side
// responder (accept, restore, confirm), plus the ownership reconciliation
// broadcasts that keep every node's view convergent.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/instance"
	"github.com/nhi-project/nhi/proc"
	"github.com/nhi-project/nhi/shadow"
	"github.com/nhi-project/nhi/transfer"
)

// ErrBusy is returned when another migration for the instance is already
// in flight, locally or at the target. Callers may retry.
var ErrBusy = errors.New("migration already in flight")

// ErrInvalidState is returned when the operation is illegal in the
// instance's current role (e.g. migrating a shadow).
var ErrInvalidState = errors.New("operation invalid in current role")

// ErrRestoreFailed reports a failed restore at the target; the source
// reverted cleanly.
var ErrRestoreFailed = errors.New("restore failed at target")

// ErrCancelled reports a user-requested cancellation of an in-flight
// migration before the point of no return.
var ErrCancelled = errors.New("migration cancelled")

const (
	// DefaultMigrationTimeout is the end-to-end soft deadline.
	DefaultMigrationTimeout = 120 * time.Second

	// negotiateTimeout bounds the wait for MigrationReady/Reject.
	negotiateTimeout = 10 * time.Second

	// ackTimeout bounds the target's wait for SwapAck. The source's wait
	// for MigrationOk/Fail rides the migration deadline instead.
	ackTimeout = 10 * time.Second

	// replyBuffer sizes the per-flight reply channel.
	replyBuffer = 4
)

// flight is the source-side record of one in-flight migration.
type flight struct {
	target string
	cancel context.CancelFunc

	mu             sync.Mutex
	imagesComplete bool
	cancelled      bool

	replies chan cluster.Message
}

// markImagesComplete flips the point of no return; after it the flight
// can no longer be cancelled.
func (f *flight) markImagesComplete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imagesComplete = true
}

// requestCancel asks the flight to stop, reporting whether cancellation
// is still permitted.
func (f *flight) requestCancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imagesComplete {
		return false
	}
	f.cancelled = true
	f.cancel()
	return true
}

func (f *flight) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Coordinator owns migration state on both sides of the protocol.
//
// Source-side serialization: a per-instance entry in the flights table
// admits one migration at a time; a concurrent attempt fails fast with
// ErrBusy. The instance's single-flight permit is then acquired so an
// in-flight sync tick drains before the final dump, and sync ticks skip
// for the whole migration.
type Coordinator struct {
	nodeID  string
	store   *instance.Store
	driver  *checkpoint.Driver
	procs   *proc.Manager
	mgr     *cluster.Manager
	sender  *transfer.Sender
	engine  *shadow.Engine
	permits *shadow.Permits
	emitter emit.Emitter
	log     logrus.FieldLogger

	timeout time.Duration

	mu      sync.Mutex
	flights map[string]*flight

	targetMu sync.Mutex
	targets  map[string]*targetFlight
}

// NewCoordinator wires a coordinator and registers its message handlers
// on the node manager. A zero timeout selects the default.
func NewCoordinator(nodeID string, store *instance.Store, driver *checkpoint.Driver, procs *proc.Manager, mgr *cluster.Manager, sender *transfer.Sender, engine *shadow.Engine, permits *shadow.Permits, emitter emit.Emitter, timeout time.Duration, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if timeout <= 0 {
		timeout = DefaultMigrationTimeout
	}
	c := &Coordinator{
		nodeID:  nodeID,
		store:   store,
		driver:  driver,
		procs:   procs,
		mgr:     mgr,
		sender:  sender,
		engine:  engine,
		permits: permits,
		emitter: emitter,
		log:     log,
		timeout: timeout,
		flights: make(map[string]*flight),
		targets: make(map[string]*targetFlight),
	}

	mgr.Handle(cluster.KindMigrationRequest, c.onMigrationRequest)
	mgr.Handle(cluster.KindMigrationReady, c.onSourceReply)
	mgr.Handle(cluster.KindMigrationReject, c.onSourceReply)
	mgr.Handle(cluster.KindImagesComplete, c.onImagesComplete)
	mgr.Handle(cluster.KindMigrationOk, c.onSourceReply)
	mgr.Handle(cluster.KindMigrationFail, c.onMigrationFail)
	mgr.Handle(cluster.KindSwapAck, c.onSwapAck)
	mgr.Handle(cluster.KindOwnershipChanged, c.onOwnershipChanged)
	mgr.Handle(cluster.KindInstanceCreated, c.onInstanceCreated)
	return c
}

// Migrate hands the Running instance off to the target node, driving the
// full protocol: negotiate, freeze-dump, transfer, restore at the target,
// role swap, reconciliation broadcast.
//
// On any failure before the swap the source reverts to Running with its
// process resumed; the returned error classifies the failure.
func (c *Coordinator) Migrate(ctx context.Context, id, targetNode string) error {
	inst, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if inst.Role != instance.RoleRunning {
		return fmt.Errorf("%w: instance %s is %s", ErrInvalidState, id, inst.Role)
	}
	if targetNode == c.nodeID {
		return fmt.Errorf("%w: instance %s already runs here", ErrInvalidState, id)
	}
	if !c.mgr.Connected(targetNode) {
		return fmt.Errorf("%w: %s", cluster.ErrPeerUnreachable, targetNode)
	}

	mctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	// Admit at most one migration per instance; the loser fails fast.
	fl := &flight{
		target:  targetNode,
		cancel:  cancel,
		replies: make(chan cluster.Message, replyBuffer),
	}
	c.mu.Lock()
	if _, exists := c.flights[id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: instance %s", ErrBusy, id)
	}
	c.flights[id] = fl
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.flights, id)
		c.mu.Unlock()
	}()

	// Take the single-flight permit: drains an in-flight sync tick and
	// starves the sync loop for the duration of the migration.
	if err := c.permits.Acquire(mctx, id); err != nil {
		return err
	}
	defer c.permits.Release(id)

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: id,
		Msg:        "migration_begin",
		Meta:       map[string]interface{}{"peer": targetNode},
	})
	start := time.Now()

	err = c.run(mctx, fl, id, targetNode)
	if err != nil {
		if fl.wasCancelled() {
			err = fmt.Errorf("%w: instance %s", ErrCancelled, id)
		}
		c.emitter.Emit(emit.Event{
			NodeID:     c.nodeID,
			InstanceID: id,
			Msg:        "migration_fail",
			Meta:       map[string]interface{}{"peer": targetNode, "error": err.Error()},
		})
		return err
	}

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: id,
		Msg:        "migration_swap",
		Meta: map[string]interface{}{
			"peer":        targetNode,
			"duration_ms": time.Since(start).Milliseconds(),
		},
	})
	return nil
}

// Cancel aborts an in-flight migration for the instance, permitted only
// before the image set has been handed over. After that point the
// migration runs to completion either way.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	fl, ok := c.flights[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no migration in flight for %s", instance.ErrNotFound, id)
	}
	if !fl.requestCancel() {
		return fmt.Errorf("%w: image hand-off already complete for %s", ErrInvalidState, id)
	}
	return nil
}

// run executes the protocol once admission is done. The caller reverts
// nothing; revert happens here at each failure edge.
func (c *Coordinator) run(ctx context.Context, fl *flight, id, targetNode string) error {
	inst, err := c.store.Get(id)
	if err != nil {
		return err
	}

	// 1. Negotiate. ExpectedHash announces an incremental hand-off when
	// we believe the target already shadows our latest image.
	var sourceSeq uint64
	expectedHash := ""
	if inst.LatestCheckpoint != nil {
		sourceSeq = inst.LatestCheckpoint.Seq
		for _, sh := range inst.ShadowNodes {
			if sh == targetNode {
				expectedHash = inst.LatestCheckpoint.SHA256
			}
		}
	}

	reply, err := c.negotiate(ctx, fl, id, sourceSeq, expectedHash, targetNode)
	if err != nil {
		return err
	}
	if rej, ok := reply.(*cluster.MigrationReject); ok {
		if rej.Code == cluster.RejectStaleShadow && expectedHash != "" {
			// The target's shadow is too old for an incremental hand-off;
			// fall back to a cold full send.
			reply, err = c.negotiate(ctx, fl, id, sourceSeq, "", targetNode)
			if err != nil {
				return err
			}
			rej, ok = reply.(*cluster.MigrationReject)
		}
		if ok {
			return rejectError(rej)
		}
	}
	if _, ok := reply.(*cluster.MigrationReady); !ok {
		return fmt.Errorf("%w: unexpected %s during negotiation", cluster.ErrProtocol, reply.Kind())
	}

	// 2. Freeze. Role flips first so a crash recovers into the migrating
	// state; the final dump stops the process at its captured point.
	if err := c.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleMigratingSource
		return nil
	}); err != nil {
		return err
	}

	inst, err = c.store.Get(id)
	if err != nil {
		return c.revert(id, err)
	}
	ref, _, err := c.engine.Dump(ctx, inst, "", checkpoint.DumpOptions{LeaveRunning: false, ShellJob: true})
	if err != nil {
		return c.revert(id, err)
	}

	// 3. Transfer the full set. The wire format accommodates sending
	// only a diff against the target's prior shadow image; a full resend
	// is always valid and is what we do.
	m, err := checkpoint.ReadManifest(c.store.ImageDir(id, ref.Name))
	if err != nil {
		return c.revert(id, err)
	}
	if err := c.sender.SendSet(ctx, targetNode, id, ref.Name, c.store.ImageDir(id, ref.Name), m); err != nil {
		c.signalTargetAbort(targetNode, id, "transfer aborted at source")
		return c.revert(id, err)
	}

	if fl.wasCancelled() {
		c.signalTargetAbort(targetNode, id, "cancelled by user")
		return c.revert(id, ErrCancelled)
	}

	// 4. Hand over. Past this point the migration runs to completion.
	fl.markImagesComplete()
	if err := c.mgr.Send(targetNode, &cluster.ImagesComplete{InstanceID: id, ManifestHash: ref.SHA256}); err != nil {
		return c.revert(id, err)
	}

	// 5. Await the target's verdict.
	verdict, err := c.awaitReply(ctx, fl)
	if err != nil {
		// The target may have succeeded without us hearing; it will
		// re-announce ownership and the reconciliation path will demote
		// us then. Until that arrives we remain the owner.
		return c.revert(id, fmt.Errorf("awaiting migration verdict: %w", err))
	}

	switch v := verdict.(type) {
	case *cluster.MigrationFail:
		return c.revert(id, fmt.Errorf("%w: %s", ErrRestoreFailed, v.Reason))
	case *cluster.MigrationOk:
		return c.completeSwap(id, targetNode, ref.Seq, int(v.NewPid))
	default:
		return c.revert(id, fmt.Errorf("%w: unexpected %s as migration verdict", cluster.ErrProtocol, verdict.Kind()))
	}
}

// negotiate sends MigrationRequest and waits for Ready or Reject.
func (c *Coordinator) negotiate(ctx context.Context, fl *flight, id string, sourceSeq uint64, expectedHash, targetNode string) (cluster.Message, error) {
	if err := c.mgr.Send(targetNode, &cluster.MigrationRequest{
		InstanceID:   id,
		SourceSeq:    sourceSeq,
		ExpectedHash: expectedHash,
	}); err != nil {
		return nil, err
	}

	nctx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	defer cancel()
	return c.awaitReply(nctx, fl)
}

func (c *Coordinator) awaitReply(ctx context.Context, fl *flight) (cluster.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-fl.replies:
		return msg, nil
	}
}

// revert returns the source to Running after a failed migration: the
// process, stopped by the final dump, is resumed, and the role flips
// back. The original error is returned for the caller.
func (c *Coordinator) revert(id string, cause error) error {
	inst, err := c.store.Get(id)
	if err != nil {
		return cause
	}
	if inst.PID > 0 {
		if err := c.procs.Resume(inst.PID); err != nil {
			c.log.WithField("instance_id", id).WithError(err).Warn("resume after failed migration")
		}
	}
	if inst.Role == instance.RoleMigratingSource {
		if err := c.store.Mutate(id, func(in *instance.Instance) error {
			in.Role = instance.RoleRunning
			return nil
		}); err != nil {
			c.log.WithField("instance_id", id).WithError(err).Error("revert role after failed migration")
		}
	}
	return cause
}

// completeSwap finishes a successful migration at the source: SwapAck to
// the target, the stale local process killed (a shadow never resumes a
// local pid), the role swapped, and ownership broadcast to the rest of
// the cluster. The local image set is kept as shadow data.
func (c *Coordinator) completeSwap(id, targetNode string, seq uint64, newPid int) error {
	if err := c.mgr.Send(targetNode, &cluster.SwapAck{InstanceID: id}); err != nil {
		// The target assumes success on ack timeout and re-announces
		// ownership; the swap still happens here.
		c.log.WithField("instance_id", id).WithError(err).Warn("SwapAck send failed")
	}

	inst, err := c.store.Get(id)
	if err != nil {
		return err
	}
	if inst.PID > 0 {
		if err := c.procs.Kill(inst.PID); err != nil {
			c.log.WithField("instance_id", id).WithError(err).Warn("kill stale pid on role swap")
		}
	}

	if err := c.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleShadow
		in.PID = 0
		in.OwnerNode = targetNode
		in.RemoveShadow(targetNode)
		in.AddShadow(c.nodeID)
		return nil
	}); err != nil {
		return err
	}

	c.mgr.Broadcast(&cluster.OwnershipChanged{InstanceID: id, NewOwner: targetNode, Seq: seq})
	c.log.WithFields(logrus.Fields{
		"instance_id": id,
		"new_owner":   targetNode,
		"new_pid":     newPid,
	}).Info("migration complete, now shadowing")
	return nil
}

// onSourceReply routes target responses to the waiting flight.
func (c *Coordinator) onSourceReply(from string, msg cluster.Message) {
	id := replyInstanceID(msg)
	c.mu.Lock()
	fl, ok := c.flights[id]
	c.mu.Unlock()
	if !ok || fl.target != from {
		c.log.WithFields(logrus.Fields{"peer": from, "kind": msg.Kind().String()}).Debug("dropping reply with no waiting flight")
		return
	}
	select {
	case fl.replies <- msg:
	default:
		c.log.WithField("instance_id", id).Warn("dropping reply, flight channel full")
	}
}

func replyInstanceID(msg cluster.Message) string {
	switch m := msg.(type) {
	case *cluster.MigrationReady:
		return m.InstanceID
	case *cluster.MigrationReject:
		return m.InstanceID
	case *cluster.MigrationOk:
		return m.InstanceID
	case *cluster.MigrationFail:
		return m.InstanceID
	default:
		return ""
	}
}

func rejectError(rej *cluster.MigrationReject) error {
	switch rej.Code {
	case cluster.RejectBusy:
		return fmt.Errorf("%w: target: %s", ErrBusy, rej.Reason)
	case cluster.RejectUnknown:
		return fmt.Errorf("%w: target: %s", instance.ErrNotFound, rej.Reason)
	default:
		return fmt.Errorf("%w: target rejected: %s", ErrInvalidState, rej.Reason)
	}
}

// signalTargetAbort tells the target to discard its migrating state after
// a source-side abort mid-transfer.
func (c *Coordinator) signalTargetAbort(targetNode, id, reason string) {
	if err := c.mgr.Send(targetNode, &cluster.MigrationFail{InstanceID: id, Reason: reason}); err != nil {
		c.log.WithField("instance_id", id).WithError(err).Debug("abort signal to target failed")
	}
}
