package migrate

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
	"github.com/nhi-project/nhi/emit"
	"github.com/nhi-project/nhi/instance"
	"github.com/nhi-project/nhi/proc"
	"github.com/nhi-project/nhi/transfer"
)

// targetFlight is the target-side record of one inbound migration.
type targetFlight struct {
	source   string
	prevRole instance.Role
	prevRef  *instance.CheckpointRef

	// receivedRef is set once the image set lands and verifies.
	receivedRef *instance.CheckpointRef

	// ack is closed when SwapAck arrives.
	ack chan struct{}
}

// onMigrationRequest is the target-side admission decision.
func (c *Coordinator) onMigrationRequest(from string, msg cluster.Message) {
	req := msg.(*cluster.MigrationRequest)
	id := req.InstanceID

	reject := func(code cluster.RejectCode, reason string) {
		if err := c.mgr.Send(from, &cluster.MigrationReject{InstanceID: id, Code: code, Reason: reason}); err != nil {
			c.log.WithField("instance_id", id).WithError(err).Debug("send MigrationReject failed")
		}
	}

	inst, err := c.store.Get(id)
	if err != nil {
		reject(cluster.RejectUnknown, "no local record of instance")
		return
	}

	c.targetMu.Lock()
	if _, busy := c.targets[id]; busy {
		c.targetMu.Unlock()
		reject(cluster.RejectBusy, "already migrating here")
		return
	}
	if inst.Role == instance.RoleRunning || inst.Role == instance.RoleMigratingSource {
		c.targetMu.Unlock()
		reject(cluster.RejectBusy, fmt.Sprintf("instance is %s on this node", inst.Role))
		return
	}

	// An incremental hand-off needs our shadow image to be current
	// enough; a request with no expected hash is a full send and any
	// local state (including none, the cold case) is acceptable.
	var localSeq uint64
	if inst.LatestCheckpoint != nil {
		localSeq = inst.LatestCheckpoint.Seq
	}
	if req.ExpectedHash != "" {
		if inst.LatestCheckpoint == nil ||
			localSeq+1 < req.SourceSeq ||
			inst.LatestCheckpoint.SHA256 != req.ExpectedHash {
			c.targetMu.Unlock()
			reject(cluster.RejectStaleShadow, fmt.Sprintf("local seq %d behind source seq %d", localSeq, req.SourceSeq))
			return
		}
	}

	fl := &targetFlight{
		source:   from,
		prevRole: inst.Role,
		prevRef:  inst.LatestCheckpoint,
		ack:      make(chan struct{}),
	}
	c.targets[id] = fl
	c.targetMu.Unlock()

	if err := c.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleMigratingTarget
		return nil
	}); err != nil {
		c.targetMu.Lock()
		delete(c.targets, id)
		c.targetMu.Unlock()
		reject(cluster.RejectBusy, fmt.Sprintf("record update failed: %v", err))
		return
	}

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: id,
		Msg:        "migration_accept",
		Meta:       map[string]interface{}{"peer": from, "source_seq": req.SourceSeq},
	})
	if err := c.mgr.Send(from, &cluster.MigrationReady{InstanceID: id, AcceptSeq: localSeq}); err != nil {
		c.log.WithField("instance_id", id).WithError(err).Warn("send MigrationReady failed")
		c.revertTarget(id, "source unreachable after accept")
	}
}

// AcceptImageSet vets an announced inbound image set before any byte is
// staged: the instance must be known here, must not be running here, and
// the sequence must advance. Wire this as the transfer receiver's Accept
// hook.
func (c *Coordinator) AcceptImageSet(peerID, instanceID string, seq uint64) error {
	inst, err := c.store.Get(instanceID)
	if err != nil {
		return err
	}
	if inst.Role == instance.RoleRunning || inst.Role == instance.RoleMigratingSource {
		return fmt.Errorf("%w: owner does not accept image sets", ErrInvalidState)
	}
	if inst.LatestCheckpoint != nil && seq <= inst.LatestCheckpoint.Seq {
		return fmt.Errorf("stale image set seq %d, have %d", seq, inst.LatestCheckpoint.Seq)
	}
	return nil
}

// OnImageSetInstalled commits a verified inbound set: the checkpoint ref
// advances, a stopped non-owner becomes a shadow, and an in-flight
// migration records the set for the restore step. Wire this as the
// transfer receiver's OnComplete hook.
func (c *Coordinator) OnImageSetInstalled(peerID string, set transfer.CompletedSet) {
	ref := &instance.CheckpointRef{
		Name:     set.Name,
		Seq:      set.Seq,
		SHA256:   set.ManifestHash,
		ByteSize: set.Manifest.TotalBytes(),
	}

	if err := c.store.Mutate(set.InstanceID, func(in *instance.Instance) error {
		in.LatestCheckpoint = ref
		if in.Role == instance.RoleStopped && in.OwnerNode != c.nodeID {
			in.Role = instance.RoleShadow
		}
		return nil
	}); err != nil {
		c.log.WithField("instance_id", set.InstanceID).WithError(err).Warn("commit received image set failed")
		return
	}

	c.targetMu.Lock()
	if fl, ok := c.targets[set.InstanceID]; ok && fl.source == peerID {
		fl.receivedRef = ref
	}
	c.targetMu.Unlock()

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: set.InstanceID,
		Seq:        set.Seq,
		Msg:        "sync_recv",
		Meta:       map[string]interface{}{"peer": peerID, "bytes": set.Manifest.TotalBytes()},
	})
}

// onImagesComplete runs the restore leg at the target.
func (c *Coordinator) onImagesComplete(from string, msg cluster.Message) {
	done := msg.(*cluster.ImagesComplete)
	id := done.InstanceID

	c.targetMu.Lock()
	fl, ok := c.targets[id]
	c.targetMu.Unlock()
	if !ok || fl.source != from {
		c.log.WithFields(logrus.Fields{"peer": from, "instance_id": id}).Warn("ImagesComplete without a migration in flight")
		return
	}

	fail := func(reason string) {
		c.log.WithField("instance_id", id).Warnf("inbound migration failed: %s", reason)
		if fl.receivedRef != nil {
			_ = os.RemoveAll(c.store.ImageDir(id, fl.receivedRef.Name))
		}
		c.revertTarget(id, reason)
		if err := c.mgr.Send(from, &cluster.MigrationFail{InstanceID: id, Reason: reason}); err != nil {
			c.log.WithField("instance_id", id).WithError(err).Debug("send MigrationFail failed")
		}
	}

	if fl.receivedRef == nil {
		fail("image set never arrived")
		return
	}
	if fl.receivedRef.SHA256 != done.ManifestHash {
		fail(fmt.Sprintf("manifest hash mismatch: have %s, want %s", fl.receivedRef.SHA256, done.ManifestHash))
		return
	}

	inst, err := c.store.Get(id)
	if err != nil {
		fail(err.Error())
		return
	}

	// A leftover local process under the recorded pid would collide with
	// the restored task.
	if inst.PID > 0 && proc.Alive(inst.PID) {
		if err := c.procs.Stop(context.Background(), inst.PID, 0); err != nil {
			c.log.WithField("pid", inst.PID).WithError(err).Warn("stop leftover pid before restore")
		}
	}

	dir := c.store.ImageDir(id, fl.receivedRef.Name)
	pid, err := c.driver.Restore(context.Background(), dir, checkpoint.RestoreOptions{ShellJob: true})
	if err != nil {
		fail(fmt.Sprintf("restore: %v", err))
		return
	}

	if err := proc.WritePidfile(c.store.PidfilePath(id), pid); err != nil {
		c.log.WithField("instance_id", id).WithError(err).Warn("write pidfile after restore")
	}

	if err := c.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = instance.RoleRunning
		in.PID = pid
		in.OwnerNode = c.nodeID
		in.RemoveShadow(c.nodeID)
		in.AddShadow(from)
		return nil
	}); err != nil {
		fail(fmt.Sprintf("commit running role: %v", err))
		return
	}

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: id,
		Seq:        fl.receivedRef.Seq,
		Msg:        "migration_restore",
		Meta:       map[string]interface{}{"peer": from, "pid": pid},
	})

	if err := c.mgr.Send(from, &cluster.MigrationOk{InstanceID: id, NewPid: uint64(pid)}); err != nil {
		c.log.WithField("instance_id", id).WithError(err).Warn("send MigrationOk failed")
	}

	// The confirmation wait must not block this peer's dispatch queue:
	// SwapAck arrives on the same queue. On timeout we assume success on
	// our side; the ownership broadcast forces reconciliation either way.
	seq := fl.receivedRef.Seq
	go func() {
		select {
		case <-fl.ack:
		case <-time.After(ackTimeout):
			c.log.WithField("instance_id", id).Warn("SwapAck timed out, announcing ownership anyway")
		}
		c.targetMu.Lock()
		delete(c.targets, id)
		c.targetMu.Unlock()
		c.mgr.Broadcast(&cluster.OwnershipChanged{InstanceID: id, NewOwner: c.nodeID, Seq: seq})
	}()
}

// onSwapAck completes the three-way close at the target.
func (c *Coordinator) onSwapAck(from string, msg cluster.Message) {
	ack := msg.(*cluster.SwapAck)
	c.targetMu.Lock()
	fl, ok := c.targets[ack.InstanceID]
	c.targetMu.Unlock()
	if !ok || fl.source != from {
		return
	}
	select {
	case <-fl.ack:
	default:
		close(fl.ack)
	}
}

// onMigrationFail serves both directions: a target's verdict routed to a
// waiting source flight, or a source-side abort tearing down our inbound
// migration.
func (c *Coordinator) onMigrationFail(from string, msg cluster.Message) {
	failMsg := msg.(*cluster.MigrationFail)
	id := failMsg.InstanceID

	c.mu.Lock()
	fl, sourceSide := c.flights[id]
	c.mu.Unlock()
	if sourceSide && fl.target == from {
		c.onSourceReply(from, msg)
		return
	}

	c.targetMu.Lock()
	tfl, targetSide := c.targets[id]
	c.targetMu.Unlock()
	if targetSide && tfl.source == from {
		if tfl.receivedRef != nil {
			_ = os.RemoveAll(c.store.ImageDir(id, tfl.receivedRef.Name))
		}
		c.revertTarget(id, failMsg.Reason)
	}
}

// revertTarget drops the inbound migration state and restores the
// instance's prior role and checkpoint ref.
func (c *Coordinator) revertTarget(id, reason string) {
	c.targetMu.Lock()
	fl, ok := c.targets[id]
	if ok {
		delete(c.targets, id)
	}
	c.targetMu.Unlock()
	if !ok {
		return
	}

	if err := c.store.Mutate(id, func(in *instance.Instance) error {
		in.Role = fl.prevRole
		in.LatestCheckpoint = fl.prevRef
		return nil
	}); err != nil {
		c.log.WithField("instance_id", id).WithError(err).Error("revert inbound migration")
	}
	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: id,
		Msg:        "migration_revert",
		Meta:       map[string]interface{}{"error": reason},
	})
}

// onOwnershipChanged applies a reconciliation broadcast. Stale claims
// (older sequence than our checkpoint) are discarded; if such a claim
// contradicts our own ownership we re-announce, which is how a recovered
// source that wrongly re-elected itself gets demoted.
func (c *Coordinator) onOwnershipChanged(from string, msg cluster.Message) {
	oc := msg.(*cluster.OwnershipChanged)
	inst, err := c.store.Get(oc.InstanceID)
	if err != nil {
		return
	}

	var localSeq uint64
	if inst.LatestCheckpoint != nil {
		localSeq = inst.LatestCheckpoint.Seq
	}
	if oc.Seq < localSeq {
		if inst.Role == instance.RoleRunning && oc.NewOwner != c.nodeID {
			c.mgr.Broadcast(&cluster.OwnershipChanged{InstanceID: oc.InstanceID, NewOwner: c.nodeID, Seq: localSeq})
		}
		return
	}
	if oc.NewOwner == c.nodeID {
		return
	}
	if inst.OwnerNode == oc.NewOwner && inst.Role != instance.RoleRunning && inst.Role != instance.RoleMigratingSource {
		return
	}

	// A node told it lost ownership kills any local process before
	// taking the shadow role; a shadow never resumes a stale pid.
	if (inst.Role == instance.RoleRunning || inst.Role == instance.RoleMigratingSource) && inst.PID > 0 {
		if err := c.procs.Kill(inst.PID); err != nil {
			c.log.WithField("pid", inst.PID).WithError(err).Warn("kill local pid on ownership loss")
		}
	}

	if err := c.store.Mutate(oc.InstanceID, func(in *instance.Instance) error {
		in.OwnerNode = oc.NewOwner
		in.PID = 0
		if in.Role == instance.RoleRunning || in.Role == instance.RoleMigratingSource {
			in.Role = instance.RoleShadow
		}
		return nil
	}); err != nil {
		c.log.WithField("instance_id", oc.InstanceID).WithError(err).Error("apply ownership change")
		return
	}

	c.emitter.Emit(emit.Event{
		NodeID:     c.nodeID,
		InstanceID: oc.InstanceID,
		Seq:        oc.Seq,
		Msg:        "ownership_changed",
		Meta:       map[string]interface{}{"new_owner": oc.NewOwner, "peer": from},
	})
}

// onInstanceCreated learns a remote instance so later image sets and
// ownership broadcasts have a record to land on.
func (c *Coordinator) onInstanceCreated(from string, msg cluster.Message) {
	created := msg.(*cluster.InstanceCreated)
	if c.store.Exists(created.InstanceID) {
		return
	}
	inst := &instance.Instance{
		ID:            created.InstanceID,
		Program:       created.Program,
		Argv:          created.Argv,
		Role:          instance.RoleStopped,
		OwnerNode:     created.OwnerNode,
		OutputLogPath: c.store.OutputLogPath(created.InstanceID),
		AutoSync:      true,
	}
	if err := c.store.Create(inst); err != nil {
		c.log.WithField("instance_id", created.InstanceID).WithError(err).Warn("record remote instance")
	}
}

// Recover reconciles on-disk roles after a node restart. Call once the
// cluster manager is started so ownership claims can be broadcast.
func (c *Coordinator) Recover() {
	for _, inst := range c.store.List() {
		switch inst.Role {
		case instance.RoleMigratingSource:
			// Crashed mid-migration as the source. If the frozen process
			// survived we re-elect ourselves and announce; a target that
			// actually completed holds a higher sequence and its
			// re-announcement will demote us.
			if proc.Alive(inst.PID) {
				_ = c.procs.Resume(inst.PID)
				_ = c.store.Mutate(inst.ID, func(in *instance.Instance) error {
					in.Role = instance.RoleRunning
					in.OwnerNode = c.nodeID
					return nil
				})
				var seq uint64
				if inst.LatestCheckpoint != nil {
					seq = inst.LatestCheckpoint.Seq
				}
				c.mgr.Broadcast(&cluster.OwnershipChanged{InstanceID: inst.ID, NewOwner: c.nodeID, Seq: seq})
			} else {
				_ = c.store.Mutate(inst.ID, func(in *instance.Instance) error {
					in.Role = instance.RoleShadow
					in.PID = 0
					return nil
				})
			}
		case instance.RoleMigratingTarget:
			// Crashed mid-migration as the target: drop back to what the
			// on-disk images justify.
			_ = c.store.Mutate(inst.ID, func(in *instance.Instance) error {
				if in.LatestCheckpoint != nil {
					in.Role = instance.RoleShadow
				} else {
					in.Role = instance.RoleStopped
				}
				in.PID = 0
				return nil
			})
		case instance.RoleRunning:
			if !proc.Alive(inst.PID) {
				_ = c.store.Mutate(inst.ID, func(in *instance.Instance) error {
					in.Role = instance.RoleStopped
					in.PID = 0
					return nil
				})
			}
		case instance.RoleShadow, instance.RoleStopped:
			if inst.PID > 0 {
				if proc.Alive(inst.PID) {
					_ = c.procs.Kill(inst.PID)
				}
				_ = c.store.Mutate(inst.ID, func(in *instance.Instance) error {
					in.PID = 0
					return nil
				})
			}
		}
	}
}
