// Package instance defines the durable instance record and its on-disk store.
package instance

import (
	"time"
)

// Role is the lifecycle role a node holds for an instance.
//
// Exactly one node in the cluster holds RoleRunning for a given instance
// at any quiescent point, or the instance is globally stopped. During a
// migration the source holds RoleMigratingSource and the target
// RoleMigratingTarget; every other holder is a shadow.
type Role string

const (
	// RoleRunning marks the node currently executing the instance's process.
	RoleRunning Role = "running"

	// RoleShadow marks a node holding a recent checkpoint of an instance
	// it does not run. A shadow never resumes a local process; any stale
	// pid is killed at the moment the role transitions to shadow.
	RoleShadow Role = "shadow"

	// RoleStopped marks an instance with no live process anywhere.
	RoleStopped Role = "stopped"

	// RoleMigratingSource marks the outgoing owner during a migration.
	RoleMigratingSource Role = "migrating_source"

	// RoleMigratingTarget marks the incoming owner during a migration.
	RoleMigratingTarget Role = "migrating_target"
)

// Migrating reports whether the role is either side of an in-flight migration.
func (r Role) Migrating() bool {
	return r == RoleMigratingSource || r == RoleMigratingTarget
}

// CheckpointRef is a content-addressed pointer to an image set on disk at
// images/<name>/ under the instance directory.
//
// SHA256 is the hash of the canonical manifest: the sorted file list with
// per-file digests and byte sizes. Two image sets with equal manifest
// hashes are byte-identical.
type CheckpointRef struct {
	// Name is the checkpoint directory name under images/.
	Name string `json:"name"`

	// Seq is the per-instance dump counter. Incremented on every
	// successful dump at the owner; shadows accept only strictly
	// increasing values.
	Seq uint64 `json:"seq"`

	// SHA256 is the hex-encoded canonical manifest hash.
	SHA256 string `json:"sha256"`

	// ByteSize is the total size of all image files in the set.
	ByteSize uint64 `json:"byte_size"`
}

// Instance is the per-node record of a logically persistent workload.
//
// The instance identity survives process death and migration: the backing
// OS process may be killed and resurrected on another node, yet the id,
// output history and role carry over. The on-disk copy at
// instances/<id>/config.json is the source of truth; the in-memory view
// is discarded on restart.
type Instance struct {
	// ID is the 8-hex-character instance identifier.
	ID string `json:"id"`

	// Program is the absolute path of the workload executable.
	Program string `json:"program"`

	// Argv holds the workload arguments, in order, excluding the program.
	Argv []string `json:"argv"`

	// Role is this node's view of the instance role.
	Role Role `json:"role"`

	// PID is the OS pid of the local backing process. Zero when no local
	// process exists; non-zero only for RoleRunning and RoleMigratingSource.
	PID int `json:"pid,omitempty"`

	// OwnerNode is the node id of the current authoritative running holder.
	OwnerNode string `json:"owner_node"`

	// ShadowNodes lists node ids believed to hold shadow copies. This is
	// a hint; authoritative membership is derived at migration time.
	ShadowNodes []string `json:"shadow_nodes,omitempty"`

	// LatestCheckpoint points at the most recent complete image set,
	// nil before the first dump.
	LatestCheckpoint *CheckpointRef `json:"latest_checkpoint,omitempty"`

	// OutputLogPath is the append-only process output log. Entries are
	// never reordered or deleted by the system.
	OutputLogPath string `json:"output_log_path"`

	// AutoSync enables the periodic shadow sync loop for this instance.
	AutoSync bool `json:"auto_sync"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers while the store
// continues mutating the original.
func (in *Instance) Clone() *Instance {
	out := *in
	if in.Argv != nil {
		out.Argv = append([]string(nil), in.Argv...)
	}
	if in.ShadowNodes != nil {
		out.ShadowNodes = append([]string(nil), in.ShadowNodes...)
	}
	if in.LatestCheckpoint != nil {
		ref := *in.LatestCheckpoint
		out.LatestCheckpoint = &ref
	}
	return &out
}

// AddShadow records a shadow holder hint, ignoring duplicates.
func (in *Instance) AddShadow(nodeID string) {
	for _, id := range in.ShadowNodes {
		if id == nodeID {
			return
		}
	}
	in.ShadowNodes = append(in.ShadowNodes, nodeID)
}

// RemoveShadow drops a shadow holder hint if present.
func (in *Instance) RemoveShadow(nodeID string) {
	for i, id := range in.ShadowNodes {
		if id == nodeID {
			in.ShadowNodes = append(in.ShadowNodes[:i], in.ShadowNodes[i+1:]...)
			return
		}
	}
}
