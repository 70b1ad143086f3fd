package cluster

// RejectCode classifies why a migration target refused a request.
type RejectCode uint16

const (
	// RejectBusy: the target is already migrating this instance.
	RejectBusy RejectCode = iota + 1

	// RejectUnknown: the target has no record of the instance.
	RejectUnknown

	// RejectStaleShadow: the target's latest checkpoint is too far behind
	// the source's sequence to accept an incremental hand-off.
	RejectStaleShadow
)

func (c RejectCode) String() string {
	switch c {
	case RejectBusy:
		return "busy"
	case RejectUnknown:
		return "unknown instance"
	case RejectStaleShadow:
		return "stale shadow"
	default:
		return "rejected"
	}
}

// Heartbeat is the per-session liveness message, exchanged on a fixed
// interval. Its body is empty; receipt alone refreshes the peer.
type Heartbeat struct{}

func (*Heartbeat) Kind() Kind                { return KindHeartbeat }
func (*Heartbeat) encode(_ *wireWriter)      {}
func (*Heartbeat) decode(_ *wireReader) error { return nil }

// Hello is the session handshake. A peer joins the membership table only
// after Hello completes in both directions.
type Hello struct {
	NodeID          string
	NodeName        string
	SoftwareVersion string
}

func (*Hello) Kind() Kind { return KindHello }

func (m *Hello) encode(w *wireWriter) {
	w.str(m.NodeID)
	w.str(m.NodeName)
	w.str(m.SoftwareVersion)
}

func (m *Hello) decode(r *wireReader) (err error) {
	if m.NodeID, err = r.str(); err != nil {
		return err
	}
	if m.NodeName, err = r.str(); err != nil {
		return err
	}
	m.SoftwareVersion, err = r.str()
	return err
}

// InstanceCreated announces a new instance to peers so they can track the
// owner for routing and later shadow interest.
type InstanceCreated struct {
	InstanceID string
	OwnerNode  string
	Program    string
	Argv       []string
}

func (*InstanceCreated) Kind() Kind { return KindInstanceCreated }

func (m *InstanceCreated) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.str(m.OwnerNode)
	w.str(m.Program)
	w.strs(m.Argv)
}

func (m *InstanceCreated) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	if m.OwnerNode, err = r.str(); err != nil {
		return err
	}
	if m.Program, err = r.str(); err != nil {
		return err
	}
	m.Argv, err = r.strs()
	return err
}

// OwnershipChanged is the reconciliation broadcast after a role swap.
// Idempotent: receivers discard announcements whose Seq is not newer than
// what they already hold, so late or duplicated broadcasts are harmless.
type OwnershipChanged struct {
	InstanceID string
	NewOwner   string
	Seq        uint64
}

func (*OwnershipChanged) Kind() Kind { return KindOwnershipChanged }

func (m *OwnershipChanged) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.str(m.NewOwner)
	w.u64(m.Seq)
}

func (m *OwnershipChanged) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	if m.NewOwner, err = r.str(); err != nil {
		return err
	}
	m.Seq, err = r.u64()
	return err
}

// MigrationRequest opens the hand-off negotiation from source to target.
type MigrationRequest struct {
	InstanceID string

	// SourceSeq is the source's latest checkpoint sequence.
	SourceSeq uint64

	// ExpectedHash, when non-empty, names the manifest hash of the shadow
	// image the source believes the target already holds.
	ExpectedHash string
}

func (*MigrationRequest) Kind() Kind { return KindMigrationRequest }

func (m *MigrationRequest) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.u64(m.SourceSeq)
	w.str(m.ExpectedHash)
}

func (m *MigrationRequest) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	if m.SourceSeq, err = r.u64(); err != nil {
		return err
	}
	m.ExpectedHash, err = r.str()
	return err
}

// MigrationReady acknowledges a MigrationRequest: the target has entered
// the migrating role and will accept the image stream.
type MigrationReady struct {
	InstanceID string
	AcceptSeq  uint64
}

func (*MigrationReady) Kind() Kind { return KindMigrationReady }

func (m *MigrationReady) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.u64(m.AcceptSeq)
}

func (m *MigrationReady) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	m.AcceptSeq, err = r.u64()
	return err
}

// MigrationReject refuses a MigrationRequest.
type MigrationReject struct {
	InstanceID string
	Code       RejectCode
	Reason     string
}

func (*MigrationReject) Kind() Kind { return KindMigrationReject }

func (m *MigrationReject) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.u16(uint16(m.Code))
	w.str(m.Reason)
}

func (m *MigrationReject) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	code, err := r.u16()
	if err != nil {
		return err
	}
	m.Code = RejectCode(code)
	m.Reason, err = r.str()
	return err
}

// BeginSet opens an image-set stream. ManifestJSON carries the canonical
// manifest so the receiver knows the file list and expected hashes before
// the first byte of image data.
type BeginSet struct {
	InstanceID string
	Name       string
	Seq        uint64
	ManifestJSON []byte
}

func (*BeginSet) Kind() Kind { return KindBeginSet }

func (m *BeginSet) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.str(m.Name)
	w.u64(m.Seq)
	w.bytes(m.ManifestJSON)
}

func (m *BeginSet) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	if m.Name, err = r.str(); err != nil {
		return err
	}
	if m.Seq, err = r.u64(); err != nil {
		return err
	}
	m.ManifestJSON, err = r.bytes()
	return err
}

// BeginFile opens one file within the current image set.
type BeginFile struct {
	Name   string
	Size   uint64
	SHA256 string
}

func (*BeginFile) Kind() Kind { return KindBeginFile }

func (m *BeginFile) encode(w *wireWriter) {
	w.str(m.Name)
	w.u64(m.Size)
	w.str(m.SHA256)
}

func (m *BeginFile) decode(r *wireReader) (err error) {
	if m.Name, err = r.str(); err != nil {
		return err
	}
	if m.Size, err = r.u64(); err != nil {
		return err
	}
	m.SHA256, err = r.str()
	return err
}

// Chunk carries a slice of the current file's bytes.
type Chunk struct {
	Data []byte
}

func (*Chunk) Kind() Kind { return KindChunk }

func (m *Chunk) encode(w *wireWriter) {
	w.bytes(m.Data)
}

func (m *Chunk) decode(r *wireReader) (err error) {
	m.Data, err = r.bytes()
	return err
}

// EndFile closes the current file.
type EndFile struct{}

func (*EndFile) Kind() Kind                { return KindEndFile }
func (*EndFile) encode(_ *wireWriter)      {}
func (*EndFile) decode(_ *wireReader) error { return nil }

// EndSet closes the image set. The receiver verifies the staged files
// against ManifestHash before renaming the set into place.
type EndSet struct {
	ManifestHash string
}

func (*EndSet) Kind() Kind { return KindEndSet }

func (m *EndSet) encode(w *wireWriter) {
	w.str(m.ManifestHash)
}

func (m *EndSet) decode(r *wireReader) (err error) {
	m.ManifestHash, err = r.str()
	return err
}

// ImagesComplete tells the migration target the full set is transferred
// and verified on the wire; the target may restore.
type ImagesComplete struct {
	InstanceID   string
	ManifestHash string
}

func (*ImagesComplete) Kind() Kind { return KindImagesComplete }

func (m *ImagesComplete) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.str(m.ManifestHash)
}

func (m *ImagesComplete) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	m.ManifestHash, err = r.str()
	return err
}

// MigrationOk reports a successful restore on the target.
type MigrationOk struct {
	InstanceID string
	NewPid     uint64
}

func (*MigrationOk) Kind() Kind { return KindMigrationOk }

func (m *MigrationOk) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.u64(m.NewPid)
}

func (m *MigrationOk) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	m.NewPid, err = r.u64()
	return err
}

// MigrationFail reports a failed restore or a target-side abort; the
// source reverts to running.
type MigrationFail struct {
	InstanceID string
	Reason     string
}

func (*MigrationFail) Kind() Kind { return KindMigrationFail }

func (m *MigrationFail) encode(w *wireWriter) {
	w.str(m.InstanceID)
	w.str(m.Reason)
}

func (m *MigrationFail) decode(r *wireReader) (err error) {
	if m.InstanceID, err = r.str(); err != nil {
		return err
	}
	m.Reason, err = r.str()
	return err
}

// SwapAck is the source's acknowledgement of MigrationOk, the third leg
// of the close. The swap point is the target's receipt of this message.
type SwapAck struct {
	InstanceID string
}

func (*SwapAck) Kind() Kind { return KindSwapAck }

func (m *SwapAck) encode(w *wireWriter) {
	w.str(m.InstanceID)
}

func (m *SwapAck) decode(r *wireReader) (err error) {
	m.InstanceID, err = r.str()
	return err
}
