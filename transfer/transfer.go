// Package transfer streams checkpoint image sets between nodes: chunked,
// length-prefixed files with integrity verification against the canonical
// manifest, staged on the receiver and renamed into place only after the
// whole set verifies.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhi-project/nhi/checkpoint"
	"github.com/nhi-project/nhi/cluster"
)

// ErrTransferFailed reports a network failure or integrity mismatch
// during an image-set transfer.
var ErrTransferFailed = errors.New("transfer failed")

// ChunkSize is the maximum bytes per Chunk message.
const ChunkSize = 256 * 1024

// DefaultChunkTimeout is how long the receiver waits between messages of
// an in-flight set before discarding it.
const DefaultChunkTimeout = 60 * time.Second

// Sender streams image sets to peers over their established sessions.
//
// Transfers to distinct peers run concurrently; transfers to the same
// peer are serialized, because the per-pair session is a single FIFO
// stream and interleaved sets would corrupt the receiver's state machine.
type Sender struct {
	mgr *cluster.Manager
	log logrus.FieldLogger

	mu      sync.Mutex
	perPeer map[string]*sync.Mutex
}

// NewSender creates a sender on top of the node manager.
func NewSender(mgr *cluster.Manager, log logrus.FieldLogger) *Sender {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sender{
		mgr:     mgr,
		log:     log,
		perPeer: make(map[string]*sync.Mutex),
	}
}

func (s *Sender) peerLock(peerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.perPeer[peerID]
	if !ok {
		l = &sync.Mutex{}
		s.perPeer[peerID] = l
	}
	return l
}

// SendSet streams the image set at dir, described by m, to the peer.
// The receiver stages and verifies before installing; a full resend of an
// already-held set is always valid.
func (s *Sender) SendSet(ctx context.Context, peerID, instanceID, name string, dir string, m *checkpoint.Manifest) error {
	lock := s.peerLock(peerID)
	lock.Lock()
	defer lock.Unlock()

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.mgr.Send(peerID, &cluster.BeginSet{
		InstanceID:   instanceID,
		Name:         name,
		Seq:          m.Seq,
		ManifestJSON: manifestJSON,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	for _, f := range m.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.sendFile(ctx, peerID, dir, f); err != nil {
			return err
		}
	}

	if err := s.mgr.Send(peerID, &cluster.EndSet{ManifestHash: m.SHA256}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	s.log.WithFields(logrus.Fields{
		"peer":        peerID,
		"instance_id": instanceID,
		"name":        name,
		"bytes":       m.TotalBytes(),
	}).Debug("image set sent")
	return nil
}

func (s *Sender) sendFile(ctx context.Context, peerID, dir string, entry checkpoint.FileEntry) error {
	if err := s.mgr.Send(peerID, &cluster.BeginFile{Name: entry.Name, Size: entry.Size, SHA256: entry.SHA256}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	f, err := os.Open(filepath.Join(dir, entry.Name))
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrTransferFailed, entry.Name, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := f.Read(buf)
		if n > 0 {
			chunk := &cluster.Chunk{Data: buf[:n]}
			if err := s.mgr.Send(peerID, chunk); err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read %s: %v", ErrTransferFailed, entry.Name, err)
		}
	}

	if err := s.mgr.Send(peerID, &cluster.EndFile{}); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// CompletedSet describes a verified, installed image set.
type CompletedSet struct {
	InstanceID   string
	Name         string
	Seq          uint64
	ManifestHash string
	Manifest     *checkpoint.Manifest

	// Dir is the final on-disk location: <images>/<name>/.
	Dir string
}

// Receiver is the inbound side of image transfer. It registers handlers
// for the set/file/chunk message kinds on the node manager and drives a
// per-peer state machine: handlers for one peer run serially, so no
// additional ordering is needed.
//
// Policy hooks:
//   - Accept decides whether a new set should be taken (seq checks, role
//     checks). A refused set is drained and discarded silently; the
//     sender learns nothing, matching retry-on-next-tick semantics.
//   - OnComplete observes a verified set after it is renamed into place.
type Receiver struct {
	log logrus.FieldLogger

	// ImagesDir resolves the images directory for an instance. An error
	// drains the set.
	ImagesDir func(instanceID string) (string, error)

	// Accept vets an announced set before any byte is staged.
	Accept func(peerID, instanceID string, seq uint64) error

	// OnComplete observes an installed set.
	OnComplete func(peerID string, set CompletedSet)

	chunkTimeout time.Duration

	mu       sync.Mutex
	incoming map[string]*incomingSet // keyed by peer id
}

type incomingSet struct {
	instanceID string
	name       string
	seq        uint64
	manifest   *checkpoint.Manifest

	stagingDir string
	finalDir   string

	curFile *os.File
	curName string

	// draining marks a refused set whose remaining messages are consumed
	// and discarded.
	draining bool

	timer *time.Timer
}

// NewReceiver creates a receiver and registers its handlers on the manager.
func NewReceiver(mgr *cluster.Manager, log logrus.FieldLogger) *Receiver {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Receiver{
		log:          log,
		chunkTimeout: DefaultChunkTimeout,
		incoming:     make(map[string]*incomingSet),
	}
	mgr.Handle(cluster.KindBeginSet, r.onBeginSet)
	mgr.Handle(cluster.KindBeginFile, r.onBeginFile)
	mgr.Handle(cluster.KindChunk, r.onChunk)
	mgr.Handle(cluster.KindEndFile, r.onEndFile)
	mgr.Handle(cluster.KindEndSet, r.onEndSet)
	return r
}

// SetChunkTimeout overrides the inter-message timeout.
func (r *Receiver) SetChunkTimeout(d time.Duration) {
	if d > 0 {
		r.chunkTimeout = d
	}
}

func (r *Receiver) onBeginSet(from string, msg cluster.Message) {
	begin := msg.(*cluster.BeginSet)

	r.mu.Lock()
	if prev, ok := r.incoming[from]; ok {
		// A new set preempts a stale one from the same peer; the stale
		// one can only be a sender that died mid-stream and retried.
		r.discardLocked(from, prev, "preempted by new set")
	}

	set := &incomingSet{
		instanceID: begin.InstanceID,
		name:       begin.Name,
		seq:        begin.Seq,
	}
	r.incoming[from] = set
	r.mu.Unlock()

	var m checkpoint.Manifest
	if err := json.Unmarshal(begin.ManifestJSON, &m); err != nil {
		r.log.WithField("peer", from).WithError(err).Warn("bad manifest in BeginSet, draining")
		set.draining = true
		r.armTimer(from, set)
		return
	}
	set.manifest = &m

	if r.Accept != nil {
		if err := r.Accept(from, begin.InstanceID, begin.Seq); err != nil {
			r.log.WithFields(logrus.Fields{
				"peer":        from,
				"instance_id": begin.InstanceID,
				"seq":         begin.Seq,
			}).WithError(err).Debug("refusing image set, draining")
			set.draining = true
			r.armTimer(from, set)
			return
		}
	}

	imagesDir, err := r.ImagesDir(begin.InstanceID)
	if err != nil {
		r.log.WithField("instance_id", begin.InstanceID).WithError(err).Warn("no images dir for inbound set, draining")
		set.draining = true
		r.armTimer(from, set)
		return
	}
	set.finalDir = filepath.Join(imagesDir, begin.Name)
	set.stagingDir = filepath.Join(imagesDir, ".staging-"+begin.Name)
	_ = os.RemoveAll(set.stagingDir)
	if err := os.MkdirAll(set.stagingDir, 0o755); err != nil {
		r.log.WithError(err).Warn("create staging dir failed, draining")
		set.draining = true
	}
	r.armTimer(from, set)
}

func (r *Receiver) onBeginFile(from string, msg cluster.Message) {
	begin := msg.(*cluster.BeginFile)
	set := r.active(from)
	if set == nil || set.draining {
		return
	}
	r.touch(from, set)

	if set.curFile != nil {
		r.fail(from, set, "BeginFile while a file is open")
		return
	}
	if filepath.Base(begin.Name) != begin.Name || begin.Name == "." || begin.Name == ".." {
		r.fail(from, set, fmt.Sprintf("unsafe file name %q", begin.Name))
		return
	}
	f, err := os.OpenFile(filepath.Join(set.stagingDir, begin.Name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		r.fail(from, set, fmt.Sprintf("open staged file: %v", err))
		return
	}
	set.curFile = f
	set.curName = begin.Name
}

func (r *Receiver) onChunk(from string, msg cluster.Message) {
	chunk := msg.(*cluster.Chunk)
	set := r.active(from)
	if set == nil || set.draining {
		return
	}
	r.touch(from, set)

	if set.curFile == nil {
		r.fail(from, set, "Chunk outside a file")
		return
	}
	if len(chunk.Data) > ChunkSize {
		r.fail(from, set, "oversized chunk")
		return
	}
	if _, err := set.curFile.Write(chunk.Data); err != nil {
		r.fail(from, set, fmt.Sprintf("write staged file: %v", err))
	}
}

func (r *Receiver) onEndFile(from string, msg cluster.Message) {
	_ = msg.(*cluster.EndFile)
	set := r.active(from)
	if set == nil || set.draining {
		return
	}
	r.touch(from, set)

	if set.curFile == nil {
		r.fail(from, set, "EndFile outside a file")
		return
	}
	if err := set.curFile.Close(); err != nil {
		r.fail(from, set, fmt.Sprintf("close staged file: %v", err))
		return
	}
	set.curFile = nil
	set.curName = ""
}

func (r *Receiver) onEndSet(from string, msg cluster.Message) {
	end := msg.(*cluster.EndSet)

	r.mu.Lock()
	set, ok := r.incoming[from]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.incoming, from)
	if set.timer != nil {
		set.timer.Stop()
	}
	r.mu.Unlock()

	if set.draining {
		return
	}
	if set.curFile != nil {
		_ = set.curFile.Close()
		_ = os.RemoveAll(set.stagingDir)
		r.log.WithField("peer", from).Warn("EndSet with a file still open, discarding set")
		return
	}

	if err := checkpoint.Verify(set.stagingDir, end.ManifestHash); err != nil {
		_ = os.RemoveAll(set.stagingDir)
		r.log.WithFields(logrus.Fields{"peer": from, "instance_id": set.instanceID}).WithError(err).Warn("image set failed verification, discarded")
		return
	}

	// Persist the manifest the owner advertised; seq travels with it.
	m := set.manifest
	m.SHA256 = end.ManifestHash
	if err := checkpoint.WriteManifest(set.stagingDir, m); err != nil {
		_ = os.RemoveAll(set.stagingDir)
		r.log.WithError(err).Warn("write received manifest failed, discarded")
		return
	}

	_ = os.RemoveAll(set.finalDir)
	if err := os.Rename(set.stagingDir, set.finalDir); err != nil {
		_ = os.RemoveAll(set.stagingDir)
		r.log.WithError(err).Warn("install received image set failed")
		return
	}

	r.log.WithFields(logrus.Fields{
		"peer":        from,
		"instance_id": set.instanceID,
		"name":        set.name,
		"seq":         set.seq,
	}).Debug("image set installed")

	if r.OnComplete != nil {
		r.OnComplete(from, CompletedSet{
			InstanceID:   set.instanceID,
			Name:         set.name,
			Seq:          set.seq,
			ManifestHash: end.ManifestHash,
			Manifest:     m,
			Dir:          set.finalDir,
		})
	}
}

func (r *Receiver) active(from string) *incomingSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.incoming[from]
}

// touch re-arms the chunk timeout for an in-flight set.
func (r *Receiver) touch(from string, set *incomingSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set.timer != nil {
		set.timer.Reset(r.chunkTimeout)
	}
}

func (r *Receiver) armTimer(from string, set *incomingSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set.timer = time.AfterFunc(r.chunkTimeout, func() {
		r.mu.Lock()
		cur, ok := r.incoming[from]
		if ok && cur == set {
			r.discardLocked(from, set, "chunk timeout")
		}
		r.mu.Unlock()
	})
}

// fail marks the in-flight set as draining and removes its staging data.
// The remaining messages of the stream are consumed and ignored.
func (r *Receiver) fail(from string, set *incomingSet, reason string) {
	r.log.WithFields(logrus.Fields{"peer": from, "instance_id": set.instanceID}).Warnf("discarding image set: %s", reason)
	r.mu.Lock()
	set.draining = true
	r.mu.Unlock()
	if set.curFile != nil {
		_ = set.curFile.Close()
		set.curFile = nil
	}
	_ = os.RemoveAll(set.stagingDir)
}

// discardLocked removes an in-flight set. Caller holds r.mu.
func (r *Receiver) discardLocked(from string, set *incomingSet, reason string) {
	if set.timer != nil {
		set.timer.Stop()
	}
	if set.curFile != nil {
		_ = set.curFile.Close()
		set.curFile = nil
	}
	if set.stagingDir != "" {
		_ = os.RemoveAll(set.stagingDir)
	}
	delete(r.incoming, from)
	r.log.WithFields(logrus.Fields{"peer": from, "instance_id": set.instanceID}).Debugf("image set discarded: %s", reason)
}
