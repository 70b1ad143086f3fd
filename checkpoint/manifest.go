// Package checkpoint provides content-addressed image manifests and a thin
// driver over the external checkpoint/restore tool.
package checkpoint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ManifestFileName is the manifest file written alongside the image files
// inside a checkpoint directory. It is excluded from its own file list.
const ManifestFileName = "manifest.json"

// FileEntry describes one image file in a checkpoint set.
type FileEntry struct {
	// Name is the file name relative to the checkpoint directory.
	Name string `json:"name"`

	// Size is the file length in bytes.
	Size uint64 `json:"size"`

	// SHA256 is the hex-encoded digest of the file contents.
	SHA256 string `json:"sha256"`
}

// Manifest is the canonical description of a checkpoint image set.
//
// The manifest hash is the SHA-256 of the canonical encoding: for each
// file in ascending name order, the file name, its content digest and its
// size (8-byte big-endian). Two image sets with equal manifest hashes are
// byte-identical, which is what transfer verification and sync skip
// detection rely on.
type Manifest struct {
	// Seq is the per-instance dump counter at dump time.
	Seq uint64 `json:"seq"`

	// SHA256 is the hex-encoded canonical manifest hash.
	SHA256 string `json:"sha256"`

	// Files lists the image files, sorted by name.
	Files []FileEntry `json:"files"`
}

// TotalBytes returns the summed size of all files in the set.
func (m *Manifest) TotalBytes() uint64 {
	var total uint64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// ComputeHash computes the canonical manifest hash over the file list.
// Files must already be sorted by name; BuildManifest guarantees this.
func ComputeHash(files []FileEntry) string {
	h := sha256.New()
	sizeBytes := make([]byte, 8)
	for _, f := range files {
		h.Write([]byte(f.Name))
		h.Write([]byte(f.SHA256))
		binary.BigEndian.PutUint64(sizeBytes, f.Size)
		h.Write(sizeBytes)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BuildManifest scans a checkpoint directory, hashes every regular file
// (excluding the manifest itself) and returns the canonical manifest with
// the given sequence number. Subdirectories are not expected in image
// sets and are rejected.
func BuildManifest(dir string, seq uint64) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}

	var files []FileEntry
	for _, entry := range entries {
		if entry.Name() == ManifestFileName {
			continue
		}
		if entry.IsDir() {
			return nil, fmt.Errorf("unexpected directory %q in checkpoint set", entry.Name())
		}
		path := filepath.Join(dir, entry.Name())
		digest, size, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		files = append(files, FileEntry{Name: entry.Name(), Size: size, SHA256: digest})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return &Manifest{
		Seq:    seq,
		SHA256: ComputeHash(files),
		Files:  files,
	}, nil
}

// WriteManifest persists the manifest as manifest.json inside the
// checkpoint directory, via write-to-temp + atomic rename.
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, ManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// ReadManifest loads manifest.json from a checkpoint directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Verify recomputes the manifest over the directory contents and compares
// against the expected hash. Used by receivers after a transfer completes
// and before the staged set is renamed into place.
func Verify(dir string, expectedHash string) error {
	m, err := BuildManifest(dir, 0)
	if err != nil {
		return err
	}
	if m.SHA256 != expectedHash {
		return fmt.Errorf("manifest hash mismatch: have %s, want %s", m.SHA256, expectedHash)
	}
	return nil
}

func hashFile(path string) (digest string, size uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open image file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash image file %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}
