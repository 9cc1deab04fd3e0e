// Package artifact provides the content-addressed blob store and the
// per-run workspace that pipeline steps read inputs from and write
// outputs to. Blobs are immutable: a ref is the SHA-256 of its content,
// writes are append-only, and identical content always yields the same ref.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/papforge/pap/pkg/api"
)

var (
	// ErrNotFound is returned when no blob exists for a ref.
	ErrNotFound = errors.New("artifact not found")
	// ErrCorrupt is returned when stored content no longer matches its hash.
	ErrCorrupt = errors.New("artifact corrupt")
)

// Store is the content-addressed blob store shared by all runs. Namespaces
// partition refs per run; the blobs themselves are keyed by hash alone, so
// concurrent runs share storage safely without locking.
type Store interface {
	// Put stores data under the namespace and returns its ref. Identical
	// content returns an identical ref; an in-flight write of the same
	// content is deduplicated rather than raced.
	Put(ctx context.Context, namespace, name string, data []byte) (api.ArtifactRef, error)
	// Get returns the blob for ref, verifying its hash on read.
	Get(ctx context.Context, namespace string, ref api.ArtifactRef) ([]byte, error)
	// List returns the refs recorded under the namespace.
	List(ctx context.Context, namespace string) ([]api.ArtifactRef, error)
	// Purge removes the namespace and garbage-collects blobs no other
	// namespace references. Called only on run archival, never mid-run.
	Purge(ctx context.Context, namespace string) error
	Close() error
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FSStore is a filesystem-backed Store. Blobs live under
// root/blobs/<hh>/<hash>; per-namespace ref indexes are written to
// root/index/<namespace>.json on every Put and reloaded on open, so names
// stay resolvable across restarts.
type FSStore struct {
	root string

	mu       sync.RWMutex
	names    map[string][]api.ArtifactRef // namespace -> refs
	refCount map[string]int               // hash -> referencing namespaces
	inflight map[string]chan struct{}     // hash -> write in progress
}

// NewFSStore opens the store rooted at dir, reloading any persisted
// namespace indexes.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o750); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "index"), 0o750); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	s := &FSStore{
		root:     dir,
		names:    make(map[string][]api.ArtifactRef),
		refCount: make(map[string]int),
		inflight: make(map[string]chan struct{}),
	}
	if err := s.loadIndexes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FSStore) blobPath(hash string) string {
	return filepath.Join(s.root, "blobs", hash[:2], hash)
}

func (s *FSStore) indexPath(namespace string) string {
	return filepath.Join(s.root, "index", url.PathEscape(namespace)+".json")
}

// nsIndex is the on-disk form of one namespace's ref list. The namespace
// is stored in the payload so filenames stay escaped opaque tokens.
type nsIndex struct {
	Namespace string            `json:"namespace"`
	Refs      []api.ArtifactRef `json:"refs"`
}

// saveIndexLocked persists one namespace's refs. Callers hold mu.
func (s *FSStore) saveIndexLocked(namespace string) error {
	data, err := json.Marshal(nsIndex{Namespace: namespace, Refs: s.names[namespace]})
	if err != nil {
		return fmt.Errorf("encode index %s: %w", namespace, err)
	}
	path := s.indexPath(namespace)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write index %s: %w", namespace, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit index %s: %w", namespace, err)
	}
	return nil
}

func (s *FSStore) loadIndexes() error {
	entries, err := os.ReadDir(filepath.Join(s.root, "index"))
	if err != nil {
		return fmt.Errorf("read index dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, "index", entry.Name()))
		if err != nil {
			return fmt.Errorf("read index %s: %w", entry.Name(), err)
		}
		var idx nsIndex
		if err := json.Unmarshal(data, &idx); err != nil {
			return fmt.Errorf("decode index %s: %w", entry.Name(), err)
		}
		s.names[idx.Namespace] = idx.Refs
		seen := make(map[string]bool)
		for _, ref := range idx.Refs {
			if !seen[ref.Hash] {
				seen[ref.Hash] = true
				s.refCount[ref.Hash]++
			}
		}
	}
	return nil
}

// Put writes data once per unique content. A second Put of in-flight
// content waits for the first write instead of duplicating work.
func (s *FSStore) Put(ctx context.Context, namespace, name string, data []byte) (api.ArtifactRef, error) {
	hash := HashBytes(data)
	ref := api.ArtifactRef{Hash: hash, Name: name, Size: int64(len(data))}

	for {
		s.mu.Lock()
		wait, busy := s.inflight[hash]
		if !busy {
			s.inflight[hash] = make(chan struct{})
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return api.ArtifactRef{}, ctx.Err()
		}
	}

	err := s.writeBlob(hash, data)

	s.mu.Lock()
	close(s.inflight[hash])
	delete(s.inflight, hash)
	if err == nil && s.record(namespace, ref) {
		err = s.saveIndexLocked(namespace)
	}
	s.mu.Unlock()

	if err != nil {
		return api.ArtifactRef{}, err
	}
	return ref, nil
}

func (s *FSStore) writeBlob(hash string, data []byte) error {
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil // already stored; content-addressed writes are idempotent
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// record must be called with mu held. It reports whether the index
// changed. The refcount tracks unique hashes per namespace so Purge can
// balance it exactly.
func (s *FSStore) record(namespace string, ref api.ArtifactRef) bool {
	hashSeen := false
	for _, existing := range s.names[namespace] {
		if existing.Hash == ref.Hash {
			hashSeen = true
			if existing.Name == ref.Name {
				return false
			}
		}
	}
	s.names[namespace] = append(s.names[namespace], ref)
	if !hashSeen {
		s.refCount[ref.Hash]++
	}
	return true
}

// Get reads the blob for ref and verifies its content hash.
func (s *FSStore) Get(_ context.Context, _ string, ref api.ArtifactRef) ([]byte, error) {
	if len(ref.Hash) < 3 {
		return nil, fmt.Errorf("%w: malformed ref %q", ErrNotFound, ref.Hash)
	}
	data, err := os.ReadFile(s.blobPath(ref.Hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Hash)
		}
		return nil, fmt.Errorf("read blob %s: %w", ref.Hash, err)
	}
	if HashBytes(data) != ref.Hash {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, ref.Hash)
	}
	return data, nil
}

// List returns the refs recorded under namespace.
func (s *FSStore) List(_ context.Context, namespace string) ([]api.ArtifactRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.ArtifactRef, len(s.names[namespace]))
	copy(out, s.names[namespace])
	return out, nil
}

// Purge drops the namespace index and deletes blobs that no remaining
// namespace references.
func (s *FSStore) Purge(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unreferenced []string
	seen := make(map[string]bool)
	for _, ref := range s.names[namespace] {
		if seen[ref.Hash] {
			continue
		}
		seen[ref.Hash] = true
		s.refCount[ref.Hash]--
		if s.refCount[ref.Hash] <= 0 {
			delete(s.refCount, ref.Hash)
			unreferenced = append(unreferenced, ref.Hash)
		}
	}
	delete(s.names, namespace)

	var firstErr error
	if err := os.Remove(s.indexPath(namespace)); err != nil && !os.IsNotExist(err) {
		firstErr = fmt.Errorf("remove index %s: %w", namespace, err)
	}
	for _, hash := range unreferenced {
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove blob %s: %w", hash, err)
		}
	}
	return firstErr
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error { return nil }
