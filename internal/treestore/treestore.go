package treestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// ErrNotFound is returned when a tree path has no value in the
// snapshot being read.
var ErrNotFound = errors.New("treestore: not found")

// Backend is the persistence layer under a Store: content-addressed
// block storage plus a single mutable root pointer. Block writes are
// idempotent (blocks are immutable); only SetRoot moves state.
type Backend interface {
	GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error)
	PutBlocks(ctx context.Context, blks []blocks.Block) error
	// Root returns the current commit CID. ok is false before the
	// first commit.
	Root(ctx context.Context) (c cid.Cid, ok bool, err error)
	SetRoot(ctx context.Context, c cid.Cid) error
	Close() error
}

// Store is a versioned tree over a Backend. Reads go through immutable
// Snapshots; writes are staged in a Delta and applied by Commit, which
// serializes against other commits on the same Store.
type Store struct {
	backend Backend

	// mu serializes commit root advancement. Finer-grained (per-room)
	// serialization is layered on top by the room graph.
	mu sync.Mutex
}

// New creates a Store over the given backend.
func New(backend Backend) *Store {
	return &Store{backend: backend}
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Entry is a path/value pair returned by Snapshot.List.
type Entry struct {
	Path  string
	Value []byte
}

// Snapshot is an immutable read view of the tree at one commit.
type Snapshot struct {
	store   *Store
	commit  cid.Cid
	entries map[string]cid.Cid
}

// Snapshot loads the current root commit and its manifest. An empty
// store yields an empty snapshot.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	root, ok, err := s.backend.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("treestore: snapshot root: %w", err)
	}
	snap := &Snapshot{store: s, entries: make(map[string]cid.Cid)}
	if !ok {
		return snap, nil
	}
	snap.commit = root

	commitBlk, err := s.backend.GetBlock(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("treestore: snapshot commit block: %w", err)
	}
	var commit commitNode
	if err := decodeNode(commitBlk, &commit); err != nil {
		return nil, err
	}

	treeCID, err := cid.Decode(commit.Tree)
	if err != nil {
		return nil, fmt.Errorf("treestore: snapshot tree cid: %w", err)
	}
	manifestBlk, err := s.backend.GetBlock(ctx, treeCID)
	if err != nil {
		return nil, fmt.Errorf("treestore: snapshot manifest block: %w", err)
	}
	var manifest manifestNode
	if err := decodeNode(manifestBlk, &manifest); err != nil {
		return nil, err
	}

	for _, e := range manifest.Entries {
		c, err := cid.Decode(e.Value)
		if err != nil {
			return nil, fmt.Errorf("treestore: snapshot entry %q: %w", e.Path, err)
		}
		snap.entries[e.Path] = c
	}
	return snap, nil
}

// Commit returns the CID of the commit this snapshot was taken at, or
// cid.Undef for an empty store.
func (sn *Snapshot) Commit() cid.Cid {
	return sn.commit
}

// Has reports whether a path exists in the snapshot.
func (sn *Snapshot) Has(path string) bool {
	_, ok := sn.entries[path]
	return ok
}

// Get reads the value bytes at a path. Returns ErrNotFound when the
// path is absent.
func (sn *Snapshot) Get(ctx context.Context, path string) ([]byte, error) {
	c, ok := sn.entries[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	blk, err := sn.store.backend.GetBlock(ctx, c)
	if err != nil {
		if ipld.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s (dangling block %s)", ErrNotFound, path, c)
		}
		return nil, fmt.Errorf("treestore: get %s: %w", path, err)
	}
	return blk.RawData(), nil
}

// List returns all entries whose path starts with prefix, sorted by
// path, with values loaded.
func (sn *Snapshot) List(ctx context.Context, prefix string) ([]Entry, error) {
	paths := make([]string, 0)
	for p := range sn.entries {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	out := make([]Entry, 0, len(paths))
	for _, p := range paths {
		val, err := sn.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Path: p, Value: val})
	}
	return out, nil
}

// ListPaths returns the sorted paths under prefix without loading values.
func (sn *Snapshot) ListPaths(prefix string) []string {
	paths := make([]string, 0)
	for p := range sn.entries {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// Delta is a staged set of tree writes. A Delta is built in memory and
// has no visible effect until Commit succeeds.
type Delta struct {
	writes map[string][]byte
}

// NewDelta creates an empty staged write set.
func (s *Store) NewDelta() *Delta {
	return &Delta{writes: make(map[string][]byte)}
}

// Set stages value bytes at a path, replacing any earlier staged write
// for the same path.
func (d *Delta) Set(path string, value []byte) {
	d.writes[path] = value
}

// Len returns the number of staged writes.
func (d *Delta) Len() int {
	return len(d.writes)
}

// Commit applies a delta on top of the current root, writing leaf,
// manifest and commit blocks and advancing the root pointer. The whole
// operation happens under the store's commit lock; on error nothing is
// visible to readers (the root pointer is moved last).
func (s *Store) Commit(ctx context.Context, delta *Delta, message string) (cid.Cid, error) {
	if delta == nil || len(delta.writes) == 0 {
		return cid.Undef, fmt.Errorf("treestore: commit: empty delta")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		return cid.Undef, fmt.Errorf("treestore: commit snapshot: %w", err)
	}

	merged := make(map[string]cid.Cid, len(snap.entries)+len(delta.writes))
	for p, c := range snap.entries {
		merged[p] = c
	}

	newBlocks := make([]blocks.Block, 0, len(delta.writes)+2)
	for path, value := range delta.writes {
		c, err := cidForLeaf(value)
		if err != nil {
			return cid.Undef, err
		}
		blk, err := blocks.NewBlockWithCid(value, c)
		if err != nil {
			return cid.Undef, fmt.Errorf("treestore: commit leaf block: %w", err)
		}
		newBlocks = append(newBlocks, blk)
		merged[path] = c
	}

	paths := make([]string, 0, len(merged))
	for p := range merged {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	manifest := manifestNode{Entries: make([]manifestEntry, 0, len(paths))}
	for _, p := range paths {
		manifest.Entries = append(manifest.Entries, manifestEntry{Path: p, Value: merged[p].String()})
	}

	manifestBlk, err := encodeNode(&manifest)
	if err != nil {
		return cid.Undef, err
	}
	newBlocks = append(newBlocks, manifestBlk)

	commit := commitNode{
		Tree:    manifestBlk.Cid().String(),
		Message: message,
		Time:    time.Now().UnixMilli(),
	}
	if snap.commit.Defined() {
		commit.Parent = snap.commit.String()
	}
	commitBlk, err := encodeNode(&commit)
	if err != nil {
		return cid.Undef, err
	}
	newBlocks = append(newBlocks, commitBlk)

	if err := s.backend.PutBlocks(ctx, newBlocks); err != nil {
		return cid.Undef, fmt.Errorf("treestore: commit put blocks: %w", err)
	}
	if err := s.backend.SetRoot(ctx, commitBlk.Cid()); err != nil {
		return cid.Undef, fmt.Errorf("treestore: commit set root: %w", err)
	}
	return commitBlk.Cid(), nil
}
