// Package treestore implements a versioned, content-addressed tree
// store. A snapshot of the tree is a commit block pointing at a
// manifest block (sorted path-to-CID entries); leaf values are raw
// blocks. Mutations are staged into a Delta and applied with a single
// Commit carrying a human-readable message, which writes the new blocks
// and advances the root pointer in the backend.
package treestore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// commitNode is the CBOR-encoded commit block. Parent is empty for the
// first commit.
type commitNode struct {
	Parent  string `cbor:"parent,omitempty"`
	Tree    string `cbor:"tree"`
	Message string `cbor:"message"`
	Time    int64  `cbor:"time"`
}

// manifestEntry maps a tree path to the CID of its leaf block.
type manifestEntry struct {
	Path  string `cbor:"path"`
	Value string `cbor:"value"`
}

// manifestNode is the CBOR-encoded tree manifest block. Entries are
// sorted by path so identical trees always produce identical CIDs.
type manifestNode struct {
	Entries []manifestEntry `cbor:"entries"`
}

// cidForNode returns a CIDv1 (DAG-CBOR, SHA-256) for an encoded node.
func cidForNode(raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)
	c, err := builder.Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("treestore: node cid: %w", err)
	}
	return c, nil
}

// cidForLeaf returns a CIDv1 (raw codec, SHA-256) for leaf value bytes.
func cidForLeaf(raw []byte) (cid.Cid, error) {
	builder := cid.NewPrefixV1(cid.Raw, multihash.SHA2_256)
	c, err := builder.Sum(raw)
	if err != nil {
		return cid.Undef, fmt.Errorf("treestore: leaf cid: %w", err)
	}
	return c, nil
}

// encodeNode CBOR-encodes a node and wraps it in a block whose CID
// commits to the encoded bytes.
func encodeNode(v any) (blocks.Block, error) {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("treestore: encode node: %w", err)
	}
	c, err := cidForNode(raw)
	if err != nil {
		return nil, err
	}
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return nil, fmt.Errorf("treestore: node block: %w", err)
	}
	return blk, nil
}

// decodeNode CBOR-decodes a block into the given node value.
func decodeNode(blk blocks.Block, v any) error {
	if err := cbor.Unmarshal(blk.RawData(), v); err != nil {
		return fmt.Errorf("treestore: decode node %s: %w", blk.Cid(), err)
	}
	return nil
}
