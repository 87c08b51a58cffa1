package treestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

var (
	badgerBlockPrefix = []byte("block/")
	badgerRootKey     = []byte("root")
)

// BadgerBackend persists blocks and the root pointer in an embedded
// Badger key-value store. This is the default backend for single-node
// deployments and tests.
type BadgerBackend struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger database at path.
func OpenBadger(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("treestore: open badger at %s: %w", path, err)
	}
	return &BadgerBackend{db: db}, nil
}

// Close releases the Badger database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func badgerBlockKey(c cid.Cid) []byte {
	return append(append([]byte{}, badgerBlockPrefix...), c.KeyString()...)
}

// GetBlock retrieves a block by CID.
func (b *BadgerBackend) GetBlock(_ context.Context, c cid.Cid) (blocks.Block, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerBlockKey(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	if err != nil {
		return nil, fmt.Errorf("treestore: badger get %s: %w", c, err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, fmt.Errorf("treestore: badger block %s: %w", c, err)
	}
	return blk, nil
}

// PutBlocks stores blocks in one write transaction. Re-writing an
// existing block is harmless: content addressing makes blocks immutable.
func (b *BadgerBackend) PutBlocks(_ context.Context, blks []blocks.Block) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, blk := range blks {
			if err := txn.Set(badgerBlockKey(blk.Cid()), blk.RawData()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("treestore: badger put blocks: %w", err)
	}
	return nil
}

// Root returns the current commit CID.
func (b *BadgerBackend) Root(_ context.Context) (cid.Cid, bool, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerRootKey)
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cid.Undef, false, nil
	}
	if err != nil {
		return cid.Undef, false, fmt.Errorf("treestore: badger root: %w", err)
	}
	c, err := cid.Decode(string(raw))
	if err != nil {
		return cid.Undef, false, fmt.Errorf("treestore: badger root cid: %w", err)
	}
	return c, true, nil
}

// SetRoot advances the root pointer to a new commit.
func (b *BadgerBackend) SetRoot(_ context.Context, c cid.Cid) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerRootKey, []byte(c.String()))
	})
	if err != nil {
		return fmt.Errorf("treestore: badger set root: %w", err)
	}
	return nil
}
