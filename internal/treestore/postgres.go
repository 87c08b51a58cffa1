package treestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSchema bootstraps the tree-store tables. Blocks are immutable and
// content-addressed; the single roots row is the only mutable state.
const pgSchema = `
CREATE TABLE IF NOT EXISTS tree_blocks (
    cid         VARCHAR(255) PRIMARY KEY,
    data        BYTEA NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tree_roots (
    id          INT PRIMARY KEY CHECK (id = 1),
    commit_cid  VARCHAR(255) NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresBackend persists blocks and the root pointer in PostgreSQL
// via a pgx connection pool. Suitable where several processes share one
// database (the commit lock still lives in-process, so only one server
// instance should write).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to PostgreSQL, verifies the connection, and
// bootstraps the tree-store schema.
func OpenPostgres(ctx context.Context, connString string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("treestore: parse postgres config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("treestore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("treestore: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("treestore: bootstrap schema: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Close shuts down the connection pool.
func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// GetBlock retrieves a block by CID.
func (p *PostgresBackend) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	var data []byte
	err := p.pool.QueryRow(ctx,
		`SELECT data FROM tree_blocks WHERE cid = $1`, c.String(),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	if err != nil {
		return nil, fmt.Errorf("treestore: postgres get %s: %w", c, err)
	}
	blk, err := blocks.NewBlockWithCid(data, c)
	if err != nil {
		return nil, fmt.Errorf("treestore: postgres block %s: %w", c, err)
	}
	return blk, nil
}

// PutBlocks stores blocks. ON CONFLICT DO NOTHING: content-addressed
// blocks never change, so re-inserting an existing CID is a no-op.
func (p *PostgresBackend) PutBlocks(ctx context.Context, blks []blocks.Block) error {
	for _, blk := range blks {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO tree_blocks (cid, data) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			blk.Cid().String(), blk.RawData())
		if err != nil {
			return fmt.Errorf("treestore: postgres put block %s: %w", blk.Cid(), err)
		}
	}
	return nil
}

// Root returns the current commit CID.
func (p *PostgresBackend) Root(ctx context.Context) (cid.Cid, bool, error) {
	var cidStr string
	err := p.pool.QueryRow(ctx,
		`SELECT commit_cid FROM tree_roots WHERE id = 1`,
	).Scan(&cidStr)
	if errors.Is(err, pgx.ErrNoRows) {
		return cid.Undef, false, nil
	}
	if err != nil {
		return cid.Undef, false, fmt.Errorf("treestore: postgres root: %w", err)
	}
	c, err := cid.Decode(cidStr)
	if err != nil {
		return cid.Undef, false, fmt.Errorf("treestore: postgres root cid: %w", err)
	}
	return c, true, nil
}

// SetRoot advances the root pointer to a new commit.
func (p *PostgresBackend) SetRoot(ctx context.Context, c cid.Cid) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO tree_roots (id, commit_cid) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET commit_cid = $1, updated_at = NOW()`,
		c.String())
	if err != nil {
		return fmt.Errorf("treestore: postgres set root: %w", err)
	}
	return nil
}
