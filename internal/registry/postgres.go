package registry

import (
	"SlotLock/internal/state"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps custody in the custody schema. Every mutation runs in its
// own transaction and locks the asset row with FOR UPDATE.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPool builds a pgx pool with the connection limits used across the service.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	return pool, nil
}

type txKey struct{}

func (p *Postgres) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx, tx)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) HolderOf(ctx context.Context, assetID uint64) (state.Identity, error) {
	var holder string
	err := p.pool.QueryRow(ctx,
		`SELECT holder FROM custody.assets WHERE asset_id = $1`, int64(assetID),
	).Scan(&holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
		}
		return "", fmt.Errorf("holder of %d: %w", assetID, err)
	}
	return state.Identity(holder), nil
}

func (p *Postgres) IsApprovedForEscrow(ctx context.Context, assetID uint64, spender state.Identity) (bool, error) {
	const query = `
SELECT a.approved = $2 OR EXISTS (
	SELECT 1 FROM custody.operator_approvals o
	WHERE o.holder = a.holder AND o.operator = $2
)
FROM custody.assets a
WHERE a.asset_id = $1`

	var approved bool
	err := p.pool.QueryRow(ctx, query, int64(assetID), string(spender)).Scan(&approved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
		}
		return false, fmt.Errorf("escrow approval %d: %w", assetID, err)
	}
	return approved, nil
}

func (p *Postgres) TransferCustody(ctx context.Context, spender state.Identity, assetID uint64, from, to state.Identity) error {
	return p.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		holder, approved, err := lockAsset(ctx, tx, assetID)
		if err != nil {
			return err
		}
		if holder != from {
			return fmt.Errorf("asset %d not held by %s: %w", assetID, from, ErrNotAuthorized)
		}

		if spender != holder && spender != approved {
			isOperator, err := isOperator(ctx, tx, holder, spender)
			if err != nil {
				return err
			}
			if !isOperator {
				return fmt.Errorf("%s may not move asset %d: %w", spender, assetID, ErrNotAuthorized)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE custody.assets
			SET previous_holder = holder, holder = $2, approved = '', updated_at = NOW()
			WHERE asset_id = $1
		`, int64(assetID), string(to))
		if err != nil {
			return fmt.Errorf("transfer %d: %w", assetID, err)
		}
		return nil
	})
}

func (p *Postgres) HeldBy(ctx context.Context, holder state.Identity) ([]Holding, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT asset_id, previous_holder FROM custody.assets WHERE holder = $1 ORDER BY asset_id`,
		string(holder),
	)
	if err != nil {
		return nil, fmt.Errorf("held by %s: %w", holder, err)
	}
	defer rows.Close()

	var out []Holding
	for rows.Next() {
		var (
			id   int64
			prev string
		)
		if err := rows.Scan(&id, &prev); err != nil {
			return nil, fmt.Errorf("held by %s: %w", holder, err)
		}
		out = append(out, Holding{AssetID: uint64(id), PreviousHolder: state.Identity(prev)})
	}
	return out, rows.Err()
}

func (p *Postgres) Mint(ctx context.Context, assetID uint64, to state.Identity) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO custody.assets (asset_id, holder) VALUES ($1, $2)`,
		int64(assetID), string(to),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("mint %d: %w", assetID, ErrAssetExists)
		}
		return fmt.Errorf("mint %d: %w", assetID, err)
	}
	return nil
}

func (p *Postgres) Approve(ctx context.Context, caller state.Identity, assetID uint64, spender state.Identity) error {
	return p.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		holder, _, err := lockAsset(ctx, tx, assetID)
		if err != nil {
			return err
		}
		if caller != holder {
			isOperator, err := isOperator(ctx, tx, holder, caller)
			if err != nil {
				return err
			}
			if !isOperator {
				return fmt.Errorf("%s may not approve asset %d: %w", caller, assetID, ErrNotAuthorized)
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE custody.assets SET approved = $2, updated_at = NOW() WHERE asset_id = $1`,
			int64(assetID), string(spender),
		)
		if err != nil {
			return fmt.Errorf("approve %d: %w", assetID, err)
		}
		return nil
	})
}

func (p *Postgres) SetApprovalForAll(ctx context.Context, holder, operator state.Identity, approved bool) error {
	var err error
	if approved {
		_, err = p.pool.Exec(ctx, `
			INSERT INTO custody.operator_approvals (holder, operator) VALUES ($1, $2)
			ON CONFLICT (holder, operator) DO NOTHING
		`, string(holder), string(operator))
	} else {
		_, err = p.pool.Exec(ctx,
			`DELETE FROM custody.operator_approvals WHERE holder = $1 AND operator = $2`,
			string(holder), string(operator),
		)
	}
	if err != nil {
		return fmt.Errorf("set approval for all: %w", err)
	}
	return nil
}

func (p *Postgres) IsUsed(ctx context.Context, assetID uint64) (bool, error) {
	var used bool
	err := p.pool.QueryRow(ctx,
		`SELECT used FROM custody.assets WHERE asset_id = $1`, int64(assetID),
	).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
		}
		return false, fmt.Errorf("is used %d: %w", assetID, err)
	}
	return used, nil
}

func (p *Postgres) SetUsed(ctx context.Context, assetID uint64, used bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE custody.assets SET used = $2, updated_at = NOW() WHERE asset_id = $1`,
		int64(assetID), used,
	)
	if err != nil {
		return fmt.Errorf("set used %d: %w", assetID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
	}
	return nil
}

func lockAsset(ctx context.Context, tx pgx.Tx, assetID uint64) (holder, approved state.Identity, err error) {
	var h, a string
	err = tx.QueryRow(ctx,
		`SELECT holder, approved FROM custody.assets WHERE asset_id = $1 FOR UPDATE`,
		int64(assetID),
	).Scan(&h, &a)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("asset %d: %w", assetID, ErrAssetNotFound)
		}
		return "", "", fmt.Errorf("lock asset %d: %w", assetID, err)
	}
	return state.Identity(h), state.Identity(a), nil
}

func isOperator(ctx context.Context, tx pgx.Tx, holder, operator state.Identity) (bool, error) {
	var ok bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM custody.operator_approvals WHERE holder = $1 AND operator = $2
		)
	`, string(holder), string(operator)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("operator lookup: %w", err)
	}
	return ok, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
