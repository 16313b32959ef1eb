package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

type Migration struct {
	Version string
	Name    string
	Up      string
}

// Migrations are applied in order; each runs once inside its own transaction.
var Migrations = []Migration{
	{
		Version: "20250601000001",
		Name:    "create_credits",
		Up: `
CREATE TABLE IF NOT EXISTS credits (
    user_id    TEXT PRIMARY KEY,
    amount     BIGINT NOT NULL DEFAULT 0 CHECK (amount >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`,
	},
	{
		Version: "20250601000002",
		Name:    "create_credit_transactions",
		Up: `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id           UUID PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES credits (user_id),
    amount       BIGINT NOT NULL,
    operation    TEXT NOT NULL,
    operation_id TEXT,
    status       TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'refunded')),
    metadata     JSONB NOT NULL DEFAULT '{}',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_user_created ON credit_transactions (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_tx_pending ON credit_transactions (created_at) WHERE status = 'pending';`,
	},
	{
		Version: "20250601000003",
		Name:    "create_credit_configs",
		Up: `
CREATE TABLE IF NOT EXISTS credit_configs (
    operation         TEXT PRIMARY KEY,
    base_cost         BIGINT NOT NULL CHECK (base_cost >= 0),
    additional_params JSONB NOT NULL DEFAULT '{}',
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

INSERT INTO credit_configs (operation, base_cost, additional_params)
VALUES ('generate_ad', 2, '{"high_image": 1, "extra_sample": 1}')
ON CONFLICT (operation) DO NOTHING;`,
	},
	{
		Version: "20250601000004",
		Name:    "create_generated_ads",
		Up: `
CREATE TABLE IF NOT EXISTS generated_ads (
    id                    UUID PRIMARY KEY,
    user_id               TEXT NOT NULL,
    brand_id              TEXT,
    name                  TEXT NOT NULL DEFAULT '',
    prompt                TEXT NOT NULL,
    ad_type               TEXT NOT NULL DEFAULT '',
    status                TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'failed')),
    credits_used          BIGINT NOT NULL DEFAULT 0,
    credit_transaction_id UUID REFERENCES credit_transactions (id),
    original_image_urls   TEXT[] NOT NULL DEFAULT '{}',
    result_urls           TEXT[] NOT NULL DEFAULT '{}',
    error_message         TEXT,
    metadata              JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_generated_ads_user ON generated_ads (user_id, created_at DESC);`,
	},
	{
		Version: "20250601000005",
		Name:    "create_payment_transactions",
		Up: `
CREATE TABLE IF NOT EXISTS payment_transactions (
    payment_id            TEXT PRIMARY KEY,
    user_id               TEXT NOT NULL,
    status                TEXT NOT NULL,
    plan_id               TEXT NOT NULL,
    credits_added         BIGINT NOT NULL,
    credit_transaction_id UUID REFERENCES credit_transactions (id),
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_payment_tx_user ON payment_transactions (user_id);`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations and
// returns how many ran.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) (int, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := 0
	for _, m := range migrations {
		ran, err := apply(ctx, db, m)
		if err != nil {
			return applied, fmt.Errorf("migration %s_%s: %w", m.Version, m.Name, err)
		}
		if ran {
			applied++
			logrus.WithFields(logrus.Fields{"version": m.Version, "name": m.Name}).Info("[MIGRATE] Applied")
		}
	}
	return applied, nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
