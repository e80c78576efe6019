package database

// schema is the logical layout for the credit ledger and the dashboard
// resources it gates. Transactions are append-only; account_balances is the
// derived row that ledger mutations keep in lockstep inside one transaction.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id                 UUID PRIMARY KEY,
	name               TEXT NOT NULL,
	email              TEXT NOT NULL,
	billing_plan       TEXT NOT NULL DEFAULT 'free',
	stripe_customer_id TEXT UNIQUE,
	status             TEXT NOT NULL DEFAULT 'active',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at         TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS account_balances (
	tenant_id  UUID PRIMARY KEY REFERENCES tenants(id),
	balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
	id            UUID PRIMARY KEY,
	tenant_id     UUID NOT NULL REFERENCES tenants(id),
	kind          TEXT NOT NULL CHECK (kind IN ('debit', 'credit', 'refund', 'grant')),
	amount        BIGINT NOT NULL,
	balance_after BIGINT NOT NULL,
	source_ref    TEXT NOT NULL,
	original_id   UUID REFERENCES transactions(id),
	metadata      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, source_ref)
);

CREATE INDEX IF NOT EXISTS idx_transactions_tenant_created
	ON transactions (tenant_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_original
	ON transactions (original_id) WHERE original_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS webhook_events (
	event_id       TEXT PRIMARY KEY,
	event_type     TEXT NOT NULL,
	processed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	transaction_id UUID REFERENCES transactions(id)
);

CREATE TABLE IF NOT EXISTS agents (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id),
	name       TEXT NOT NULL,
	model      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS sessions (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id),
	agent_id   UUID NOT NULL REFERENCES agents(id),
	kind       TEXT NOT NULL CHECK (kind IN ('chat', 'video')),
	status     TEXT NOT NULL DEFAULT 'active',
	started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	ended_at   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS conversations (
	id         UUID PRIMARY KEY,
	tenant_id  UUID NOT NULL REFERENCES tenants(id),
	agent_id   UUID NOT NULL REFERENCES agents(id),
	title      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents (tenant_id) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions (tenant_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_conversations_tenant ON conversations (tenant_id) WHERE deleted_at IS NULL;
`
