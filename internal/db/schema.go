package db

const schema = `
CREATE TABLE IF NOT EXISTS operators (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL DEFAULT '',
	phone           TEXT NOT NULL DEFAULT '',
	language        TEXT NOT NULL DEFAULT '',
	verified        BOOLEAN NOT NULL DEFAULT FALSE,
	company_name    TEXT NOT NULL DEFAULT '',
	truck_category  TEXT NOT NULL DEFAULT 'flatbed',
	is_available    BOOLEAN NOT NULL DEFAULT FALSE,
	lat             DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng             DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_update     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS assistance_requests (
	id                  TEXT PRIMARY KEY,
	seeker_id           TEXT NOT NULL,
	lat                 DOUBLE PRECISION NOT NULL,
	lng                 DOUBLE PRECISION NOT NULL,
	address             TEXT NOT NULL DEFAULT '',
	note                TEXT NOT NULL DEFAULT '',
	operator_id         TEXT,
	operator_notes      TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	notified_operators  TEXT[] NOT NULL DEFAULT '{}',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE UNIQUE INDEX IF NOT EXISTS assistance_requests_one_active
	ON assistance_requests (seeker_id)
	WHERE status IN ('PENDING', 'ACCEPTED', 'ARRIVED');

CREATE INDEX IF NOT EXISTS assistance_requests_notified
	ON assistance_requests USING GIN (notified_operators);

CREATE TABLE IF NOT EXISTS messages (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	conversation_id  TEXT NOT NULL,
	sender_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	kind             TEXT NOT NULL,
	body             TEXT NOT NULL DEFAULT '',
	lat              DOUBLE PRECISION,
	lng              DOUBLE PRECISION,
	fallback         BOOLEAN NOT NULL DEFAULT FALSE,
	label            TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	sent_at          TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS messages_conversation_seq ON messages (conversation_id, seq);
CREATE INDEX IF NOT EXISTS messages_sender ON messages (sender_id);
CREATE INDEX IF NOT EXISTS messages_receiver ON messages (receiver_id);

CREATE TABLE IF NOT EXISTS conversation_flags (
	owner_id    TEXT NOT NULL,
	contact_id  TEXT NOT NULL,
	muted       BOOLEAN NOT NULL DEFAULT FALSE,
	blocked     BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (owner_id, contact_id)
);
`
