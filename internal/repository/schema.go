package repository

// schemaStatements is the idempotent schema shared by both drivers. Ids are
// text; transcript and session event ids are ULIDs so ordering by id is
// ordering by creation.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS delegates (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		terms_accepted BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		counterparty_key TEXT NOT NULL,
		channel TEXT NOT NULL,
		agent_id TEXT NOT NULL DEFAULT '',
		delegate_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS conversations_one_active
		ON conversations (channel, counterparty_key) WHERE active`,
	`CREATE INDEX IF NOT EXISTS conversations_last_activity
		ON conversations (last_activity) WHERE active`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations (id),
		direction TEXT NOT NULL,
		content TEXT NOT NULL,
		reply_to TEXT NOT NULL DEFAULT '',
		ai_processed BOOLEAN NOT NULL DEFAULT FALSE,
		ai_response TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation ON messages (conversation_id, id)`,
	`CREATE INDEX IF NOT EXISTS messages_reply_to ON messages (reply_to)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		keywords TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS answers (
		id TEXT PRIMARY KEY,
		question_id TEXT NOT NULL REFERENCES questions (id),
		text TEXT NOT NULL,
		is_default BOOLEAN NOT NULL DEFAULT FALSE,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS answers_one_default ON answers (question_id) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS qa_interactions (
		id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		question_id TEXT NOT NULL,
		answer_id TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		conversation_id TEXT NOT NULL,
		delegate_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS qa_interactions_message ON qa_interactions (message_id)`,
	`CREATE TABLE IF NOT EXISTS pharmacies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		pharmacy_id TEXT NOT NULL REFERENCES pharmacies (id),
		delegate_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		visit_date TIMESTAMP NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS visits_pharmacy_delegate ON visits (pharmacy_id, delegate_id, visit_date)`,
	`CREATE TABLE IF NOT EXISTS feedback (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL REFERENCES visits (id),
		medium TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		conversation_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		data TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		state TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		reply TEXT NOT NULL DEFAULT '',
		UNIQUE (conversation_id, version)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS session_events_message
		ON session_events (conversation_id, message_id) WHERE message_id <> ''`,
}
