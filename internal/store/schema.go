package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	resume_token TEXT NOT NULL DEFAULT '',
	active_tools TEXT NOT NULL DEFAULT '[]',
	active_skills TEXT NOT NULL DEFAULT '[]',
	mode TEXT NOT NULL DEFAULT '',
	agent_mode TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	workdir TEXT NOT NULL DEFAULT '',
	last_user_msg TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	partial_text TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'text',
	content TEXT NOT NULL DEFAULT '',
	tool_name TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	reply_to INTEGER,
	attachments TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_session_type ON messages(session_id, type);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'backlog',
	sort_order INTEGER NOT NULL DEFAULT 0,
	session_id TEXT NOT NULL DEFAULT '',
	workdir TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	agent_mode TEXT NOT NULL DEFAULT '',
	max_turns INTEGER NOT NULL DEFAULT 0,
	attachments TEXT NOT NULL DEFAULT '',
	depends_on TEXT NOT NULL DEFAULT '[]',
	chain_id TEXT NOT NULL DEFAULT '',
	source_session_id TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	task_retry_count INTEGER NOT NULL DEFAULT 0,
	worker_pid INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_chain_id ON tasks(chain_id);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_sort_created ON tasks(sort_order, created_at);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
);
`

// migrations holds idempotent ALTER TABLE statements applied in order:
// ignore-if-exists schema evolution for a SQLite store that never drops
// columns.
var migrations = []string{
	// The baseline schema is created by schemaSQL and is not recorded as a
	// version; the first entry here would be recorded as version 1. No
	// ALTERs yet.
}
