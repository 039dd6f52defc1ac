package store

import "github.com/jmoiron/sqlx"

// statements holds the store's pre-prepared operation surface: a narrow
// set of reused prepared statements rather than ad hoc queries built per
// call, prepared once in the constructor and reused for the life of the
// process.
type statements struct {
	insertSession *sqlx.NamedStmt
	getSession    *sqlx.Stmt
	updateSession *sqlx.NamedStmt
	deleteSession *sqlx.Stmt
	touchSession  *sqlx.Stmt

	insertMessage *sqlx.NamedStmt
	listMessages  *sqlx.Stmt // all messages for a session, any type
	listChatOnly  *sqlx.Stmt // excludes tool-type messages, for client display

	insertTask     *sqlx.NamedStmt
	getTask        *sqlx.Stmt
	updateTask     *sqlx.NamedStmt
	deleteTask     *sqlx.Stmt
	listTodo       *sqlx.Stmt // (sort_order, created_at) order
	listInProgress *sqlx.Stmt
	listByChain    *sqlx.Stmt
}

func prepareStatements(w, r *sqlx.DB) (*statements, error) {
	s := &statements{}
	var err error

	if s.insertSession, err = w.PrepareNamed(`
		INSERT INTO sessions (id, title, resume_token, active_tools, active_skills, mode, agent_mode, model, workdir, last_user_msg, retry_count, partial_text, created_at, updated_at)
		VALUES (:id, :title, :resume_token, :active_tools, :active_skills, :mode, :agent_mode, :model, :workdir, :last_user_msg, :retry_count, :partial_text, :created_at, :updated_at)
	`); err != nil {
		return nil, err
	}
	if s.getSession, err = r.Preparex(`SELECT * FROM sessions WHERE id = ?`); err != nil {
		return nil, err
	}
	if s.updateSession, err = w.PrepareNamed(`
		UPDATE sessions SET title=:title, resume_token=:resume_token, active_tools=:active_tools,
			active_skills=:active_skills, mode=:mode, agent_mode=:agent_mode, model=:model, workdir=:workdir,
			last_user_msg=:last_user_msg, retry_count=:retry_count, partial_text=:partial_text, updated_at=:updated_at
		WHERE id=:id
	`); err != nil {
		return nil, err
	}
	if s.deleteSession, err = w.Preparex(`DELETE FROM sessions WHERE id = ?`); err != nil {
		return nil, err
	}
	if s.touchSession, err = w.Preparex(`UPDATE sessions SET updated_at = ? WHERE id = ?`); err != nil {
		return nil, err
	}

	if s.insertMessage, err = w.PrepareNamed(`
		INSERT INTO messages (session_id, role, type, content, tool_name, agent_id, reply_to, attachments, created_at)
		VALUES (:session_id, :role, :type, :content, :tool_name, :agent_id, :reply_to, :attachments, :created_at)
	`); err != nil {
		return nil, err
	}
	if s.listMessages, err = r.Preparex(`SELECT * FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, err
	}
	if s.listChatOnly, err = r.Preparex(`SELECT * FROM messages WHERE session_id = ? AND type != 'tool' ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`); err != nil {
		return nil, err
	}

	if s.insertTask, err = w.PrepareNamed(`
		INSERT INTO tasks (id, title, description, notes, status, sort_order, session_id, workdir, model, mode,
			agent_mode, max_turns, attachments, depends_on, chain_id, source_session_id, failure_reason,
			task_retry_count, worker_pid, created_at, updated_at)
		VALUES (:id, :title, :description, :notes, :status, :sort_order, :session_id, :workdir, :model, :mode,
			:agent_mode, :max_turns, :attachments, :depends_on, :chain_id, :source_session_id, :failure_reason,
			:task_retry_count, :worker_pid, :created_at, :updated_at)
	`); err != nil {
		return nil, err
	}
	if s.getTask, err = r.Preparex(`SELECT * FROM tasks WHERE id = ?`); err != nil {
		return nil, err
	}
	if s.updateTask, err = w.PrepareNamed(`
		UPDATE tasks SET title=:title, description=:description, notes=:notes, status=:status, sort_order=:sort_order,
			session_id=:session_id, workdir=:workdir, model=:model, mode=:mode, agent_mode=:agent_mode,
			max_turns=:max_turns, attachments=:attachments, depends_on=:depends_on, chain_id=:chain_id,
			source_session_id=:source_session_id, failure_reason=:failure_reason, task_retry_count=:task_retry_count,
			worker_pid=:worker_pid, updated_at=:updated_at
		WHERE id=:id
	`); err != nil {
		return nil, err
	}
	if s.deleteTask, err = w.Preparex(`DELETE FROM tasks WHERE id = ?`); err != nil {
		return nil, err
	}
	if s.listTodo, err = r.Preparex(`SELECT * FROM tasks WHERE status = 'todo' ORDER BY sort_order ASC, created_at ASC`); err != nil {
		return nil, err
	}
	if s.listInProgress, err = r.Preparex(`SELECT * FROM tasks WHERE status = 'in_progress'`); err != nil {
		return nil, err
	}
	if s.listByChain, err = r.Preparex(`SELECT * FROM tasks WHERE chain_id = ? ORDER BY created_at ASC`); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *statements) Close() {
	closers := []interface{ Close() error }{
		s.insertSession, s.getSession, s.updateSession, s.deleteSession, s.touchSession,
		s.insertMessage, s.listMessages, s.listChatOnly,
		s.insertTask, s.getTask, s.updateTask, s.deleteTask, s.listTodo, s.listInProgress, s.listByChain,
	}
	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}
}
