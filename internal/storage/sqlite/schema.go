package sqlite

const schema = `
-- Goals table
CREATE TABLE IF NOT EXISTS goals (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL CHECK(length(title) <= 500),
    description TEXT NOT NULL DEFAULT '',
    criteria TEXT NOT NULL DEFAULT '[]',
    status TEXT NOT NULL DEFAULT 'backlog' CHECK(status IN ('backlog', 'in_progress', 'completed', 'drifted')),
    synthetic INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status);

-- Cascades table
-- Declared before sessions so the foreign key below resolves.
CREATE TABLE IF NOT EXISTS cascades (
    id TEXT PRIMARY KEY,
    trigger_session_id TEXT,
    core_files_changed TEXT NOT NULL DEFAULT '[]',
    downstream_files TEXT NOT NULL DEFAULT '[]',
    repair_job_count INTEGER NOT NULL DEFAULT 0 CHECK(repair_job_count >= 0),
    summary TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'analyzing' CHECK(status IN ('analyzing', 'dispatched', 'completed', 'failed')),
    telemetry TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_cascades_status ON cascades(status);

-- Sessions table
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    goal_id TEXT REFERENCES goals(id) ON DELETE SET NULL,
    cascade_id TEXT REFERENCES cascades(id) ON DELETE SET NULL,
    source_repo TEXT NOT NULL,
    branch_name TEXT NOT NULL,
    base_branch TEXT NOT NULL DEFAULT 'main',
    external_agent_id TEXT UNIQUE,
    agent_url TEXT NOT NULL DEFAULT '',
    last_reviewed_commit TEXT NOT NULL DEFAULT '',
    remediation_depth INTEGER NOT NULL DEFAULT 0 CHECK(remediation_depth >= 0 AND remediation_depth <= 3),
    status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'executing', 'verifying', 'completed', 'failed')),
    last_error TEXT NOT NULL DEFAULT '',
    last_synced_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_branch ON sessions(source_repo, branch_name);
CREATE INDEX IF NOT EXISTS idx_sessions_goal ON sessions(goal_id);
CREATE INDEX IF NOT EXISTS idx_sessions_cascade ON sessions(cascade_id);

-- File locks table
-- file_path PRIMARY KEY is the lock-exclusivity invariant: at most one
-- session holds any path. ON DELETE CASCADE clears locks when a session
-- row is deleted.
CREATE TABLE IF NOT EXISTS file_locks (
    file_path TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    locked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_file_locks_session ON file_locks(session_id);

-- Review artifacts table
-- Normalized out of goals so dedup on (goal, url, agent) is a constraint
-- instead of application logic.
CREATE TABLE IF NOT EXISTS review_artifacts (
    goal_id TEXT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
    url TEXT NOT NULL,
    external_agent_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (goal_id, url, external_agent_id)
);

-- Control events table (audit trail)
CREATE TABLE IF NOT EXISTS control_events (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT 'system',
    message TEXT NOT NULL DEFAULT '',
    data TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_control_events_session ON control_events(session_id);
CREATE INDEX IF NOT EXISTS idx_control_events_created ON control_events(created_at);
`
