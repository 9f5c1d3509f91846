package store

const schemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
  scope TEXT NOT NULL,
  id TEXT NOT NULL,
  pubkey TEXT NOT NULL,
  kind INTEGER NOT NULL,
  created_at INTEGER NOT NULL,
  d_tag TEXT NOT NULL DEFAULT '',
  raw TEXT NOT NULL,
  PRIMARY KEY (scope, id)
);

CREATE INDEX IF NOT EXISTS idx_events_scope_created ON events(scope, created_at DESC, id);
CREATE INDEX IF NOT EXISTS idx_events_scope_author_kind ON events(scope, pubkey, kind, d_tag);
CREATE INDEX IF NOT EXISTS idx_events_scope_kind ON events(scope, kind, created_at DESC);

CREATE TABLE IF NOT EXISTS event_tags (
  scope TEXT NOT NULL,
  event_id TEXT NOT NULL,
  name TEXT NOT NULL,
  value TEXT NOT NULL,
  FOREIGN KEY(scope, event_id) REFERENCES events(scope, id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_event_tags_lookup ON event_tags(scope, name, value);
CREATE INDEX IF NOT EXISTS idx_event_tags_event ON event_tags(scope, event_id);

CREATE TABLE IF NOT EXISTS deletions (
  scope TEXT NOT NULL,
  target TEXT NOT NULL,
  pubkey TEXT NOT NULL,
  deleted_at INTEGER NOT NULL,
  PRIMARY KEY (scope, target, pubkey)
);
`
