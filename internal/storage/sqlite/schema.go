package sqlite

// schema creates the single document table. Every logical set shares it,
// partitioned by set_name; seq is the global insertion/update order used by
// Page.
const schema = `
CREATE TABLE IF NOT EXISTS docs (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    set_name   TEXT NOT NULL,
    id         TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    body       BLOB NOT NULL,
    UNIQUE (set_name, id)
);

CREATE INDEX IF NOT EXISTS idx_docs_set_seq ON docs(set_name, seq);
`
