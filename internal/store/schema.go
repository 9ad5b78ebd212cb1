package store

const schema = `
CREATE TABLE IF NOT EXISTS extension_stats (
    extension_id TEXT PRIMARY KEY,
    extension TEXT NOT NULL,
    network TEXT NOT NULL,
    performance TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    last_updated TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extension_stats_updated ON extension_stats(updated_at);
`

// metadataKey is the singleton metadata row holding the global LastUpdated.
const metadataKey = "global"
