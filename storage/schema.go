package storage

const schemaSQL = `
CREATE TABLE IF NOT EXISTS events (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL CHECK (length(name) > 0),
	description       TEXT NOT NULL DEFAULT '',
	start_at          TIMESTAMPTZ NOT NULL,
	end_at            TIMESTAMPTZ NOT NULL,
	location          TEXT,
	online_link       TEXT,
	min_attendees     INTEGER CHECK (min_attendees >= 0),
	max_attendees     INTEGER CHECK (max_attendees >= 0),
	location_notes    TEXT,
	preparation_notes TEXT,
	updated_at        TIMESTAMPTZ NOT NULL,
	CHECK (end_at > start_at),
	CHECK (location IS NOT NULL OR online_link IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS events_start_at_idx ON events (start_at);
`
