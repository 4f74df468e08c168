// Package migrations generates the per-aggregate PostgreSQL schema: the
// stream heads, the immutable event log and the snapshot chain, together with
// their notification and integrity triggers.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,39}$`)

// ErrInvalidName is returned for aggregate names that are not safe identifiers.
var ErrInvalidName = fmt.Errorf("aggregate name must match %s", namePattern.String())

// Validate checks that aggregate can be embedded in table and channel names.
func Validate(aggregate string) error {
	if !namePattern.MatchString(aggregate) {
		return fmt.Errorf("%w: %q", ErrInvalidName, aggregate)
	}
	return nil
}

// Table and constraint names for one aggregate.
func HeadsTable(aggregate string) string     { return "es_heads_" + aggregate }
func EventsTable(aggregate string) string    { return "es_events_" + aggregate }
func SnapshotsTable(aggregate string) string { return "es_snapshots_" + aggregate }
func Channel(aggregate string) string        { return "es_notification_" + aggregate }

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// Aggregate is the event family name substituted into every identifier
	Aggregate string
}

// DefaultConfig returns the default configuration for aggregate.
func DefaultConfig(aggregate string) Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:   "migrations",
		OutputFilename: fmt.Sprintf("%s_init_es_%s.sql", timestamp, aggregate),
		Aggregate:      aggregate,
	}
}

// GeneratePostgres writes the migration file described by config.
func GeneratePostgres(config *Config) error {
	sql, err := PostgresSQL(config.Aggregate)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}
	return nil
}

// PostgresSQL returns the whole schema for aggregate as one script.
func PostgresSQL(aggregate string) (string, error) {
	steps, err := Migrations(aggregate)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "-- Event store schema for aggregate %q\n", aggregate)
	fmt.Fprintf(&b, "-- Generated: %s\n", time.Now().Format(time.RFC3339))
	for _, step := range steps {
		b.WriteString(step)
	}
	return b.String(), nil
}

// Migrations returns the ordered, idempotent migration steps for aggregate.
func Migrations(aggregate string) ([]string, error) {
	if err := Validate(aggregate); err != nil {
		return nil, err
	}

	r := strings.NewReplacer("{aggregate}", aggregate)
	steps := make([]string, 0, len(templates))
	for _, t := range templates {
		steps = append(steps, r.Replace(t))
	}
	return steps, nil
}

// Apply runs the migrations for aggregate in a single transaction.
func Apply(ctx context.Context, db *sql.DB, aggregate string) error {
	steps, err := Migrations(aggregate)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, step := range steps {
		if _, err := tx.ExecContext(ctx, step); err != nil {
			return fmt.Errorf("migration %d for %s failed: %w", i+1, aggregate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

var templates = []string{migrationHeads, migrationEvents, migrationSnapshots}

const migrationHeads = `
-------------------------------------------------------------
-- Stream heads: one row per stream, version is the last event
CREATE TABLE IF NOT EXISTS es_heads_{aggregate} (
    stream_id VARCHAR(256) NOT NULL,
    stream_token UUID NOT NULL,
    version BIGINT NOT NULL,
    CONSTRAINT es_heads_{aggregate}_pkey PRIMARY KEY (stream_id),
    CONSTRAINT es_heads_{aggregate}_version_check CHECK (version >= 0)
);

CREATE OR REPLACE FUNCTION notify_es_heads_{aggregate}()
RETURNS TRIGGER AS $$
BEGIN
    IF (TG_OP = 'INSERT') THEN
        PERFORM pg_notify(
            'es_notification_{aggregate}',
            json_build_object(
                'type', 'stream',
                'operation', 'create',
                'stream_id', NEW.stream_id,
                'stream_token', NEW.stream_token
            )::text
        );
        RETURN NEW;
    ELSIF (TG_OP = 'UPDATE') THEN
        PERFORM pg_notify(
            'es_notification_{aggregate}',
            json_build_object(
                'type', 'stream',
                'operation', 'update',
                'stream_id', NEW.stream_id,
                'stream_token', NEW.stream_token,
                'version', NEW.version
            )::text
        );
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        PERFORM pg_notify(
            'es_notification_{aggregate}',
            json_build_object(
                'type', 'stream',
                'operation', 'delete',
                'stream_id', OLD.stream_id,
                'stream_token', OLD.stream_token
            )::text
        );
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS es_heads_{aggregate}_notify ON es_heads_{aggregate};
CREATE TRIGGER es_heads_{aggregate}_notify
AFTER INSERT OR UPDATE OR DELETE ON es_heads_{aggregate}
FOR EACH ROW
EXECUTE FUNCTION notify_es_heads_{aggregate}();
`

const migrationEvents = `
-------------------------------------------------------------
-- Events: append-only, rows are immutable
CREATE TABLE IF NOT EXISTS es_events_{aggregate} (
    stream_id VARCHAR(256) NOT NULL,
    version BIGINT NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    data JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT es_events_{aggregate}_pkey PRIMARY KEY (stream_id, version),
    CONSTRAINT es_events_{aggregate}_heads_fkey FOREIGN KEY (stream_id)
        REFERENCES es_heads_{aggregate} (stream_id) ON DELETE CASCADE
);

CREATE OR REPLACE FUNCTION prevent_es_events_{aggregate}_update()
RETURNS TRIGGER AS $$
BEGIN
    RAISE EXCEPTION 'Cannot update rows in es_events_{aggregate}';
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS prevent_update_es_events_{aggregate} ON es_events_{aggregate};
CREATE TRIGGER prevent_update_es_events_{aggregate}
BEFORE UPDATE ON es_events_{aggregate}
FOR EACH ROW
EXECUTE FUNCTION prevent_es_events_{aggregate}_update();
`

const migrationSnapshots = `
-------------------------------------------------------------
-- Snapshots: a single unbranched chain per (stream_id, aggregate_id)
CREATE TABLE IF NOT EXISTS es_snapshots_{aggregate} (
    stream_id VARCHAR(256) NOT NULL,
    aggregate_id VARCHAR(255) NOT NULL,
    start_version BIGINT NOT NULL,
    version BIGINT NOT NULL,
    data JSONB NOT NULL,
    hash VARCHAR(64) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT es_snapshots_{aggregate}_pkey PRIMARY KEY (stream_id, aggregate_id, version),
    CONSTRAINT es_snapshots_{aggregate}_version_check CHECK (version > start_version),
    CONSTRAINT es_snapshots_{aggregate}_no_branching UNIQUE (stream_id, aggregate_id, start_version),
    CONSTRAINT es_snapshots_{aggregate}_heads_fkey FOREIGN KEY (stream_id)
        REFERENCES es_heads_{aggregate} (stream_id) ON DELETE CASCADE,
    CONSTRAINT es_snapshots_{aggregate}_event_fkey FOREIGN KEY (stream_id, version)
        REFERENCES es_events_{aggregate} (stream_id, version) ON DELETE CASCADE
);

-- A new snapshot must start where an existing one ends, unless it is the
-- first of its chain. Reusing a start version is left to the unique constraint.
CREATE OR REPLACE FUNCTION check_es_snapshots_{aggregate}_chain()
RETURNS TRIGGER AS $$
BEGIN
    IF EXISTS (
        SELECT 1 FROM es_snapshots_{aggregate}
        WHERE stream_id = NEW.stream_id AND aggregate_id = NEW.aggregate_id
    ) AND NOT EXISTS (
        SELECT 1 FROM es_snapshots_{aggregate}
        WHERE stream_id = NEW.stream_id AND aggregate_id = NEW.aggregate_id
          AND (version = NEW.start_version OR start_version = NEW.start_version)
    ) THEN
        RAISE EXCEPTION 'Snapshot chain is broken.';
    END IF;
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS es_snapshots_{aggregate}_chain ON es_snapshots_{aggregate};
CREATE TRIGGER es_snapshots_{aggregate}_chain
BEFORE INSERT ON es_snapshots_{aggregate}
FOR EACH ROW
EXECUTE FUNCTION check_es_snapshots_{aggregate}_chain();

CREATE OR REPLACE FUNCTION notify_es_snapshots_{aggregate}()
RETURNS TRIGGER AS $$
DECLARE
    token UUID;
BEGIN
    IF (TG_OP = 'INSERT') THEN
        SELECT stream_token INTO token FROM es_heads_{aggregate} WHERE stream_id = NEW.stream_id;
        PERFORM pg_notify(
            'es_notification_{aggregate}',
            json_build_object(
                'type', 'snapshot',
                'operation', 'create',
                'stream_id', NEW.stream_id,
                'stream_token', token,
                'aggregate_id', NEW.aggregate_id,
                'version', NEW.version,
                'hash', NEW.hash
            )::text
        );
        RETURN NEW;
    ELSIF (TG_OP = 'DELETE') THEN
        SELECT stream_token INTO token FROM es_heads_{aggregate} WHERE stream_id = OLD.stream_id;
        PERFORM pg_notify(
            'es_notification_{aggregate}',
            json_build_object(
                'type', 'snapshot',
                'operation', 'delete',
                'stream_id', OLD.stream_id,
                'stream_token', token,
                'aggregate_id', OLD.aggregate_id,
                'version', OLD.version
            )::text
        );
        RETURN OLD;
    END IF;
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS es_snapshots_{aggregate}_notify ON es_snapshots_{aggregate};
CREATE TRIGGER es_snapshots_{aggregate}_notify
AFTER INSERT OR DELETE ON es_snapshots_{aggregate}
FOR EACH ROW
EXECUTE FUNCTION notify_es_snapshots_{aggregate}();
`
