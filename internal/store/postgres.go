package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PostgresBackend persists the catalogue in PostgreSQL, one row per encoding,
// ordered by position.
type PostgresBackend struct {
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*PostgresBackend, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &PostgresBackend{conn: conn}, nil
}

// initSchema creates the encodings table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS face_encodings (
			position INT PRIMARY KEY,
			name TEXT NOT NULL,
			encoding DOUBLE PRECISION[] NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS face_encodings_name_idx ON face_encodings (name);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (p *PostgresBackend) Close(ctx context.Context) {
	p.conn.Close(ctx)
}

// Save replaces every stored row with the snapshot inside one transaction.
func (p *PostgresBackend) Save(ctx context.Context, snap Snapshot) error {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM face_encodings"); err != nil {
		return err
	}

	rows := make([][]any, len(snap.Names))
	for i := range snap.Names {
		rows[i] = []any{i, snap.Names[i], []float64(snap.Encodings[i])}
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"face_encodings"},
		[]string{"position", "name", "encoding"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("failed to copy encodings: %w", err)
	}

	return tx.Commit(ctx)
}

// Load reads every row in position order. An empty table means nothing was persisted.
func (p *PostgresBackend) Load(ctx context.Context) (Snapshot, error) {
	rows, err := p.conn.Query(ctx, "SELECT name, encoding FROM face_encodings ORDER BY position ASC")
	if err != nil {
		return Snapshot{}, err
	}
	defer rows.Close()

	var snap Snapshot
	for rows.Next() {
		var name string
		var enc []float64
		if err := rows.Scan(&name, &enc); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		snap.Names = append(snap.Names, name)
		snap.Encodings = append(snap.Encodings, Vector(enc))
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}

	if len(snap.Names) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Remove deletes every stored row. Removing from an empty table succeeds.
func (p *PostgresBackend) Remove(ctx context.Context) error {
	_, err := p.conn.Exec(ctx, "DELETE FROM face_encodings")
	return err
}
