package dlq

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/tickplane/tickplane/internal/broker"
)

// Record is a persisted dead letter.
type Record struct {
	ID                 int64  `json:"id"`
	MessageID          string `json:"messageId"`
	Topic              string `json:"topic"`
	SubscriberService  string `json:"subscriberService"`
	SubscriberInstance string `json:"subscriberInstance"`
	Reason             string `json:"reason"`
	Attempts           int    `json:"attempts"`
	FailedAtNs         int64  `json:"failedAt"`
	// Envelope is the full message as JSON, kept verbatim for replay.
	Envelope json.RawMessage `json:"envelope"`
}

// Store persists dead letters in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the dead letter database at path with WAL journal
// mode and applies pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open dlq db %s: %w", path, err)
	}

	// Single-writer: only one connection needed.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q on %s: %w", p, path, err)
		}
	}

	if err := migrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record implements broker.DeadLetterSink.
func (s *Store) Record(ctx context.Context, entry broker.DeadLetterEntry) error {
	envelope, err := json.Marshal(entry.Message)
	if err != nil {
		return fmt.Errorf("encode dead letter envelope: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letters
			(message_id, topic, subscriber_service, subscriber_instance, reason, attempts, failed_at_ns, envelope_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Message.Metadata.MessageID,
		entry.Message.Metadata.Topic,
		entry.Subscriber.ServiceName,
		entry.Subscriber.InstanceID,
		entry.Reason,
		entry.Attempts,
		entry.FailedAtNs,
		string(envelope),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the newest dead letters first, up to limit. A limit of 0
// means no bound.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	q := `
		SELECT id, message_id, topic, subscriber_service, subscriber_instance, reason, attempts, failed_at_ns, envelope_json
		FROM dead_letters ORDER BY failed_at_ns DESC, id DESC`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var envelope string
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Topic, &r.SubscriberService,
			&r.SubscriberInstance, &r.Reason, &r.Attempts, &r.FailedAtNs, &envelope); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		r.Envelope = json.RawMessage(envelope)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Purge removes dead letters that failed before the cutoff and returns the
// number removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE failed_at_ns < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: rows affected: %w", err)
	}
	return n, nil
}

// Count returns the number of parked dead letters.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}
