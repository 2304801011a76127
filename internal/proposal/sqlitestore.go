package proposal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore is the per-record alternative to Store, answering the
// specification's open question about whole-file persistence latency at
// scale: each proposal is one row, so a single mutation touches one row
// rather than rewriting every proposal on disk. It satisfies the same
// Persistence contract and the same durability property: a mutation is
// visible to any subsequent read once the call that performed it returns.
type SQLiteStore struct {
	db *sql.DB
}

var _ Persistence = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if absent) a SQLite-backed store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("proposal: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			seq INTEGER,
			document TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("proposal: create table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_proposals_user ON proposals(user_id, seq)`)
	if err != nil {
		return fmt.Errorf("proposal: create index: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Add(p *Proposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("proposal: marshal: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO proposals (id, user_id, seq, document) VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM proposals), ?)`,
		p.ID, p.UserID, string(doc),
	)
	if err != nil {
		return fmt.Errorf("proposal: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanRow(row *sql.Row) (*Proposal, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("proposal: scan: %w", err)
	}
	var p Proposal
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("proposal: unmarshal stored document: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) Get(id string) (*Proposal, error) {
	row := s.db.QueryRow(`SELECT document FROM proposals WHERE id = ?`, id)
	return s.scanRow(row)
}

func (s *SQLiteStore) GetByUser(id string, userID int64) (*Proposal, error) {
	p, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

func (s *SQLiteStore) Update(id string, fn func(p *Proposal) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("proposal: begin tx: %w", err)
	}
	defer tx.Rollback()

	var doc string
	if err := tx.QueryRow(`SELECT document FROM proposals WHERE id = ?`, id).Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("proposal: scan for update: %w", err)
	}
	var p Proposal
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return fmt.Errorf("proposal: unmarshal for update: %w", err)
	}
	if err := fn(&p); err != nil {
		return err
	}
	updated, err := json.Marshal(&p)
	if err != nil {
		return fmt.Errorf("proposal: marshal updated: %w", err)
	}
	if _, err := tx.Exec(`UPDATE proposals SET document = ? WHERE id = ?`, string(updated), id); err != nil {
		return fmt.Errorf("proposal: update: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) listByUser(userID int64, status Status, allStatuses bool) []*Proposal {
	rows, err := s.db.Query(`SELECT document FROM proposals WHERE user_id = ? ORDER BY seq ASC`, userID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			continue
		}
		var p Proposal
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			continue
		}
		if allStatuses || p.Status == status {
			out = append(out, &p)
		}
	}
	return out
}

func (s *SQLiteStore) ListPending(userID int64) []*Proposal {
	return s.listByUser(userID, StatusPending, false)
}

func (s *SQLiteStore) ListAll(userID int64) []*Proposal {
	return s.listByUser(userID, "", true)
}

func (s *SQLiteStore) CountPending(userID int64) int {
	return len(s.listByUser(userID, StatusPending, false))
}

func (s *SQLiteStore) CleanupExpired(now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -CleanupDays).Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`DELETE FROM proposals WHERE json_extract(document, '$.status') != ? AND json_extract(document, '$.updated_at') < ?`,
		string(StatusPending), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("proposal: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("proposal: cleanup rows affected: %w", err)
	}
	return int(n), nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
