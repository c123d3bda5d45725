package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pushsocket/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections(
    uuid TEXT UNIQUE ON CONFLICT REPLACE,
    device_id INTEGER,
    password TEXT,
    endpoint TEXT,
    forbidden BOOLEAN NOT NULL CHECK (forbidden IN (0, 1)),
    last_registration INTEGER
)`

type SQLite struct {
	// sqlite allows a single writer; serialize everything.
	mu sync.Mutex
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) List() ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT uuid, device_id, password, endpoint, forbidden, last_registration FROM connections ORDER BY uuid`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var out []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *SQLite) Get(accountID string) (model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`SELECT uuid, device_id, password, endpoint, forbidden, last_registration FROM connections WHERE uuid = ? LIMIT 1`, accountID)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Registration{}, ErrNotFound
	}
	return reg, err
}

func (s *SQLite) Add(reg model.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO connections(uuid, device_id, password, endpoint, forbidden, last_registration) VALUES (?, ?, ?, ?, ?, ?)`,
		reg.AccountID, reg.DeviceID, reg.Password, reg.Endpoint, reg.Forbidden, toUnix(reg.LastRegistration),
	)
	if err != nil {
		return fmt.Errorf("store: add: %w", err)
	}
	return nil
}

func (s *SQLite) Remove(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM connections WHERE uuid = ?`, accountID); err != nil {
		return fmt.Errorf("store: remove: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateLastRegistration(accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE connections SET last_registration = ? WHERE uuid = ?`, toUnix(at), accountID)
	if err != nil {
		return fmt.Errorf("store: update last registration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) SetForbidden(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE connections SET forbidden = 1 WHERE uuid = ?`, accountID)
	if err != nil {
		return fmt.Errorf("store: set forbidden: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (model.Registration, error) {
	var (
		reg  model.Registration
		last int64
	)
	if err := row.Scan(&reg.AccountID, &reg.DeviceID, &reg.Password, &reg.Endpoint, &reg.Forbidden, &last); err != nil {
		return model.Registration{}, err
	}
	reg.LastRegistration = fromUnix(last)
	return reg, nil
}
