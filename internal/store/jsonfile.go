package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pushsocket/internal/model"
)

const jsonFileVersion = 1

// JSONFile keeps registrations in memory and rewrites the whole file on
// every change.
type JSONFile struct {
	mu   sync.RWMutex
	path string
	regs map[string]model.Registration

	persistMu sync.Mutex
}

type persistedFile struct {
	Version       int                     `json:"version"`
	Registrations []persistedRegistration `json:"registrations"`
	SavedAt       int64                   `json:"savedAt"`
}

type persistedRegistration struct {
	UUID             string `json:"uuid"`
	DeviceID         uint32 `json:"device_id"`
	Password         string `json:"password"`
	Endpoint         string `json:"endpoint"`
	Forbidden        bool   `json:"forbidden"`
	LastRegistration int64  `json:"last_registration"`
}

func OpenJSON(path string) (*JSONFile, error) {
	s := &JSONFile{path: path, regs: make(map[string]model.Registration)}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("store: load %s: %w", path, err)
	}
	return s, nil
}

func (s *JSONFile) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != jsonFileVersion {
		return errors.New("unsupported registrations file version")
	}
	for _, p := range file.Registrations {
		if p.UUID == "" {
			continue
		}
		s.regs[p.UUID] = model.Registration{
			AccountID:        p.UUID,
			DeviceID:         p.DeviceID,
			Password:         p.Password,
			Endpoint:         p.Endpoint,
			Forbidden:        p.Forbidden,
			LastRegistration: fromUnix(p.LastRegistration),
		}
	}
	return nil
}

func (s *JSONFile) List() ([]model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *JSONFile) Get(accountID string) (model.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[accountID]
	if !ok {
		return model.Registration{}, ErrNotFound
	}
	return reg, nil
}

func (s *JSONFile) Add(reg model.Registration) error {
	return s.mutate(func() error {
		s.regs[reg.AccountID] = reg
		return nil
	})
}

func (s *JSONFile) Remove(accountID string) error {
	return s.mutate(func() error {
		delete(s.regs, accountID)
		return nil
	})
}

func (s *JSONFile) UpdateLastRegistration(accountID string, at time.Time) error {
	return s.mutate(func() error {
		reg, ok := s.regs[accountID]
		if !ok {
			return ErrNotFound
		}
		reg.LastRegistration = at.UTC().Truncate(time.Second)
		s.regs[accountID] = reg
		return nil
	})
}

func (s *JSONFile) SetForbidden(accountID string) error {
	return s.mutate(func() error {
		reg, ok := s.regs[accountID]
		if !ok {
			return ErrNotFound
		}
		reg.Forbidden = true
		s.regs[accountID] = reg
		return nil
	})
}

func (s *JSONFile) Close() error { return nil }

// mutate applies fn and persists the result. Writes are ordered by
// persistMu so an older snapshot never overwrites a newer one.
func (s *JSONFile) mutate(fn func() error) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if err := fn(); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

func (s *JSONFile) snapshotLocked() []model.Registration {
	out := make([]model.Registration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (s *JSONFile) persist(regs []model.Registration) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	file := persistedFile{Version: jsonFileVersion, SavedAt: time.Now().UnixMilli()}
	for _, r := range regs {
		file.Registrations = append(file.Registrations, persistedRegistration{
			UUID:             r.AccountID,
			DeviceID:         r.DeviceID,
			Password:         r.Password,
			Endpoint:         r.Endpoint,
			Forbidden:        r.Forbidden,
			LastRegistration: toUnix(r.LastRegistration),
		})
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
