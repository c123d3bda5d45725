// Package store persists registrations. SQLite is the default backend; a
// JSON file is available for deployments without cgo.
package store

import (
	"errors"
	"fmt"
	"time"

	"pushsocket/internal/model"
)

var ErrNotFound = errors.New("store: registration not found")

type Storage interface {
	List() ([]model.Registration, error)
	Get(accountID string) (model.Registration, error)
	// Add inserts reg, replacing any registration with the same account id.
	Add(reg model.Registration) error
	Remove(accountID string) error
	UpdateLastRegistration(accountID string, at time.Time) error
	// SetForbidden flags the registration so it is not started again.
	SetForbidden(accountID string) error
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// Open returns the backend named by driver.
func Open(driver, path string) (Storage, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path)
	case DriverJSON:
		return OpenJSON(path)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
