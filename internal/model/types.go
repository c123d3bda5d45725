package model

import "time"

// Registration is one account linked to a push endpoint.
type Registration struct {
	AccountID        string
	DeviceID         uint32
	Password         string
	Endpoint         string
	Forbidden        bool
	LastRegistration time.Time
}

// SameTarget reports whether r and other would open the same provider
// session and push to the same endpoint.
func (r Registration) SameTarget(other Registration) bool {
	return r.AccountID == other.AccountID &&
		r.DeviceID == other.DeviceID &&
		r.Password == other.Password &&
		r.Endpoint == other.Endpoint
}

// RegistrationStatus is the outcome reported to a client registering an
// account.
type RegistrationStatus int

const (
	StatusOK RegistrationStatus = iota
	StatusRunning
	StatusForbidden
	StatusInvalidUUID
	StatusInvalidEndpoint
	StatusInternalError
)

func (s RegistrationStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRunning:
		return "running"
	case StatusForbidden:
		return "forbidden"
	case StatusInvalidUUID:
		return "invalid_uuid"
	case StatusInvalidEndpoint:
		return "invalid_endpoint"
	default:
		return "internal_error"
	}
}
