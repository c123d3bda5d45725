package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pushsocket/internal/model"
	"pushsocket/internal/store"
)

// Policy is the subset of the configuration deciding who may register.
type Policy interface {
	IsAccountAllowed(accountID string) bool
	AllowsAnyEndpoint() bool
	IsEndpointAllowedByOperator(u *url.URL) bool
}

// Resolver checks that an endpoint has at least one public address.
type Resolver interface {
	Resolve(ctx context.Context, target *url.URL) ([]netip.Addr, error)
}

// Registrar owns running sessions and persisted registrations.
type Registrar interface {
	Replace(reg model.Registration) error
	Touch(accountID string) error
	Running(accountID string) bool
	Remove(accountID string) error
}

type RegistrationHandler struct {
	Policy   Policy
	Store    store.Storage
	Registry Registrar
	Resolver Resolver
	Logger   zerolog.Logger
}

type registrationBody struct {
	UUID     string `json:"uuid"`
	DeviceID uint32 `json:"device_id"`
	Password string `json:"password"`
	Endpoint string `json:"endpoint"`
}

func (h *RegistrationHandler) Register(c *gin.Context) {
	var body registrationBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Password == "" || body.Endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	status := h.register(c.Request.Context(), body)
	c.JSON(http.StatusOK, gin.H{"pushsocket": gin.H{"status": status.String()}})
}

type unregistrationBody struct {
	UUID     string `json:"uuid"`
	Password string `json:"password"`
}

// Unregister stops the session of an account and deletes its registration.
// The password must match the stored one. Unknown accounts are reported as
// ok so that retries are harmless.
func (h *RegistrationHandler) Unregister(c *gin.Context) {
	var body unregistrationBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	status := h.unregister(body)
	c.JSON(http.StatusOK, gin.H{"pushsocket": gin.H{"status": status.String()}})
}

func (h *RegistrationHandler) unregister(body unregistrationBody) model.RegistrationStatus {
	id, err := uuid.Parse(body.UUID)
	if err != nil {
		return model.StatusInvalidUUID
	}
	accountID := id.String()
	logger := h.Logger.With().Str("account", accountID[:8]).Logger()

	existing, err := h.Store.Get(accountID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return model.StatusOK
	case err != nil:
		logger.Error().Err(err).Msg("Could not read registration")
		return model.StatusInternalError
	}
	if subtle.ConstantTimeCompare([]byte(existing.Password), []byte(body.Password)) != 1 {
		return model.StatusForbidden
	}

	if err := h.Registry.Remove(accountID); err != nil {
		logger.Error().Err(err).Msg("Could not remove registration")
		return model.StatusInternalError
	}
	logger.Info().Msg("Registration removed")
	return model.StatusOK
}

func (h *RegistrationHandler) register(ctx context.Context, body registrationBody) model.RegistrationStatus {
	id, err := uuid.Parse(body.UUID)
	if err != nil {
		return model.StatusInvalidUUID
	}
	accountID := id.String()
	if !h.Policy.IsAccountAllowed(accountID) {
		return model.StatusForbidden
	}
	if !h.endpointAllowed(ctx, body.Endpoint) {
		return model.StatusInvalidEndpoint
	}

	reg := model.Registration{
		AccountID: accountID,
		DeviceID:  body.DeviceID,
		Password:  body.Password,
		Endpoint:  body.Endpoint,
	}
	logger := h.Logger.With().Str("account", accountID[:8]).Logger()

	existing, err := h.Store.Get(accountID)
	switch {
	case err == nil:
		if existing.SameTarget(reg) && !existing.Forbidden && h.Registry.Running(accountID) {
			if err := h.Registry.Touch(accountID); err != nil {
				logger.Error().Err(err).Msg("Could not update last registration")
				return model.StatusInternalError
			}
			return model.StatusRunning
		}
	case !errors.Is(err, store.ErrNotFound):
		logger.Error().Err(err).Msg("Could not read registration")
		return model.StatusInternalError
	}

	if err := h.Registry.Replace(reg); err != nil {
		logger.Error().Err(err).Msg("Could not start session")
		return model.StatusInternalError
	}
	logger.Info().Msg("Registration accepted")
	return model.StatusOK
}

func (h *RegistrationHandler) endpointAllowed(ctx context.Context, raw string) bool {
	return EndpointAllowed(ctx, h.Policy, h.Resolver, raw)
}

// EndpointAllowed accepts operator-listed endpoints, and any http(s)
// endpoint with a public address when the operator allows it.
func EndpointAllowed(ctx context.Context, policy Policy, resolver Resolver, raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return false
	}
	if policy.IsEndpointAllowedByOperator(u) {
		return true
	}
	if !policy.AllowsAnyEndpoint() {
		return false
	}
	_, err = resolver.Resolve(ctx, u)
	return err == nil
}
