// Package registry supervises one session per registered account. It is
// the only writer of persisted registration state while the server runs.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushsocket/internal/model"
	"pushsocket/internal/session"
	"pushsocket/internal/store"
)

var ErrShutdown = errors.New("registry: shut down")

// Runner is a running session. *session.Session implements it.
type Runner interface {
	Run(ctx context.Context) (session.Outcome, error)
}

// SessionFactory builds the session for one registration.
type SessionFactory func(reg model.Registration) (Runner, error)

type Options struct {
	Store      store.Storage
	NewSession SessionFactory
	Logger     zerolog.Logger
	Now        func() time.Time
}

type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Registry struct {
	store      store.Storage
	newSession SessionFactory
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu guards handles only and is never held while waiting.
	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	// accounts serializes Replace and Remove per account id.
	accounts keyedMutex
}

func New(opts Options) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		store:      opts.Store,
		newSession: opts.NewSession,
		logger:     opts.Logger.With().Str("component", "registry").Logger(),
		now:        opts.Now,
		ctx:        ctx,
		cancel:     cancel,
		handles:    make(map[string]*handle),
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// StartAll starts a session for every stored registration that is not
// forbidden.
func (r *Registry) StartAll() error {
	regs, err := r.store.List()
	if err != nil {
		return err
	}
	started := 0
	for _, reg := range regs {
		if reg.Forbidden {
			r.logger.Debug().Str("account", session.Anonymize(reg.AccountID)).Msg("Skipping forbidden registration")
			continue
		}
		unlock := r.accounts.Lock(reg.AccountID)
		err := r.start(reg)
		unlock()
		if err != nil {
			r.logger.Error().Err(err).Str("account", session.Anonymize(reg.AccountID)).Msg("Could not start session")
			continue
		}
		started++
	}
	r.logger.Info().Int("sessions", started).Msg("Sessions started")
	return nil
}

// Replace stops the session of reg's account, if any, waits for it to exit,
// stores reg and starts a fresh session.
func (r *Registry) Replace(reg model.Registration) error {
	unlock := r.accounts.Lock(reg.AccountID)
	defer unlock()

	r.stop(reg.AccountID)
	reg.Forbidden = false
	reg.LastRegistration = r.now()
	if err := r.store.Add(reg); err != nil {
		return err
	}
	return r.start(reg)
}

// Touch records a registration refresh that needs no restart.
func (r *Registry) Touch(accountID string) error {
	unlock := r.accounts.Lock(accountID)
	defer unlock()
	return r.store.UpdateLastRegistration(accountID, r.now())
}

// Remove stops the session of accountID and deletes its registration.
func (r *Registry) Remove(accountID string) error {
	unlock := r.accounts.Lock(accountID)
	defer unlock()
	r.stop(accountID)
	return r.store.Remove(accountID)
}

func (r *Registry) Running(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[accountID]
	return ok
}

// Shutdown stops every session and waits for them until ctx expires.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop signals the session of accountID and waits until it exited. The
// caller holds the account lock.
func (r *Registry) stop(accountID string) {
	r.mu.Lock()
	h, ok := r.handles[accountID]
	r.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
}

// start launches a session. The caller holds the account lock.
func (r *Registry) start(reg model.Registration) error {
	runner, err := r.newSession(reg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	ctx, cancel := context.WithCancel(r.ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	r.handles[reg.AccountID] = h
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(ctx, reg, runner, h)
	return nil
}

func (r *Registry) run(ctx context.Context, reg model.Registration, runner Runner, h *handle) {
	defer r.wg.Done()
	defer close(h.done)
	defer h.cancel()

	logger := r.logger.With().Str("account", session.Anonymize(reg.AccountID)).Logger()
	outcome, err := runner.Run(ctx)
	switch outcome {
	case session.OutcomeRegistrationRemoved:
		logger.Info().Err(err).Msg("Registration removed, marking forbidden")
		if err := r.store.SetForbidden(reg.AccountID); err != nil {
			logger.Error().Err(err).Msg("Could not mark registration forbidden")
		}
	case session.OutcomeKilled:
		logger.Debug().Msg("Session killed")
	default:
		logger.Error().Err(err).Msg("Session stopped")
	}

	r.mu.Lock()
	if r.handles[reg.AccountID] == h {
		delete(r.handles, reg.AccountID)
	}
	r.mu.Unlock()
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

// Lock locks key and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
