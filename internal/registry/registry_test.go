package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushsocket/internal/model"
	"pushsocket/internal/session"
	"pushsocket/internal/store"
)

// fakeSessions hands out runners that block until killed or told to finish.
type fakeSessions struct {
	mu       sync.Mutex
	started  []model.Registration
	finish   map[string]chan session.Outcome
	active   map[string]*atomic.Int32
	maxSeen  atomic.Int32
	failWith error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{finish: make(map[string]chan session.Outcome), active: make(map[string]*atomic.Int32)}
}

func (f *fakeSessions) factory(reg model.Registration) (Runner, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, reg)
	if _, ok := f.finish[reg.AccountID]; !ok {
		f.finish[reg.AccountID] = make(chan session.Outcome, 1)
		f.active[reg.AccountID] = &atomic.Int32{}
	}
	return &fakeRunner{f: f, id: reg.AccountID, finish: f.finish[reg.AccountID], active: f.active[reg.AccountID]}, nil
}

func (f *fakeSessions) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fakeRunner struct {
	f      *fakeSessions
	id     string
	finish chan session.Outcome
	active *atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context) (session.Outcome, error) {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		seen := r.f.maxSeen.Load()
		if n <= seen || r.f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	select {
	case <-ctx.Done():
		return session.OutcomeKilled, ctx.Err()
	case outcome := <-r.finish:
		return outcome, errors.New("finished")
	}
}

func newTestRegistry(t *testing.T) (*Registry, store.Storage, *fakeSessions) {
	t.Helper()
	st, err := store.OpenJSON(filepath.Join(t.TempDir(), "regs.json"))
	require.NoError(t, err)
	f := newFakeSessions()
	r := New(Options{Store: st, NewSession: f.factory, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r, st, f
}

func runningCount(r *Registry) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func reg(id string) model.Registration {
	return model.Registration{AccountID: id, DeviceID: 1, Password: "pw", Endpoint: "https://push.example/" + id}
}

func TestStartAll_SkipsForbidden(t *testing.T) {
	r, st, f := newTestRegistry(t)
	require.NoError(t, st.Add(reg("a")))
	forbidden := reg("b")
	forbidden.Forbidden = true
	require.NoError(t, st.Add(forbidden))

	require.NoError(t, r.StartAll())
	assert.True(t, r.Running("a"))
	assert.False(t, r.Running("b"))
	assert.Equal(t, 1, f.startedCount())
}

func TestReplace_StartsAndPersists(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Replace(reg("a")))
	assert.True(t, r.Running("a"))

	got, err := st.Get("a")
	require.NoError(t, err)
	assert.False(t, got.Forbidden)
	assert.True(t, got.LastRegistration.Equal(now))
}

func TestReplace_AtMostOneSessionPerAccount(t *testing.T) {
	r, _, f := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := reg("a")
			next.DeviceID = uint32(i + 1)
			assert.NoError(t, r.Replace(next))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.maxSeen.Load())
	assert.Equal(t, 20, f.startedCount())
	assert.Equal(t, 1, runningCount(r))
}

func TestRegistrationRemoved_MarksForbidden(t *testing.T) {
	r, st, f := newTestRegistry(t)
	require.NoError(t, r.Replace(reg("a")))

	f.mu.Lock()
	finish := f.finish["a"]
	f.mu.Unlock()
	finish <- session.OutcomeRegistrationRemoved

	assert.Eventually(t, func() bool { return !r.Running("a") }, 5*time.Second, 5*time.Millisecond)
	got, err := st.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Forbidden)

	// Not restarted at the next boot.
	r2 := New(Options{Store: st, NewSession: f.factory, Logger: zerolog.Nop()})
	require.NoError(t, r2.StartAll())
	assert.False(t, r2.Running("a"))

	// A new registration clears the flag.
	require.NoError(t, r.Replace(reg("a")))
	got, err = st.Get("a")
	require.NoError(t, err)
	assert.False(t, got.Forbidden)
	assert.True(t, r.Running("a"))
}

func TestRemove(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	require.NoError(t, r.Replace(reg("a")))
	require.NoError(t, r.Replace(reg("b")))

	require.NoError(t, r.Remove("b"))
	assert.False(t, r.Running("b"))
	_, err := st.Get("b")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.True(t, r.Running("a"), "other accounts keep running")
	require.NoError(t, r.Remove("missing"))
}

func TestRegistrationRemoved_KeepsLastRegistration(t *testing.T) {
	r, st, f := newTestRegistry(t)
	require.NoError(t, r.Replace(reg("a")))

	touched := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return touched }
	require.NoError(t, r.Touch("a"))

	f.mu.Lock()
	finish := f.finish["a"]
	f.mu.Unlock()
	finish <- session.OutcomeRegistrationRemoved

	assert.Eventually(t, func() bool { return !r.Running("a") }, 5*time.Second, 5*time.Millisecond)
	got, err := st.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Forbidden)
	assert.True(t, got.LastRegistration.Equal(touched), "got %v", got.LastRegistration)
}

func TestTouch(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	require.NoError(t, st.Add(reg("a")))
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, r.Touch("a"))
	got, err := st.Get("a")
	require.NoError(t, err)
	assert.True(t, got.LastRegistration.Equal(now))
	assert.ErrorIs(t, r.Touch("missing"), store.ErrNotFound)
}

func TestShutdown(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Replace(reg("a")))
	require.NoError(t, r.Replace(reg("b")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.Zero(t, runningCount(r))
	assert.ErrorIs(t, r.Replace(reg("c")), ErrShutdown)
}

func TestFactoryError(t *testing.T) {
	r, _, f := newTestRegistry(t)
	f.failWith = errors.New("bad endpoint")
	assert.Error(t, r.Replace(reg("a")))
	assert.False(t, r.Running("a"))
}
