package session

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushsocket/internal/model"
	"pushsocket/internal/push"
	"pushsocket/internal/wsproto"
)

type fakeNotifier struct {
	notifyStatus push.Status
	checkStatus  push.Status
	envelopes    chan *wsproto.Envelope
	checks       atomic.Int32
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{notifyStatus: push.Sent, checkStatus: push.Sent, envelopes: make(chan *wsproto.Envelope, 16)}
}

func (f *fakeNotifier) MaybeNotify(_ context.Context, env *wsproto.Envelope) push.Status {
	f.envelopes <- env
	return f.notifyStatus
}

func (f *fakeNotifier) SendDeliveryCheck(context.Context) push.Status {
	f.checks.Add(1)
	return f.checkStatus
}

type provider struct {
	srv     *httptest.Server
	dials   atomic.Int32
	headers chan http.Header
}

// newProvider serves a fake provider websocket. A non-zero status rejects
// the upgrade.
func newProvider(t *testing.T, status int, handle func(ws *websocket.Conn)) *provider {
	t.Helper()
	p := &provider{headers: make(chan http.Header, 16)}
	upgrader := websocket.Upgrader{}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.dials.Add(1)
		select {
		case p.headers <- r.Header.Clone():
		default:
		}
		if status != 0 {
			http.Error(w, "rejected", status)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *provider) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/v1/websocket/"
}

type result struct {
	outcome Outcome
	err     error
}

func start(t *testing.T, p *provider, n Notifier, tweak func(*Options)) (context.CancelFunc, <-chan result) {
	t.Helper()
	dialer, err := NewDialer("")
	require.NoError(t, err)
	opts := Options{
		Endpoint:    p.url(),
		Dialer:      dialer,
		Notifier:    n,
		Logger:      zerolog.Nop(),
		BackoffUnit: 10 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&opts)
	}
	reg := model.Registration{AccountID: "0d2ff653-3d88-43de-bcdb-f6657d3484e4", DeviceID: 2, Password: "pw", Endpoint: "https://push.example/id1"}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		outcome, err := New(reg, opts).Run(ctx)
		done <- result{outcome, err}
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan result) result {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not return")
		return result{}
	}
}

func deliveryFrame(id uint64, env *wsproto.Envelope) []byte {
	msg := wsproto.NewRequest(wsproto.VerbPut, wsproto.PathMessage, id)
	if env != nil {
		msg.Request.Body = wsproto.MarshalEnvelope(env)
	}
	return wsproto.Marshal(msg)
}

// drain keeps reading so the server side notices when the client goes away.
func drain(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func readResponse(ws *websocket.Conn) (*wsproto.Response, error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		msg, err := wsproto.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if msg.Kind() == wsproto.TypeResponse {
			return msg.Response, nil
		}
	}
}

func TestRun_AcksAndNotifies(t *testing.T) {
	acks := make(chan *wsproto.Response, 1)
	env := &wsproto.Envelope{Type: wsproto.EnvelopeCiphertext, Timestamp: 1700000000000}
	env.SetUrgent(true)
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		if err := ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(7, env)); err != nil {
			return
		}
		resp, err := readResponse(ws)
		if err == nil {
			acks <- resp
		}
		drain(ws)
	})
	n := newFakeNotifier()
	cancel, done := start(t, p, n, nil)

	select {
	case resp := <-acks:
		require.NotNil(t, resp.ID)
		assert.Equal(t, uint64(7), *resp.ID)
		assert.Equal(t, uint32(200), *resp.Status)
		assert.Equal(t, "OK", *resp.Message)
	case <-time.After(5 * time.Second):
		t.Fatalf("no ack received")
	}
	select {
	case got := <-n.envelopes:
		require.NotNil(t, got)
		assert.True(t, got.Urgent())
		assert.Equal(t, uint64(1700000000000), got.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatalf("notifier not called")
	}

	header := <-p.headers
	assert.Equal(t, `"OWA"`, header.Get("X-Signal-Agent"))
	creds := base64.StdEncoding.EncodeToString([]byte("0d2ff653-3d88-43de-bcdb-f6657d3484e4.2:pw"))
	assert.Equal(t, "Basic "+creds, header.Get("Authorization"))

	cancel()
	r := wait(t, done)
	assert.Equal(t, OutcomeKilled, r.outcome)
}

func TestRun_UnknownRequestGets400(t *testing.T) {
	acks := make(chan *wsproto.Response, 2)
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		other := wsproto.Marshal(wsproto.NewRequest(wsproto.VerbGet, "/v1/other", 3))
		_ = ws.WriteMessage(websocket.BinaryMessage, other)
		_ = ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(4, nil))
		for i := 0; i < 2; i++ {
			resp, err := readResponse(ws)
			if err != nil {
				return
			}
			acks <- resp
		}
		drain(ws)
	})
	n := newFakeNotifier()
	start(t, p, n, nil)

	first := <-acks
	assert.Equal(t, uint64(3), *first.ID)
	assert.Equal(t, uint32(400), *first.Status)
	assert.Equal(t, "Unknown", *first.Message)

	second := <-acks
	assert.Equal(t, uint64(4), *second.ID)
	assert.Equal(t, uint32(200), *second.Status)

	// Only the delivery reaches the notifier, and without a body there is
	// no envelope.
	select {
	case got := <-n.envelopes:
		assert.Nil(t, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("notifier not called")
	}
	assert.Empty(t, n.envelopes)
}

func TestRun_MalformedFrameIsDropped(t *testing.T) {
	acks := make(chan *wsproto.Response, 1)
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0x0a, 0xff})
		_ = ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(9, &wsproto.Envelope{}))
		if resp, err := readResponse(ws); err == nil {
			acks <- resp
		}
		drain(ws)
	})
	start(t, p, newFakeNotifier(), nil)

	select {
	case resp := <-acks:
		assert.Equal(t, uint64(9), *resp.ID)
	case <-time.After(5 * time.Second):
		t.Fatalf("no ack after malformed frame")
	}
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestRun_HandshakeForbidden(t *testing.T) {
	p := newProvider(t, http.StatusForbidden, nil)
	_, done := start(t, p, newFakeNotifier(), nil)

	r := wait(t, done)
	assert.Equal(t, OutcomeRegistrationRemoved, r.outcome)
	assert.ErrorIs(t, r.err, ErrRegistrationRemoved)
	assert.Equal(t, int32(1), p.dials.Load())
}

func TestRun_HandshakeErrorRetries(t *testing.T) {
	p := newProvider(t, http.StatusInternalServerError, nil)
	cancel, done := start(t, p, newFakeNotifier(), nil)

	assert.Eventually(t, func() bool { return p.dials.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.Equal(t, OutcomeKilled, wait(t, done).outcome)
}

func TestRun_ConnectedElsewhereEndpointGone(t *testing.T) {
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		msg := websocket.FormatCloseMessage(CloseConnectedElsewhere, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(ws)
	})
	n := newFakeNotifier()
	n.checkStatus = push.RegistrationRemoved
	_, done := start(t, p, n, nil)

	r := wait(t, done)
	assert.Equal(t, OutcomeRegistrationRemoved, r.outcome)
	assert.Equal(t, int32(1), n.checks.Load())
}

func TestRun_ConnectedElsewhereReconnects(t *testing.T) {
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		msg := websocket.FormatCloseMessage(CloseConnectedElsewhere, "")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		drain(ws)
	})
	n := newFakeNotifier()
	cancel, done := start(t, p, n, nil)

	assert.Eventually(t, func() bool { return p.dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.Equal(t, OutcomeKilled, wait(t, done).outcome)
	assert.GreaterOrEqual(t, n.checks.Load(), int32(1))
}

func TestRun_PushEndpointGone(t *testing.T) {
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(1, &wsproto.Envelope{}))
		drain(ws)
	})
	n := newFakeNotifier()
	n.notifyStatus = push.RegistrationRemoved
	_, done := start(t, p, n, nil)

	r := wait(t, done)
	assert.Equal(t, OutcomeRegistrationRemoved, r.outcome)
	assert.ErrorIs(t, r.err, ErrRegistrationRemoved)
}

func TestRun_KeepaliveTimeoutReconnects(t *testing.T) {
	paths := make(chan string, 16)
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := wsproto.Unmarshal(data); err == nil && msg.Request != nil {
				paths <- *msg.Request.Verb + " " + *msg.Request.Path
			}
		}
	})
	cancel, done := start(t, p, newFakeNotifier(), func(o *Options) {
		o.KeepaliveInterval = 20 * time.Millisecond
		o.KeepaliveTimeout = 100 * time.Millisecond
	})

	select {
	case got := <-paths:
		assert.Equal(t, "GET /v1/keepalive", got)
	case <-time.After(5 * time.Second):
		t.Fatalf("no keepalive sent")
	}
	assert.Eventually(t, func() bool { return p.dials.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.Equal(t, OutcomeKilled, wait(t, done).outcome)
}

func TestRun_KeepaliveResponsesKeepConnection(t *testing.T) {
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wsproto.Unmarshal(data)
			if err != nil || msg.Request == nil {
				continue
			}
			reply := wsproto.Marshal(wsproto.NewResponse(msg.Request.ID, 200, "OK"))
			if err := ws.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	})
	cancel, done := start(t, p, newFakeNotifier(), func(o *Options) {
		o.KeepaliveInterval = 20 * time.Millisecond
		o.KeepaliveTimeout = 100 * time.Millisecond
	})

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), p.dials.Load())
	cancel()
	assert.Equal(t, OutcomeKilled, wait(t, done).outcome)
}

type blockingNotifier struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingNotifier) MaybeNotify(ctx context.Context, _ *wsproto.Envelope) push.Status {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return push.Sent
}

func (b *blockingNotifier) SendDeliveryCheck(context.Context) push.Status { return push.Sent }

func TestRun_SlowPushKeepsReading(t *testing.T) {
	acked := make(chan uint64, 4)
	p := newProvider(t, 0, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(1, &wsproto.Envelope{}))
		_ = ws.WriteMessage(websocket.BinaryMessage, deliveryFrame(2, &wsproto.Envelope{}))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wsproto.Unmarshal(data)
			if err != nil {
				continue
			}
			switch {
			case msg.Response != nil && msg.Response.ID != nil:
				acked <- *msg.Response.ID
			case msg.Request != nil:
				reply := wsproto.Marshal(wsproto.NewResponse(msg.Request.ID, 200, "OK"))
				if err := ws.WriteMessage(websocket.BinaryMessage, reply); err != nil {
					return
				}
			}
		}
	})
	n := &blockingNotifier{release: make(chan struct{})}
	cancel, done := start(t, p, n, func(o *Options) {
		o.KeepaliveInterval = 20 * time.Millisecond
		o.KeepaliveTimeout = 100 * time.Millisecond
	})

	// Both deliveries are acked while the first push is still stuck.
	for _, want := range []uint64{1, 2} {
		select {
		case got := <-acked:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("delivery %d not acked", want)
		}
	}
	assert.Eventually(t, func() bool { return n.calls.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Keepalive responses keep arriving past the timeout.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, int32(1), p.dials.Load())
	assert.Equal(t, int32(1), n.calls.Load())

	close(n.release)
	assert.Eventually(t, func() bool { return n.calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.Equal(t, OutcomeKilled, wait(t, done).outcome)
}

func TestRun_IncompleteOptions(t *testing.T) {
	outcome, err := New(model.Registration{AccountID: "a"}, Options{Logger: zerolog.Nop()}).Run(context.Background())
	assert.Equal(t, OutcomeError, outcome)
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Unit: 10 * time.Second, ResetAfter: time.Minute}
	assert.Equal(t, 10*time.Second, b.Next(0))
	assert.Equal(t, 20*time.Second, b.Next(time.Second))
	assert.Equal(t, 30*time.Second, b.Next(0))

	// A connection that lasted 90s starts over.
	assert.Equal(t, 10*time.Second, b.Next(90*time.Second))
	assert.Equal(t, 1, b.Attempts())

	// Exactly the threshold does not reset.
	assert.Equal(t, 20*time.Second, b.Next(time.Minute))
}

func TestAnonymize(t *testing.T) {
	assert.Equal(t, "0d2ff653...", Anonymize("0d2ff653-3d88-43de-bcdb-f6657d3484e4"))
	assert.Equal(t, "short", Anonymize("short"))
}
