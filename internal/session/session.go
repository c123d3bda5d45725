// Package session keeps one account connected to the provider websocket,
// acknowledges delivered messages and hands them to a push dispatcher.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pushsocket/internal/metrics"
	"pushsocket/internal/model"
	"pushsocket/internal/push"
	"pushsocket/internal/wsproto"
)

var (
	ErrRegistrationRemoved = errors.New("session: registration removed")
	ErrConnectedElsewhere  = errors.New("session: connected elsewhere")
	ErrKeepaliveTimeout    = errors.New("session: keepalive timeout")
)

const (
	KeepaliveInterval = 30 * time.Second
	KeepaliveTimeout  = 40 * time.Second

	outboxSize    = 16
	pushQueueSize = 16
)

// Outcome is why Run returned.
type Outcome int

const (
	OutcomeRegistrationRemoved Outcome = iota
	OutcomeKilled
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRegistrationRemoved:
		return "registration_removed"
	case OutcomeKilled:
		return "killed"
	default:
		return "error"
	}
}

// Notifier is the push side of a session. *push.Dispatcher implements it.
type Notifier interface {
	MaybeNotify(ctx context.Context, env *wsproto.Envelope) push.Status
	SendDeliveryCheck(ctx context.Context) push.Status
}

type Options struct {
	// Endpoint is the provider websocket URL for this account.
	Endpoint string
	Dialer   Dialer
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	BackoffUnit       time.Duration
	ResetAfter        time.Duration
	Now               func() time.Time
}

type Session struct {
	reg      model.Registration
	endpoint string
	dialer   Dialer
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	keepaliveInterval time.Duration
	keepaliveTimeout  time.Duration
	backoff           Backoff

	mu            sync.Mutex
	lastKeepalive time.Time
}

func New(reg model.Registration, opts Options) *Session {
	s := &Session{
		reg:               reg,
		endpoint:          opts.Endpoint,
		dialer:            opts.Dialer,
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		logger:            opts.Logger.With().Str("component", "session").Str("account", Anonymize(reg.AccountID)).Logger(),
		now:               opts.Now,
		keepaliveInterval: opts.KeepaliveInterval,
		keepaliveTimeout:  opts.KeepaliveTimeout,
		backoff:           Backoff{Unit: opts.BackoffUnit, ResetAfter: opts.ResetAfter},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.keepaliveInterval <= 0 {
		s.keepaliveInterval = KeepaliveInterval
	}
	if s.keepaliveTimeout <= 0 {
		s.keepaliveTimeout = KeepaliveTimeout
	}
	if s.backoff.Unit <= 0 {
		s.backoff.Unit = BackoffUnit
	}
	if s.backoff.ResetAfter <= 0 {
		s.backoff.ResetAfter = DefaultResetAfter
	}
	return s
}

// Anonymize keeps the first 8 characters of an account id for logs.
func Anonymize(accountID string) string {
	if len(accountID) <= 8 {
		return accountID
	}
	return accountID[:8] + "..."
}

// Run connects and reconnects until the registration is removed or ctx is
// cancelled.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if s.endpoint == "" || s.dialer == nil || s.notifier == nil {
		return OutcomeError, errors.New("session: incomplete options")
	}
	for {
		started := s.now()
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return OutcomeKilled, ctx.Err()
		}

		switch {
		case errors.Is(err, ErrRegistrationRemoved):
			s.logger.Info().Err(err).Msg("Registration removed")
			return OutcomeRegistrationRemoved, err
		case errors.Is(err, ErrConnectedElsewhere):
			s.logger.Info().Msg("Connected elsewhere, sending delivery check")
			if s.notifier.SendDeliveryCheck(ctx) == push.RegistrationRemoved {
				return OutcomeRegistrationRemoved, fmt.Errorf("%w: endpoint rejected delivery check", ErrRegistrationRemoved)
			}
		case err != nil:
			s.logger.Debug().Err(err).Msg("Connection ended")
		}

		s.metrics.Reconnection()
		wait := s.backoff.Next(s.now().Sub(started))
		s.logger.Info().Dur("wait", wait).Int("attempt", s.backoff.Attempts()).Msg("Retrying to connect")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return OutcomeKilled, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Session) handshakeHeader() http.Header {
	creds := fmt.Sprintf("%s.%d:%s", s.reg.AccountID, s.reg.DeviceID, s.reg.Password)
	header := http.Header{}
	header.Set("X-Signal-Agent", `"OWA"`)
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	return header
}

// connect runs one connection until any of its loops stops. The returned
// error says why.
func (s *Session) connect(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx, s.endpoint, s.handshakeHeader())
	if err != nil {
		var hs *HandshakeError
		if errors.As(err, &hs) && hs.StatusCode == http.StatusForbidden {
			return fmt.Errorf("%w: %v", ErrRegistrationRemoved, err)
		}
		return err
	}
	defer conn.Close()

	s.logger.Info().Msg("WebSocket handshake completed")
	s.metrics.Connected()
	defer s.metrics.Disconnected()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.touchKeepalive()
	out := make(chan *wsproto.Message, outboxSize)
	pushes := make(chan *wsproto.Envelope, pushQueueSize)
	readErr := make(chan error, 1)
	writeErr := make(chan error, 1)
	keepaliveErr := make(chan error, 1)
	pushErr := make(chan error, 1)

	go func() { readErr <- s.readLoop(connCtx, conn, out, pushes) }()
	go func() { writeErr <- s.writeLoop(connCtx, conn, out) }()
	go func() { keepaliveErr <- s.keepaliveLoop(connCtx, out) }()
	go func() { pushErr <- s.pushLoop(connCtx, pushes) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErr:
		s.logger.Warn().Err(err).Msg("WebSocket reader finished")
		return err
	case err := <-writeErr:
		s.logger.Warn().Err(err).Msg("WebSocket writer finished")
		return err
	case err := <-keepaliveErr:
		s.logger.Warn().Err(err).Msg("Keepalive finished")
		return err
	case err := <-pushErr:
		return err
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn, out chan<- *wsproto.Message, pushes chan<- *wsproto.Envelope) error {
	for {
		data, err := conn.Read()
		if err != nil {
			return err
		}
		msg, err := wsproto.Unmarshal(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping undecodable frame")
			continue
		}
		if err := s.handle(ctx, msg, out, pushes); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, msg *wsproto.Message, out chan<- *wsproto.Message, pushes chan<- *wsproto.Envelope) error {
	switch msg.Kind() {
	case wsproto.TypeResponse:
		s.metrics.Message("response")
		if msg.Response != nil {
			s.touchKeepalive()
		}
		return nil
	case wsproto.TypeRequest:
		s.metrics.Message("request")
		if msg.Request == nil {
			return nil
		}
		return s.handleRequest(ctx, msg.Request, out, pushes)
	default:
		return nil
	}
}

// handleRequest acks the request before looking at its envelope. The
// envelope is queued for pushLoop so that a slow push endpoint never stops
// the reader from seeing keepalive responses.
func (s *Session) handleRequest(ctx context.Context, req *wsproto.Request, out chan<- *wsproto.Message, pushes chan<- *wsproto.Envelope) error {
	delivery := req.Matches(wsproto.VerbPut, wsproto.PathMessage)
	reply := wsproto.NewResponse(req.ID, 400, "Unknown")
	if delivery {
		reply = wsproto.NewResponse(req.ID, 200, "OK")
	}
	if !enqueue(ctx, out, reply) {
		return ctx.Err()
	}
	if !delivery {
		return nil
	}

	var env *wsproto.Envelope
	if req.Body != nil {
		decoded, err := wsproto.UnmarshalEnvelope(req.Body)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Could not decode envelope")
		} else {
			env = decoded
		}
	}
	if ts, ok := req.Header(wsproto.TimestampHeader); ok {
		s.logger.Debug().Str("provider_timestamp", ts).Bool("envelope", env != nil).Msg("Message delivered")
	}

	select {
	case pushes <- env:
	default:
		// Earlier pushes are still pending.
		s.logger.Debug().Msg("Push queue full, dropping notification")
	}
	return nil
}

// pushLoop hands queued envelopes to the notifier one at a time.
func (s *Session) pushLoop(ctx context.Context, pushes <-chan *wsproto.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-pushes:
			if s.notifier.MaybeNotify(ctx, env) == push.RegistrationRemoved {
				return fmt.Errorf("%w: endpoint rejected push", ErrRegistrationRemoved)
			}
		}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn Conn, out <-chan *wsproto.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-out:
			if err := conn.Write(wsproto.Marshal(msg)); err != nil {
				return err
			}
		}
	}
}

// keepaliveLoop sends a keepalive request every interval and stops the
// connection when no response arrived for the timeout.
func (s *Session) keepaliveLoop(ctx context.Context, out chan<- *wsproto.Message) error {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()
	watchdog := time.NewTimer(s.keepaliveTimeout)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			id := uint64(s.now().UnixMilli())
			s.logger.Debug().Uint64("id", id).Msg("Sending keepalive")
			if !enqueue(ctx, out, wsproto.NewRequest(wsproto.VerbGet, wsproto.PathKeepalive, id)) {
				return ctx.Err()
			}
		case <-watchdog.C:
			idle := s.now().Sub(s.keepaliveAt())
			if idle >= s.keepaliveTimeout {
				return fmt.Errorf("%w: idle for %s", ErrKeepaliveTimeout, idle)
			}
			watchdog.Reset(s.keepaliveTimeout - idle)
		}
	}
}

func enqueue(ctx context.Context, out chan<- *wsproto.Message, msg *wsproto.Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) touchKeepalive() {
	s.mu.Lock()
	s.lastKeepalive = s.now()
	s.mu.Unlock()
}

func (s *Session) keepaliveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastKeepalive
}
