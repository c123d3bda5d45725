// Package push decides when a session wakes its device and sends the
// notification to the registered push endpoint.
package push

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pushsocket/internal/metrics"
	"pushsocket/internal/safehttp"
	"pushsocket/internal/vapid"
	"pushsocket/internal/wsproto"
)

const (
	DefaultTimeout            = time.Second
	DefaultDeliveryCheckGuard = time.Hour

	// Fixed push headers. The body is plain JSON; the content encoding is
	// declared so that Web Push gateways accept the request.
	HeaderTTL             = "2592000"
	HeaderContentEncoding = "aes128gcm"
	HeaderUrgency         = "high"

	TopicMessage       = "pushsocket"
	TopicDeliveryCheck = "4409"
)

// Status is the outcome of one push attempt.
type Status int

const (
	// Skipped means nothing was sent.
	Skipped Status = iota
	Sent
	// Rejected means the endpoint did not pass the outbound address checks.
	Rejected
	// Failed covers network errors and non-terminal HTTP statuses.
	Failed
	// RegistrationRemoved means the endpoint answered 403, 404 or 410.
	RegistrationRemoved
)

func (s Status) String() string {
	switch s {
	case Skipped:
		return "skipped"
	case Sent:
		return "sent"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	case RegistrationRemoved:
		return "registration_removed"
	default:
		return "unknown"
	}
}

// Classify maps an HTTP status code of a push endpoint to a Status.
func Classify(code int) Status {
	switch code {
	case http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return RegistrationRemoved
	}
	if code >= 200 && code < 400 {
		return Sent
	}
	return Failed
}

// Poster sends a JSON body. *safehttp.Client implements it.
type Poster interface {
	Post(ctx context.Context, target *url.URL, body any, header http.Header) (*http.Response, error)
}

// Signer returns the Authorization header for target. *vapid.Generator
// implements it.
type Signer interface {
	HeaderFor(target *url.URL) (string, error)
}

type Options struct {
	Poster  Poster
	Signer  Signer
	Timeout time.Duration
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Dispatcher sends pushes for one session. Ordinary pushes are sent at most
// once per Timeout; the delivery check at most once per hour.
type Dispatcher struct {
	endpoint *url.URL
	poster   Poster
	signer   Signer
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastPush time.Time

	deliveryCheck rate.Sometimes
}

func NewDispatcher(endpoint *url.URL, opts Options) *Dispatcher {
	d := &Dispatcher{
		endpoint:      endpoint,
		poster:        opts.Poster,
		signer:        opts.Signer,
		timeout:       opts.Timeout,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With().Str("component", "push").Logger(),
		now:           opts.Now,
		deliveryCheck: rate.Sometimes{Interval: DefaultDeliveryCheckGuard},
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	return d
}

// MaybeNotify pushes for an inbound envelope when it is urgent and the last
// push is older than the timeout. A nil envelope is ignored.
func (d *Dispatcher) MaybeNotify(ctx context.Context, env *wsproto.Envelope) Status {
	if env == nil {
		return Skipped
	}
	if !d.reserve(env.Urgent()) {
		d.logger.Debug().Msg("Push timeout not reached or message not urgent, ignoring")
		return Skipped
	}
	d.metrics.Push(metrics.PushUrgent)
	return d.send(ctx, map[string]bool{"urgent": true}, TopicMessage)
}

// reserve claims the push slot. The check and the update happen under one
// lock so concurrent frames cannot both pass.
func (d *Dispatcher) reserve(urgent bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if !urgent || now.Sub(d.lastPush) <= d.timeout {
		return false
	}
	d.lastPush = now
	return true
}

// SendDeliveryCheck tells the device that another client holds the provider
// connection. A terminal answer means the endpoint is gone.
func (d *Dispatcher) SendDeliveryCheck(ctx context.Context) Status {
	status := Skipped
	d.deliveryCheck.Do(func() {
		d.metrics.Push(metrics.PushDeliveryCheck)
		status = d.send(ctx, map[string]int{"code": 4409}, TopicDeliveryCheck)
	})
	if status == Skipped {
		d.logger.Debug().Msg("Delivery check already sent recently")
	}
	return status
}

func (d *Dispatcher) send(ctx context.Context, body any, topic string) Status {
	header := http.Header{}
	header.Set("TTL", HeaderTTL)
	header.Set("Content-Encoding", HeaderContentEncoding)
	header.Set("Urgency", HeaderUrgency)
	header.Set("Topic", topic)
	if d.signer != nil {
		auth, err := d.signer.HeaderFor(d.endpoint)
		switch {
		case err == nil:
			header.Set("Authorization", auth)
		case errors.Is(err, vapid.ErrKeyMissing):
			d.logger.Debug().Msg("No VAPID key configured, pushing without Authorization")
		default:
			d.logger.Warn().Err(err).Msg("Could not sign push request")
		}
	}

	resp, err := d.poster.Post(ctx, d.endpoint, body, header)
	if err != nil {
		if errors.Is(err, safehttp.ErrHostNotAllowed) || errors.Is(err, safehttp.ErrSchemeNotAllowed) {
			d.metrics.Push(metrics.PushRejected)
			return Rejected
		}
		d.metrics.Push(metrics.PushFailed)
		d.logger.Warn().Err(err).Msg("Push request failed")
		return Failed
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	status := Classify(resp.StatusCode)
	event := d.logger.Debug()
	if status != Sent {
		d.metrics.Push(metrics.PushFailed)
		event = d.logger.Warn()
	}
	event.Int("status", resp.StatusCode).Stringer("outcome", status).Msg("Push response")
	return status
}
