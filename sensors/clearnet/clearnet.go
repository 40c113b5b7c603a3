// Package clearnet implements the HTTP sensor.
//
// Outbound envelopes are POSTed msgpack-encoded to the url header; the peer
// answers with an envelope whose document and errors are merged into the
// request. With "sensors.clearnet.listen" set the sensor also serves peers:
// POST /envelope feeds the envelope through the local bus and answers with
// whatever reaches the sensors/REPLY_CLEARNET hop.
package clearnet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hupe1980/servicebus/core"
	"github.com/hupe1980/servicebus/internal/retry"
	"github.com/hupe1980/servicebus/logging"
	"github.com/hupe1980/servicebus/sensors"
)

// Property keys read on Start.
const (
	PropertyTimeout      = "sensors.clearnet.timeout"
	PropertyRetries      = "sensors.clearnet.retries"
	PropertyListen       = "sensors.clearnet.listen"
	PropertyReplyTimeout = "sensors.clearnet.reply_timeout"
	PropertyCORSOrigins  = "sensors.clearnet.cors_origins"
)

// HeaderRequestID correlates a clearnet request with its log lines on both peers.
const HeaderRequestID = "X-Request-ID"

// DataResponse is the document key holding a non-envelope response body.
const DataResponse = "response"

var (
	// ErrNoURL is returned by Send when the envelope carries no url header.
	ErrNoURL = errors.New("envelope has no url")
	// ErrPeerStatus is recorded when a peer answers with a non-2xx status.
	ErrPeerStatus = errors.New("peer returned error status")
)

// Options configures the sensor.
type Options struct {
	// Client performs outbound requests. Defaults to a client without timeout;
	// the per-request timeout comes from PropertyTimeout.
	Client *http.Client
	// Middleware is installed on the inbound server ahead of the routes.
	Middleware []gin.HandlerFunc
	// Listener overrides PropertyListen, mainly for tests.
	Listener net.Listener
	// Retry paces outbound attempts after transport errors and 5xx answers.
	// PropertyRetries overrides the attempt count.
	Retry retry.Policy
}

// DefaultRetryPolicy makes three attempts backing off exponentially from
// 100ms, capped at 2s, with jitter.
func DefaultRetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:    3,
		Interval:    100 * time.Millisecond,
		Multiplier:  2,
		MaxInterval: 2 * time.Second,
		Jitter:      true,
	}
}

// Sensor is the clearnet sensor.
type Sensor struct {
	host   sensors.Host
	logger logging.Logger
	opts   Options

	status   atomic.Int32
	restarts atomic.Int32

	mu           sync.Mutex
	props        core.Properties
	timeout      time.Duration
	replyTimeout time.Duration
	retryPolicy  retry.Policy
	server       *http.Server
	addr         string

	peersMu sync.RWMutex
	peers   map[string]sensors.Peer

	pendingMu sync.Mutex
	pending   map[string]chan []byte
}

var _ sensors.Sensor = (*Sensor)(nil)

// New creates a stopped clearnet sensor bound to host.
func New(host sensors.Host, optFns ...func(o *Options)) *Sensor {
	opts := Options{Client: &http.Client{}, Retry: DefaultRetryPolicy()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	s := &Sensor{
		host:    host,
		logger:  logging.OrNoOp(host.Logger()),
		opts:    opts,
		peers:   map[string]sensors.Peer{},
		pending: map[string]chan []byte{},
	}
	s.status.Store(int32(sensors.StatusInitializing))
	return s
}

// Factory returns a sensors.Factory creating clearnet sensors.
func Factory(optFns ...func(o *Options)) sensors.Factory {
	return func(host sensors.Host) (sensors.Sensor, error) {
		return New(host, optFns...), nil
	}
}

func (s *Sensor) ID() string                    { return sensors.Clearnet }
func (s *Sensor) Sensitivity() core.Sensitivity { return core.SensitivityLow }
func (s *Sensor) OperationEndsWith() []string   { return nil }
func (s *Sensor) URLBeginsWith() []string       { return []string{"http://", "https://"} }
func (s *Sensor) URLEndsWith() []string         { return nil }
func (s *Sensor) Priority() int                 { return 100 }
func (s *Sensor) Status() sensors.Status        { return sensors.Status(s.status.Load()) }
func (s *Sensor) RestartAttempts() int          { return int(s.restarts.Load()) }

// Addr returns the address of the inbound server, or "" when not listening.
func (s *Sensor) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Peers returns a snapshot of the peers seen so far, keyed by host.
func (s *Sensor) Peers() map[string]sensors.Peer {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make(map[string]sensors.Peer, len(s.peers))
	for k, v := range s.peers {
		out[k] = v
	}
	return out
}

func (s *Sensor) seen(address string) {
	host := address
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		host = u.Host
	}
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[host] = sensors.Peer{ID: host, Address: address, LastSeen: time.Now()}
}

// Send POSTs env to its url header and merges the peer's answer into env.
// Failures are recorded on the envelope and reported as false.
func (s *Sensor) Send(env *core.Envelope) bool {
	if err := s.send(env); err != nil {
		s.logger.Warn("clearnet send failed", "envelope", env.ID, "url", env.URL(), "error", err)
		env.AddError(core.CodeTransport, err)
		return false
	}
	return true
}

func (s *Sensor) send(env *core.Envelope) error {
	target := env.URL()
	if target == "" {
		return ErrNoURL
	}
	body, err := core.MarshalEnvelope(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	timeout, policy := s.timeout, s.retryPolicy
	s.mu.Unlock()

	var (
		answer  peerAnswer
		lastErr error
	)
	_, attempts := retry.Do(context.Background(), policy, func(attempt int) bool {
		var again bool
		answer, again, lastErr = s.post(target, body, timeout, env.ID)
		if lastErr != nil && again {
			s.logger.Debug("clearnet attempt failed", "envelope", env.ID, "attempt", attempt, "error", lastErr)
			return false
		}
		return true
	})
	if lastErr != nil {
		if attempts > 1 {
			return fmt.Errorf("%w (after %d attempts)", lastErr, attempts)
		}
		return lastErr
	}
	return merge(env, answer.contentType, answer.data)
}

type peerAnswer struct {
	contentType string
	data        []byte
}

// post performs one POST. again reports whether a failure is worth another
// attempt: transport errors and 5xx answers are, everything else is not.
func (s *Sensor) post(target string, body []byte, timeout time.Duration, envelopeID string) (answer peerAnswer, again bool, err error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return answer, false, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", core.ContentTypeMsgpack)
	req.Header.Set("Accept", core.ContentTypeMsgpack)
	req.Header.Set(HeaderRequestID, requestID)

	start := time.Now()
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return answer, true, fmt.Errorf("post %s: %w", target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return answer, true, fmt.Errorf("read response: %w", err)
	}
	s.seen(target)
	s.logger.Debug("clearnet response", "envelope", envelopeID, "request_id", requestID, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return answer, resp.StatusCode >= 500, fmt.Errorf("%w: %s answered %d", ErrPeerStatus, target, resp.StatusCode)
	}
	return peerAnswer{contentType: resp.Header.Get("Content-Type"), data: data}, false, nil
}

// merge folds a peer response into env. Msgpack envelopes contribute their
// document data and errors; any other body is stored under DataResponse.
func merge(env *core.Envelope, contentType string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	doc, ok := env.Document()
	if contentType != core.ContentTypeMsgpack {
		if ok {
			doc.Set(DataResponse, string(data))
		}
		return nil
	}

	answer, err := core.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}
	if ok {
		if answerDoc, isDoc := answer.Document(); isDoc {
			for k, v := range answerDoc.Data {
				doc.Set(k, v)
			}
		}
	}
	for _, e := range answer.Errors() {
		env.AddError(e.Code, errors.New(e.Message))
	}
	return nil
}

// Reply completes an inbound request waiting on env's id. The envelope is
// encoded before Reply returns, so the caller keeps ownership of it.
func (s *Sensor) Reply(env *core.Envelope) bool {
	body, err := core.MarshalEnvelope(env)
	if err != nil {
		s.logger.Error("clearnet reply not encodable", "envelope", env.ID, "error", err)
		return false
	}
	s.pendingMu.Lock()
	ch, ok := s.pending[env.ID]
	if ok {
		delete(s.pending, env.ID)
	}
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn("no pending clearnet request", "envelope", env.ID)
		return false
	}
	ch <- body
	return true
}

func (s *Sensor) Start(props core.Properties) bool {
	s.status.Store(int32(sensors.StatusConnecting))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.props = props
	s.timeout = props.Duration(PropertyTimeout, 30*time.Second)
	s.retryPolicy = s.opts.Retry
	s.retryPolicy.Attempts = props.Int(PropertyRetries, s.opts.Retry.Attempts)
	s.replyTimeout = props.Duration(PropertyReplyTimeout, 30*time.Second)

	if err := s.listen(props); err != nil {
		s.logger.Error("clearnet server failed to start", "error", err)
		s.status.Store(int32(sensors.StatusError))
		return false
	}
	s.status.Store(int32(sensors.StatusConnected))
	return true
}

func (s *Sensor) listen(props core.Properties) error {
	ln := s.opts.Listener
	if ln == nil {
		addr := props.Get(PropertyListen, "")
		if addr == "" {
			return nil
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
	}
	s.opts.Listener = nil

	s.server = &http.Server{Handler: s.router(props.Strings(PropertyCORSOrigins)), ReadHeaderTimeout: 10 * time.Second}
	s.addr = ln.Addr().String()
	server := s.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("clearnet server stopped", "error", err)
			s.status.Store(int32(sensors.StatusError))
		}
	}()
	s.logger.Info("clearnet server listening", "addr", s.addr)
	return nil
}

func (s *Sensor) Pause() bool   { return true }
func (s *Sensor) Unpause() bool { return true }

func (s *Sensor) Restart() bool {
	s.restarts.Add(1)
	s.mu.Lock()
	props := s.props
	s.mu.Unlock()
	s.stop(context.Background())
	return s.Start(props)
}

func (s *Sensor) Shutdown() bool {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.stop(ctx)
}

func (s *Sensor) GracefulShutdown() bool {
	s.mu.Lock()
	wait := s.replyTimeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), wait+time.Second)
	defer cancel()
	return s.stop(ctx)
}

func (s *Sensor) stop(ctx context.Context) bool {
	s.status.Store(int32(sensors.StatusStopping))
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.addr = ""
	s.mu.Unlock()

	ok := true
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			s.logger.Warn("clearnet server shutdown", "error", err)
			ok = false
		}
	}
	s.status.Store(int32(sensors.StatusStopped))
	return ok
}
