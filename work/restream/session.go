package restream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"iptv-hub/work/buffer"
	"iptv-hub/work/client"
	"iptv-hub/work/logger"
	"iptv-hub/work/metrics"
	"iptv-hub/work/types"
	"iptv-hub/work/utils"
)

// KindEOF marks a session whose upstream ended the response body.
const KindEOF = "eof"

// UpstreamError is the terminal error of a session whose provider connection
// failed or ended. Callers may fail over to another variant on it.
type UpstreamError struct {
	Kind       string
	Reason     string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Reason
}

// IsUpstream reports whether err ended a session because of the provider.
func IsUpstream(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr)
}

// IsEOF reports whether err is the clean end of an upstream stream.
func IsEOF(err error) bool {
	var upErr *UpstreamError
	return errors.As(err, &upErr) && upErr.Kind == KindEOF
}

// State is the lifecycle phase of a session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Session is one upstream connection fanned out to its subscribers.
type Session struct {
	id       string
	key      SessionKey
	registry *Registry
	queue    *buffer.ChunkQueue
	limiter  *rate.Limiter // per-session bandwidth cap, nil when unlimited

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	subscribers map[string]*Handle
	closed      bool
	err         error
	idleSince   time.Time

	closeOnce sync.Once
	connected atomic.Bool
	createdAt time.Time
	lastChunk atomic.Int64 // unix nanos

	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	chunksIn   atomic.Int64
	subDropped atomic.Int64
}

func newSession(r *Registry, key SessionKey) *Session {
	ctx, cancel := context.WithCancelCause(r.ctx)
	now := time.Now()
	return &Session{
		id:          uuid.NewString(),
		key:         key,
		registry:    r,
		queue:       buffer.NewChunkQueue(r.opts.QueueSize),
		limiter:     newByteLimiter(r.opts.SessionLimitMbps, r.opts.ChunkSize),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string]*Handle),
		idleSince:   now,
		createdAt:   now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Key returns the (channel, URL) pair the session serves.
func (s *Session) Key() SessionKey { return s.key }

// tryAdd attaches h unless the session has already closed.
func (s *Session) tryAdd(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	h.session = s
	s.subscribers[h.id] = h
	return true
}

func (s *Session) remove(h *Handle) (removed bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[h.id]; !ok {
		return false, len(s.subscribers)
	}
	delete(s.subscribers, h.id)
	if !h.closed {
		h.closed = true
		close(h.ch)
	}
	if len(s.subscribers) == 0 {
		s.idleSince = time.Now()
	}
	return true, len(s.subscribers)
}

// SubscriberCount returns the number of attached subscribers.
func (s *Session) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// idleFor returns how long the session has had zero subscribers, or zero
// while anyone is attached.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscribers) > 0 || s.closed {
		return 0
	}
	return now.Sub(s.idleSince)
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	closed, n := s.closed, len(s.subscribers)
	s.mu.Unlock()

	switch {
	case closed:
		return StateClosed
	case n == 0:
		return StateDraining
	case s.connected.Load():
		return StateStreaming
	default:
		return StateConnecting
	}
}

// Err returns the terminal error, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) logURL() string {
	return utils.LogURLWithFlag(s.registry.opts.ObfuscateURLs, s.key.URL)
}

// close ends the session with err. The first call wins.
func (s *Session) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		s.mu.Unlock()

		s.cancel(err)
		s.queue.Close()
		s.registry.sessionClosed()
		logger.Debug("[RESTREAM_STOP] Channel %d: session %s closed: %v", s.key.ChannelID, s.id, err)
	})
}

// run owns the upstream connection.
func (s *Session) run() {
	defer s.registry.wg.Done()

	err := s.fetch()
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		metrics.StreamErrors.WithLabelValues(s.key.channelLabel(), upErr.Kind).Inc()
		logger.Warn("{restream/session - run} [RESTREAM_ERROR] Channel %d: %s (%s)", s.key.ChannelID, upErr.Reason, s.logURL())
	}

	s.registry.forget(s)
	s.close(err)

	if upErr != nil && s.registry.opts.OnUpstreamError != nil {
		s.registry.opts.OnUpstreamError(s.key, upErr)
	}
}

// fetch runs the upstream until it ends. One read watchdog covers the whole
// session: a direct stream must keep sending bytes and an HLS stream must keep
// publishing segments.
func (s *Session) fetch() error {
	readTimeout := s.registry.opts.ReadTimeout
	watchdog := time.AfterFunc(readTimeout, func() {
		s.cancel(&UpstreamError{
			Kind:   client.KindTimeout,
			Reason: fmt.Sprintf("%s: no data for %s", client.KindTimeout, readTimeout),
		})
	})
	defer watchdog.Stop()

	if types.StreamFormat(s.key.URL) == types.FormatHLS {
		return s.fetchHLS(watchdog)
	}

	resp, err := s.open(s.key.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := s.relay(resp.Body, watchdog); err != nil {
		return err
	}
	return &UpstreamError{Kind: KindEOF, Reason: "eof: provider ended the stream"}
}

// open issues a GET on the session context and turns transport failures and
// non-2xx answers into upstream errors.
func (s *Session) open(target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UpstreamError{Kind: client.KindNetwork, Reason: fmt.Sprintf("invalid stream url: %v", err)}
	}

	resp, err := s.registry.client.Do(req)
	if err != nil {
		return nil, s.readError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &UpstreamError{
			Kind:       client.StatusKind(resp.StatusCode),
			Reason:     client.StatusReason(resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	if s.connected.CompareAndSwap(false, true) {
		logger.Debug("[RESTREAM_CONNECTED] Channel %d: upstream answered %d", s.key.ChannelID, resp.StatusCode)
	}
	return resp, nil
}

// relay reads body in chunks into the session queue until it ends. It
// returns nil on a clean end of body.
func (s *Session) relay(body io.Reader, watchdog *time.Timer) error {
	readTimeout := s.registry.opts.ReadTimeout
	channel := s.key.channelLabel()
	for {
		buf := make([]byte, s.registry.opts.ChunkSize)
		n, err := body.Read(buf)
		if n > 0 {
			watchdog.Reset(readTimeout)
			s.lastChunk.Store(time.Now().UnixNano())
			s.bytesIn.Add(int64(n))
			s.chunksIn.Add(1)
			s.registry.bytesReceived.Add(int64(n))
			s.registry.chunks.Inc()
			metrics.BytesTransferred.WithLabelValues(channel, "upstream").Add(float64(n))

			if werr := s.throttle(s.ctx, n); werr != nil {
				return s.readError(werr)
			}
			if s.queue.Push(buf[:n]) {
				s.registry.dropped.Inc()
				metrics.ChunksDropped.WithLabelValues("session").Inc()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return s.readError(err)
		}
	}
}

// readError prefers the cancellation cause (close, idle, read timeout) over
// the transport error it produced.
func (s *Session) readError(err error) error {
	if cause := context.Cause(s.ctx); cause != nil {
		return cause
	}
	kind, reason := client.Classify(err)
	return &UpstreamError{Kind: kind, Reason: reason}
}

// dispatch fans chunks out to subscribers until the queue is closed and
// drained, then ends every subscriber's stream.
func (s *Session) dispatch() {
	defer s.registry.wg.Done()
	defer s.endSubscribers()

	for {
		chunk, err := s.queue.Next(context.Background())
		if err != nil {
			return
		}
		s.fanOut(chunk)
	}
}

// fanOut never blocks: a subscriber whose channel is full loses its oldest
// pending chunk.
func (s *Session) fanOut(chunk []byte) {
	delivered := 0
	s.mu.Lock()
	for _, h := range s.subscribers {
		select {
		case h.ch <- chunk:
			h.delivered++
			delivered++
			continue
		default:
		}

		select {
		case <-h.ch:
			h.dropped++
			s.subDropped.Add(1)
			metrics.ChunksDropped.WithLabelValues("subscriber").Inc()
		default:
		}
		select {
		case h.ch <- chunk:
			h.delivered++
			delivered++
		default:
			h.dropped++
			s.subDropped.Add(1)
		}
	}
	s.mu.Unlock()

	if delivered > 0 {
		n := int64(len(chunk) * delivered)
		s.bytesOut.Add(n)
		s.registry.bytesSent.Add(n)
		metrics.BytesTransferred.WithLabelValues(s.key.channelLabel(), "downstream").Add(float64(n))
	}
}

func (s *Session) endSubscribers() {
	s.mu.Lock()
	n := len(s.subscribers)
	for id, h := range s.subscribers {
		if !h.closed {
			h.closed = true
			close(h.ch)
		}
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	if n > 0 {
		metrics.ClientsConnected.WithLabelValues(s.key.channelLabel()).Sub(float64(n))
		logger.Debug("[RESTREAM_END] Channel %d: ended stream for %d subscribers", s.key.ChannelID, n)
	}
}
