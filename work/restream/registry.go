// Package restream shares one upstream media connection per (channel, stream
// URL) between any number of player connections.
package restream

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"

	"iptv-hub/work/config"
	"iptv-hub/work/logger"
	"iptv-hub/work/metrics"
)

var (
	// ErrRegistryClosed is returned by Acquire after Shutdown and is the
	// terminal error of sessions closed by Shutdown.
	ErrRegistryClosed = errors.New("restream registry is closed")

	// ErrSessionIdle is the terminal error of sessions closed by the reaper.
	ErrSessionIdle = errors.New("session closed after idle grace period")
)

// Fetcher is the subset of an HTTP client used to open upstream connections.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options sizes the registry and its sessions.
type Options struct {
	ChunkSize        int           // upstream read size
	QueueSize        int           // per-session chunk queue length
	SubscriberBuffer int           // per-subscriber channel length
	IdleGrace        time.Duration // zero-subscriber keep-warm period
	ReapInterval     time.Duration // reaper scan period
	ReadTimeout      time.Duration // max gap between upstream chunks
	ObfuscateURLs    bool          // mask URLs in logs and stats
	PlaylistPoll     time.Duration // HLS media playlist refresh period
	SessionLimitMbps float64       // per-session upstream cap, 0 = unlimited
	GlobalLimitMbps  float64       // cap shared by every session, 0 = unlimited

	// OnUpstreamError, when set, is called once per session that ended with
	// an upstream failure, after its subscribers were released.
	OnUpstreamError func(key SessionKey, err *UpstreamError)
}

// OptionsFromConfig maps stream settings onto registry options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChunkSize:        cfg.Stream.ChunkSize,
		QueueSize:        cfg.Stream.QueueSize,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		IdleGrace:        cfg.Stream.IdleGrace,
		ReapInterval:     cfg.Stream.ReapInterval,
		ReadTimeout:      cfg.Stream.ReadTimeout,
		ObfuscateURLs:    cfg.ObfuscateUrls,
		PlaylistPoll:     cfg.Stream.PlaylistPoll,
		SessionLimitMbps: cfg.Stream.SessionLimitMbps,
		GlobalLimitMbps:  cfg.Stream.GlobalLimitMbps,
	}
}

func (o *Options) setDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8192
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 60 * time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.PlaylistPoll <= 0 {
		o.PlaylistPoll = 2 * time.Second
	}
}

// SessionKey identifies a shared upstream connection.
type SessionKey struct {
	ChannelID int64
	URL       string
}

func (k SessionKey) channelLabel() string {
	return strconv.FormatInt(k.ChannelID, 10)
}

// Registry owns every live session. It is constructed by the service's
// top-level composition and must be shut down explicitly.
type Registry struct {
	opts     Options
	client   Fetcher
	sessions *xsync.MapOf[SessionKey, *Session]
	limiter  *rate.Limiter // global bandwidth cap, nil when unlimited

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed against concurrent Acquire
	closed bool

	sessionsCreated   *xsync.Counter
	subscribersServed *xsync.Counter
	bytesReceived     *xsync.Counter
	bytesSent         *xsync.Counter
	chunks            *xsync.Counter
	dropped           *xsync.Counter

	peakMu sync.Mutex
	active int64
	peak   int64
}

// NewRegistry creates a registry and starts its idle reaper.
func NewRegistry(client Fetcher, opts Options) *Registry {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		opts:              opts,
		client:            client,
		sessions:          xsync.NewMapOf[SessionKey, *Session](),
		limiter:           newByteLimiter(opts.GlobalLimitMbps, opts.ChunkSize),
		ctx:               ctx,
		cancel:            cancel,
		sessionsCreated:   xsync.NewCounter(),
		subscribersServed: xsync.NewCounter(),
		bytesReceived:     xsync.NewCounter(),
		bytesSent:         xsync.NewCounter(),
		chunks:            xsync.NewCounter(),
		dropped:           xsync.NewCounter(),
	}

	r.wg.Add(1)
	go r.reapLoop()
	return r
}

// Acquire subscribes to the session for (channelID, streamURL), opening the
// upstream connection if this is the first subscriber. Two concurrent first
// acquires for the same key share one session. ctx only bounds the call
// itself; the upstream fetch outlives it.
func (r *Registry) Acquire(ctx context.Context, channelID int64, streamURL string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	key := SessionKey{ChannelID: channelID, URL: streamURL}
	h := newHandle(r.opts.SubscriberBuffer)

	var created *Session
	r.sessions.Compute(key, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old.tryAdd(h) {
			return old, false
		}
		created = newSession(r, key)
		created.tryAdd(h)
		return created, false
	})

	if created != nil {
		r.sessionOpened()
		r.wg.Add(2)
		go created.run()
		go created.dispatch()
		logger.Info("[RESTREAM_START] Channel %d: session %s for %s", channelID, created.id, created.logURL())
	}

	r.subscribersServed.Inc()
	metrics.ClientsConnected.WithLabelValues(key.channelLabel()).Inc()
	logger.Debug("[CLIENT_CONNECT] Channel %d: client %s, total %d", channelID, h.id, h.session.SubscriberCount())
	return h, nil
}

// Unsubscribe detaches a handle. It is idempotent and safe to call after the
// session has ended or been removed.
func (r *Registry) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		s := h.session
		removed, remaining := s.remove(h)
		if !removed {
			return
		}
		metrics.ClientsConnected.WithLabelValues(s.key.channelLabel()).Dec()
		logger.Debug("[CLIENT_DISCONNECT] Channel %d: client %s, remaining %d", s.key.ChannelID, h.id, remaining)
		if remaining == 0 {
			logger.Debug("[RESTREAM_IDLE] Channel %d: no subscribers, keeping upstream warm for %s", s.key.ChannelID, r.opts.IdleGrace)
		}
	})
}

// Session returns the live session for a key, if any.
func (r *Registry) Session(channelID int64, streamURL string) (*Session, bool) {
	return r.sessions.Load(SessionKey{ChannelID: channelID, URL: streamURL})
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// ReapIdle closes sessions that have had no subscribers for longer than the
// idle grace period as of now, returning how many were closed.
func (r *Registry) ReapIdle(now time.Time) int {
	var candidates []*Session
	r.sessions.Range(func(_ SessionKey, s *Session) bool {
		if s.idleFor(now) >= r.opts.IdleGrace {
			candidates = append(candidates, s)
		}
		return true
	})

	reaped := 0
	for _, s := range candidates {
		removed := false
		r.sessions.Compute(s.key, func(old *Session, loaded bool) (*Session, bool) {
			if !loaded {
				return nil, true
			}
			if old == s && s.idleFor(now) >= r.opts.IdleGrace {
				removed = true
				return nil, true
			}
			return old, false
		})
		if removed {
			s.close(ErrSessionIdle)
			reaped++
			logger.Info("[RESTREAM_CLEANUP] Channel %d: closed idle session %s", s.key.ChannelID, s.id)
		}
	}
	return reaped
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			r.ReapIdle(now)
		}
	}
}

// forget removes s from the registry if it is still the session for its key.
func (r *Registry) forget(s *Session) {
	r.sessions.Compute(s.key, func(old *Session, loaded bool) (*Session, bool) {
		if loaded && old == s {
			return nil, true
		}
		return old, !loaded
	})
}

func (r *Registry) sessionOpened() {
	r.sessionsCreated.Inc()
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()

	r.peakMu.Lock()
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.peakMu.Unlock()
}

func (r *Registry) sessionClosed() {
	metrics.SessionsActive.Dec()
	r.peakMu.Lock()
	r.active--
	r.peakMu.Unlock()
}

// Shutdown closes every session and waits for their goroutines, or for ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	var all []*Session
	r.sessions.Range(func(_ SessionKey, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		r.forget(s)
		s.close(ErrRegistryClosed)
	}
	logger.Info("[RESTREAM_SHUTDOWN] closed %d sessions", len(all))

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

// Handle is one subscriber's view of a session.
type Handle struct {
	id          string
	session     *Session
	ch          chan []byte
	once        sync.Once
	connectedAt time.Time
	closed      bool // ch closed; guarded by session.mu
	delivered   int64
	dropped     int64
}

func newHandle(buffer int) *Handle {
	return &Handle{
		id:          uuid.NewString(),
		ch:          make(chan []byte, buffer),
		connectedAt: time.Now(),
	}
}

// Subscribe returns the chunk sequence. The channel is closed at end of
// stream or on Unsubscribe. Chunks are shared between subscribers and must
// not be modified.
func (h *Handle) Subscribe() <-chan []byte { return h.ch }

// ID returns the subscriber id.
func (h *Handle) ID() string { return h.id }

// Key returns the session key the handle is attached to.
func (h *Handle) Key() SessionKey { return h.session.key }

// Err returns the session's terminal error once it has ended, nil while it
// is still live.
func (h *Handle) Err() error { return h.session.Err() }

// Dropped returns how many chunks this subscriber lost to the drop-oldest policy.
func (h *Handle) Dropped() int64 {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	return h.dropped
}
