// Package dashboard runs one gateway session for a UI: it connects, feeds the
// activity classifier, keeps the logs, retries while pairing is pending and
// serves the result over a small HTTP API.
package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/opclaw/internal/activity"
	"github.com/ehrlich-b/opclaw/internal/auth"
	"github.com/ehrlich-b/opclaw/internal/gateway"
	"github.com/ehrlich-b/opclaw/internal/logger"
	"github.com/ehrlich-b/opclaw/internal/store"
	"golang.org/x/time/rate"
)

const (
	DefaultPairingPoll = 4 * time.Second
	systemLogCap       = 200
	systemLogDedupe    = 2 * time.Second
	boardActivityTTL   = 4 * time.Second
)

// EventLog is the persisted activity log. *store.Store implements it.
type EventLog interface {
	LogEvent(store.NewEvent) (*store.Event, error)
	ListEvents(store.EventQuery) ([]*store.Event, error)
}

// Options configure a Session. Zero values get defaults.
type Options struct {
	Gateway gateway.Config
	Storage auth.Storage // identity and device token
	Events  EventLog     // nil disables the activity log
	Timings activity.Timings

	// Manual makes Run wait for Reconnect before the first connect.
	Manual bool

	PairingPoll time.Duration // minimum spacing between connect attempts
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OnConnected runs after each successful connect, e.g. to save settings.
	OnConnected func(gateway.Config)
	// OnStatus mirrors classifier changes, e.g. for a terminal.
	OnStatus func(activity.Change)
}

// LogLine is one entry of the system log.
type LogLine struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Session supervises one gateway client. Run drives it; the other methods
// are safe to call from any goroutine.
type Session struct {
	opts       Options
	client     *gateway.Client
	classifier *activity.Classifier
	frames     chan gateway.Frame
	lost       chan struct{}
	kick       chan struct{}
	limiter    *rate.Limiter
	backoff    *gateway.Backoff
	now        func() time.Time

	mu        sync.Mutex
	cfg       gateway.Config
	connected bool
	halted    bool // rejected for a reason other than pairing; wait for Reconnect
	succeeded bool // connected since the last retry; backoff starts over
	lastError string
	pairing   *gateway.PairingRequired
	sysLog    []LogLine
	lastSys   LogLine
}

func New(opts Options) *Session {
	if opts.Timings == (activity.Timings{}) {
		opts.Timings = activity.DefaultTimings()
	}
	if opts.PairingPoll <= 0 {
		opts.PairingPoll = DefaultPairingPoll
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if opts.Storage == nil {
		opts.Storage = auth.NewMemStorage()
	}

	s := &Session{
		opts:       opts,
		classifier: activity.New(opts.Timings),
		frames:     make(chan gateway.Frame, 64),
		lost:       make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
		limiter:    rate.NewLimiter(rate.Every(opts.PairingPoll), 1),
		backoff:    gateway.NewBackoff(opts.BackoffBase, opts.BackoffMax),
		now:        time.Now,
		cfg:        opts.Gateway,
	}
	s.client = &gateway.Client{
		Storage:           opts.Storage,
		OnEvent:           s.handleEvent,
		OnStatus:          s.handleStatus,
		OnError:           s.handleError,
		OnPairingRequired: s.handlePairing,
	}
	s.classifier.OnChange = s.handleChange
	return s
}

// Classifier exposes the session's activity classifier.
func (s *Session) Classifier() *activity.Classifier {
	return s.classifier
}

// Run connects and keeps the session alive until ctx is done. Reconnects are
// paced by PairingPoll while pairing is pending and by exponential backoff
// after transport loss. A rejected connect waits for Reconnect.
func (s *Session) Run(ctx context.Context) error {
	classifierDone := make(chan struct{})
	go func() {
		defer close(classifierDone)
		s.classifier.Run(ctx, s.frames)
	}()
	defer func() {
		s.client.Close()
		<-classifierDone
	}()

	if !s.opts.Manual {
		s.connect(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
			s.mu.Lock()
			s.halted = false
			s.mu.Unlock()
			s.backoff.Reset()
			s.connect(ctx)
		case <-s.lost:
			// A newer transport may already be up.
			if s.client.State() != gateway.StateDisconnected {
				continue
			}
			delay, retry := s.retryDelay()
			if !retry {
				logger.Info("not reconnecting until settings change")
				continue
			}
			logger.Debug("reconnecting", "in", delay)
			if !s.sleep(ctx, delay) {
				return nil
			}
			s.connect(ctx)
		}
	}
}

// Reconnect replaces the gateway settings and reconnects at once.
func (s *Session) Reconnect(cfg gateway.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// sleep waits d, returning early with false when ctx ends. A Reconnect
// during the wait cuts it short.
func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-s.kick:
		s.mu.Lock()
		s.halted = false
		s.mu.Unlock()
		s.backoff.Reset()
	}
	return true
}

func (s *Session) retryDelay() (time.Duration, bool) {
	s.mu.Lock()
	pairing := s.pairing != nil
	halted := s.halted
	if s.succeeded {
		s.succeeded = false
		s.backoff.Reset()
	}
	s.mu.Unlock()

	switch {
	case pairing:
		return s.limiter.Reserve().Delay(), true
	case halted:
		return 0, false
	default:
		return max(s.backoff.Next(), s.limiter.Reserve().Delay()), true
	}
}

func (s *Session) connect(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.GatewayURL == "" {
		s.setError("no gateway url configured")
		return
	}
	s.limiter.Allow()
	s.addSystemLog("connect " + gateway.NormalizeURL(cfg.GatewayURL))
	if err := s.client.Connect(ctx, cfg); err != nil {
		logger.Warn("gateway connect failed", "url", cfg.GatewayURL, "err", err)
	}
}

func (s *Session) handleEvent(f gateway.Frame) {
	if f.Type == gateway.FrameEvent && f.Event != "" {
		s.addSystemLog(f.Event)
		if isBoardEvent(f.Event) {
			s.classifier.MarkActivity(activity.StatusWorking, boardActivityTTL, s.now())
		}
	}
	// The classifier goroutine drains frames; a full buffer means it has
	// stopped, so drop instead of stalling the read loop.
	select {
	case s.frames <- f:
	default:
		logger.Warn("classifier backlog full, dropping frame", "event", f.Event)
	}
}

func (s *Session) handleStatus(st gateway.Status) {
	s.mu.Lock()
	s.connected = st == gateway.StatusConnected
	if s.connected {
		s.pairing = nil
		s.lastError = ""
		s.halted = false
		s.succeeded = true
	}
	cfg := s.cfg
	s.mu.Unlock()

	s.record("gateway", string(st), nil)
	s.addSystemLog(string(st))

	if st == gateway.StatusConnected {
		if s.opts.OnConnected != nil {
			s.opts.OnConnected(cfg)
		}
		return
	}
	s.classifier.Reset()
	select {
	case s.lost <- struct{}{}:
	default:
	}
}

func (s *Session) handleError(err error) {
	s.setError(err.Error())

	var authErr *gateway.AuthError
	if errors.As(err, &authErr) {
		if !authErr.IsNotPaired() {
			s.mu.Lock()
			s.halted = true
			s.mu.Unlock()
		}
		s.record("gateway", "rejected", map[string]string{"code": authErr.Code, "message": authErr.Message})
		return
	}
	var perr *gateway.ProtocolError
	if errors.As(err, &perr) {
		logger.Debug("bad frame from gateway", "err", err)
		return
	}
	s.record("gateway", "error", map[string]string{"message": err.Error()})
}

func (s *Session) handlePairing(p gateway.PairingRequired) {
	s.mu.Lock()
	s.pairing = &p
	s.mu.Unlock()
	logger.Warn("device not paired; approve it on the gateway", "request_id", p.RequestID)
	s.record("gateway", "pairing_required", map[string]string{"request_id": p.RequestID})
}

func (s *Session) handleChange(ch activity.Change) {
	var payload any
	if ch.Source != "" {
		payload = map[string]string{"source": ch.Source}
	}
	s.recordAt("status", string(ch.Status), payload, ch.At)
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(ch)
	}
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	s.mu.Unlock()
	s.addSystemLog("error: " + msg)
}

// addSystemLog records text unless the same text was logged under 2 s ago.
func (s *Session) addSystemLog(text string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSys.Text == text && now.Sub(s.lastSys.At) <= systemLogDedupe {
		return
	}
	line := LogLine{At: now, Text: text}
	s.lastSys = line
	s.sysLog = append([]LogLine{line}, s.sysLog...)
	if len(s.sysLog) > systemLogCap {
		s.sysLog = s.sysLog[:systemLogCap]
	}
}

func (s *Session) record(entity, typ string, payload any) {
	s.recordAt(entity, typ, payload, s.now())
}

func (s *Session) recordAt(entity, typ string, payload any, at time.Time) {
	if s.opts.Events == nil {
		return
	}
	ev := store.NewEvent{Entity: entity, Type: typ, Actor: "Gateway", At: at}
	if entity == "status" {
		ev.Actor = "Agent"
	}
	ev.Payload = payload
	if _, err := s.opts.Events.LogEvent(ev); err != nil {
		logger.Warn("activity log write failed", "err", err)
	}
}

// isBoardEvent matches task, note, deliverable and schedule changes.
func isBoardEvent(name string) bool {
	for _, prefix := range []string{"task.", "note.", "deliverable.", "schedule."} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
