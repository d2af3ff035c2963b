// Package activity turns the gateway's event stream into one coarse agent
// status with debounce and time decay.
package activity

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/opclaw/internal/gateway"
	"github.com/ehrlich-b/opclaw/internal/logger"
)

// Status is the displayed agent status.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusIdle     Status = "idle"
	StatusReading  Status = "reading"
	StatusThinking Status = "thinking"
	StatusWorking  Status = "working"
	StatusError    Status = "error"
	StatusReplied  Status = "replied"
)

// ParseStatus accepts the states a peer may assert through presence.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusIdle, StatusThinking, StatusWorking, StatusError:
		return Status(s), true
	}
	return "", false
}

// Timings are the classifier's delays.
type Timings struct {
	Debounce      time.Duration // same status again within this window is dropped
	ReadingTTL    time.Duration
	EscalateAfter time.Duration // reading -> working
	WorkingTTL    time.Duration
	RepliedTTL    time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		Debounce:      1500 * time.Millisecond,
		ReadingTTL:    3 * time.Second,
		EscalateAfter: 3 * time.Second,
		WorkingTTL:    8 * time.Second,
		RepliedTTL:    4 * time.Second,
	}
}

const statusLogCap = 50

// LogEntry is one line of the status log.
type LogEntry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Change is delivered to OnChange for every status that survives debounce.
type Change struct {
	Status Status
	Source string // event that led here, if any
	At     time.Time
}

var inboundPattern = regexp.MustCompile(`message|inbound|dm|telegram|whatsapp|signal|imessage`)

// Classifier is safe for concurrent use. Time only moves when the caller says
// so, through Observe, Advance, MarkActivity or Run.
type Classifier struct {
	// OnChange is called without the lock held, in emission order.
	OnChange func(Change)

	timings Timings
	wake    chan struct{}

	mu           sync.Mutex
	status       Status
	lastEmitted  Status
	lastEmitAt   time.Time
	lastActivity time.Time
	runActive    bool
	replyPending bool
	lastEvent    string
	log          []LogEntry
	sched        *scheduler
	changes      []Change
}

func New(t Timings) *Classifier {
	return &Classifier{
		timings: t,
		wake:    make(chan struct{}, 1),
		status:  StatusUnknown,
		sched:   newScheduler(),
	}
}

// Status returns the current status.
func (c *Classifier) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Log returns a copy of the status log, newest first.
func (c *Classifier) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]LogEntry(nil), c.log...)
}

// LastEvent returns the name of the last event observed.
func (c *Classifier) LastEvent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// NextDeadline returns when the next timer is due.
func (c *Classifier) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched.next()
}

// Reset drops pending timers and returns to unknown, as after a disconnect.
// The status log is kept.
func (c *Classifier) Reset() {
	c.mu.Lock()
	c.sched.cancelAll()
	c.status = StatusUnknown
	c.lastEmitted = ""
	c.lastEmitAt = time.Time{}
	c.runActive = false
	c.replyPending = false
	c.mu.Unlock()
	c.poke()
}

// Observe feeds one gateway frame at time now. Timers due by now run first.
func (c *Classifier) Observe(f gateway.Frame, now time.Time) {
	c.mu.Lock()
	c.sched.advance(now)
	c.observe(f, now)
	changes := c.takeChanges()
	c.mu.Unlock()

	c.notify(changes)
	c.poke()
}

// Advance runs every timer due at or before now.
func (c *Classifier) Advance(now time.Time) {
	c.mu.Lock()
	c.sched.advance(now)
	changes := c.takeChanges()
	c.mu.Unlock()

	c.notify(changes)
}

// MarkActivity reports activity seen outside the event stream, such as a
// burst of new board events. The status decays to idle after ttl.
func (c *Classifier) MarkActivity(s Status, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	c.sched.advance(now)
	c.emit(s, ttl, now)
	changes := c.takeChanges()
	c.mu.Unlock()

	c.notify(changes)
	c.poke()
}

// Run consumes frames until ctx is done or frames is closed, firing timers
// on the wall clock.
func (c *Classifier) Run(ctx context.Context, frames <-chan gateway.Frame) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		c.arm(timer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			c.Observe(f, time.Now())
		case <-timer.C:
			c.Advance(time.Now())
		case <-c.wake:
		}
	}
}

func (c *Classifier) arm(timer *time.Timer) {
	d := time.Hour
	if at, ok := c.NextDeadline(); ok {
		d = max(time.Until(at), 0)
	}
	timer.Reset(d)
}

func (c *Classifier) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Classifier) observe(f gateway.Frame, now time.Time) {
	if f.Type == gateway.FrameRes {
		if f.Succeeded() {
			c.observeHello(f, now)
		}
		return
	}
	if f.Type != gateway.FrameEvent || f.Event == "" {
		return
	}
	c.lastEvent = f.Event

	switch f.Event {
	case "presence":
		if s, ok := presenceState(f.Body()); ok {
			c.override(s, now)
		}
	case "health", "tick":
	case "agent":
		c.runActive = true
		if !c.replyPending {
			c.markInbound(now)
		}
	case "chat":
		if chatState(f) == "final" {
			c.sched.cancelAll()
			c.runActive = false
			c.replyPending = false
			c.emit(StatusReplied, c.timings.RepliedTTL, now)
		}
	default:
		if !c.replyPending && isInbound(f) {
			c.markInbound(now)
		}
	}
}

// observeHello applies the presence snapshot carried by hello-ok.
func (c *Classifier) observeHello(f gateway.Frame, now time.Time) {
	var hello struct {
		Type     string `json:"type"`
		Snapshot struct {
			Presence json.RawMessage `json:"presence"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(f.Payload, &hello); err != nil || hello.Type != gateway.PayloadHelloOK {
		return
	}
	p := hello.Snapshot.Presence
	var list []struct {
		State string `json:"state"`
	}
	if json.Unmarshal(p, &list) == nil {
		if len(list) > 0 {
			if s, ok := ParseStatus(list[0].State); ok {
				c.override(s, now)
			}
		}
		return
	}
	var one struct {
		State string `json:"state"`
	}
	if json.Unmarshal(p, &one) == nil {
		if s, ok := ParseStatus(one.State); ok {
			c.override(s, now)
		}
	}
}

// override applies a peer-asserted status. It cancels local escalation. It is
// not activity: a pending decay stays armed against the last activity time.
func (c *Classifier) override(s Status, now time.Time) {
	c.sched.cancel(concernEscalate)
	if s == StatusIdle {
		c.sched.cancel(concernDecay)
		c.runActive = false
		c.replyPending = false
	}
	if s == c.status {
		return
	}
	c.set(s, now)
}

// markInbound models the agent noticing a message and starting to compose.
func (c *Classifier) markInbound(now time.Time) {
	c.replyPending = true
	c.sched.cancel(concernEscalate, concernDecay)
	c.emit(StatusReading, c.timings.ReadingTTL, now)
	c.sched.schedule(concernEscalate, now.Add(c.timings.EscalateAfter), func(at time.Time) {
		c.emit(StatusWorking, c.timings.WorkingTTL, at)
	})
}

// emit sets s unless the same status went out under Debounce ago. A positive
// ttl schedules decay to idle.
func (c *Classifier) emit(s Status, ttl time.Duration, now time.Time) {
	if s == c.lastEmitted && !c.lastEmitAt.IsZero() && now.Sub(c.lastEmitAt) < c.timings.Debounce {
		return
	}
	c.lastActivity = now
	c.set(s, now)

	if ttl <= 0 {
		return
	}
	c.sched.schedule(concernDecay, now.Add(ttl), func(at time.Time) {
		if c.runActive || at.Sub(c.lastActivity) < ttl {
			return
		}
		// The expected reply never came; let the next message start over.
		c.replyPending = false
		c.emit(StatusIdle, 0, at)
	})
}

// set records s as the current status and queues the change.
func (c *Classifier) set(s Status, now time.Time) {
	c.lastEmitted = s
	c.lastEmitAt = now
	c.status = s

	text := string(s)
	if c.lastEvent != "" {
		text += " (" + c.lastEvent + ")"
	}
	c.log = append([]LogEntry{{At: now, Text: text}}, c.log...)
	if len(c.log) > statusLogCap {
		c.log = c.log[:statusLogCap]
	}
	c.changes = append(c.changes, Change{Status: s, Source: c.lastEvent, At: now})
	logger.Debug("agent status", "status", s, "source", c.lastEvent)
}

func (c *Classifier) takeChanges() []Change {
	out := c.changes
	c.changes = nil
	return out
}

func (c *Classifier) notify(changes []Change) {
	if c.OnChange == nil {
		return
	}
	for _, ch := range changes {
		c.OnChange(ch)
	}
}

func presenceState(body json.RawMessage) (Status, bool) {
	var p struct {
		State    string `json:"state"`
		Presence *struct {
			State string `json:"state"`
		} `json:"presence"`
	}
	if json.Unmarshal(body, &p) != nil {
		return "", false
	}
	state := p.State
	if state == "" && p.Presence != nil {
		state = p.Presence.State
	}
	return ParseStatus(state)
}

func chatState(f gateway.Frame) string {
	for _, raw := range []json.RawMessage{f.Payload, f.Data} {
		var v struct {
			State string `json:"state"`
		}
		if len(raw) > 0 && json.Unmarshal(raw, &v) == nil && v.State != "" {
			return v.State
		}
	}
	return ""
}

// isInbound matches events that look like a human message arriving.
func isInbound(f gateway.Frame) bool {
	if inboundPattern.MatchString(strings.ToLower(f.Event)) {
		return true
	}
	body := f.Body()
	if len(body) == 0 {
		return false
	}
	return inboundPattern.Match([]byte(strings.ToLower(string(body))))
}
