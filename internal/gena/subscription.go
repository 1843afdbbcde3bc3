package gena

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

const pendingNotifyWait = time.Second

// State of a control-point subscription.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateRenewing
	StateUnsubscribing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateRenewing:
		return "renewing"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the outcome signalled to a Listener after every operation.
type Status int

const (
	StatusSubscribed Status = iota
	StatusRenewed
	StatusUnsubscribed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSubscribed:
		return "subscribed"
	case StatusRenewed:
		return "renewed"
	case StatusUnsubscribed:
		return "unsubscribed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Listener observes a subscription.
type Listener interface {
	// SubscriptionChanged reports the end of an operation; err is set with
	// StatusFailed and may be set with StatusUnsubscribed.
	SubscriptionChanged(sub *Subscription, status Status, err error)
	// EventReceived reports an accepted event after it was applied to the
	// service.
	EventReceived(sub *Subscription, seq uint32, vars upnp.Arguments)
}

// Timer is the part of *time.Timer a subscription uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type op int

const (
	opNone op = iota
	opSubscribe
	opRenew
	opUnsubscribe
	opResubscribe
)

func (o op) String() string {
	return [...]string{"none", "subscribe", "renew", "unsubscribe", "resubscribe"}[o]
}

// Subscription is one control-point subscription to a remote service's
// events. Operations run one at a time on a background goroutine; a request
// made while one is in flight waits in a single slot, later requests
// replacing it.
type Subscription struct {
	id        string
	svc       *upnp.Service
	locations []*url.URL
	callback  string
	client    *transport.Client
	requested time.Duration
	listener  Listener
	afterFunc AfterFunc
	onSID     func(sub *Subscription, old, sid string)

	mu      sync.Mutex
	state   State
	sid     string
	timeout time.Duration
	loc     int
	cur     op
	next    op
	timer   Timer
	closed  bool
	pending chan struct{}

	notifyMu sync.Mutex
	// eventMu orders listener calls; taken before notifyMu.
	eventMu  sync.Mutex
	seq      uint32
}

type SubscriptionOption func(*Subscription)

// WithRequestedTimeout sets the TIMEOUT sent with SUBSCRIBE and renewals.
func WithRequestedTimeout(d time.Duration) SubscriptionOption {
	return func(s *Subscription) { s.requested = ClampTimeout(d) }
}

// WithAfterFunc replaces time.AfterFunc for renewal scheduling.
func WithAfterFunc(f AfterFunc) SubscriptionOption {
	return func(s *Subscription) { s.afterFunc = f }
}

func withSIDHook(f func(sub *Subscription, old, sid string)) SubscriptionOption {
	return func(s *Subscription) { s.onSID = f }
}

// NewSubscription prepares a subscription of svc, the local mirror of the
// remote service. locations are the candidate event URLs in preference order;
// callback is the URL sent in CALLBACK.
func NewSubscription(client *transport.Client, svc *upnp.Service, locations []*url.URL, callback string, l Listener, opts ...SubscriptionOption) *Subscription {
	s := &Subscription{
		id:        uuid.NewString(),
		svc:       svc,
		locations: locations,
		callback:  callback,
		client:    client,
		requested: DefaultTimeout,
		listener:  l,
		afterFunc: realAfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID is the process-local identifier, distinct from the SID.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Service() *upnp.Service { return s.svc }

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) SID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// Timeout is the lifetime granted by the device.
func (s *Subscription) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// ExpectedSeq is the SEQ the next accepted event must carry.
func (s *Subscription) ExpectedSeq() uint32 {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	return s.seq
}

// Subscribe requests a subscription. It is a no-op once subscribed.
func (s *Subscription) Subscribe() { s.request(opSubscribe) }

// Renew requests a renewal of the current subscription.
func (s *Subscription) Renew() { s.request(opRenew) }

// Resubscribe drops the current subscription and subscribes again.
func (s *Subscription) Resubscribe() { s.request(opResubscribe) }

// Unsubscribe cancels the subscription. An idle subscription does nothing.
func (s *Subscription) Unsubscribe() { s.request(opUnsubscribe) }

// Close unsubscribes and refuses further operations.
func (s *Subscription) Close() {
	s.request(opUnsubscribe)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Subscription) request(o op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.cur != opNone {
		if o != opRenew || s.next == opNone {
			s.next = o
		}
		return
	}
	if o == opUnsubscribe && s.sid == "" {
		return
	}
	s.cur = o
	go s.run()
}

func (s *Subscription) run() {
	for {
		s.mu.Lock()
		o := s.cur
		s.mu.Unlock()

		s.execute(o)

		s.mu.Lock()
		s.cur, s.next = s.next, opNone
		if s.cur == opUnsubscribe && s.sid == "" {
			s.cur = opNone
		}
		done := s.cur == opNone
		s.mu.Unlock()
		if done {
			return
		}
	}
}

func (s *Subscription) execute(o op) {
	ctx := context.Background()
	log.Debug("subscription op id=%s op=%s sid=%s", s.id, o, s.SID())
	switch o {
	case opSubscribe:
		s.subscribe(ctx)
	case opRenew:
		s.renew(ctx)
	case opUnsubscribe:
		s.unsubscribe(ctx)
	case opResubscribe:
		if s.SID() != "" {
			// the device may still hold the old subscription
			_, _ = s.send(ctx, s.unsubscribeRequest(s.SID()))
			s.reset()
		}
		s.subscribe(ctx)
	}
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.state = StateFailed
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	log.Info("subscription failed id=%s service=%s err=%v", s.id, s.svc.ServiceID, err)
	s.listener.SubscriptionChanged(s, StatusFailed, err)
}

// settle releases events waiting on the SUBSCRIBE in flight.
func (s *Subscription) settle() {
	s.mu.Lock()
	if s.pending != nil {
		close(s.pending)
		s.pending = nil
	}
	s.mu.Unlock()
}

// awaitSubscribe holds an event that raced the SUBSCRIBE response until the
// SID is known, for at most pendingNotifyWait.
func (s *Subscription) awaitSubscribe() {
	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch == nil {
		return
	}
	t := time.NewTimer(pendingNotifyWait)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
	}
}

// reset forgets the SID and returns to Idle.
func (s *Subscription) reset() {
	s.notifyMu.Lock()
	s.mu.Lock()
	old := s.sid
	s.sid, s.timeout, s.state = "", 0, StateIdle
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.seq = 0
	s.notifyMu.Unlock()
	if old != "" && s.onSID != nil {
		s.onSID(s, old, "")
	}
}

// arm schedules the renewal at half the granted timeout; s.mu must be held.
func (s *Subscription) arm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.afterFunc(s.timeout/2, s.Renew)
}

type builder func(u *url.URL) *transport.Message

// send performs one exchange against the current location, moving to the
// next location on connect failures for up to two rounds.
func (s *Subscription) send(ctx context.Context, build builder) (*transport.Message, error) {
	n := len(s.locations)
	if n == 0 {
		return nil, ErrNoLocations
	}
	var err error
	for attempt := 0; attempt < 2*n; attempt++ {
		s.mu.Lock()
		u := s.locations[s.loc]
		s.mu.Unlock()

		var resp *transport.Message
		resp, err = s.client.Do(ctx, u, build(u))
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, transport.ErrConnect) {
			return nil, err
		}
		log.Debug("event location unreachable id=%s url=%s err=%v", s.id, u, err)
		s.mu.Lock()
		s.loc = (s.loc + 1) % n
		s.mu.Unlock()
	}
	return nil, fmt.Errorf("all %d event locations failed: %w", n, err)
}

func (s *Subscription) subscribeRequest(u *url.URL) *transport.Message {
	req := transport.NewRequest("SUBSCRIBE", u.RequestURI(), nil)
	req.Header.Set("CALLBACK", FormatCallbacks(s.callback))
	req.Header.Set("NT", upnp.NTEvent)
	req.Header.Set("TIMEOUT", FormatTimeout(s.requested))
	return req
}

func (s *Subscription) renewRequest(sid string) builder {
	return func(u *url.URL) *transport.Message {
		req := transport.NewRequest("SUBSCRIBE", u.RequestURI(), nil)
		req.Header.Set("SID", sid)
		req.Header.Set("TIMEOUT", FormatTimeout(s.requested))
		return req
	}
}

func (s *Subscription) unsubscribeRequest(sid string) builder {
	return func(u *url.URL) *transport.Message {
		req := transport.NewRequest("UNSUBSCRIBE", u.RequestURI(), nil)
		req.Header.Set("SID", sid)
		return req
	}
}

func responseError(resp *transport.Message) error {
	if !resp.StatusOK() {
		return fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.Header.StatusCode)
	}
	return nil
}

func (s *Subscription) subscribe(ctx context.Context) {
	if s.SID() != "" {
		return
	}
	s.mu.Lock()
	s.state, s.pending = StateSubscribing, make(chan struct{})
	s.mu.Unlock()
	defer s.settle()

	resp, err := s.send(ctx, s.subscribeRequest)
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		s.fail(err)
		return
	}
	sid := resp.Header.Get("SID")
	timeout, ok := ParseTimeout(resp.Header.Get("TIMEOUT"))
	if sid == "" || !ok {
		s.fail(fmt.Errorf("%w: sid=%q timeout=%q", ErrInvalidResponse, sid, resp.Header.Get("TIMEOUT")))
		return
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	s.sid, s.timeout, s.state = sid, timeout, StateSubscribed
	s.arm()
	s.mu.Unlock()
	s.seq = 0
	s.notifyMu.Unlock()

	if s.onSID != nil {
		s.onSID(s, "", sid)
	}
	log.Info("subscribed id=%s service=%s sid=%s timeout=%s", s.id, s.svc.ServiceID, sid, timeout)
	s.listener.SubscriptionChanged(s, StatusSubscribed, nil)
}

func (s *Subscription) renew(ctx context.Context) {
	sid := s.SID()
	if sid == "" {
		s.subscribe(ctx)
		return
	}
	s.setState(StateRenewing)
	resp, err := s.send(ctx, s.renewRequest(sid))
	if err == nil {
		err = responseError(resp)
	}
	if err != nil {
		s.reset()
		s.fail(err)
		return
	}
	if got := resp.Header.Get("SID"); got != "" && got != sid {
		log.Info("renewal answered with another sid id=%s sid=%s got=%s", s.id, sid, got)
		s.reset()
		s.subscribe(ctx)
		return
	}
	timeout, ok := ParseTimeout(resp.Header.Get("TIMEOUT"))
	if !ok {
		timeout = s.Timeout()
	}

	s.mu.Lock()
	s.timeout, s.state = timeout, StateSubscribed
	s.arm()
	s.mu.Unlock()

	log.Debug("renewed id=%s sid=%s timeout=%s", s.id, sid, timeout)
	s.listener.SubscriptionChanged(s, StatusRenewed, nil)
}

func (s *Subscription) unsubscribe(ctx context.Context) {
	sid := s.SID()
	if sid == "" {
		return
	}
	s.setState(StateUnsubscribing)
	resp, err := s.send(ctx, s.unsubscribeRequest(sid))
	if err == nil {
		err = responseError(resp)
	}
	s.reset()
	if err != nil {
		log.Debug("unsubscribe failed id=%s sid=%s err=%v", s.id, sid, err)
	}
	s.listener.SubscriptionChanged(s, StatusUnsubscribed, err)
}

// HandleNotify processes an inbound event. A foreign SID is refused with
// ErrSIDMismatch. An unexpected SEQ discards the event and triggers a
// resubscription; the event is still acknowledged. An event whose values do
// not parse is acknowledged and consumes its SEQ but is not reported to the
// listener. The listener runs without the subscription locks held, one event
// at a time.
func (s *Subscription) HandleNotify(sid string, seq uint32, props []upnp.Property) error {
	s.awaitSubscribe()

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.notifyMu.Lock()
	if cur := s.SID(); sid == "" || sid != cur {
		s.notifyMu.Unlock()
		return fmt.Errorf("%w: got %q want %q", ErrSIDMismatch, sid, cur)
	}
	if seq != s.seq {
		want := s.seq
		s.notifyMu.Unlock()
		log.Info("event out of sequence id=%s sid=%s seq=%d want=%d", s.id, sid, seq, want)
		s.request(opResubscribe)
		return nil
	}
	s.seq = NextSeq(s.seq)
	vars, err := s.svc.ApplyEvent(props)
	s.notifyMu.Unlock()

	switch {
	case errors.Is(err, upnp.ErrUnknownVariable):
		log.Debug("event partially applied id=%s sid=%s err=%v", s.id, sid, err)
	case err != nil:
		log.Info("event dropped id=%s sid=%s seq=%d err=%v", s.id, sid, seq, err)
		return nil
	}
	s.listener.EventReceived(s, seq, vars)
	return nil
}
