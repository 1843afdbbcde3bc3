package gena

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/monitoring"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

// DefaultInitialNotifyTimeout bounds the initial event sent over the
// SUBSCRIBE connection.
const DefaultInitialNotifyTimeout = time.Second

// DefaultMaxQueue bounds the events waiting for one subscriber. A subscriber
// falling further behind is dropped.
const DefaultMaxQueue = 64

// SubscribeRequest is a parsed subscription request.
type SubscribeRequest struct {
	Callbacks []*url.URL
	// Timeout is the requested lifetime; 0 means none requested.
	Timeout time.Duration
}

// SubscriberInfo describes a subscriber record.
type SubscriberInfo struct {
	SID       string
	Service   string
	Callbacks []string
	Timeout   time.Duration
	Expires   time.Time
	// Seq is the sequence number of the next event.
	Seq uint32
}

type subscriber struct {
	sid       string
	svc       *upnp.Service
	callbacks []*url.URL
	timeout   time.Duration
	expires   time.Time
	timer     *time.Timer
	seq       atomic.Uint32

	qmu     sync.Mutex
	queue   [][]byte
	initial []byte
	sending bool
	closed  bool
}

func (s *subscriber) callbackKey() string {
	parts := make([]string, len(s.callbacks))
	for i, u := range s.callbacks {
		parts[i] = u.String()
	}
	return strings.Join(parts, " ")
}

// Publisher is the device-side registry of event subscribers.
type Publisher struct {
	client         *transport.Client
	timeout        time.Duration
	initialTimeout time.Duration
	maxQueue       int
	metrics        *monitoring.Metrics
	now            func() time.Time

	mu   sync.Mutex
	subs map[string]*subscriber

	watchMu sync.Mutex
	watches map[*upnp.Service]func()

	wg sync.WaitGroup
}

type PublisherOption func(*Publisher)

// WithSubscriptionTimeout forces every subscription to the given lifetime,
// ignoring the requested one.
func WithSubscriptionTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.timeout = d }
}

func WithInitialNotifyTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.initialTimeout = d }
}

// WithMaxQueue sets how many events may wait for one subscriber.
func WithMaxQueue(n int) PublisherOption {
	return func(p *Publisher) { p.maxQueue = n }
}

func WithPublisherMetrics(m *monitoring.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

func withClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

func NewPublisher(client *transport.Client, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		client:         client,
		initialTimeout: DefaultInitialNotifyTimeout,
		maxQueue:       DefaultMaxQueue,
		now:            time.Now,
		subs:           make(map[string]*subscriber),
		watches:        make(map[*upnp.Service]func()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// resolveTimeout applies the configured timeout, else the requested one
// clamped, else DefaultTimeout.
func (p *Publisher) resolveTimeout(requested time.Duration) time.Duration {
	switch {
	case p.timeout > 0:
		return ClampTimeout(p.timeout)
	case requested > 0:
		return ClampTimeout(requested)
	default:
		return DefaultTimeout
	}
}

// AddSubscriber registers a subscriber of svc and prepares its initial
// event. A second subscription with the same callbacks is rejected.
func (p *Publisher) AddSubscriber(svc *upnp.Service, req SubscribeRequest) (sid string, timeout time.Duration, err error) {
	if len(req.Callbacks) == 0 {
		return "", 0, fmt.Errorf("%w: no callback", ErrPreconditionFailed)
	}
	p.watch(svc)

	s := &subscriber{
		sid:       "uuid:" + uuid.NewString(),
		svc:       svc,
		callbacks: req.Callbacks,
		timeout:   p.resolveTimeout(req.Timeout),
		sending:   true,
	}
	key := s.callbackKey()

	// register under the state lock so no change slips between the
	// initial snapshot and the first queued event
	svc.WithEvented(func(props []upnp.Property) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sweep()
		for _, o := range p.subs {
			if o.svc == svc && o.callbackKey() == key {
				err = fmt.Errorf("%w: already subscribed sid=%s", ErrPreconditionFailed, o.sid)
				return
			}
		}
		s.initial = upnp.EncodePropertySet(props)
		s.expires = p.now().Add(s.timeout)
		s.timer = time.AfterFunc(s.timeout, func() { p.expire(s.sid) })
		p.subs[s.sid] = s
	})
	if err != nil {
		p.metrics.RecordSubscription(false)
		return "", 0, err
	}
	p.metrics.RecordSubscription(true)
	log.Debug("subscriber added sid=%s service=%s callback=%s timeout=%s", s.sid, svc.Key(), key, s.timeout)
	return s.sid, s.timeout, nil
}

// RenewSubscription extends sid. Expired records are swept first.
func (p *Publisher) RenewSubscription(sid string, requested time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweep()
	s, ok := p.subs[sid]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, sid)
	}
	s.timeout = p.resolveTimeout(requested)
	s.expires = p.now().Add(s.timeout)
	s.timer.Reset(s.timeout)
	log.Debug("subscriber renewed sid=%s timeout=%s", sid, s.timeout)
	return s.timeout, nil
}

// RemoveSubscriber drops sid. Expired records are swept first.
func (p *Publisher) RemoveSubscriber(sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweep()
	s, ok := p.subs[sid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, sid)
	}
	p.drop(s)
	log.Debug("subscriber removed sid=%s", sid)
	return nil
}

// RemoveService drops every subscriber of svc and stops watching it.
func (p *Publisher) RemoveService(svc *upnp.Service) {
	p.watchMu.Lock()
	if cancel, ok := p.watches[svc]; ok {
		cancel()
		delete(p.watches, svc)
	}
	p.watchMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs {
		if s.svc == svc {
			p.drop(s)
		}
	}
}

// Subscribers lists the records of svc, or all records when svc is nil.
func (p *Publisher) Subscribers(svc *upnp.Service) []SubscriberInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SubscriberInfo
	for _, s := range p.subs {
		if svc != nil && s.svc != svc {
			continue
		}
		info := SubscriberInfo{
			SID:     s.sid,
			Service: s.svc.Key(),
			Timeout: s.timeout,
			Expires: s.expires,
			Seq:     s.seq.Load(),
		}
		for _, u := range s.callbacks {
			info.Callbacks = append(info.Callbacks, u.String())
		}
		out = append(out, info)
	}
	return out
}

// Close drops every record and waits for deliveries in flight.
func (p *Publisher) Close() {
	p.watchMu.Lock()
	for svc, cancel := range p.watches {
		cancel()
		delete(p.watches, svc)
	}
	p.watchMu.Unlock()

	p.mu.Lock()
	for _, s := range p.subs {
		p.drop(s)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// drop removes s; p.mu must be held.
func (p *Publisher) drop(s *subscriber) {
	delete(p.subs, s.sid)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.qmu.Lock()
	s.closed = true
	s.queue = nil
	s.qmu.Unlock()
}

// sweep drops expired records; p.mu must be held.
func (p *Publisher) sweep() {
	now := p.now()
	for _, s := range p.subs {
		if now.After(s.expires) {
			log.Debug("subscriber expired sid=%s", s.sid)
			p.drop(s)
		}
	}
}

func (p *Publisher) expire(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[sid]; ok && !p.now().Before(s.expires) {
		log.Debug("subscriber expired sid=%s", sid)
		p.drop(s)
	}
}

func (p *Publisher) watch(svc *upnp.Service) {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if _, ok := p.watches[svc]; ok {
		return
	}
	p.watches[svc] = svc.OnChange(func(props []upnp.Property) {
		body := upnp.EncodePropertySet(props)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, s := range p.subs {
			if s.svc == svc && !p.enqueue(s, body) {
				log.Info("subscriber dropped sid=%s: more than %d events pending", s.sid, p.maxQueue)
				p.drop(s)
			}
		}
	})
}

// enqueue queues body for s and reports false when the queue is full.
func (p *Publisher) enqueue(s *subscriber, body []byte) bool {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return true
	}
	if p.maxQueue > 0 && len(s.queue) >= p.maxQueue {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, body)
	start := !s.sending
	s.sending = true
	s.qmu.Unlock()
	if start {
		p.wg.Add(1)
		go p.drain(s)
	}
	return true
}

// drain delivers queued events one at a time until the queue is empty.
func (p *Publisher) drain(s *subscriber) {
	defer p.wg.Done()
	for {
		s.qmu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.sending = false
			s.qmu.Unlock()
			return
		}
		body := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		p.deliver(s, body)
	}
}

func notifyRequest(s *subscriber, u *url.URL, seq uint32, body []byte) *transport.Message {
	req := transport.NewRequest("NOTIFY", u.RequestURI(), body)
	req.Header.Set("HOST", u.Host)
	req.Header.Set("CONTENT-TYPE", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", upnp.NTEvent)
	req.Header.Set("NTS", upnp.NTSPropChange)
	req.Header.Set("SID", s.sid)
	req.Header.Set("SEQ", strconv.FormatUint(uint64(seq), 10))
	return req
}

// deliver sends one event, trying the callbacks in order while they are
// unreachable. The sequence number advances only on success.
func (p *Publisher) deliver(s *subscriber, body []byte) bool {
	seq := s.seq.Load()
	var err error
	for _, u := range s.callbacks {
		ctx, cancel := context.WithTimeout(context.Background(), p.deliveryTimeout())
		var resp *transport.Message
		resp, err = p.client.Do(ctx, u, notifyRequest(s, u, seq, body))
		cancel()
		if err == nil && !resp.StatusOK() {
			err = fmt.Errorf("callback %s answered %d", u, resp.Header.StatusCode)
		}
		if err == nil {
			s.seq.Store(NextSeq(seq))
			p.metrics.RecordNotify(true)
			log.Debug("notify delivered sid=%s seq=%d callback=%s", s.sid, seq, u)
			return true
		}
		if !errors.Is(err, transport.ErrConnect) {
			break
		}
	}
	p.metrics.RecordNotify(false)
	log.Info("notify failed sid=%s seq=%d err=%v", s.sid, seq, err)
	return false
}

func (p *Publisher) deliveryTimeout() time.Duration {
	if p.client != nil && p.client.ReadTimeout > 0 {
		return p.client.ReadTimeout + transport.DefaultDialTimeout
	}
	return transport.DefaultReadTimeout + transport.DefaultDialTimeout
}

// InitialNotify sends the initial event (SEQ 0) of sid over conn, the
// connection the SUBSCRIBE arrived on, with a short timeout. When conn is nil
// or the attempt fails the event is queued for normal delivery.
func (p *Publisher) InitialNotify(sid string, conn *transport.Conn) {
	p.mu.Lock()
	s, ok := p.subs[sid]
	p.mu.Unlock()
	if !ok {
		return
	}

	s.qmu.Lock()
	body := s.initial
	s.initial = nil
	s.qmu.Unlock()
	if body == nil {
		return
	}

	delivered := false
	if conn != nil {
		u := s.callbacks[0]
		old := conn.ReadTimeout
		conn.ReadTimeout = p.initialTimeout
		resp, err := conn.RoundTrip(notifyRequest(s, u, 0, body))
		conn.ReadTimeout = old
		if err == nil && resp.StatusOK() {
			s.seq.Store(1)
			delivered = true
			p.metrics.RecordNotify(true)
			log.Debug("initial notify delivered over subscribe connection sid=%s", sid)
		} else {
			log.Debug("initial notify over subscribe connection failed sid=%s err=%v", sid, err)
		}
	}

	// put the initial event ahead of anything queued meanwhile
	s.qmu.Lock()
	if !delivered && !s.closed {
		s.queue = append([][]byte{body}, s.queue...)
	}
	start := !s.closed && len(s.queue) > 0
	s.sending = start
	s.qmu.Unlock()
	if start {
		p.wg.Add(1)
		go p.drain(s)
	}
}
