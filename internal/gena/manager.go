package gena

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/monitoring"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

// Manager owns the subscriptions of a control point and routes inbound
// NOTIFY requests to them.
type Manager struct {
	client       *transport.Client
	callbackBase string
	opts         []SubscriptionOption
	metrics      *monitoring.Metrics

	mu      sync.RWMutex
	byID    map[string]*Subscription
	bySID   map[string]*Subscription
	byOwner map[string]map[string]*Subscription
}

type ManagerOption func(*Manager)

// WithSubscriptionOptions applies opts to every subscription created.
func WithSubscriptionOptions(opts ...SubscriptionOption) ManagerOption {
	return func(m *Manager) { m.opts = append(m.opts, opts...) }
}

func WithManagerMetrics(mt *monitoring.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager returns a manager whose callback URLs are callbackBase followed
// by the subscription ID, e.g. "http://10.0.0.2:8058/callback/".
func NewManager(client *transport.Client, callbackBase string, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:       client,
		callbackBase: strings.TrimSuffix(callbackBase, "/") + "/",
		byID:         make(map[string]*Subscription),
		bySID:        make(map[string]*Subscription),
		byOwner:      make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add creates a subscription of svc owned by owner (typically a device UDN).
// It does not subscribe yet.
func (m *Manager) Add(owner string, svc *upnp.Service, locations []*url.URL, l Listener) *Subscription {
	opts := append(append([]SubscriptionOption(nil), m.opts...), withSIDHook(m.rekey))
	sub := NewSubscription(m.client, svc, locations, "", &meteredListener{Listener: l, metrics: m.metrics}, opts...)
	sub.callback = m.callbackBase + sub.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[sub.ID()] = sub
	if m.byOwner[owner] == nil {
		m.byOwner[owner] = make(map[string]*Subscription)
	}
	m.byOwner[owner][sub.ID()] = sub
	return sub
}

func (m *Manager) rekey(sub *Subscription, old, sid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old != "" && m.bySID[old] == sub {
		delete(m.bySID, old)
	}
	if sid != "" {
		m.bySID[sid] = sub
	}
}

// Get returns the subscription with local ID id.
func (m *Manager) Get(id string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// BySID returns the subscription currently holding sid.
func (m *Manager) BySID(sid string) *Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bySID[sid]
}

// Remove unsubscribes id and forgets it.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	sub := m.byID[id]
	delete(m.byID, id)
	for owner, subs := range m.byOwner {
		delete(subs, id)
		if len(subs) == 0 {
			delete(m.byOwner, owner)
		}
	}
	m.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// RemoveOwner unsubscribes and forgets every subscription of owner.
func (m *Manager) RemoveOwner(owner string) {
	m.mu.Lock()
	subs := m.byOwner[owner]
	delete(m.byOwner, owner)
	for id := range subs {
		delete(m.byID, id)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

// Close unsubscribes everything.
func (m *Manager) Close() {
	m.mu.Lock()
	owners := make([]string, 0, len(m.byOwner))
	for owner := range m.byOwner {
		owners = append(owners, owner)
	}
	m.mu.Unlock()
	for _, owner := range owners {
		m.RemoveOwner(owner)
	}
}

// HandleNotify validates an inbound NOTIFY addressed to subscription id
// (empty to route by SID) and hands it to the subscription. The returned
// error maps onto the HTTP status through StatusCode.
func (m *Manager) HandleNotify(id string, h *transport.Header, body []byte) error {
	nt, nts, sid := h.Get("NT"), h.Get("NTS"), h.Get("SID")
	if nt == "" || nts == "" {
		return fmt.Errorf("%w: missing NT or NTS", ErrBadRequest)
	}
	if nt != upnp.NTEvent || nts != upnp.NTSPropChange || sid == "" {
		return fmt.Errorf("%w: nt=%q nts=%q sid=%q", ErrPreconditionFailed, nt, nts, sid)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(h.Get("SEQ")), 10, 32)
	if err != nil {
		return fmt.Errorf("%w: seq %q", ErrBadRequest, h.Get("SEQ"))
	}

	var sub *Subscription
	if id != "" {
		sub = m.Get(id)
	} else {
		sub = m.BySID(sid)
	}
	if sub == nil {
		return fmt.Errorf("%w: no subscription id=%q sid=%q", ErrPreconditionFailed, id, sid)
	}

	props, err := upnp.DecodePropertySet(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := sub.HandleNotify(sid, uint32(seq), props); err != nil {
		log.Debug("notify refused id=%s sid=%s err=%v", sub.ID(), sid, err)
		return err
	}
	return nil
}

type meteredListener struct {
	Listener
	metrics *monitoring.Metrics
}

func (l *meteredListener) SubscriptionChanged(sub *Subscription, status Status, err error) {
	switch status {
	case StatusSubscribed:
		l.metrics.RecordSubscription(true)
	case StatusFailed:
		l.metrics.RecordSubscription(false)
	}
	if l.Listener != nil {
		l.Listener.SubscriptionChanged(sub, status, err)
	}
}

func (l *meteredListener) EventReceived(sub *Subscription, seq uint32, vars upnp.Arguments) {
	l.metrics.RecordEvent()
	if l.Listener != nil {
		l.Listener.EventReceived(sub, seq, vars)
	}
}
