// Package controlpoint consumes remote UPnP devices: it mirrors their
// descriptions, invokes their actions and subscribes to their events.
package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/cskr/pubsub"
	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/gena"
	"github.com/tr1v3r/gupnp/internal/httpserver"
	"github.com/tr1v3r/gupnp/internal/invoke"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

// CallbackPath is the route of inbound NOTIFY requests.
const CallbackPath = "/callback/{sub}"

const defaultEventBuffer = 16

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownService = errors.New("unknown service")
	ErrClosed         = errors.New("control point closed")
)

// Event is an applied event of a subscribed service.
type Event struct {
	Device  string
	Service string
	Seq     uint32
	Vars    upnp.Arguments
}

// Topic names the event topic of svc.
func Topic(svc *upnp.Service) string { return svc.Key() }

type remoteService struct {
	owner     string
	eventURLs []*url.URL
	sub       *gena.Subscription
}

// ControlPoint keeps mirrors of remote devices.
type ControlPoint struct {
	client  *transport.Client
	engine  *invoke.Engine
	manager *gena.Manager
	bus     *pubsub.PubSub

	mu       sync.RWMutex
	devices  map[string]*upnp.Device
	services map[*upnp.Service]*remoteService
	closed   bool
}

type Option func(*options)

type options struct {
	eventBuffer int
	manager     []gena.ManagerOption
}

// WithEventBuffer sets the capacity of event channels.
func WithEventBuffer(n int) Option {
	return func(o *options) { o.eventBuffer = n }
}

func WithManagerOptions(opts ...gena.ManagerOption) Option {
	return func(o *options) { o.manager = append(o.manager, opts...) }
}

// New returns a control point whose NOTIFY callbacks are served under
// callbackBase, e.g. "http://10.0.0.2:8058/callback/".
func New(client *transport.Client, engine *invoke.Engine, callbackBase string, opts ...Option) *ControlPoint {
	o := options{eventBuffer: defaultEventBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	return &ControlPoint{
		client:   client,
		engine:   engine,
		manager:  gena.NewManager(client, callbackBase, o.manager...),
		bus:      pubsub.New(o.eventBuffer),
		devices:  make(map[string]*upnp.Device),
		services: make(map[*upnp.Service]*remoteService),
	}
}

// Register installs the NOTIFY callback route on rt.
func (cp *ControlPoint) Register(rt *httpserver.Router) {
	rt.Handle("NOTIFY", CallbackPath, cp.notify)
}

func (cp *ControlPoint) notify(ctx context.Context, r *httpserver.Request) *transport.Message {
	err := cp.manager.HandleNotify(r.Var("sub"), r.Header, r.Body)
	if err != nil {
		log.CtxDebug(ctx, "notify refused sub=%s sid=%s err=%v", r.Var("sub"), r.Header.Get("SID"), err)
	}
	return transport.NewResponse(gena.StatusCode(err), nil)
}

func (cp *ControlPoint) get(ctx context.Context, u *url.URL) ([]byte, error) {
	resp, err := cp.client.Do(ctx, u, transport.NewRequest(http.MethodGet, "", nil))
	if err != nil {
		return nil, err
	}
	if !resp.StatusOK() {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.Header.StatusCode)
	}
	return resp.Body, nil
}

// AddDevice fetches the description at the first reachable location and
// the SCPD of every service, and returns the mirrored root device. Its
// actions are bound to remote proxies.
func (cp *ControlPoint) AddDevice(ctx context.Context, locations ...string) (*upnp.Device, error) {
	var (
		body  []byte
		bases []*url.URL
		err   error
	)
	for _, loc := range locations {
		u, perr := url.Parse(loc)
		if perr != nil {
			err = perr
			continue
		}
		if body == nil {
			body, err = cp.get(ctx, u)
			if err != nil {
				log.CtxDebug(ctx, "description location failed url=%s err=%v", u, err)
				continue
			}
			// the answering location leads the candidates
			bases = append([]*url.URL{u}, bases...)
			continue
		}
		bases = append(bases, u)
	}
	if body == nil {
		if err == nil {
			err = errors.New("no location")
		}
		return nil, fmt.Errorf("fetch description: %w", err)
	}

	d, urlBase, err := upnp.ParseDeviceDescription(body)
	if err != nil {
		return nil, err
	}
	if urlBase != "" {
		u, err := url.Parse(urlBase)
		if err != nil {
			return nil, fmt.Errorf("parse URLBase: %w", err)
		}
		bases = []*url.URL{u}
	}

	remote := make(map[*upnp.Service]*remoteService)
	for _, svc := range d.AllServices() {
		scpd, err := cp.fetchFirst(ctx, bases, svc.SCPDURL)
		if err != nil {
			return nil, fmt.Errorf("fetch scpd %s: %w", svc.ServiceID, err)
		}
		if err := upnp.ParseServiceDescription(scpd, svc); err != nil {
			return nil, err
		}
		proxy := invoke.NewRemoteProxy(cp.client, resolveAll(bases, svc.ControlURL)...)
		for _, a := range svc.Actions() {
			if err := a.Bind(proxy); err != nil {
				return nil, err
			}
		}
		remote[svc] = &remoteService{owner: d.UDN, eventURLs: resolveAll(bases, svc.EventSubURL)}
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil, ErrClosed
	}
	if _, ok := cp.devices[d.UDN]; ok {
		return nil, fmt.Errorf("%w: device %s", upnp.ErrDuplicate, d.UDN)
	}
	cp.devices[d.UDN] = d
	for svc, rs := range remote {
		cp.services[svc] = rs
	}
	log.CtxInfo(ctx, "device added udn=%s type=%s name=%q services=%d", d.UDN, d.DeviceType, d.FriendlyName, len(remote))
	return d, nil
}

func (cp *ControlPoint) fetchFirst(ctx context.Context, bases []*url.URL, ref string) ([]byte, error) {
	var err error
	for _, u := range resolveAll(bases, ref) {
		var b []byte
		if b, err = cp.get(ctx, u); err == nil {
			return b, nil
		}
	}
	if err == nil {
		err = errors.New("no url")
	}
	return nil, err
}

func resolveAll(bases []*url.URL, ref string) []*url.URL {
	r, err := url.Parse(ref)
	if err != nil {
		return nil
	}
	out := make([]*url.URL, 0, len(bases))
	for _, b := range bases {
		out = append(out, b.ResolveReference(r))
	}
	return out
}

// RemoveDevice cancels the subscriptions of device udn and forgets it.
func (cp *ControlPoint) RemoveDevice(udn string) error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return ErrClosed
	}
	d, ok := cp.devices[udn]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, udn)
	}
	delete(cp.devices, udn)
	var topics []string
	for _, svc := range d.AllServices() {
		delete(cp.services, svc)
		topics = append(topics, Topic(svc))
	}
	cp.bus.Close(topics...)
	cp.mu.Unlock()

	cp.manager.RemoveOwner(udn)
	log.Info("device removed udn=%s", udn)
	return nil
}

func (cp *ControlPoint) Device(udn string) *upnp.Device {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.devices[udn]
}

func (cp *ControlPoint) Devices() []*upnp.Device {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	out := make([]*upnp.Device, 0, len(cp.devices))
	for _, d := range cp.devices {
		out = append(out, d)
	}
	return out
}

func action(svc *upnp.Service, name string) (*upnp.Action, error) {
	a := svc.Action(name)
	if a == nil {
		return nil, upnp.NewActionError(upnp.ErrCodeInvalidAction, "%s: no action %s", svc.ServiceID, name)
	}
	return a, nil
}

// Invoke calls action name of svc and waits for its outputs.
func (cp *ControlPoint) Invoke(ctx context.Context, svc *upnp.Service, name string, in upnp.Arguments) (upnp.Arguments, error) {
	a, err := action(svc, name)
	if err != nil {
		return nil, err
	}
	return cp.engine.Invoke(ctx, a, in)
}

// InvokeAsync starts action name of svc; cb receives the finished invocation.
func (cp *ControlPoint) InvokeAsync(svc *upnp.Service, name string, in upnp.Arguments, cb invoke.Callback) (invoke.CallID, error) {
	a, err := action(svc, name)
	if err != nil {
		return 0, err
	}
	return cp.engine.InvokeAsync(a, in, invoke.ModeNormal, cb), nil
}

// Subscribe starts the event subscription of svc, reusing an existing one.
func (cp *ControlPoint) Subscribe(svc *upnp.Service) (*gena.Subscription, error) {
	cp.mu.Lock()
	rs, ok := cp.services[svc]
	if !ok {
		cp.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, svc.Key())
	}
	if rs.sub == nil {
		rs.sub = cp.manager.Add(rs.owner, svc, rs.eventURLs, cp)
	}
	sub := rs.sub
	cp.mu.Unlock()

	sub.Subscribe()
	return sub, nil
}

// CancelSubscription unsubscribes svc.
func (cp *ControlPoint) CancelSubscription(svc *upnp.Service) error {
	cp.mu.Lock()
	rs, ok := cp.services[svc]
	if !ok {
		cp.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownService, svc.Key())
	}
	sub := rs.sub
	rs.sub = nil
	cp.mu.Unlock()

	if sub != nil {
		cp.manager.Remove(sub.ID())
	}
	return nil
}

// Events returns a channel receiving an Event for every event applied to
// svc. The channel is closed by Unsubscribe or when the device is removed.
func (cp *ControlPoint) Events(svc *upnp.Service) chan any {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.closed {
		ch := make(chan any)
		close(ch)
		return ch
	}
	return cp.bus.Sub(Topic(svc))
}

// Unsubscribe stops delivery to ch and closes it.
func (cp *ControlPoint) Unsubscribe(ch chan any) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if !cp.closed {
		cp.bus.Unsub(ch)
	}
}

// Close cancels every subscription and closes every event channel.
func (cp *ControlPoint) Close() {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	cp.closed = true
	clear(cp.devices)
	clear(cp.services)
	cp.mu.Unlock()

	cp.manager.Close()
	cp.bus.Shutdown()
}

func (cp *ControlPoint) SubscriptionChanged(sub *gena.Subscription, status gena.Status, err error) {
	svc := sub.Service()
	switch status {
	case gena.StatusFailed:
		log.Error("subscription failed service=%s err=%v", svc.Key(), err)
	default:
		log.Debug("subscription changed service=%s status=%s sid=%s", svc.Key(), status, sub.SID())
	}
}

func (cp *ControlPoint) EventReceived(sub *gena.Subscription, seq uint32, vars upnp.Arguments) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	if cp.closed {
		return
	}
	svc := sub.Service()
	ev := Event{Service: svc.ServiceID, Seq: seq, Vars: vars}
	if d := svc.Device(); d != nil {
		ev.Device = d.UDN
	}
	// full channels miss the event
	cp.bus.TryPub(ev, Topic(svc))
}
