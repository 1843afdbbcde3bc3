// Package host publishes local UPnP devices: descriptions, control and
// eventing endpoints.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/gena"
	"github.com/tr1v3r/gupnp/internal/httpserver"
	"github.com/tr1v3r/gupnp/internal/invoke"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

// DefaultServer is the SERVER header sent with every response.
const DefaultServer = "Linux/1.0 UPnP/1.0 gupnp/1.0"

var ErrUnknownDevice = errors.New("unknown device")

// Host serves a set of root devices.
type Host struct {
	engine    *invoke.Engine
	publisher *gena.Publisher
	baseURL   string
	server    string

	mu       sync.RWMutex
	roots    map[string]*upnp.Device
	services map[string]*upnp.Service
}

type Option func(*Host)

// WithBaseURL sets the URLBase of descriptions. Without it the HOST of the
// request is used.
func WithBaseURL(u string) Option {
	return func(h *Host) { h.baseURL = strings.TrimSuffix(u, "/") }
}

func WithServer(s string) Option {
	return func(h *Host) { h.server = s }
}

func New(engine *invoke.Engine, publisher *gena.Publisher, opts ...Option) *Host {
	h := &Host{
		engine:    engine,
		publisher: publisher,
		server:    DefaultServer,
		roots:     make(map[string]*upnp.Device),
		services:  make(map[string]*upnp.Service),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func serviceKey(udn, name string) string { return udn + "/" + name }

// DescriptionPath is the path of the description of root device udn.
func DescriptionPath(udn string) string { return "/" + udn + "/device.xml" }

// AddDevice publishes root device d and assigns the URLs of its services
// and those of its embedded devices.
func (h *Host) AddDevice(d *upnp.Device) error {
	if d.UDN == "" {
		return fmt.Errorf("add device: missing UDN")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.roots[d.UDN]; ok {
		return fmt.Errorf("%w: device %s", upnp.ErrDuplicate, d.UDN)
	}

	added := make(map[string]*upnp.Service)
	var err error
	d.Walk(func(e *upnp.Device) {
		for _, s := range e.Services() {
			key := serviceKey(e.UDN, s.Name())
			if _, dup := h.services[key]; dup || added[key] != nil {
				err = fmt.Errorf("%w: service %s", upnp.ErrDuplicate, key)
				return
			}
			added[key] = s
		}
	})
	if err != nil {
		return err
	}
	for key, s := range added {
		base := "/" + key
		s.SCPDURL, s.ControlURL, s.EventSubURL = base+"/scpd.xml", base+"/control", base+"/event"
		h.services[key] = s
	}
	h.roots[d.UDN] = d
	log.Info("device added udn=%s type=%s services=%d", d.UDN, d.DeviceType, len(added))
	return nil
}

// RemoveDevice withdraws root device udn and drops its subscribers.
func (h *Host) RemoveDevice(udn string) error {
	h.mu.Lock()
	d, ok := h.roots[udn]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, udn)
	}
	delete(h.roots, udn)
	var removed []*upnp.Service
	d.Walk(func(e *upnp.Device) {
		for _, s := range e.Services() {
			delete(h.services, serviceKey(e.UDN, s.Name()))
			removed = append(removed, s)
		}
	})
	h.mu.Unlock()

	for _, s := range removed {
		h.publisher.RemoveService(s)
	}
	log.Info("device removed udn=%s", udn)
	return nil
}

// Device returns the root device udn.
func (h *Host) Device(udn string) *upnp.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.roots[udn]
}

func (h *Host) Devices() []*upnp.Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*upnp.Device, 0, len(h.roots))
	for _, d := range h.roots {
		out = append(out, d)
	}
	return out
}

func (h *Host) service(r *httpserver.Request) *upnp.Service {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.services[serviceKey(r.Var("udn"), r.Var("service"))]
}

// Register installs the host routes on rt.
func (h *Host) Register(rt *httpserver.Router) {
	rt.Handle(http.MethodGet, "/{udn}/device.xml", h.description)
	rt.Handle(http.MethodGet, "/{udn}/{service}/scpd.xml", h.scpd)
	rt.Handle(http.MethodPost, "/{udn}/{service}/control", h.control)
	rt.Handle("SUBSCRIBE", "/{udn}/{service}/event", h.subscribe)
	rt.Handle("UNSUBSCRIBE", "/{udn}/{service}/event", h.unsubscribe)
}

func (h *Host) reply(code int, body []byte) *transport.Message {
	resp := transport.NewResponse(code, body)
	resp.Header.Set("SERVER", h.server)
	return resp
}

func (h *Host) xmlReply(body []byte) *transport.Message {
	resp := h.reply(http.StatusOK, body)
	resp.Header.Set("CONTENT-TYPE", `text/xml; charset="utf-8"`)
	return resp
}

func (h *Host) urlBase(r *httpserver.Request) string {
	if h.baseURL != "" {
		return h.baseURL
	}
	if host := r.Header.Get("HOST"); host != "" {
		return "http://" + host
	}
	return ""
}

func (h *Host) description(ctx context.Context, r *httpserver.Request) *transport.Message {
	d := h.Device(r.Var("udn"))
	if d == nil {
		return h.reply(http.StatusNotFound, nil)
	}
	body, err := upnp.DeviceDescription(d, h.urlBase(r))
	if err != nil {
		log.CtxError(ctx, "render device description fail udn=%s err=%v", d.UDN, err)
		return h.reply(http.StatusInternalServerError, nil)
	}
	return h.xmlReply(body)
}

func (h *Host) scpd(ctx context.Context, r *httpserver.Request) *transport.Message {
	s := h.service(r)
	if s == nil {
		return h.reply(http.StatusNotFound, nil)
	}
	body, err := upnp.ServiceDescription(s)
	if err != nil {
		log.CtxError(ctx, "render scpd fail service=%s err=%v", s.Key(), err)
		return h.reply(http.StatusInternalServerError, nil)
	}
	return h.xmlReply(body)
}

// sameType compares service types ignoring the version suffix.
func sameType(a, b string) bool {
	trim := func(s string) string {
		if i := strings.LastIndexByte(s, ':'); i >= 0 {
			return s[:i]
		}
		return s
	}
	return a == b || trim(a) == trim(b)
}

func (h *Host) control(ctx context.Context, r *httpserver.Request) *transport.Message {
	s := h.service(r)
	if s == nil {
		return h.reply(http.StatusNotFound, nil)
	}
	sa := r.Header.Get("SOAPACTION")
	if sa == "" {
		return h.reply(http.StatusBadRequest, nil)
	}
	serviceType, name := upnp.ParseSOAPAction(sa)
	if !sameType(serviceType, s.ServiceType) {
		log.CtxDebug(ctx, "soapaction for another service service=%s soapaction=%s", s.Key(), sa)
		return h.reply(http.StatusBadRequest, nil)
	}
	msg, err := upnp.ParseSOAP(r.Body)
	if err != nil || msg.Fault != nil || msg.Action != name {
		log.CtxDebug(ctx, "bad control request service=%s soapaction=%s err=%v", s.Key(), sa, err)
		return h.reply(http.StatusBadRequest, nil)
	}

	a := s.Action(name)
	if a == nil {
		return h.fault(upnp.NewActionError(upnp.ErrCodeInvalidAction, "%s", name))
	}
	in, err := a.ParseInputs(msg.Args)
	if err != nil {
		return h.fault(err)
	}
	out, err := h.engine.Invoke(ctx, a, in)
	if err != nil {
		log.CtxInfo(ctx, "action failed service=%s action=%s code=%d err=%v", s.Key(), name, upnp.ErrorCode(err), err)
		return h.fault(err)
	}
	raw, err := a.FormatArgs(out)
	if err != nil {
		return h.fault(&upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: name, Err: err})
	}

	resp := h.reply(http.StatusOK, upnp.BuildSOAPResponse(s.ServiceType, name, raw))
	resp.Header.Set("CONTENT-TYPE", upnp.SOAPContentType)
	resp.Header.Set("EXT", "")
	return resp
}

func (h *Host) fault(err error) *transport.Message {
	code := upnp.ErrorCode(err)
	desc := upnp.ErrorDescription(code)
	var ae *upnp.ActionError
	if errors.As(err, &ae) && ae.Description != "" {
		desc = ae.Description
	}
	resp := h.reply(http.StatusInternalServerError, upnp.BuildSOAPFault(code, desc))
	resp.Header.Set("CONTENT-TYPE", upnp.SOAPContentType)
	resp.Header.Set("EXT", "")
	return resp
}

func (h *Host) subscribeReply(sid string, timeout time.Duration) *transport.Message {
	resp := h.reply(http.StatusOK, nil)
	resp.Header.Set("SID", sid)
	resp.Header.Set("TIMEOUT", gena.FormatTimeout(timeout))
	return resp
}

func (h *Host) subscribe(ctx context.Context, r *httpserver.Request) *transport.Message {
	s := h.service(r)
	if s == nil {
		return h.reply(http.StatusNotFound, nil)
	}
	sid, nt, callback := r.Header.Get("SID"), r.Header.Get("NT"), r.Header.Get("CALLBACK")
	requested, _ := gena.ParseTimeout(r.Header.Get("TIMEOUT"))

	if sid != "" {
		if nt != "" || callback != "" {
			return h.reply(http.StatusBadRequest, nil)
		}
		timeout, err := h.publisher.RenewSubscription(sid, requested)
		if err != nil {
			log.CtxDebug(ctx, "renew refused service=%s sid=%s err=%v", s.Key(), sid, err)
			return h.reply(gena.StatusCode(err), nil)
		}
		return h.subscribeReply(sid, timeout)
	}

	if nt != upnp.NTEvent {
		return h.reply(http.StatusPreconditionFailed, nil)
	}
	callbacks, err := gena.ParseCallbacks(callback)
	if err != nil {
		log.CtxDebug(ctx, "subscribe refused service=%s err=%v", s.Key(), err)
		return h.reply(http.StatusPreconditionFailed, nil)
	}
	sid, timeout, err := h.publisher.AddSubscriber(s, gena.SubscribeRequest{Callbacks: callbacks, Timeout: requested})
	if err != nil {
		log.CtxDebug(ctx, "subscribe refused service=%s err=%v", s.Key(), err)
		return h.reply(gena.StatusCode(err), nil)
	}

	keepAlive := r.KeepAlive()
	r.AfterReply(func(c *transport.Conn) {
		if keepAlive {
			h.publisher.InitialNotify(sid, c)
		} else {
			h.publisher.InitialNotify(sid, nil)
		}
	})
	return h.subscribeReply(sid, timeout)
}

func (h *Host) unsubscribe(ctx context.Context, r *httpserver.Request) *transport.Message {
	if h.service(r) == nil {
		return h.reply(http.StatusNotFound, nil)
	}
	sid := r.Header.Get("SID")
	if sid == "" {
		return h.reply(http.StatusPreconditionFailed, nil)
	}
	if r.Header.Has("NT") || r.Header.Has("CALLBACK") {
		return h.reply(http.StatusBadRequest, nil)
	}
	if err := h.publisher.RemoveSubscriber(sid); err != nil {
		log.CtxDebug(ctx, "unsubscribe refused sid=%s err=%v", sid, err)
		return h.reply(gena.StatusCode(err), nil)
	}
	return h.reply(http.StatusOK, nil)
}
