package host

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tr1v3r/gupnp/internal/gena"
	"github.com/tr1v3r/gupnp/internal/httpserver"
	"github.com/tr1v3r/gupnp/internal/invoke"
	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
	"github.com/tr1v3r/gupnp/internal/workerpool"
)

const (
	testUDN = "uuid:4d696e69-444c-164e-9d41-b827eb000001"
	rcType  = "urn:schemas-upnp-org:service:RenderingControl:1"
)

func newDevice(t *testing.T) (*upnp.Device, *upnp.Service) {
	t.Helper()
	s := upnp.NewService(rcType, "urn:upnp-org:serviceId:RenderingControl")
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_InstanceID", DataType: upnp.TypeUI4}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "Volume", DataType: upnp.TypeUI2, DefaultValue: "20", Range: &upnp.Range{Min: 0, Max: 100, Step: 1}, SendEvents: true}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "Mute", DataType: upnp.TypeBoolean, SendEvents: true}))

	get, err := s.AddAction("GetVolume", upnp.In("InstanceID", "A_ARG_TYPE_InstanceID"), upnp.Out("CurrentVolume", "Volume"))
	require.NoError(t, err)
	require.NoError(t, get.Bind(upnp.HandlerFunc(func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		v, _ := s.Value("Volume")
		return upnp.Args("CurrentVolume", v), nil
	})))
	set, err := s.AddAction("SetVolume", upnp.In("InstanceID", "A_ARG_TYPE_InstanceID"), upnp.In("DesiredVolume", "Volume"))
	require.NoError(t, err)
	require.NoError(t, set.Bind(upnp.HandlerFunc(func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if id, _ := in.Get("InstanceID"); id != uint32(0) {
			return nil, upnp.NewActionError(718, "Invalid InstanceID")
		}
		v, _ := in.Get("DesiredVolume")
		return nil, s.SetValue("Volume", v)
	})))
	_, err = s.AddAction("Unbound", upnp.In("InstanceID", "A_ARG_TYPE_InstanceID"))
	require.NoError(t, err)

	d := &upnp.Device{
		UDN:          testUDN,
		DeviceType:   "urn:schemas-upnp-org:device:MediaRenderer:1",
		FriendlyName: "test renderer",
	}
	require.NoError(t, d.AddService(s))
	return d, s
}

type fixture struct {
	host      *Host
	publisher *gena.Publisher
	svc       *upnp.Service
	base      string
	client    *transport.Client
}

func startHost(t *testing.T) *fixture {
	t.Helper()
	client := &transport.Client{ReadTimeout: 2 * time.Second}
	pool, connPool := workerpool.NewPool(4), workerpool.NewPool(8)
	engine := invoke.NewEngine(pool, invoke.WithTimeout(2*time.Second))
	publisher := gena.NewPublisher(client)
	h := New(engine, publisher)
	d, svc := newDevice(t)
	require.NoError(t, h.AddDevice(d))

	rt := httpserver.NewRouter()
	h.Register(rt)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := httpserver.New(rt, connPool)
	go func() { _ = srv.Serve(context.Background(), ln) }()
	t.Cleanup(func() {
		_ = srv.Close()
		publisher.Close()
		_ = engine.Wait(context.Background())
		connPool.Close()
		pool.Close()
	})
	return &fixture{host: h, publisher: publisher, svc: svc, base: "http://" + ln.Addr().String(), client: client}
}

func (f *fixture) do(t *testing.T, method, path string, hdr map[string]string, body []byte) *transport.Message {
	t.Helper()
	u, err := url.Parse(f.base + path)
	require.NoError(t, err)
	req := transport.NewRequest(method, "", body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := f.client.Do(context.Background(), u, req)
	require.NoError(t, err)
	return resp
}

func TestHostDescriptions(t *testing.T) {
	f := startHost(t)

	resp := f.do(t, "GET", DescriptionPath(testUDN), nil, nil)
	require.Equal(t, 200, resp.Header.StatusCode)
	assert.Contains(t, resp.Header.Get("CONTENT-TYPE"), "text/xml")
	d, urlBase, err := upnp.ParseDeviceDescription(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.base, urlBase)
	assert.Equal(t, testUDN, d.UDN)
	svc := d.Service("RenderingControl")
	require.NotNil(t, svc)
	assert.Equal(t, "/"+testUDN+"/RenderingControl/control", svc.ControlURL)
	assert.Equal(t, "/"+testUDN+"/RenderingControl/event", svc.EventSubURL)

	resp = f.do(t, "GET", svc.SCPDURL, nil, nil)
	require.Equal(t, 200, resp.Header.StatusCode)
	require.NoError(t, upnp.ParseServiceDescription(resp.Body, svc))
	require.NotNil(t, svc.Action("GetVolume"))
	assert.Len(t, svc.Action("SetVolume").InArgs(), 2)

	assert.Equal(t, 404, f.do(t, "GET", "/uuid:other/device.xml", nil, nil).Header.StatusCode)
	assert.Equal(t, 404, f.do(t, "GET", "/"+testUDN+"/Nope/scpd.xml", nil, nil).Header.StatusCode)
}

func soapCall(action string, args ...upnp.RawArgument) (map[string]string, []byte) {
	return map[string]string{
		"CONTENT-TYPE": upnp.SOAPContentType,
		"SOAPACTION":   upnp.SOAPActionHeader(rcType, action),
	}, upnp.BuildSOAPRequest(rcType, action, args)
}

func controlPath() string { return "/" + testUDN + "/RenderingControl/control" }

func TestHostControl(t *testing.T) {
	f := startHost(t)

	hdr, body := soapCall("GetVolume", upnp.RawArgument{Name: "InstanceID", Value: "0"})
	resp := f.do(t, "POST", controlPath(), hdr, body)
	require.Equal(t, 200, resp.Header.StatusCode)
	msg, err := upnp.ParseSOAP(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "GetVolumeResponse", msg.Action)
	assert.Equal(t, []upnp.RawArgument{{Name: "CurrentVolume", Value: "20"}}, msg.Args)

	faults := []struct {
		name   string
		action string
		args   []upnp.RawArgument
		code   int
	}{
		{"unknown action", "Explode", nil, upnp.ErrCodeInvalidAction},
		{"missing argument", "SetVolume", []upnp.RawArgument{{Name: "InstanceID", Value: "0"}}, upnp.ErrCodeInvalidArgs},
		{"unparsable value", "SetVolume", []upnp.RawArgument{{Name: "InstanceID", Value: "zero"}, {Name: "DesiredVolume", Value: "5"}}, upnp.ErrCodeArgumentValueInvalid},
		{"out of range", "SetVolume", []upnp.RawArgument{{Name: "InstanceID", Value: "0"}, {Name: "DesiredVolume", Value: "101"}}, upnp.ErrCodeArgumentValueOutOfRange},
		{"handler error", "SetVolume", []upnp.RawArgument{{Name: "InstanceID", Value: "3"}, {Name: "DesiredVolume", Value: "5"}}, 718},
		{"no handler", "Unbound", []upnp.RawArgument{{Name: "InstanceID", Value: "0"}}, upnp.ErrCodeOptionalActionNotImplemented},
	}
	for _, tt := range faults {
		t.Run(tt.name, func(t *testing.T) {
			hdr, body := soapCall(tt.action, tt.args...)
			resp := f.do(t, "POST", controlPath(), hdr, body)
			require.Equal(t, 500, resp.Header.StatusCode)
			msg, err := upnp.ParseSOAP(resp.Body)
			require.NoError(t, err)
			require.NotNil(t, msg.Fault)
			assert.Equal(t, tt.code, msg.Fault.Code)
		})
	}

	t.Run("missing soapaction", func(t *testing.T) {
		_, body := soapCall("GetVolume", upnp.RawArgument{Name: "InstanceID", Value: "0"})
		assert.Equal(t, 400, f.do(t, "POST", controlPath(), nil, body).Header.StatusCode)
	})
	t.Run("soapaction for another action", func(t *testing.T) {
		_, body := soapCall("GetVolume", upnp.RawArgument{Name: "InstanceID", Value: "0"})
		hdr, _ := soapCall("SetVolume")
		assert.Equal(t, 400, f.do(t, "POST", controlPath(), hdr, body).Header.StatusCode)
	})
	t.Run("soapaction for another service", func(t *testing.T) {
		hdr, body := soapCall("GetVolume", upnp.RawArgument{Name: "InstanceID", Value: "0"})
		hdr["SOAPACTION"] = upnp.SOAPActionHeader("urn:schemas-upnp-org:service:AVTransport:1", "GetVolume")
		assert.Equal(t, 400, f.do(t, "POST", controlPath(), hdr, body).Header.StatusCode)
	})

	v, _ := f.svc.Value("Volume")
	assert.Equal(t, uint16(20), v, "failed calls leave state untouched")
}

func TestHostRemoteProxyRoundTrip(t *testing.T) {
	f := startHost(t)

	// mirror the device the way a control point does
	resp := f.do(t, "GET", DescriptionPath(testUDN), nil, nil)
	d, _, err := upnp.ParseDeviceDescription(resp.Body)
	require.NoError(t, err)
	mirror := d.Service("RenderingControl")
	require.NoError(t, upnp.ParseServiceDescription(f.do(t, "GET", mirror.SCPDURL, nil, nil).Body, mirror))

	control, err := url.Parse(f.base + mirror.ControlURL)
	require.NoError(t, err)
	proxy := invoke.NewRemoteProxy(f.client, control)
	for _, a := range mirror.Actions() {
		require.NoError(t, a.Bind(proxy))
	}

	pool := workerpool.NewPool(2)
	defer pool.Close()
	engine := invoke.NewEngine(pool)

	_, err = engine.Invoke(context.Background(), mirror.Action("SetVolume"), upnp.Args("InstanceID", uint32(0), "DesiredVolume", uint16(64)))
	require.NoError(t, err)
	out, err := engine.Invoke(context.Background(), mirror.Action("GetVolume"), upnp.Args("InstanceID", uint32(0)))
	require.NoError(t, err)
	assert.Equal(t, upnp.Args("CurrentVolume", uint16(64)), out)

	_, err = engine.Invoke(context.Background(), mirror.Action("SetVolume"), upnp.Args("InstanceID", uint32(9), "DesiredVolume", uint16(1)))
	assert.Equal(t, 718, upnp.ErrorCode(err))
}

type notifySink struct {
	url *url.URL
	mu  sync.Mutex
	got []*transport.Message
}

func newNotifySink(t *testing.T) *notifySink {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	s := &notifySink{}
	s.url, err = url.Parse("http://" + ln.Addr().String() + "/callback/sink")
	require.NoError(t, err)
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				c := transport.NewConn(nc)
				defer c.Close()
				req, err := c.Receive()
				if err != nil {
					return
				}
				s.mu.Lock()
				s.got = append(s.got, req)
				s.mu.Unlock()
				_ = c.Send(transport.NewResponse(200, nil))
			}()
		}
	}()
	return s
}

func (s *notifySink) messages() []*transport.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.Message(nil), s.got...)
}

func eventPath() string { return "/" + testUDN + "/RenderingControl/event" }

func TestHostEventing(t *testing.T) {
	f := startHost(t)
	sink := newNotifySink(t)

	resp := f.do(t, "SUBSCRIBE", eventPath(), map[string]string{
		"CALLBACK": "<" + sink.url.String() + ">",
		"NT":       "upnp:event",
		"TIMEOUT":  "Second-1800",
	}, nil)
	require.Equal(t, 200, resp.Header.StatusCode)
	sid := resp.Header.Get("SID")
	assert.True(t, strings.HasPrefix(sid, "uuid:"))
	assert.Equal(t, "Second-1800", resp.Header.Get("TIMEOUT"))

	require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.svc.SetValue("Volume", uint16(33)))
	require.Eventually(t, func() bool { return len(sink.messages()) == 2 }, 5*time.Second, 10*time.Millisecond)

	for i, m := range sink.messages() {
		assert.Equal(t, "NOTIFY", m.Header.Method)
		assert.Equal(t, "/callback/sink", m.Header.Target)
		assert.Equal(t, sid, m.Header.Get("SID"))
		assert.Equal(t, []string{"0", "1"}[i], m.Header.Get("SEQ"))
	}
	props, err := upnp.DecodePropertySet(sink.messages()[1].Body)
	require.NoError(t, err)
	assert.Contains(t, props, upnp.Property{Name: "Volume", Value: "33"})

	statuses := []struct {
		name   string
		method string
		hdr    map[string]string
		code   int
	}{
		{"renew", "SUBSCRIBE", map[string]string{"SID": sid, "TIMEOUT": "Second-60"}, 200},
		{"renew with NT", "SUBSCRIBE", map[string]string{"SID": sid, "NT": "upnp:event"}, 400},
		{"renew with CALLBACK", "SUBSCRIBE", map[string]string{"SID": sid, "CALLBACK": "<http://x/>"}, 400},
		{"renew unknown", "SUBSCRIBE", map[string]string{"SID": "uuid:unknown"}, 412},
		{"missing NT", "SUBSCRIBE", map[string]string{"CALLBACK": "<http://10.0.0.5/cb>"}, 412},
		{"wrong NT", "SUBSCRIBE", map[string]string{"CALLBACK": "<http://10.0.0.5/cb>", "NT": "ssdp:all"}, 412},
		{"bad CALLBACK", "SUBSCRIBE", map[string]string{"CALLBACK": "http://10.0.0.5/cb", "NT": "upnp:event"}, 412},
		{"duplicate", "SUBSCRIBE", map[string]string{"CALLBACK": "<" + sink.url.String() + ">", "NT": "upnp:event"}, 412},
		{"unsubscribe without SID", "UNSUBSCRIBE", nil, 412},
		{"unsubscribe with NT", "UNSUBSCRIBE", map[string]string{"SID": sid, "NT": "upnp:event"}, 400},
		{"unsubscribe unknown", "UNSUBSCRIBE", map[string]string{"SID": "uuid:unknown"}, 412},
		{"unsubscribe", "UNSUBSCRIBE", map[string]string{"SID": sid}, 200},
		{"unsubscribe again", "UNSUBSCRIBE", map[string]string{"SID": sid}, 412},
	}
	for _, tt := range statuses {
		resp := f.do(t, tt.method, eventPath(), tt.hdr, nil)
		assert.Equal(t, tt.code, resp.Header.StatusCode, tt.name)
	}
	assert.Empty(t, f.publisher.Subscribers(f.svc))
}

func TestHostRemoveDevice(t *testing.T) {
	f := startHost(t)
	sink := newNotifySink(t)
	resp := f.do(t, "SUBSCRIBE", eventPath(), map[string]string{"CALLBACK": "<" + sink.url.String() + ">", "NT": "upnp:event"}, nil)
	require.Equal(t, 200, resp.Header.StatusCode)
	assert.Equal(t, "Second-86400", resp.Header.Get("TIMEOUT"))

	d := f.host.Device(testUDN)
	require.NotNil(t, d)
	assert.ErrorIs(t, f.host.AddDevice(d), upnp.ErrDuplicate)

	require.NoError(t, f.host.RemoveDevice(testUDN))
	assert.ErrorIs(t, f.host.RemoveDevice(testUDN), ErrUnknownDevice)
	assert.Empty(t, f.publisher.Subscribers(nil))
	assert.Empty(t, f.host.Devices())
	assert.Equal(t, 404, f.do(t, "GET", DescriptionPath(testUDN), nil, nil).Header.StatusCode)
	assert.Equal(t, 404, f.do(t, "POST", controlPath(), nil, nil).Header.StatusCode)
}
