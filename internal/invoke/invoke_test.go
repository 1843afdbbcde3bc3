package invoke

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
	"github.com/tr1v3r/gupnp/internal/workerpool"
)

const connectionManagerType = "urn:schemas-upnp-org:service:ConnectionManager:1"

func newService(t *testing.T) *upnp.Service {
	t.Helper()
	s := upnp.NewService(connectionManagerType, "urn:upnp-org:serviceId:ConnectionManager")
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_ConnectionID", DataType: upnp.TypeI4}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_Count", DataType: upnp.TypeUI4}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_Level", DataType: upnp.TypeUI1, Range: &upnp.Range{Min: 0, Max: 10}}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_Flag", DataType: upnp.TypeBoolean}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "A_ARG_TYPE_Text", DataType: upnp.TypeString}))
	_, err := s.AddAction("Echo",
		upnp.In("Count", "A_ARG_TYPE_Count"),
		upnp.In("Level", "A_ARG_TYPE_Level"),
		upnp.In("Text", "A_ARG_TYPE_Text"),
		upnp.Out("Count", "A_ARG_TYPE_Count"),
		upnp.Out("Flag", "A_ARG_TYPE_Flag"),
		upnp.Out("Text", "A_ARG_TYPE_Text"),
	)
	require.NoError(t, err)
	return s
}

func echo(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
	n, _ := in.Get("Count")
	text, _ := in.Get("Text")
	return upnp.Args("Count", n, "Flag", true, "Text", text), nil
}

func TestInvokeLocal(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	require.NoError(t, a.Bind(upnp.HandlerFunc(echo)))

	e := NewEngine(workerpool.NewPool(2))
	out, err := e.Invoke(context.Background(), a, upnp.Args("Count", uint32(4000000000), "Level", uint8(3), "Text", "hi"))
	require.NoError(t, err)
	assert.Equal(t, upnp.Args("Count", uint32(4000000000), "Flag", true, "Text", "hi"), out)
}

func TestInvokeValidatesInputs(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	var called atomic.Bool
	require.NoError(t, a.Bind(upnp.HandlerFunc(func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		called.Store(true)
		return echo(ctx, in)
	})))

	e := NewEngine(workerpool.NewPool(1))
	_, err := e.Invoke(context.Background(), a, upnp.Args("Count", uint32(1), "Level", uint8(11), "Text", ""))
	assert.Equal(t, upnp.ErrCodeArgumentValueOutOfRange, upnp.ErrorCode(err))
	_, err = e.Invoke(context.Background(), a, upnp.Args("Count", uint32(1)))
	assert.Equal(t, upnp.ErrCodeInvalidArgs, upnp.ErrorCode(err))
	assert.False(t, called.Load())
}

func TestInvokeHandlerErrors(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	e := NewEngine(workerpool.NewPool(1))
	in := upnp.Args("Count", uint32(1), "Level", uint8(1), "Text", "x")

	_, err := e.Invoke(context.Background(), a, in)
	assert.Equal(t, upnp.ErrCodeOptionalActionNotImplemented, upnp.ErrorCode(err), "unbound action")

	require.NoError(t, a.Bind(upnp.HandlerFunc(func(context.Context, upnp.Arguments) (upnp.Arguments, error) {
		return nil, errors.New("boom")
	})))
	_, err = e.Invoke(context.Background(), a, in)
	assert.Equal(t, upnp.ErrCodeActionFailed, upnp.ErrorCode(err))

	b := newService(t).Action("Echo")
	require.NoError(t, b.Bind(upnp.HandlerFunc(func(context.Context, upnp.Arguments) (upnp.Arguments, error) {
		return nil, upnp.NewActionError(714, "Illegal MIME-type")
	})))
	_, err = e.Invoke(context.Background(), b, in)
	assert.Equal(t, 714, upnp.ErrorCode(err))

	c := newService(t).Action("Echo")
	require.NoError(t, c.Bind(upnp.HandlerFunc(func(context.Context, upnp.Arguments) (upnp.Arguments, error) {
		return upnp.Args("Count", 1), nil
	})))
	_, err = e.Invoke(context.Background(), c, in)
	assert.Equal(t, upnp.ErrCodeActionFailed, upnp.ErrorCode(err), "invalid outputs")
}

func TestInvokeTimeout(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	release := make(chan struct{})
	finished := make(chan error, 1)
	require.NoError(t, a.Bind(upnp.HandlerFunc(func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		<-release
		finished <- ctx.Err()
		return echo(ctx, in)
	})))

	e := NewEngine(workerpool.NewPool(1))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Invoke(ctx, a, upnp.Args("Count", uint32(1), "Level", uint8(1), "Text", "x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, upnp.ErrCodeActionFailed, upnp.ErrorCode(err))

	close(release)
	select {
	case err := <-finished:
		assert.NoError(t, err, "handler context must outlive the caller's deadline")
	case <-time.After(time.Second):
		t.Fatal("worker did not finish")
	}
}

func TestInvokeAsync(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	release := make(chan struct{})
	require.NoError(t, a.Bind(upnp.HandlerFunc(func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		<-release
		return echo(ctx, in)
	})))

	e := NewEngine(workerpool.NewPool(1))
	var calls atomic.Int32
	got := make(chan *Invocation, 2)
	var gotID CallID
	var mu sync.Mutex
	id := e.InvokeAsync(a, upnp.Args("Count", uint32(7), "Level", uint8(1), "Text", "x"), ModeNormal, func(id CallID, inv *Invocation) {
		calls.Add(1)
		mu.Lock()
		gotID = id
		mu.Unlock()
		assert.False(t, e.Pending(id))
		got <- inv
	})
	assert.True(t, e.Pending(id))
	close(release)

	inv := <-got
	require.NoError(t, e.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	mu.Lock()
	assert.Equal(t, id, gotID)
	mu.Unlock()
	assert.Equal(t, StatusFinished, inv.Status())
	assert.Equal(t, 0, inv.Code())
	n, _ := inv.Outputs().Get("Count")
	assert.Equal(t, uint32(7), n)
	assert.False(t, e.Pending(id))
}

func TestInvokeAsyncFireAndForget(t *testing.T) {
	s := newService(t)
	a := s.Action("Echo")
	ran := make(chan struct{})
	require.NoError(t, a.Bind(upnp.HandlerFunc(func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		close(ran)
		return echo(ctx, in)
	})))

	e := NewEngine(workerpool.NewPool(1))
	id := e.InvokeAsync(a, upnp.Args("Count", uint32(7), "Level", uint8(1), "Text", "x"), ModeFireAndForget, func(CallID, *Invocation) {
		t.Error("fire-and-forget must not call back")
	})
	assert.False(t, e.Pending(id))
	<-ran
	require.NoError(t, e.Wait(context.Background()))
}

// soapServer answers each connection with reply(request).
func soapServer(t *testing.T, reply func(req *transport.Message) *transport.Message) (*url.URL, *atomic.Int32) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var accepted atomic.Int32
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				c := transport.NewConn(nc)
				defer c.Close()
				req, err := c.Receive()
				if err != nil {
					return
				}
				_ = c.Send(reply(req))
			}()
		}
	}()
	u, err := url.Parse("http://" + ln.Addr().String() + "/dev/cm/control")
	require.NoError(t, err)
	return u, &accepted
}

func TestRemoteProxyRoundTrip(t *testing.T) {
	u, _ := soapServer(t, func(req *transport.Message) *transport.Message {
		st, action := upnp.ParseSOAPAction(req.Header.Get("SOAPACTION"))
		msg, err := upnp.ParseSOAP(req.Body)
		if err != nil || st != connectionManagerType || action != "Echo" || msg.Action != "Echo" {
			return transport.NewResponse(500, upnp.BuildSOAPFault(upnp.ErrCodeInvalidAction, "bad request"))
		}
		args := map[string]string{}
		for _, a := range msg.Args {
			args[a.Name] = a.Value
		}
		resp := transport.NewResponse(200, upnp.BuildSOAPResponse(st, "Echo", []upnp.RawArgument{
			{Name: "Count", Value: args["Count"]},
			{Name: "Flag", Value: "1"},
			{Name: "Text", Value: args["Text"]},
		}))
		resp.Header.Set("CONTENT-TYPE", upnp.SOAPContentType)
		return resp
	})

	s := newService(t)
	a := s.Action("Echo")
	dead, _ := url.Parse("http://127.0.0.1:1/unreachable")
	proxy := NewRemoteProxy(&transport.Client{DialTimeout: time.Second}, dead, u)
	require.NoError(t, a.Bind(proxy))
	assert.Equal(t, upnp.RemoteProxy, a.Handler().Kind())

	e := NewEngine(workerpool.NewPool(2))
	out, err := e.Invoke(context.Background(), a, upnp.Args("Count", uint32(4294967295), "Level", uint8(10), "Text", "<a&b>"))
	require.NoError(t, err)
	assert.Equal(t, upnp.Args("Count", uint32(4294967295), "Flag", true, "Text", "<a&b>"), out)
}

func TestRemoteProxyFault(t *testing.T) {
	u, _ := soapServer(t, func(*transport.Message) *transport.Message {
		return transport.NewResponse(500, upnp.BuildSOAPFault(718, "ConflictInMappingEntry"))
	})
	a := newService(t).Action("Echo")
	proxy := NewRemoteProxy(&transport.Client{}, u)

	_, err := proxy.Call(context.Background(), a, upnp.Args("Count", uint32(1), "Level", uint8(1), "Text", "x"))
	require.Error(t, err)
	assert.Equal(t, 718, upnp.ErrorCode(err))

	u2, _ := soapServer(t, func(*transport.Message) *transport.Message {
		return transport.NewResponse(404, nil)
	})
	_, err = NewRemoteProxy(&transport.Client{}, u2).Call(context.Background(), a, upnp.Args("Count", uint32(1), "Level", uint8(1), "Text", "x"))
	assert.Equal(t, upnp.ErrCodeActionFailed, upnp.ErrorCode(err))
}

func TestRemoteProxyRejectsBeforeIO(t *testing.T) {
	u, accepted := soapServer(t, func(*transport.Message) *transport.Message {
		return transport.NewResponse(200, nil)
	})
	var dials atomic.Int32
	client := &transport.Client{Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}}
	a := newService(t).Action("Echo")
	require.NoError(t, a.Bind(NewRemoteProxy(client, u)))

	e := NewEngine(workerpool.NewPool(1))
	_, err := e.Invoke(context.Background(), a, upnp.Args("Count", uint32(1), "Level", uint8(200), "Text", "x"))
	assert.Equal(t, upnp.ErrCodeArgumentValueOutOfRange, upnp.ErrorCode(err))

	_, err = a.Handler().Call(context.Background(), a, upnp.Args("Count", 1, "Level", uint8(1), "Text", "x"))
	assert.Equal(t, upnp.ErrCodeArgumentValueInvalid, upnp.ErrorCode(err))

	assert.Equal(t, int32(0), dials.Load())
	assert.Equal(t, int32(0), accepted.Load())
}
