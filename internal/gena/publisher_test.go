package gena

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tr1v3r/gupnp/internal/transport"
	"github.com/tr1v3r/gupnp/internal/upnp"
)

type notifyRecord struct {
	sid   string
	seq   uint32
	props []upnp.Property
}

// callbackServer records NOTIFY requests; status decides the answer to the
// n-th request (counting from 0).
func callbackServer(t *testing.T, status func(n int) int) (*url.URL, <-chan notifyRecord) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	records := make(chan notifyRecord, 64)
	var n atomic.Int32
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
				code := http.StatusOK
				if status != nil {
					code = status(int(n.Add(1) - 1))
				}
				_ = c.Send(transport.NewResponse(code, nil))
				if code != http.StatusOK {
					return
				}
				seq, _ := strconv.ParseUint(req.Header.Get("SEQ"), 10, 32)
				props, _ := upnp.DecodePropertySet(req.Body)
				records <- notifyRecord{sid: req.Header.Get("SID"), seq: uint32(seq), props: props}
			}()
		}
	}()
	u, err := url.Parse("http://" + ln.Addr().String() + "/callback/1")
	require.NoError(t, err)
	return u, records
}


func next(t *testing.T, ch <-chan notifyRecord) notifyRecord {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no notify received")
		return notifyRecord{}
	}
}

func newTransportService(t *testing.T) *upnp.Service {
	t.Helper()
	s := upnp.NewService("urn:schemas-upnp-org:service:AVTransport:1", "urn:upnp-org:serviceId:AVTransport")
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{
		Name: "TransportState", DataType: upnp.TypeString, DefaultValue: "STOPPED", SendEvents: true,
		AllowedValues: []string{"STOPPED", "PLAYING", "PAUSED_PLAYBACK", "TRANSITIONING", "NO_MEDIA_PRESENT"},
	}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "Volume", DataType: upnp.TypeUI2, SendEvents: true}))
	require.NoError(t, s.AddStateVariable(upnp.StateVariable{Name: "AVTransportURI", DataType: upnp.TypeString}))
	d := &upnp.Device{UDN: "uuid:device-1"}
	require.NoError(t, d.AddService(s))
	return s
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestPublisherUniqueSIDs(t *testing.T) {
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{mustURL(t, fmt.Sprintf("http://10.0.0.%d/cb", i))}})
		require.NoError(t, err)
		require.NotEmpty(t, sid)
		assert.Regexp(t, `^uuid:[0-9a-f-]{36}$`, sid)
		assert.False(t, seen[sid], "duplicate sid %s", sid)
		seen[sid] = true
	}
	assert.Len(t, p.Subscribers(svc), 100)
}

func TestPublisherRejectsDuplicateCallback(t *testing.T) {
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)
	cb := []*url.URL{mustURL(t, "http://10.0.0.2:4004/cb")}

	_, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: cb})
	require.NoError(t, err)
	_, _, err = p.AddSubscriber(svc, SubscribeRequest{Callbacks: cb})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, 412, StatusCode(err))

	_, _, err = p.AddSubscriber(svc, SubscribeRequest{})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	other := newTransportService(t)
	_, _, err = p.AddSubscriber(other, SubscribeRequest{Callbacks: cb})
	assert.NoError(t, err, "same callback on another service is a new subscription")
}

func TestPublisherTimeoutPolicy(t *testing.T) {
	svc := newTransportService(t)
	tests := []struct {
		name      string
		opts      []PublisherOption
		requested time.Duration
		want      time.Duration
	}{
		{"requested", nil, 1800 * time.Second, 1800 * time.Second},
		{"requested too short", nil, time.Second, MinTimeout},
		{"requested too long", nil, 72 * time.Hour, MaxTimeout},
		{"none requested", nil, 0, 24 * time.Hour},
		{"configured wins", []PublisherOption{WithSubscriptionTimeout(300 * time.Second)}, 1800 * time.Second, 300 * time.Second},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPublisher(&transport.Client{}, tt.opts...)
			defer p.Close()
			cb := []*url.URL{mustURL(t, fmt.Sprintf("http://10.0.1.%d/cb", i))}
			sid, got, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: cb, Timeout: tt.requested})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			renewed, err := p.RenewSubscription(sid, tt.requested)
			require.NoError(t, err)
			assert.Equal(t, tt.want, renewed)
		})
	}
}

func TestPublisherRenewRemoveAndSweep(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	p := NewPublisher(&transport.Client{}, withClock(clock))
	defer p.Close()
	svc := newTransportService(t)

	short, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{mustURL(t, "http://a/cb")}, Timeout: 10 * time.Second})
	require.NoError(t, err)
	long, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{mustURL(t, "http://b/cb")}, Timeout: time.Hour})
	require.NoError(t, err)

	_, err = p.RenewSubscription("uuid:unknown", 0)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, p.RemoveSubscriber("uuid:unknown"), ErrSubscriptionNotFound)

	advance(11 * time.Second)
	_, err = p.RenewSubscription(long, time.Hour)
	require.NoError(t, err)
	require.Len(t, p.Subscribers(nil), 1, "expired record swept on renew")

	_, err = p.RenewSubscription(short, time.Hour)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)

	require.NoError(t, p.RemoveSubscriber(long))
	assert.ErrorIs(t, p.RemoveSubscriber(long), ErrSubscriptionNotFound)
	assert.Empty(t, p.Subscribers(nil))
}

func TestPublisherEventSequence(t *testing.T) {
	cb, records := callbackServer(t, nil)
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)

	sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	require.NoError(t, err)

	// a change before the initial event went out must queue behind it
	require.NoError(t, svc.SetValue("TransportState", "TRANSITIONING"))
	p.InitialNotify(sid, nil)
	require.NoError(t, svc.SetValue("TransportState", "PLAYING"))
	require.NoError(t, svc.SetValue("AVTransportURI", "http://media/x"))
	require.NoError(t, svc.SetValues(upnp.Args("TransportState", "PAUSED_PLAYBACK", "Volume", uint16(9))))

	want := []struct {
		state  string
		volume string
	}{{"STOPPED", "0"}, {"TRANSITIONING", "0"}, {"PLAYING", "0"}, {"PAUSED_PLAYBACK", "9"}}
	for i, w := range want {
		r := next(t, records)
		assert.Equal(t, sid, r.sid)
		assert.Equal(t, uint32(i), r.seq)
		assert.Equal(t, []upnp.Property{{Name: "TransportState", Value: w.state}, {Name: "Volume", Value: w.volume}}, r.props)
	}

	require.Eventually(t, func() bool { return p.Subscribers(svc)[0].Seq == 4 }, time.Second, 5*time.Millisecond)
}

func TestPublisherFailedDeliveryKeepsSeq(t *testing.T) {
	cb, records := callbackServer(t, func(n int) int {
		if n == 1 {
			return 500
		}
		return 200
	})
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)

	sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	require.NoError(t, err)
	p.InitialNotify(sid, nil)
	assert.Equal(t, uint32(0), next(t, records).seq)

	require.NoError(t, svc.SetValue("TransportState", "PLAYING"))
	require.NoError(t, svc.SetValue("TransportState", "STOPPED"))

	r := next(t, records)
	assert.Equal(t, uint32(1), r.seq, "failed delivery must not consume a sequence number")
	assert.Equal(t, "STOPPED", r.props[0].Value)
	assert.Len(t, p.Subscribers(svc), 1, "subscriber kept after failure")
}

func TestPublisherDropsSubscriberWithFullQueue(t *testing.T) {
	p := NewPublisher(&transport.Client{}, WithMaxQueue(2))
	defer p.Close()
	svc := newTransportService(t)
	cb := mustURL(t, "http://127.0.0.1:1/cb")

	// the initial event never goes out, so nothing drains the queue
	_, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	require.NoError(t, err)

	require.NoError(t, svc.SetValue("TransportState", "PLAYING"))
	require.NoError(t, svc.SetValue("TransportState", "STOPPED"))
	assert.Len(t, p.Subscribers(svc), 1)

	require.NoError(t, svc.SetValue("TransportState", "PLAYING"))
	assert.Empty(t, p.Subscribers(svc))

	// the same callback may subscribe again
	_, _, err = p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	assert.NoError(t, err)
}

func TestPublisherCallbackFallback(t *testing.T) {
	cb, records := callbackServer(t, nil)
	dead := mustURL(t, "http://127.0.0.1:1/cb")
	p := NewPublisher(&transport.Client{DialTimeout: time.Second})
	defer p.Close()
	svc := newTransportService(t)

	sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{dead, cb}})
	require.NoError(t, err)
	p.InitialNotify(sid, nil)
	assert.Equal(t, uint32(0), next(t, records).seq)
}

func TestPublisherInitialNotifyOverConn(t *testing.T) {
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)
	cb := mustURL(t, "http://10.0.0.9:4004/cb/7")

	sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	require.NoError(t, err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	got := make(chan *transport.Message, 1)
	go func() {
		peer := transport.NewConn(b)
		req, err := peer.Receive()
		if err != nil {
			close(got)
			return
		}
		_ = peer.Send(transport.NewResponse(200, nil))
		got <- req
	}()

	p.InitialNotify(sid, transport.NewConn(a, transport.WithKeepAlive(true)))
	req := <-got
	require.NotNil(t, req)
	assert.Equal(t, "NOTIFY", req.Header.Method)
	assert.Equal(t, "/cb/7", req.Header.Target)
	assert.Equal(t, "10.0.0.9:4004", req.Header.Get("HOST"))
	assert.Equal(t, "upnp:event", req.Header.Get("NT"))
	assert.Equal(t, "upnp:propchange", req.Header.Get("NTS"))
	assert.Equal(t, sid, req.Header.Get("SID"))
	assert.Equal(t, "0", req.Header.Get("SEQ"))
	assert.Equal(t, uint32(1), p.Subscribers(svc)[0].Seq)
}

func TestPublisherRemoveService(t *testing.T) {
	cb, records := callbackServer(t, nil)
	p := NewPublisher(&transport.Client{})
	defer p.Close()
	svc := newTransportService(t)

	sid, _, err := p.AddSubscriber(svc, SubscribeRequest{Callbacks: []*url.URL{cb}})
	require.NoError(t, err)
	p.InitialNotify(sid, nil)
	next(t, records)

	p.RemoveService(svc)
	assert.Empty(t, p.Subscribers(svc))
	require.NoError(t, svc.SetValue("TransportState", "PLAYING"))
	select {
	case r := <-records:
		t.Fatalf("unexpected notify after teardown: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}
