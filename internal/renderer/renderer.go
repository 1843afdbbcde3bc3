// Package renderer is a sample MediaRenderer device: RenderingControl,
// ConnectionManager and AVTransport served by local handlers.
package renderer

import (
	"context"
	"fmt"
	"sync"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/upnp"
)

const (
	DeviceType = "urn:schemas-upnp-org:device:MediaRenderer:1"

	AVTransportType       = "urn:schemas-upnp-org:service:AVTransport:1"
	RenderingControlType  = "urn:schemas-upnp-org:service:RenderingControl:1"
	ConnectionManagerType = "urn:schemas-upnp-org:service:ConnectionManager:1"

	AVTransportID       = "urn:upnp-org:serviceId:AVTransport"
	RenderingControlID  = "urn:upnp-org:serviceId:RenderingControl"
	ConnectionManagerID = "urn:upnp-org:serviceId:ConnectionManager"
)

// Error codes of the AV services.
const (
	ErrCodeNoContents        = 714
	ErrCodeInvalidConnection = 706
	ErrCodeInvalidInstanceID = 718
)

// Player renders media for the device.
type Player interface {
	Play(ctx context.Context, uri string, volume int) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, v int) error
	SetMute(ctx context.Context, m bool) error
	SetTitle(ctx context.Context, title string) error
	Seek(ctx context.Context, seconds float64) error
	GetPosition(ctx context.Context) (float64, error)
	GetDuration(ctx context.Context) (float64, error)
}

// Renderer is the sample device and the player it drives.
type Renderer struct {
	Device *upnp.Device

	AVTransport       *upnp.Service
	RenderingControl  *upnp.Service
	ConnectionManager *upnp.Service

	player Player
	wg     sync.WaitGroup

	mu   sync.Mutex
	last chan struct{}
}

// New builds a renderer device with UDN udn. A nil player only tracks state.
func New(udn, friendlyName string, p Player) (*Renderer, error) {
	if p == nil {
		p = &NopPlayer{}
	}
	r := &Renderer{
		Device: &upnp.Device{
			UDN:              udn,
			DeviceType:       DeviceType,
			FriendlyName:     friendlyName,
			Manufacturer:     "tr1v3r",
			ManufacturerURL:  "https://github.com/tr1v3r/gupnp",
			ModelDescription: "UPnP media renderer",
			ModelName:        "gupnp renderer",
			ModelNumber:      "1",
		},
		player: p,
	}

	var err error
	if r.AVTransport, err = r.avTransport(); err != nil {
		return nil, fmt.Errorf("build AVTransport: %w", err)
	}
	if r.RenderingControl, err = r.renderingControl(); err != nil {
		return nil, fmt.Errorf("build RenderingControl: %w", err)
	}
	if r.ConnectionManager, err = r.connectionManager(); err != nil {
		return nil, fmt.Errorf("build ConnectionManager: %w", err)
	}
	for _, s := range []*upnp.Service{r.AVTransport, r.RenderingControl, r.ConnectionManager} {
		if err := r.Device.AddService(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Wait blocks until background player calls are done.
func (r *Renderer) Wait() { r.wg.Wait() }

// async runs fn after every previously queued call.
func (r *Renderer) async(fn func()) {
	r.mu.Lock()
	prev, done := r.last, make(chan struct{})
	r.last = done
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
}

// builder collects the first error of a sequence of declarations.
type builder struct {
	s   *upnp.Service
	err error
}

func (b *builder) vars(vs ...upnp.StateVariable) {
	for _, v := range vs {
		if b.err == nil {
			b.err = b.s.AddStateVariable(v)
		}
	}
}

func (b *builder) action(name string, h upnp.HandlerFunc, args ...upnp.ArgumentDef) {
	if b.err != nil {
		return
	}
	a, err := b.s.AddAction(name, args...)
	if err != nil {
		b.err = err
		return
	}
	b.err = a.Bind(h)
}

func str(name string, evented bool, allowed ...string) upnp.StateVariable {
	return upnp.StateVariable{Name: name, DataType: upnp.TypeString, SendEvents: evented, AllowedValues: allowed}
}

func checkInstance(in upnp.Arguments) error {
	if id, _ := in.Get("InstanceID"); id != uint32(0) {
		return upnp.NewActionError(ErrCodeInvalidInstanceID, "Invalid InstanceID")
	}
	return nil
}

func playerFailed(err error) error {
	return &upnp.ActionError{Code: upnp.ErrCodeActionFailed, Description: "Action Failed", Err: err}
}

// NopPlayer keeps playback state without rendering anything.
type NopPlayer struct {
	mu       sync.Mutex
	URI      string
	Title    string
	Playing  bool
	Volume   int
	Muted    bool
	Position float64
}

func (p *NopPlayer) Play(ctx context.Context, uri string, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.URI != uri {
		p.Position = 0
	}
	p.URI, p.Volume, p.Playing = uri, volume, true
	log.CtxDebug(ctx, "play uri=%s volume=%d", uri, volume)
	return nil
}

func (p *NopPlayer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Playing = false
	return nil
}

func (p *NopPlayer) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Playing, p.Position = false, 0
	return nil
}

func (p *NopPlayer) SetVolume(_ context.Context, v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Volume = v
	return nil
}

func (p *NopPlayer) SetMute(_ context.Context, m bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Muted = m
	return nil
}

func (p *NopPlayer) SetTitle(_ context.Context, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Title = title
	return nil
}

func (p *NopPlayer) Seek(_ context.Context, seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Position = seconds
	return nil
}

func (p *NopPlayer) GetPosition(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Position, nil
}

func (p *NopPlayer) GetDuration(context.Context) (float64, error) { return 0, nil }
