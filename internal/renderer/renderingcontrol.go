package renderer

import (
	"context"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/upnp"
)

const defaultVolume = "30"

func (r *Renderer) renderingControl() (*upnp.Service, error) {
	s := upnp.NewService(RenderingControlType, RenderingControlID)
	b := &builder{s: s}
	b.vars(
		upnp.StateVariable{Name: "A_ARG_TYPE_InstanceID", DataType: upnp.TypeUI4},
		str("A_ARG_TYPE_Channel", false, "Master"),
		str("PresetNameList", false),
		str("A_ARG_TYPE_PresetName", false, "FactoryDefaults"),
		upnp.StateVariable{
			Name: "Volume", DataType: upnp.TypeUI2, DefaultValue: defaultVolume,
			Range: &upnp.Range{Min: 0, Max: 100, Step: 1}, SendEvents: true,
		},
		upnp.StateVariable{Name: "Mute", DataType: upnp.TypeBoolean, SendEvents: true},
	)
	if b.err != nil {
		return nil, b.err
	}
	if err := s.SetValue("PresetNameList", "FactoryDefaults"); err != nil {
		return nil, err
	}

	instance := upnp.In("InstanceID", "A_ARG_TYPE_InstanceID")
	channel := upnp.In("Channel", "A_ARG_TYPE_Channel")

	b.action("GetVolume", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		v, _ := s.Value("Volume")
		return upnp.Args("CurrentVolume", v), nil
	}, instance, channel, upnp.Out("CurrentVolume", "Volume"))

	b.action("SetVolume", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		v, _ := in.Get("DesiredVolume")
		if err := r.player.SetVolume(ctx, int(v.(uint16))); err != nil {
			log.CtxError(ctx, "player set volume fail: %v", err)
			return nil, playerFailed(err)
		}
		return nil, s.SetValue("Volume", v)
	}, instance, channel, upnp.In("DesiredVolume", "Volume"))

	b.action("GetMute", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		m, _ := s.Value("Mute")
		return upnp.Args("CurrentMute", m), nil
	}, instance, channel, upnp.Out("CurrentMute", "Mute"))

	b.action("SetMute", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		m, _ := in.Get("DesiredMute")
		if err := r.player.SetMute(ctx, m.(bool)); err != nil {
			log.CtxError(ctx, "player set mute fail: %v", err)
			return nil, playerFailed(err)
		}
		return nil, s.SetValue("Mute", m)
	}, instance, channel, upnp.In("DesiredMute", "Mute"))

	b.action("ListPresets", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		l, _ := s.Value("PresetNameList")
		return upnp.Args("CurrentPresetNameList", l), nil
	}, instance, upnp.Out("CurrentPresetNameList", "PresetNameList"))

	b.action("SelectPreset", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		zero := s.StateVariable("Volume").Zero()
		if err := r.player.SetVolume(ctx, int(zero.(uint16))); err != nil {
			return nil, playerFailed(err)
		}
		if err := r.player.SetMute(ctx, false); err != nil {
			return nil, playerFailed(err)
		}
		return nil, s.SetValues(upnp.Args("Volume", zero, "Mute", false))
	}, instance, upnp.In("PresetName", "A_ARG_TYPE_PresetName"))

	return s, b.err
}
