package renderer

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tr1v3r/pkg/log"

	"github.com/tr1v3r/gupnp/internal/upnp"
)

// Transport states.
const (
	StateStopped       = "STOPPED"
	StatePlaying       = "PLAYING"
	StatePaused        = "PAUSED_PLAYBACK"
	StateTransitioning = "TRANSITIONING"
	StateNoMedia       = "NO_MEDIA_PRESENT"
)

const (
	ErrCodeTransitionNotAvailable = 701
	ErrCodeIllegalSeekTarget      = 711
)

const (
	zeroTime = "00:00:00"
	// UPnP AV "counter not implemented" value
	noCounter = int32(2147483647)
)

// FormatDuration renders seconds as H+:MM:SS.
func FormatDuration(seconds float64) string {
	if seconds < 0 {
		return zeroTime
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// ParseDuration parses H+:MM:SS[.F] into seconds.
func ParseDuration(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || sec < 0 || sec >= 60 {
		return 0, fmt.Errorf("invalid seconds in %q", s)
	}
	return float64(h*3600+m*60) + sec, nil
}

func (r *Renderer) avTransport() (*upnp.Service, error) {
	s := upnp.NewService(AVTransportType, AVTransportID)
	b := &builder{s: s}
	b.vars(
		upnp.StateVariable{Name: "A_ARG_TYPE_InstanceID", DataType: upnp.TypeUI4},
		upnp.StateVariable{
			Name: "TransportState", DataType: upnp.TypeString, DefaultValue: StateNoMedia, SendEvents: true,
			AllowedValues: []string{StateStopped, StatePlaying, StatePaused, StateTransitioning, StateNoMedia},
		},
		upnp.StateVariable{
			Name: "TransportStatus", DataType: upnp.TypeString, DefaultValue: "OK", SendEvents: true,
			AllowedValues: []string{"OK", "ERROR_OCCURRED"},
		},
		upnp.StateVariable{Name: "TransportPlaySpeed", DataType: upnp.TypeString, DefaultValue: "1", AllowedValues: []string{"1"}},
		upnp.StateVariable{Name: "PlaybackStorageMedium", DataType: upnp.TypeString, DefaultValue: "NETWORK", AllowedValues: []string{"NETWORK", "NONE"}},
		upnp.StateVariable{Name: "RecordStorageMedium", DataType: upnp.TypeString, DefaultValue: "NOT_IMPLEMENTED", AllowedValues: []string{"NOT_IMPLEMENTED"}},
		upnp.StateVariable{Name: "PossiblePlaybackStorageMedia", DataType: upnp.TypeString, DefaultValue: "NETWORK"},
		upnp.StateVariable{Name: "PossibleRecordStorageMedia", DataType: upnp.TypeString, DefaultValue: "NOT_IMPLEMENTED"},
		upnp.StateVariable{Name: "CurrentPlayMode", DataType: upnp.TypeString, DefaultValue: "NORMAL", AllowedValues: []string{"NORMAL"}},
		upnp.StateVariable{Name: "RecordMediumWriteStatus", DataType: upnp.TypeString, DefaultValue: "NOT_IMPLEMENTED", AllowedValues: []string{"NOT_IMPLEMENTED"}},
		upnp.StateVariable{Name: "CurrentRecordQualityMode", DataType: upnp.TypeString, DefaultValue: "NOT_IMPLEMENTED", AllowedValues: []string{"NOT_IMPLEMENTED"}},
		upnp.StateVariable{Name: "PossibleRecordQualityModes", DataType: upnp.TypeString, DefaultValue: "NOT_IMPLEMENTED"},
		upnp.StateVariable{Name: "NumberOfTracks", DataType: upnp.TypeUI4, Range: &upnp.Range{Min: 0, Max: 1}},
		upnp.StateVariable{Name: "CurrentTrack", DataType: upnp.TypeUI4, Range: &upnp.Range{Min: 0, Max: 1, Step: 1}},
		upnp.StateVariable{Name: "CurrentTrackDuration", DataType: upnp.TypeString, DefaultValue: zeroTime},
		upnp.StateVariable{Name: "CurrentMediaDuration", DataType: upnp.TypeString, DefaultValue: zeroTime},
		str("CurrentTrackMetaData", false),
		str("CurrentTrackURI", false),
		str("AVTransportURI", true),
		str("AVTransportURIMetaData", false),
		str("NextAVTransportURI", false),
		str("NextAVTransportURIMetaData", false),
		upnp.StateVariable{Name: "RelativeTimePosition", DataType: upnp.TypeString, DefaultValue: zeroTime},
		upnp.StateVariable{Name: "AbsoluteTimePosition", DataType: upnp.TypeString, DefaultValue: zeroTime},
		upnp.StateVariable{Name: "RelativeCounterPosition", DataType: upnp.TypeI4, DefaultValue: "2147483647"},
		upnp.StateVariable{Name: "AbsoluteCounterPosition", DataType: upnp.TypeI4, DefaultValue: "2147483647"},
		str("A_ARG_TYPE_SeekMode", false, "REL_TIME", "ABS_TIME"),
		str("A_ARG_TYPE_SeekTarget", false),
	)
	if b.err != nil {
		return nil, b.err
	}

	instance := upnp.In("InstanceID", "A_ARG_TYPE_InstanceID")
	value := func(name string) any {
		v, _ := s.Value(name)
		return v
	}
	transportState := func() string {
		st, _ := value("TransportState").(string)
		return st
	}
	setState := func(ctx context.Context, st string, extra ...any) {
		if err := s.SetValues(upnp.Args(append([]any{"TransportState", st}, extra...)...)); err != nil {
			log.CtxError(ctx, "set transport state fail state=%s err=%v", st, err)
		}
	}

	b.action("SetAVTransportURI", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		uri, _ := in.Get("CurrentURI")
		meta, _ := in.Get("CurrentURIMetaData")
		if uri == "" {
			return nil, s.SetValues(upnp.Args(
				"TransportState", StateNoMedia, "AVTransportURI", "", "AVTransportURIMetaData", "",
				"CurrentTrackURI", "", "CurrentTrackMetaData", "", "NumberOfTracks", uint32(0), "CurrentTrack", uint32(0),
			))
		}
		if m, _ := meta.(string); m != "" {
			if d, err := ParseMetaData(m); err != nil {
				log.CtxDebug(ctx, "unparsable uri metadata: %v", err)
			} else if title := d.Title(); title != "" {
				log.CtxInfo(ctx, "media selected title=%q uri=%s", title, uri)
				if err := r.player.SetTitle(ctx, title); err != nil {
					log.CtxDebug(ctx, "player set title fail: %v", err)
				}
			}
		}
		next := transportState()
		if next == StateNoMedia {
			next = StateStopped
		}
		return nil, s.SetValues(upnp.Args(
			"TransportState", next, "TransportStatus", "OK",
			"AVTransportURI", uri, "AVTransportURIMetaData", meta,
			"CurrentTrackURI", uri, "CurrentTrackMetaData", meta,
			"NumberOfTracks", uint32(1), "CurrentTrack", uint32(1),
		))
	}, instance, upnp.In("CurrentURI", "AVTransportURI"), upnp.In("CurrentURIMetaData", "AVTransportURIMetaData"))

	b.action("Play", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		uri, _ := value("AVTransportURI").(string)
		if uri == "" {
			return nil, upnp.NewActionError(ErrCodeNoContents, "No content selected")
		}
		vol, _ := r.RenderingControl.Value("Volume")
		volume, _ := vol.(uint16)
		setState(ctx, StateTransitioning)

		ctx = context.WithoutCancel(ctx)
		r.async(func() {
			if err := r.player.Play(ctx, uri, int(volume)); err != nil {
				log.CtxError(ctx, "player play fail uri=%s err=%v", uri, err)
				setState(ctx, StateStopped, "TransportStatus", "ERROR_OCCURRED")
				return
			}
			setState(ctx, StatePlaying)
		})
		return nil, nil
	}, instance, upnp.In("Speed", "TransportPlaySpeed"))

	b.action("Pause", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		if st := transportState(); st != StatePlaying && st != StateTransitioning {
			return nil, upnp.NewActionError(ErrCodeTransitionNotAvailable, "Transition not available from %s", st)
		}
		ctx = context.WithoutCancel(ctx)
		r.async(func() {
			if err := r.player.Pause(ctx); err != nil {
				log.CtxError(ctx, "player pause fail: %v", err)
				return
			}
			setState(ctx, StatePaused)
		})
		return nil, nil
	}, instance)

	b.action("Stop", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		if transportState() == StateNoMedia {
			return nil, upnp.NewActionError(ErrCodeTransitionNotAvailable, "Transition not available from %s", StateNoMedia)
		}
		ctx = context.WithoutCancel(ctx)
		r.async(func() {
			if err := r.player.Stop(ctx); err != nil {
				log.CtxError(ctx, "player stop fail: %v", err)
			}
			setState(ctx, StateStopped, "RelativeTimePosition", zeroTime, "AbsoluteTimePosition", zeroTime)
		})
		return nil, nil
	}, instance)

	b.action("Seek", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		if transportState() == StateNoMedia {
			return nil, upnp.NewActionError(ErrCodeTransitionNotAvailable, "Transition not available from %s", StateNoMedia)
		}
		target, _ := in.Get("Target")
		seconds, err := ParseDuration(target.(string))
		if err != nil {
			return nil, &upnp.ActionError{Code: ErrCodeIllegalSeekTarget, Description: "Illegal seek target", Err: err}
		}
		if err := r.player.Seek(ctx, seconds); err != nil {
			return nil, playerFailed(err)
		}
		pos := FormatDuration(seconds)
		return nil, s.SetValues(upnp.Args("RelativeTimePosition", pos, "AbsoluteTimePosition", pos))
	}, instance, upnp.In("Unit", "A_ARG_TYPE_SeekMode"), upnp.In("Target", "A_ARG_TYPE_SeekTarget"))

	b.action("GetTransportInfo", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		return upnp.Args(
			"CurrentTransportState", value("TransportState"),
			"CurrentTransportStatus", value("TransportStatus"),
			"CurrentSpeed", value("TransportPlaySpeed"),
		), nil
	},
		instance,
		upnp.Out("CurrentTransportState", "TransportState"),
		upnp.Out("CurrentTransportStatus", "TransportStatus"),
		upnp.Out("CurrentSpeed", "TransportPlaySpeed"),
	)

	duration := func(ctx context.Context) string {
		d, err := r.player.GetDuration(ctx)
		if err != nil || d <= 0 {
			return value("CurrentTrackDuration").(string)
		}
		return FormatDuration(d)
	}

	b.action("GetPositionInfo", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		rel := value("RelativeTimePosition").(string)
		if transportState() != StateNoMedia {
			if pos, err := r.player.GetPosition(ctx); err == nil {
				rel = FormatDuration(pos)
			}
		}
		return upnp.Args(
			"Track", value("CurrentTrack"),
			"TrackDuration", duration(ctx),
			"TrackMetaData", value("CurrentTrackMetaData"),
			"TrackURI", value("CurrentTrackURI"),
			"RelTime", rel,
			"AbsTime", rel,
			"RelCount", noCounter,
			"AbsCount", noCounter,
		), nil
	},
		instance,
		upnp.Out("Track", "CurrentTrack"),
		upnp.Out("TrackDuration", "CurrentTrackDuration"),
		upnp.Out("TrackMetaData", "CurrentTrackMetaData"),
		upnp.Out("TrackURI", "CurrentTrackURI"),
		upnp.Out("RelTime", "RelativeTimePosition"),
		upnp.Out("AbsTime", "AbsoluteTimePosition"),
		upnp.Out("RelCount", "RelativeCounterPosition"),
		upnp.Out("AbsCount", "AbsoluteCounterPosition"),
	)

	b.action("GetMediaInfo", func(ctx context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		return upnp.Args(
			"NrTracks", value("NumberOfTracks"),
			"MediaDuration", duration(ctx),
			"CurrentURI", value("AVTransportURI"),
			"CurrentURIMetaData", value("AVTransportURIMetaData"),
			"NextURI", value("NextAVTransportURI"),
			"NextURIMetaData", value("NextAVTransportURIMetaData"),
			"PlayMedium", value("PlaybackStorageMedium"),
			"RecordMedium", value("RecordStorageMedium"),
			"WriteStatus", value("RecordMediumWriteStatus"),
		), nil
	},
		instance,
		upnp.Out("NrTracks", "NumberOfTracks"),
		upnp.Out("MediaDuration", "CurrentMediaDuration"),
		upnp.Out("CurrentURI", "AVTransportURI"),
		upnp.Out("CurrentURIMetaData", "AVTransportURIMetaData"),
		upnp.Out("NextURI", "NextAVTransportURI"),
		upnp.Out("NextURIMetaData", "NextAVTransportURIMetaData"),
		upnp.Out("PlayMedium", "PlaybackStorageMedium"),
		upnp.Out("RecordMedium", "RecordStorageMedium"),
		upnp.Out("WriteStatus", "RecordMediumWriteStatus"),
	)

	b.action("GetTransportSettings", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		return upnp.Args("PlayMode", value("CurrentPlayMode"), "RecQualityMode", value("CurrentRecordQualityMode")), nil
	}, instance, upnp.Out("PlayMode", "CurrentPlayMode"), upnp.Out("RecQualityMode", "CurrentRecordQualityMode"))

	b.action("GetDeviceCapabilities", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if err := checkInstance(in); err != nil {
			return nil, err
		}
		return upnp.Args(
			"PlayMedia", value("PossiblePlaybackStorageMedia"),
			"RecMedia", value("PossibleRecordStorageMedia"),
			"RecQualityModes", value("PossibleRecordQualityModes"),
		), nil
	},
		instance,
		upnp.Out("PlayMedia", "PossiblePlaybackStorageMedia"),
		upnp.Out("RecMedia", "PossibleRecordStorageMedia"),
		upnp.Out("RecQualityModes", "PossibleRecordQualityModes"),
	)

	return s, b.err
}
