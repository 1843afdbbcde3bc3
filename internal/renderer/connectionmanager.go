package renderer

import (
	"context"
	"strings"

	"github.com/tr1v3r/gupnp/internal/upnp"
)

// dlnaParams announces range seek (OP=01) and streaming transfer flags.
const dlnaParams = "DLNA.ORG_PN=AVC_MP4_BL_CIF15_AAC_520;DLNA.ORG_OP=01;DLNA.ORG_FLAGS=01700000000000000000000000000000"

var sinkTypes = []string{
	"video/mp4",
	"video/mpeg",
	"video/x-ms-wmv",
	"video/x-ms-avi",
	"video/mkv",
	"audio/mpeg",
	"application/x-mpegurl",
	"application/vnd.apple.mpegurl",
}

// SinkProtocolInfo lists the protocols the renderer accepts.
func SinkProtocolInfo() string {
	sinks := []string{"http-get:*:*:*", "http-get:*:video/*:*"}
	for _, t := range sinkTypes {
		sinks = append(sinks, "http-get:*:"+t+":"+dlnaParams)
	}
	return strings.Join(sinks, ",")
}

func (r *Renderer) connectionManager() (*upnp.Service, error) {
	s := upnp.NewService(ConnectionManagerType, ConnectionManagerID)
	b := &builder{s: s}
	b.vars(
		str("SourceProtocolInfo", true),
		str("SinkProtocolInfo", true),
		str("CurrentConnectionIDs", true),
		str("A_ARG_TYPE_ConnectionStatus", false, "OK", "ContentFormatMismatch", "InsufficientBandwidth", "UnreliableChannel", "Unknown"),
		str("A_ARG_TYPE_ConnectionManager", false),
		str("A_ARG_TYPE_Direction", false, "Input", "Output"),
		str("A_ARG_TYPE_ProtocolInfo", false),
		upnp.StateVariable{Name: "A_ARG_TYPE_ConnectionID", DataType: upnp.TypeI4},
		upnp.StateVariable{Name: "A_ARG_TYPE_AVTransportID", DataType: upnp.TypeI4},
		upnp.StateVariable{Name: "A_ARG_TYPE_RcsID", DataType: upnp.TypeI4},
	)
	if b.err != nil {
		return nil, b.err
	}
	// a renderer is a sink only
	if err := s.SetValues(upnp.Args("SinkProtocolInfo", SinkProtocolInfo(), "CurrentConnectionIDs", "0")); err != nil {
		return nil, err
	}

	b.action("GetProtocolInfo", func(context.Context, upnp.Arguments) (upnp.Arguments, error) {
		source, _ := s.Value("SourceProtocolInfo")
		sink, _ := s.Value("SinkProtocolInfo")
		return upnp.Args("Source", source, "Sink", sink), nil
	}, upnp.Out("Source", "SourceProtocolInfo"), upnp.Out("Sink", "SinkProtocolInfo"))

	b.action("GetCurrentConnectionIDs", func(context.Context, upnp.Arguments) (upnp.Arguments, error) {
		ids, _ := s.Value("CurrentConnectionIDs")
		return upnp.Args("ConnectionIDs", ids), nil
	}, upnp.Out("ConnectionIDs", "CurrentConnectionIDs"))

	b.action("GetCurrentConnectionInfo", func(_ context.Context, in upnp.Arguments) (upnp.Arguments, error) {
		if id, _ := in.Get("ConnectionID"); id != int32(0) {
			return nil, upnp.NewActionError(ErrCodeInvalidConnection, "Invalid connection reference")
		}
		return upnp.Args(
			"RcsID", int32(0),
			"AVTransportID", int32(0),
			"ProtocolInfo", "http-get:*:video/mp4:*",
			"PeerConnectionManager", "",
			"PeerConnectionID", int32(-1),
			"Direction", "Input",
			"Status", "OK",
		), nil
	},
		upnp.In("ConnectionID", "A_ARG_TYPE_ConnectionID"),
		upnp.Out("RcsID", "A_ARG_TYPE_RcsID"),
		upnp.Out("AVTransportID", "A_ARG_TYPE_AVTransportID"),
		upnp.Out("ProtocolInfo", "A_ARG_TYPE_ProtocolInfo"),
		upnp.Out("PeerConnectionManager", "A_ARG_TYPE_ConnectionManager"),
		upnp.Out("PeerConnectionID", "A_ARG_TYPE_ConnectionID"),
		upnp.Out("Direction", "A_ARG_TYPE_Direction"),
		upnp.Out("Status", "A_ARG_TYPE_ConnectionStatus"),
	)

	return s, b.err
}
