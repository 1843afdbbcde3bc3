package upnp

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRenderingControl(t *testing.T) *Service {
	t.Helper()
	s := NewService("urn:schemas-upnp-org:service:RenderingControl:1", "urn:upnp-org:serviceId:RenderingControl")
	require.NoError(t, s.AddStateVariable(StateVariable{Name: "A_ARG_TYPE_InstanceID", DataType: TypeUI4}))
	require.NoError(t, s.AddStateVariable(StateVariable{Name: "A_ARG_TYPE_Channel", DataType: TypeString, AllowedValues: []string{"Master"}}))
	require.NoError(t, s.AddStateVariable(StateVariable{Name: "Volume", DataType: TypeUI2, DefaultValue: "50", Range: &Range{Min: 0, Max: 100, Step: 1}, SendEvents: true}))
	require.NoError(t, s.AddStateVariable(StateVariable{Name: "Mute", DataType: TypeBoolean, SendEvents: true}))
	_, err := s.AddAction("SetVolume", In("InstanceID", "A_ARG_TYPE_InstanceID"), In("Channel", "A_ARG_TYPE_Channel"), In("DesiredVolume", "Volume"))
	require.NoError(t, err)
	_, err = s.AddAction("GetVolume", In("InstanceID", "A_ARG_TYPE_InstanceID"), In("Channel", "A_ARG_TYPE_Channel"), Out("CurrentVolume", "Volume"))
	require.NoError(t, err)
	return s
}

func TestDataTypeParse(t *testing.T) {
	tests := []struct {
		typ     DataType
		in      string
		want    any
		wantErr error
	}{
		{TypeUI1, "255", uint8(255), nil},
		{TypeUI1, "256", nil, errRange},
		{TypeUI4, "4294967295", uint32(math.MaxUint32), nil},
		{TypeUI4, "4294967296", nil, errRange},
		{TypeUI4, "-1", nil, errSyntax},
		{TypeI4, "-2147483648", int32(math.MinInt32), nil},
		{TypeI2, "40000", nil, errRange},
		{TypeInt, "-7", int64(-7), nil},
		{TypeR4, "1.5", float32(1.5), nil},
		{TypeR8, "2.25", 2.25, nil},
		{TypeBoolean, "1", true, nil},
		{TypeBoolean, "false", false, nil},
		{TypeBoolean, "maybe", nil, errSyntax},
		{TypeChar, "x", "x", nil},
		{TypeChar, "xy", nil, errSyntax},
		{TypeBinHex, "cafe", []byte{0xca, 0xfe}, nil},
		{TypeBinBase64, "aGk=", []byte("hi"), nil},
		{TypeString, " padded ", "padded", nil},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+tt.in, func(t *testing.T) {
			got, err := tt.typ.Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDataTypeFormatIsStrict(t *testing.T) {
	s, err := TypeUI4.Format(uint32(4000000000))
	require.NoError(t, err)
	assert.Equal(t, "4000000000", s)

	_, err = TypeUI4.Format(4000000000)
	assert.Error(t, err, "int must not be coerced to ui4")

	s, err = TypeBoolean.Format(true)
	require.NoError(t, err)
	assert.Equal(t, "1", s)
}

func TestStateVariableCheck(t *testing.T) {
	s := newRenderingControl(t)
	vol := s.StateVariable("Volume")
	require.NotNil(t, vol)

	assert.NoError(t, vol.Check(uint16(100)))
	assert.Equal(t, ErrCodeArgumentValueOutOfRange, ErrorCode(vol.Check(uint16(101))))
	assert.Equal(t, ErrCodeArgumentValueInvalid, ErrorCode(vol.Check(int(5))))

	ch := s.StateVariable("A_ARG_TYPE_Channel")
	assert.NoError(t, ch.Check("Master"))
	assert.Equal(t, ErrCodeArgumentValueInvalid, ErrorCode(ch.Check("LF")))

	stepped := &StateVariable{Name: "Step", DataType: TypeI4, Range: &Range{Min: 0, Max: 10, Step: 2}}
	assert.NoError(t, stepped.Check(int32(4)))
	assert.Equal(t, ErrCodeArgumentValueOutOfRange, ErrorCode(stepped.Check(int32(3))))

	_, err := vol.ParseValue("70000")
	assert.Equal(t, ErrCodeArgumentValueOutOfRange, ErrorCode(err))
}

func TestActionCheckInputs(t *testing.T) {
	s := newRenderingControl(t)
	a := s.Action("SetVolume")
	require.NotNil(t, a)

	ok := Args("InstanceID", uint32(0), "Channel", "Master", "DesiredVolume", uint16(30))
	assert.NoError(t, a.CheckInputs(ok))

	tests := []struct {
		name string
		in   Arguments
		code int
	}{
		{"missing", Args("InstanceID", uint32(0), "Channel", "Master"), ErrCodeInvalidArgs},
		{"unknown name", Args("InstanceID", uint32(0), "Channel", "Master", "Volume", uint16(3)), ErrCodeInvalidArgs},
		{"duplicate", Args("InstanceID", uint32(0), "InstanceID", uint32(0), "DesiredVolume", uint16(3)), ErrCodeInvalidArgs},
		{"wrong type", Args("InstanceID", 0, "Channel", "Master", "DesiredVolume", uint16(3)), ErrCodeArgumentValueInvalid},
		{"out of range", Args("InstanceID", uint32(0), "Channel", "Master", "DesiredVolume", uint16(300)), ErrCodeArgumentValueOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CheckInputs(tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.code, ErrorCode(err))
		})
	}
}

func TestActionBindOnce(t *testing.T) {
	s := newRenderingControl(t)
	a := s.Action("GetVolume")
	h := HandlerFunc(func(context.Context, Arguments) (Arguments, error) { return nil, nil })

	require.NoError(t, a.Bind(h))
	assert.ErrorIs(t, a.Bind(h), ErrAlreadyBound)
	assert.Equal(t, LocalHandler, a.Handler().Kind())
}

func TestActionParseAndFormat(t *testing.T) {
	s := newRenderingControl(t)
	a := s.Action("SetVolume")

	in, err := a.ParseInputs([]RawArgument{{"DesiredVolume", "42"}, {"InstanceID", "0"}, {"Channel", "Master"}})
	require.NoError(t, err)
	assert.Equal(t, Args("InstanceID", uint32(0), "Channel", "Master", "DesiredVolume", uint16(42)), in)

	raw, err := a.FormatArgs(in)
	require.NoError(t, err)
	assert.Equal(t, []RawArgument{{"InstanceID", "0"}, {"Channel", "Master"}, {"DesiredVolume", "42"}}, raw)
}

func TestServiceValuesAndObservers(t *testing.T) {
	s := newRenderingControl(t)

	v, ok := s.Value("Volume")
	require.True(t, ok)
	assert.Equal(t, uint16(50), v)

	var got [][]Property
	cancel := s.OnChange(func(props []Property) { got = append(got, props) })

	require.NoError(t, s.SetValues(Args("Volume", uint16(10), "Mute", true)))
	require.NoError(t, s.SetValue("A_ARG_TYPE_InstanceID", uint32(1)))
	assert.Error(t, s.SetValue("Volume", uint16(101)))
	assert.ErrorIs(t, s.SetValue("Nope", 1), ErrUnknownVariable)

	require.Len(t, got, 1, "non-evented change must not notify")
	assert.Equal(t, []Property{{"Volume", "10"}, {"Mute", "1"}}, got[0])

	cancel()
	require.NoError(t, s.SetValue("Mute", false))
	assert.Len(t, got, 1)
}

func TestServiceApplyEvent(t *testing.T) {
	s := newRenderingControl(t)
	applied, err := s.ApplyEvent([]Property{{"Volume", "7"}, {"Unknown", "x"}})
	assert.ErrorIs(t, err, ErrUnknownVariable)
	assert.Equal(t, Args("Volume", uint16(7)), applied)

	v, _ := s.Value("Volume")
	assert.Equal(t, uint16(7), v)
}

func TestSOAPRoundTrip(t *testing.T) {
	st := "urn:schemas-upnp-org:service:RenderingControl:1"
	body := BuildSOAPRequest(st, "SetVolume", []RawArgument{{"InstanceID", "0"}, {"DesiredVolume", "<5&>"}})

	msg, err := ParseSOAP(body)
	require.NoError(t, err)
	assert.Equal(t, "SetVolume", msg.Action)
	assert.Equal(t, st, msg.Namespace)
	assert.Equal(t, []RawArgument{{"InstanceID", "0"}, {"DesiredVolume", "<5&>"}}, msg.Args)
	assert.Nil(t, msg.Fault)

	resp, err := ParseSOAP(BuildSOAPResponse(st, "GetVolume", []RawArgument{{"CurrentVolume", "9"}}))
	require.NoError(t, err)
	assert.Equal(t, "GetVolumeResponse", resp.Action)

	fault, err := ParseSOAP(BuildSOAPFault(ErrCodeArgumentValueOutOfRange, "too loud"))
	require.NoError(t, err)
	require.NotNil(t, fault.Fault)
	assert.Equal(t, 601, fault.Fault.Code)
	assert.Equal(t, "too loud", fault.Fault.Description)

	_, err = ParseSOAP([]byte("<notsoap/>"))
	assert.ErrorIs(t, err, ErrInvalidSOAP)
}

func TestParseSOAPAction(t *testing.T) {
	st, a := ParseSOAPAction(SOAPActionHeader("urn:schemas-upnp-org:service:AVTransport:1", "Play"))
	assert.Equal(t, "urn:schemas-upnp-org:service:AVTransport:1", st)
	assert.Equal(t, "Play", a)
}

func TestPropertySet(t *testing.T) {
	props := []Property{{"TransportState", "PLAYING"}, {"LastChange", `<Event val="1"/>`}}
	body := EncodePropertySet(props)
	assert.True(t, strings.Contains(string(body), `xmlns:e="urn:schemas-upnp-org:event-1-0"`))

	got, err := DecodePropertySet(body)
	require.NoError(t, err)
	assert.Equal(t, props, got)

	_, err = DecodePropertySet([]byte("garbage"))
	assert.Error(t, err)
}

func TestDescriptionRoundTrip(t *testing.T) {
	s := newRenderingControl(t)
	s.SCPDURL, s.ControlURL, s.EventSubURL = "/d/rc/scpd.xml", "/d/rc/control", "/d/rc/event"
	d := &Device{UDN: "uuid:1234", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1", FriendlyName: "Test", Manufacturer: "m", ModelName: "x"}
	require.NoError(t, d.AddService(s))
	assert.ErrorIs(t, d.AddService(s), ErrDuplicate)
	assert.Equal(t, "uuid:1234/urn:upnp-org:serviceId:RenderingControl", s.Key())

	dd, err := DeviceDescription(d, "")
	require.NoError(t, err)
	parsed, _, err := ParseDeviceDescription(dd)
	require.NoError(t, err)
	assert.Equal(t, "uuid:1234", parsed.UDN)
	require.Len(t, parsed.Services(), 1)
	ps := parsed.Service("RenderingControl")
	require.NotNil(t, ps)
	assert.Equal(t, "/d/rc/control", ps.ControlURL)

	scpd, err := ServiceDescription(s)
	require.NoError(t, err)
	require.NoError(t, ParseServiceDescription(scpd, ps))

	vol := ps.StateVariable("Volume")
	require.NotNil(t, vol)
	assert.Equal(t, TypeUI2, vol.DataType)
	assert.True(t, vol.SendEvents)
	assert.Equal(t, &Range{Min: 0, Max: 100, Step: 1}, vol.Range)
	assert.Equal(t, []string{"Master"}, ps.StateVariable("A_ARG_TYPE_Channel").AllowedValues)

	get := ps.Action("GetVolume")
	require.NotNil(t, get)
	assert.Len(t, get.InArgs(), 2)
	assert.Equal(t, []ArgumentDef{Out("CurrentVolume", "Volume")}, get.OutArgs())
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, 0, ErrorCode(nil))
	assert.Equal(t, ErrCodeActionFailed, ErrorCode(errors.New("x")))
	wrapped := &ActionError{Code: 718, Description: "conflict", Err: context.DeadlineExceeded}
	assert.Equal(t, 718, ErrorCode(wrapped))
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}
