package upnp

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

type specVersion struct {
	Major int `xml:"major"`
	Minor int `xml:"minor"`
}

var version10 = specVersion{Major: 1, Minor: 0}

type rootXML struct {
	XMLName     xml.Name    `xml:"urn:schemas-upnp-org:device-1-0 root"`
	SpecVersion specVersion `xml:"specVersion"`
	URLBase     string      `xml:"URLBase,omitempty"`
	Device      deviceXML   `xml:"device"`
}

type deviceXML struct {
	DeviceType       string       `xml:"deviceType"`
	FriendlyName     string       `xml:"friendlyName"`
	Manufacturer     string       `xml:"manufacturer"`
	ManufacturerURL  string       `xml:"manufacturerURL,omitempty"`
	ModelDescription string       `xml:"modelDescription,omitempty"`
	ModelName        string       `xml:"modelName"`
	ModelNumber      string       `xml:"modelNumber,omitempty"`
	SerialNumber     string       `xml:"serialNumber,omitempty"`
	UDN              string       `xml:"UDN"`
	Services         []serviceXML `xml:"serviceList>service"`
	Devices          []deviceXML  `xml:"deviceList>device"`
	PresentationURL  string       `xml:"presentationURL,omitempty"`
}

type serviceXML struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

type scpdXML struct {
	XMLName     xml.Name      `xml:"urn:schemas-upnp-org:service-1-0 scpd"`
	SpecVersion specVersion   `xml:"specVersion"`
	Actions     []actionXML   `xml:"actionList>action"`
	Variables   []variableXML `xml:"serviceStateTable>stateVariable"`
}

type actionXML struct {
	Name      string        `xml:"name"`
	Arguments []argumentXML `xml:"argumentList>argument"`
}

type argumentXML struct {
	Name                 string    `xml:"name"`
	Direction            string    `xml:"direction"`
	Retval               *struct{} `xml:"retval"`
	RelatedStateVariable string    `xml:"relatedStateVariable"`
}

type variableXML struct {
	SendEvents    string    `xml:"sendEvents,attr"`
	Name          string    `xml:"name"`
	DataType      string    `xml:"dataType"`
	DefaultValue  string    `xml:"defaultValue,omitempty"`
	AllowedValues []string  `xml:"allowedValueList>allowedValue"`
	Range         *rangeXML `xml:"allowedValueRange"`
}

type rangeXML struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
	Step    string `xml:"step,omitempty"`
}

func marshalDoc(v any) ([]byte, error) {
	out, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

func deviceToXML(d *Device) deviceXML {
	x := deviceXML{
		DeviceType:       d.DeviceType,
		FriendlyName:     d.FriendlyName,
		Manufacturer:     d.Manufacturer,
		ManufacturerURL:  d.ManufacturerURL,
		ModelDescription: d.ModelDescription,
		ModelName:        d.ModelName,
		ModelNumber:      d.ModelNumber,
		SerialNumber:     d.SerialNumber,
		UDN:              d.UDN,
		PresentationURL:  d.PresentationURL,
	}
	for _, s := range d.Services() {
		x.Services = append(x.Services, serviceXML{
			ServiceType: s.ServiceType,
			ServiceID:   s.ServiceID,
			SCPDURL:     s.SCPDURL,
			ControlURL:  s.ControlURL,
			EventSubURL: s.EventSubURL,
		})
	}
	for _, e := range d.Devices() {
		x.Devices = append(x.Devices, deviceToXML(e))
	}
	return x
}

// DeviceDescription renders the root device description of d.
func DeviceDescription(d *Device, urlBase string) ([]byte, error) {
	return marshalDoc(rootXML{SpecVersion: version10, URLBase: urlBase, Device: deviceToXML(d)})
}

// ServiceDescription renders the SCPD of s.
func ServiceDescription(s *Service) ([]byte, error) {
	doc := scpdXML{SpecVersion: version10}
	for _, a := range s.Actions() {
		ax := actionXML{Name: a.Name}
		for _, d := range a.Arguments() {
			arg := argumentXML{Name: d.Name, Direction: string(d.Direction), RelatedStateVariable: d.RelatedStateVariable}
			if d.Retval {
				arg.Retval = &struct{}{}
			}
			ax.Arguments = append(ax.Arguments, arg)
		}
		doc.Actions = append(doc.Actions, ax)
	}
	for _, v := range s.StateVariables() {
		vx := variableXML{
			SendEvents:    "no",
			Name:          v.Name,
			DataType:      string(v.DataType),
			DefaultValue:  v.DefaultValue,
			AllowedValues: v.AllowedValues,
		}
		if v.SendEvents {
			vx.SendEvents = "yes"
		}
		if r := v.Range; r != nil {
			vx.Range = &rangeXML{Minimum: formatFloat(r.Min), Maximum: formatFloat(r.Max)}
			if r.Step != 0 {
				vx.Range.Step = formatFloat(r.Step)
			}
		}
		doc.Variables = append(doc.Variables, vx)
	}
	return marshalDoc(doc)
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

func deviceFromXML(x deviceXML) (*Device, error) {
	d := &Device{
		UDN:              x.UDN,
		DeviceType:       x.DeviceType,
		FriendlyName:     x.FriendlyName,
		Manufacturer:     x.Manufacturer,
		ManufacturerURL:  x.ManufacturerURL,
		ModelDescription: x.ModelDescription,
		ModelName:        x.ModelName,
		ModelNumber:      x.ModelNumber,
		SerialNumber:     x.SerialNumber,
		PresentationURL:  x.PresentationURL,
	}
	for _, sx := range x.Services {
		s := NewService(sx.ServiceType, sx.ServiceID)
		s.SCPDURL, s.ControlURL, s.EventSubURL = sx.SCPDURL, sx.ControlURL, sx.EventSubURL
		if err := d.AddService(s); err != nil {
			return nil, err
		}
	}
	for _, ex := range x.Devices {
		e, err := deviceFromXML(ex)
		if err != nil {
			return nil, err
		}
		d.AddDevice(e)
	}
	return d, nil
}

// ParseDeviceDescription parses a root device description. Services carry
// their URLs but no actions until ParseServiceDescription fills them.
func ParseDeviceDescription(b []byte) (d *Device, urlBase string, err error) {
	var root rootXML
	if err := xml.Unmarshal(b, &root); err != nil {
		return nil, "", fmt.Errorf("parse device description: %w", err)
	}
	if root.Device.UDN == "" {
		return nil, "", fmt.Errorf("parse device description: missing UDN")
	}
	d, err = deviceFromXML(root.Device)
	if err != nil {
		return nil, "", fmt.Errorf("parse device description: %w", err)
	}
	return d, root.URLBase, nil
}

// ParseServiceDescription fills s with the state variables and actions of
// an SCPD document.
func ParseServiceDescription(b []byte, s *Service) error {
	var doc scpdXML
	if err := xml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse scpd %s: %w", s.ServiceID, err)
	}
	for _, vx := range doc.Variables {
		v := StateVariable{
			Name:          vx.Name,
			DataType:      DataType(vx.DataType),
			DefaultValue:  vx.DefaultValue,
			AllowedValues: vx.AllowedValues,
			SendEvents:    vx.SendEvents != "no",
		}
		if vx.Range != nil {
			r, err := parseRange(vx.Range)
			if err != nil {
				return fmt.Errorf("parse scpd %s: variable %s: %w", s.ServiceID, vx.Name, err)
			}
			v.Range = r
		}
		if err := s.AddStateVariable(v); err != nil {
			return fmt.Errorf("parse scpd %s: %w", s.ServiceID, err)
		}
	}
	for _, ax := range doc.Actions {
		defs := make([]ArgumentDef, 0, len(ax.Arguments))
		for _, arg := range ax.Arguments {
			defs = append(defs, ArgumentDef{
				Name:                 arg.Name,
				Direction:            Direction(arg.Direction),
				RelatedStateVariable: arg.RelatedStateVariable,
				Retval:               arg.Retval != nil,
			})
		}
		if _, err := s.AddAction(ax.Name, defs...); err != nil {
			return fmt.Errorf("parse scpd %s: %w", s.ServiceID, err)
		}
	}
	return nil
}

func parseRange(x *rangeXML) (*Range, error) {
	var (
		r   Range
		err error
	)
	if r.Min, err = strconv.ParseFloat(x.Minimum, 64); err != nil {
		return nil, fmt.Errorf("minimum: %w", err)
	}
	if r.Max, err = strconv.ParseFloat(x.Maximum, 64); err != nil {
		return nil, fmt.Errorf("maximum: %w", err)
	}
	if x.Step != "" {
		if r.Step, err = strconv.ParseFloat(x.Step, 64); err != nil {
			return nil, fmt.Errorf("step: %w", err)
		}
	}
	return &r, nil
}
