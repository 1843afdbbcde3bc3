package upnp

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const eventNS = "urn:schemas-upnp-org:event-1-0"

// GENA header values.
const (
	NTEvent       = "upnp:event"
	NTSPropChange = "upnp:propchange"
)

// Property is one evented variable in wire form.
type Property struct {
	Name  string
	Value string
}

// EncodePropertySet renders a NOTIFY body.
func EncodePropertySet(props []Property) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b, `<e:propertyset xmlns:e="%s">`, eventNS)
	for _, p := range props {
		fmt.Fprintf(&b, "<e:property><%s>%s</%s></e:property>", p.Name, escape(p.Value), p.Name)
	}
	b.WriteString(`</e:propertyset>`)
	return b.Bytes()
}

type propertySet struct {
	XMLName    xml.Name `xml:"propertyset"`
	Properties []struct {
		Vars []soapArg `xml:",any"`
	} `xml:"property"`
}

// DecodePropertySet parses a NOTIFY body.
func DecodePropertySet(body []byte) ([]Property, error) {
	var ps propertySet
	if err := xml.Unmarshal(body, &ps); err != nil {
		return nil, fmt.Errorf("decode propertyset: %w", err)
	}
	var props []Property
	for _, p := range ps.Properties {
		for _, v := range p.Vars {
			props = append(props, Property{Name: v.XMLName.Local, Value: v.Value})
		}
	}
	return props, nil
}
