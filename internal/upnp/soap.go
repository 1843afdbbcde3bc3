package upnp

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncodingNS = "http://schemas.xmlsoap.org/soap/encoding/"
	controlNS      = "urn:schemas-upnp-org:control-1-0"

	// SOAPContentType is sent with every SOAP request and response.
	SOAPContentType = `text/xml; charset="utf-8"`
)

// ErrInvalidSOAP reports an envelope without a usable body.
var ErrInvalidSOAP = errors.New("invalid soap envelope")

// SOAPActionHeader renders the SOAPACTION value for an action.
func SOAPActionHeader(serviceType, action string) string {
	return `"` + serviceType + "#" + action + `"`
}

// ParseSOAPAction splits a SOAPACTION value into service type and action.
func ParseSOAPAction(sa string) (serviceType, action string) {
	sa = strings.Trim(strings.TrimSpace(sa), "\"")
	if i := strings.LastIndex(sa, "#"); i >= 0 {
		return sa[:i], sa[i+1:]
	}
	return "", sa
}

func envelope(inner func(*bytes.Buffer)) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&b, `<s:Envelope xmlns:s="%s" s:encodingStyle="%s"><s:Body>`, soapEnvelopeNS, soapEncodingNS)
	inner(&b)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.Bytes()
}

func writeCall(b *bytes.Buffer, serviceType, name string, args []RawArgument) {
	fmt.Fprintf(b, `<u:%s xmlns:u="%s">`, name, escape(serviceType))
	for _, a := range args {
		fmt.Fprintf(b, "<%s>%s</%s>", a.Name, escape(a.Value), a.Name)
	}
	fmt.Fprintf(b, `</u:%s>`, name)
}

// BuildSOAPRequest renders an action call.
func BuildSOAPRequest(serviceType, action string, args []RawArgument) []byte {
	return envelope(func(b *bytes.Buffer) { writeCall(b, serviceType, action, args) })
}

// BuildSOAPResponse renders a successful action response.
func BuildSOAPResponse(serviceType, action string, args []RawArgument) []byte {
	return envelope(func(b *bytes.Buffer) { writeCall(b, serviceType, action+"Response", args) })
}

// BuildSOAPFault renders a UPnPError fault.
func BuildSOAPFault(code int, desc string) []byte {
	return envelope(func(b *bytes.Buffer) {
		b.WriteString(`<s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>`)
		fmt.Fprintf(b, `<UPnPError xmlns="%s"><errorCode>%d</errorCode><errorDescription>%s</errorDescription></UPnPError>`,
			controlNS, code, escape(desc))
		b.WriteString(`</detail></s:Fault>`)
	})
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// SOAPMessage is a decoded envelope body: either a call/response or a fault.
type SOAPMessage struct {
	// Action is the local name of the body element, e.g. "Play" or
	// "PlayResponse".
	Action    string
	Namespace string
	Args      []RawArgument
	Fault     *ActionError
}

type soapArg struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type soapCall struct {
	XMLName xml.Name
	Args    []soapArg `xml:",any"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		UPnPError struct {
			Code        int    `xml:"errorCode"`
			Description string `xml:"errorDescription"`
		} `xml:"UPnPError"`
	} `xml:"detail"`
}

// ParseSOAP decodes the first element of the envelope body.
func ParseSOAP(body []byte) (*SOAPMessage, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	inBody := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: no body element", ErrInvalidSOAP)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSOAP, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !inBody {
			inBody = start.Name.Local == "Body"
			continue
		}
		if start.Name.Local == "Fault" {
			var f soapFault
			if err := dec.DecodeElement(&f, &start); err != nil {
				return nil, fmt.Errorf("%w: fault: %v", ErrInvalidSOAP, err)
			}
			code := f.Detail.UPnPError.Code
			if code == 0 {
				code = ErrCodeActionFailed
			}
			desc := f.Detail.UPnPError.Description
			if desc == "" {
				desc = f.String
			}
			return &SOAPMessage{Action: "Fault", Fault: &ActionError{Code: code, Description: desc}}, nil
		}
		var call soapCall
		if err := dec.DecodeElement(&call, &start); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSOAP, start.Name.Local, err)
		}
		msg := &SOAPMessage{Action: call.XMLName.Local, Namespace: call.XMLName.Space}
		for _, a := range call.Args {
			msg.Args = append(msg.Args, RawArgument{Name: a.XMLName.Local, Value: a.Value})
		}
		return msg, nil
	}
}
