package renderer

import (
	"encoding/xml"
	"html"
	"strings"
)

// DIDL is a DIDL-Lite document as sent in CurrentURIMetaData:
//
//	<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" ...>
//		<item id="..." parentID="video/*" restricted="1">
//			<dc:title>...</dc:title>
//			<upnp:class>object.item.videoItem</upnp:class>
//			<res protocolInfo="http-get:*:video/*:*">http://1.2.3.4:123/video</res>
//		</item>
//	</DIDL-Lite>
type DIDL struct {
	XMLName xml.Name `xml:"DIDL-Lite"`
	Items   []Item   `xml:"item"`
}

type Item struct {
	ID         string `xml:"id,attr"`
	ParentID   string `xml:"parentID,attr"`
	Restricted int    `xml:"restricted,attr"`
	Title      string `xml:"http://purl.org/dc/elements/1.1/ title"`
	Class      string `xml:"urn:schemas-upnp-org:metadata-1-0/upnp/ class"`
	Resources  []Res  `xml:"res"`
}

type Res struct {
	ProtocolInfo string `xml:"protocolInfo,attr"`
	URL          string `xml:",chardata"`
}

// ParseMetaData decodes CurrentURIMetaData. Controllers that escape the
// document twice are accepted as well.
func ParseMetaData(meta string) (*DIDL, error) {
	meta = strings.TrimSpace(meta)
	if strings.HasPrefix(meta, "&lt;") {
		meta = html.UnescapeString(meta)
	}
	var d DIDL
	if err := xml.Unmarshal([]byte(meta), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Title returns the title of the first item, or "".
func (d *DIDL) Title() string {
	if d == nil || len(d.Items) == 0 {
		return ""
	}
	return d.Items[0].Title
}
