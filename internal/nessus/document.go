// Package nessus decodes .nessus XML reports and flattens them into findings
// and exploit records.
package nessus

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrMalformedDocument is returned when the report is not well-formed XML.
var ErrMalformedDocument = errors.New("malformed scan document")

// element is a generic XML node. Reports are decoded into a tree of these so
// that every ReportItem attribute survives in document order.
type element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []element  `xml:",any"`
}

func (e *element) attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// find returns the first descendant (depth-first, document order) named name.
func (e *element) find(name string) *element {
	for i := range e.Children {
		c := &e.Children[i]
		if c.XMLName.Local == name {
			return c
		}
		if found := c.find(name); found != nil {
			return found
		}
	}
	return nil
}

// findAll returns every descendant named name in document order.
func (e *element) findAll(name string) []*element {
	var out []*element
	for i := range e.Children {
		c := &e.Children[i]
		if c.XMLName.Local == name {
			out = append(out, c)
		}
		out = append(out, c.findAll(name)...)
	}
	return out
}

// Document is a decoded scan report.
type Document struct {
	root element
}

// Host is one ReportHost with its resolved address.
type Host struct {
	Name  string
	IP    string
	items []*element
}

// HasIP reports whether the host carried a usable host-ip property.
func (h Host) HasIP() bool { return h.IP != "" }

// ItemCount is the number of ReportItem children of the host.
func (h Host) ItemCount() int { return len(h.items) }

// Decode parses a complete report from r. Anything other than a single
// well-formed root element yields ErrMalformedDocument.
func Decode(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	var doc Document
	if err := dec.Decode(&doc.root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return nil, fmt.Errorf("%w: unexpected element <%s> after document root", ErrMalformedDocument, t.Name.Local)
		case xml.CharData:
			if strings.TrimSpace(string(t)) != "" {
				return nil, fmt.Errorf("%w: unexpected text after document root", ErrMalformedDocument)
			}
		}
	}
	return &doc, nil
}

// DecodeFile opens and decodes the report at path.
func DecodeFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scan document: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Hosts returns every ReportHost in document order. The IP is taken from the
// first HostProperties/tag[@name="host-ip"]; hosts without one have IP "".
func (d *Document) Hosts() []Host {
	var hosts []Host
	for _, h := range d.root.selfAndDescendants("ReportHost") {
		host := Host{Name: attrOrEmpty(h, "name"), IP: hostIP(h)}
		for i := range h.Children {
			if h.Children[i].XMLName.Local == "ReportItem" {
				host.items = append(host.items, &h.Children[i])
			}
		}
		hosts = append(hosts, host)
	}
	return hosts
}

func (e *element) selfAndDescendants(name string) []*element {
	if e.XMLName.Local == name {
		return append([]*element{e}, e.findAll(name)...)
	}
	return e.findAll(name)
}

func hostIP(host *element) string {
	for _, props := range host.findAll("HostProperties") {
		for i := range props.Children {
			tag := &props.Children[i]
			if tag.XMLName.Local != "tag" {
				continue
			}
			if name, _ := tag.attr("name"); name == "host-ip" {
				return strings.TrimSpace(tag.Text)
			}
		}
	}
	return ""
}

func attrOrEmpty(e *element, name string) string {
	v, _ := e.attr(name)
	return v
}
