// Package streamio implements the incremental XML stream codec scoped to
// the root <stream:stream> element. It reads a sequence of StreamStart /
// Element / StreamEnd events off an io.Reader and writes the corresponding
// XML to an io.Writer, translating stanza bodies to and from
// xmlutil.Element trees.
//
// The stream header itself is written with fmt.Fprintf rather than through
// an xml.Encoder: encoding/xml refuses to emit an element that is
// deliberately left unclosed, which is exactly what a stream-opening tag
// is.
package streamio

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/streamerror"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// StreamAttrs carries the attributes of a <stream:stream> open tag.
type StreamAttrs struct {
	To      jid.JID
	From    jid.JID
	ID      string
	Version string
	Lang    string
	Xmlns   string // ns.Client or ns.Server
}

// EventKind identifies the events a Reader produces.
type EventKind int

const (
	// StreamStart is emitted once the opening <stream:stream> tag is parsed.
	StreamStart EventKind = iota
	// StreamEnd is emitted when the matching </stream:stream> is seen.
	StreamEnd
	// Element is emitted for each complete top-level child of the stream
	// (a stanza, <stream:features/>, a SASL challenge, etc).
	Element
)

// Event is one parsed unit from the incoming stream.
type Event struct {
	Kind  EventKind
	Attrs StreamAttrs
	Tree  *xmlutil.Element
}

// Reader incrementally decodes the XML byte stream into Events, restarting
// its underlying xml.Decoder whenever Reset is called (after a TLS upgrade
// or post-SASL stream restart swaps the connection beneath it).
type Reader struct {
	src io.Reader
	dec *xml.Decoder
}

// NewReader creates a Reader over src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, dec: xml.NewDecoder(src)}
}

// Reset discards any buffered decoder state and starts decoding fresh from
// src, which is typically the same transport after it was swapped in
// place.
func (r *Reader) Reset(src io.Reader) {
	r.src = src
	r.dec = xml.NewDecoder(src)
}

// Next blocks until the next Event is available or the stream ends/errors.
func (r *Reader) Next() (Event, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return Event{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "stream" && t.Name.Space == ns.Stream {
				attrs, err := streamAttrsFromStart(t)
				if err != nil {
					return Event{}, err
				}
				return Event{Kind: StreamStart, Attrs: attrs}, nil
			}
			el, err := xmlutil.Decode(r.dec, t)
			if err != nil {
				return Event{}, err
			}
			return Event{Kind: Element, Tree: el}, nil
		case xml.EndElement:
			if t.Name.Local == "stream" && t.Name.Space == ns.Stream {
				return Event{Kind: StreamEnd}, nil
			}
			// A stray top-level end element with no matching start is
			// malformed; xmlutil.Decode would normally consume it as part
			// of a child, so reaching here means the peer is misbehaving.
			return Event{}, streamerror.New(streamerror.BadFormat, "unexpected end element at stream level")
		case xml.ProcInst, xml.Comment, xml.Directive:
			continue
		}
	}
}

func streamAttrsFromStart(start xml.StartElement) (StreamAttrs, error) {
	var a StreamAttrs
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Space == "" && attr.Name.Local == "to":
			j, err := jid.FromString(attr.Value)
			if err != nil {
				return a, streamerror.New(streamerror.ImproperAddressing, err.Error())
			}
			a.To = j
		case attr.Name.Space == "" && attr.Name.Local == "from":
			j, err := jid.FromString(attr.Value)
			if err != nil {
				return a, streamerror.New(streamerror.ImproperAddressing, err.Error())
			}
			a.From = j
		case attr.Name.Space == "" && attr.Name.Local == "id":
			a.ID = attr.Value
		case attr.Name.Space == "" && attr.Name.Local == "version":
			a.Version = attr.Value
		case attr.Name.Space == "xml" && attr.Name.Local == "lang":
			a.Lang = attr.Value
		case attr.Name.Space == "" && attr.Name.Local == "xmlns":
			if attr.Value != ns.Client && attr.Value != ns.Server {
				return a, streamerror.New(streamerror.InvalidNamespace, attr.Value)
			}
			a.Xmlns = attr.Value
		case attr.Name.Space == "xmlns" && attr.Name.Local == "stream":
			if attr.Value != ns.Stream {
				return a, streamerror.New(streamerror.InvalidNamespace, attr.Value)
			}
		}
	}
	return a, nil
}

// Writer serializes stream-level events to an io.Writer.
type Writer struct {
	dst io.Writer
}

// NewWriter creates a Writer over dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Reset points the writer at a new underlying sink, mirroring Reader.Reset
// after the transport beneath it is swapped.
func (w *Writer) Reset(dst io.Writer) { w.dst = dst }

// WriteStreamHeader writes the XML declaration and opening <stream:stream>
// tag. It is hand-printed rather than encoded: xml.Encoder cannot emit a
// deliberately unclosed start tag.
func (w *Writer) WriteStreamHeader(a StreamAttrs) error {
	if _, err := fmt.Fprint(w.dst, xml.Header); err != nil {
		return err
	}
	idAttr := ""
	if a.ID != "" {
		idAttr = ` id='` + a.ID + `'`
	}
	_, err := fmt.Fprintf(w.dst,
		`<stream:stream%s to='%s' from='%s' version='%s' xml:lang='%s' xmlns='%s' xmlns:stream='%s'>`,
		idAttr, a.To.String(), a.From.String(), a.Version, a.Lang, a.Xmlns, ns.Stream,
	)
	return err
}

// WriteStreamFooter writes the closing </stream:stream> tag.
func (w *Writer) WriteStreamFooter() error {
	_, err := fmt.Fprint(w.dst, `</stream:stream>`)
	return err
}

// WriteElement serializes tree as a direct child of the stream, omitting a
// redundant xmlns when tree's namespace matches defaultNS (the stream's own
// content namespace, e.g. ns.Client).
func (w *Writer) WriteElement(tree *xmlutil.Element, defaultNS string) error {
	return xmlutil.Encode(w.dst, tree, defaultNS)
}
