// Package xmlutil implements the neutral tagged-tree representation that
// the stream codec translates XML stanzas to and from. An Element carries a
// local name, an optional namespace, an attribute list, child elements in
// document order, and optional text/CDATA payloads. The same tree
// serializes back to XML in either direction with namespaces and attributes
// preserved verbatim.
package xmlutil

import (
	"bytes"
	"encoding/xml"
	"io"
)

// Attr is a single XML attribute.
type Attr struct {
	Space string
	Name  string
	Value string
}

// Element is the tagged-tree node described by the stream codec: a kind
// (its local name), an optional namespace, attributes, children in
// document order, and leaf payloads ($text / $cdata).
type Element struct {
	Name      string
	Namespace string
	Attrs     []Attr
	Children  []*Element
	Text      string // "$text": concatenated character data directly under this element
	CData     string // "$cdata": set only by callers; Decode puts CDATA sections into Text, and Encode writes CData as escaped text
}

// New creates an element with the given local name and namespace.
func New(name, namespace string) *Element {
	return &Element{Name: name, Namespace: namespace}
}

// Attr returns the value of the named attribute (namespace-less) and
// whether it was present.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the named attribute's value, or def if absent.
func (e *Element) AttrOr(name, def string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return def
}

// SetAttr sets (or replaces) an unnamespaced attribute.
func (e *Element) SetAttr(name, value string) *Element {
	for i, a := range e.Attrs {
		if a.Name == name && a.Space == "" {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// RemoveAttr deletes an unnamespaced attribute if present.
func (e *Element) RemoveAttr(name string) {
	for i, a := range e.Attrs {
		if a.Name == name && a.Space == "" {
			e.Attrs = append(e.Attrs[:i], e.Attrs[i+1:]...)
			return
		}
	}
}

// AppendChild appends a child element, preserving document order.
func (e *Element) AppendChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return e
}

// Child returns the first child with the given local name, regardless of
// namespace, or nil.
func (e *Element) Child(name string) *Element {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildNS returns the first child with the given local name and namespace,
// or nil.
func (e *Element) ChildNS(name, namespace string) *Element {
	for _, c := range e.Children {
		if c.Name == name && c.Namespace == namespace {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every child with the given local name, in document
// order — the "repeated child names become a list" rule from the codec
// contract.
func (e *Element) ChildrenNamed(name string) []*Element {
	var out []*Element
	for _, c := range e.Children {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// HasChild reports whether a child with the given local name exists.
func (e *Element) HasChild(name string) bool { return e.Child(name) != nil }

// Clone deep-copies the element tree.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	clone := &Element{
		Name:      e.Name,
		Namespace: e.Namespace,
		Text:      e.Text,
		CData:     e.CData,
		Attrs:     append([]Attr(nil), e.Attrs...),
	}
	for _, c := range e.Children {
		clone.Children = append(clone.Children, c.Clone())
	}
	return clone
}

// Decode reads one complete element, starting at start, from d and returns
// its tagged-tree form. Namespaces and attributes (including xmlns
// declarations inherited from ancestors) are preserved on the resulting
// tree and every descendant.
func Decode(d *xml.Decoder, start xml.StartElement) (*Element, error) {
	el := fromStart(start)
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := Decode(d, t)
			if err != nil {
				return nil, err
			}
			el.AppendChild(child)
			// Decode already consumed the matching EndElement for child,
			// so don't double count depth here.
			continue
		case xml.EndElement:
			depth--
		case xml.CharData:
			el.Text += string(t)
		case xml.Comment, xml.ProcInst, xml.Directive:
			// ignored
		}
	}
	return el, nil
}

func fromStart(start xml.StartElement) *Element {
	el := &Element{Name: start.Name.Local, Namespace: start.Name.Space}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			// xmlns declarations are folded into the element's Namespace by
			// the decoder already (start.Name.Space); don't also carry them
			// as an ordinary attribute.
			continue
		}
		el.Attrs = append(el.Attrs, Attr{Space: a.Name.Space, Name: a.Name.Local, Value: a.Value})
	}
	return el
}

// Encode writes the element as XML to w. The element's own namespace is
// emitted as an xmlns attribute only when it differs from defaultNS (the
// namespace already in scope from an ancestor or the stream default),
// mirroring how a real XMPP stream avoids redundant xmlns repetition.
func Encode(w io.Writer, e *Element, defaultNS string) error {
	enc := xml.NewEncoder(w)
	if err := encode(enc, e, defaultNS); err != nil {
		return err
	}
	return enc.Flush()
}

// String renders the element as XML using buf, returning the string.
func (e *Element) String() string {
	var buf bytes.Buffer
	_ = Encode(&buf, e, "")
	return buf.String()
}

func encode(enc *xml.Encoder, e *Element, defaultNS string) error {
	name := xml.Name{Local: e.Name}
	attrs := append([]xml.Attr(nil))
	if e.Namespace != "" && e.Namespace != defaultNS {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "xmlns"}, Value: e.Namespace})
	}
	for _, a := range e.Attrs {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Space: a.Space, Local: a.Name}, Value: a.Value})
	}
	start := xml.StartElement{Name: name, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	childNS := e.Namespace
	if childNS == "" {
		childNS = defaultNS
	}
	for _, c := range e.Children {
		if err := encode(enc, c, childNS); err != nil {
			return err
		}
	}
	if e.CData != "" {
		if err := enc.EncodeToken(xml.CharData(e.CData)); err != nil {
			return err
		}
	}
	if e.Text != "" {
		if err := enc.EncodeToken(xml.CharData(e.Text)); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
