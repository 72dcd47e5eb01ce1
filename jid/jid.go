// Package jid implements the XMPP addressing scheme described in RFC 6122:
// an identity of the form localpart@domainpart/resourcepart, along with its
// "bare" (no resource) and "full" (with resource) string forms.
package jid

import (
	"encoding/xml"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxPartLen is the maximum length in bytes of a single JID part, per
// RFC 6122 §2.
const maxPartLen = 1023

var (
	// ErrInvalidJID is returned when a string cannot be parsed as a JID.
	ErrInvalidJID = errors.New("jid: invalid address")
	// ErrPartTooLong is returned when a JID part exceeds 1023 bytes.
	ErrPartTooLong = errors.New("jid: part exceeds maximum length")
	// ErrInvalidUTF8 is returned when a JID part is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("jid: part is not valid UTF-8")
)

// JID is an immutable XMPP address. The zero value is not a valid JID.
type JID struct {
	localpart    string
	domainpart   string
	resourcepart string
}

// FromParts builds a JID from its three constituent parts. The localpart and
// domainpart are normalized with Unicode NFKC (mirroring nodeprep/nameprep
// width- and compatibility-folding); the resourcepart is preserved verbatim.
func FromParts(local, domain, resource string) (JID, error) {
	for _, p := range []string{local, domain, resource} {
		if !utf8.ValidString(p) {
			return JID{}, ErrInvalidUTF8
		}
		if len(p) > maxPartLen {
			return JID{}, ErrPartTooLong
		}
	}
	if domain == "" {
		return JID{}, ErrInvalidJID
	}
	return JID{
		localpart:    norm.NFKC.String(local),
		domainpart:   norm.NFKC.String(domain),
		resourcepart: resource,
	}, nil
}

// FromString parses s into a JID.
func FromString(s string) (JID, error) {
	local, domain, resource, err := partsFromString(s)
	if err != nil {
		return JID{}, err
	}
	return FromParts(local, domain, resource)
}

// Parse is an alias for FromString kept for readability at call sites.
func Parse(s string) (JID, error) { return FromString(s) }

// partsFromString splits a raw JID string into its three parts without
// normalizing them. The resourcepart is everything after the first '/' and
// may itself contain '/' and '@'; the localpart is everything before the
// first '@' that appears before that first '/'.
func partsFromString(s string) (local, domain, resource string, err error) {
	if s == "" {
		return "", "", "", ErrInvalidJID
	}
	beforeSlash := s
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		beforeSlash = s[:idx]
		resource = s[idx+1:]
	}
	if idx := strings.IndexByte(beforeSlash, '@'); idx >= 0 {
		local = beforeSlash[:idx]
		domain = beforeSlash[idx+1:]
	} else {
		domain = beforeSlash
	}
	if domain == "" {
		return "", "", "", ErrInvalidJID
	}
	return local, domain, resource, nil
}

// MustParse parses s into a JID and panics on error. Intended for tests and
// for literal JIDs known to be valid at compile time.
func MustParse(s string) JID {
	j, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return j
}

// Localpart returns the localpart, or the empty string if none is set.
func (j JID) Localpart() string { return j.localpart }

// Domainpart returns the domainpart (hostname).
func (j JID) Domainpart() string { return j.domainpart }

// Resourcepart returns the resourcepart, or the empty string if none is set.
func (j JID) Resourcepart() string { return j.resourcepart }

// IsZero reports whether j is the zero value.
func (j JID) IsZero() bool { return j.domainpart == "" && j.localpart == "" && j.resourcepart == "" }

// Bare returns a copy of j with the resourcepart removed.
func (j JID) Bare() JID {
	j.resourcepart = ""
	return j
}

// WithResource returns a copy of j with the resourcepart replaced.
func (j JID) WithResource(resource string) JID {
	j.resourcepart = resource
	return j
}

// Equal reports whether j and other denote the same address.
func (j JID) Equal(other JID) bool {
	return j.localpart == other.localpart &&
		j.domainpart == other.domainpart &&
		j.resourcepart == other.resourcepart
}

// EqualBare reports whether j and other share the same bare address.
func (j JID) EqualBare(other JID) bool {
	return j.localpart == other.localpart && j.domainpart == other.domainpart
}

// String returns the full string form: bare + "/" + resource when a
// resource is present, otherwise just the bare form.
func (j JID) String() string {
	bare := j.bareString()
	if j.resourcepart == "" {
		return bare
	}
	return bare + "/" + j.resourcepart
}

func (j JID) bareString() string {
	if j.localpart == "" {
		return j.domainpart
	}
	return j.localpart + "@" + j.domainpart
}

// MarshalXMLAttr implements xml.MarshalerAttr.
func (j JID) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: j.String()}, nil
}

// UnmarshalXMLAttr implements xml.UnmarshalerAttr.
func (j *JID) UnmarshalXMLAttr(attr xml.Attr) error {
	if attr.Value == "" {
		*j = JID{}
		return nil
	}
	parsed, err := FromString(attr.Value)
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
