// Package digestmd5 implements the legacy DIGEST-MD5 SASL mechanism (RFC
// 2831) used by older XMPP servers that predate SCRAM. mellium.im/sasl,
// which the session layer otherwise uses for PLAIN, does not implement
// DIGEST-MD5 — it is considered obsolete by the ecosystem — so this
// mechanism is hand-rolled against crypto/md5 directly from the RFC's
// algorithm description.
package digestmd5

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Challenge is the parsed content of the server's initial
// "realm=...,nonce=...,qop=...,charset=...,algorithm=md5-sess" challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	QOP       []string
	Charset   string
	Algorithm string
}

// ParseChallenge decodes a comma-separated, possibly quoted directive list
// as sent by the server in the first DIGEST-MD5 challenge.
func ParseChallenge(raw string) Challenge {
	var c Challenge
	for _, pair := range splitDirectives(raw) {
		key, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		val = strings.Trim(val, `"`)
		switch key {
		case "realm":
			c.Realm = val
		case "nonce":
			c.Nonce = val
		case "qop":
			c.QOP = strings.Split(val, ",")
		case "charset":
			c.Charset = val
		case "algorithm":
			c.Algorithm = val
		}
	}
	return c
}

// splitDirectives splits on commas that are not inside a quoted value.
func splitDirectives(raw string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				out = append(out, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// digestURI is the service/host pair DIGEST-MD5 authenticates against; XMPP
// always uses "xmpp/<hostname>".
func digestURI(hostname string) string {
	return "xmpp/" + hostname
}

// nonceCount is fixed at 1: this client never reuses a server nonce for a
// second response within one challenge/response exchange.
const nonceCount = "00000001"

// qop is the only quality-of-protection this client offers.
const qop = "auth"

// GenerateCnonce produces a fresh client nonce, hex-encoded.
func GenerateCnonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("digestmd5: generating cnonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Response computes the "response" directive value and the full
// comma-joined response message sent back to the server, following RFC
// 2831 §2.1.2.1:
//
//	A1 = H(username ":" realm ":" passwd) ":" nonce ":" cnonce
//	A2 = "AUTHENTICATE:" digest-uri
//	response = HEX(H(HEX(H(A1)):nonce:nc:cnonce:qop:HEX(H(A2))))
//
// realm defaults to hostname when the server's challenge omitted it.
func Response(username, password, hostname string, ch Challenge, cnonce string) string {
	realm := ch.Realm
	if realm == "" {
		realm = hostname
	}
	uri := digestURI(hostname)

	h1 := md5sum(fmt.Sprintf("%s:%s:%s", username, realm, password))
	a1 := fmt.Sprintf("%s:%s:%s", string(h1[:]), ch.Nonce, cnonce)
	ha1 := hex.EncodeToString(md5sumBytes([]byte(a1)))

	a2 := "AUTHENTICATE:" + uri
	ha2 := hex.EncodeToString(md5sumBytes([]byte(a2)))

	kd := fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, ch.Nonce, nonceCount, cnonce, qop, ha2)
	response := hex.EncodeToString(md5sumBytes([]byte(kd)))

	directives := []string{
		fmt.Sprintf(`username="%s"`, username),
		fmt.Sprintf(`realm="%s"`, realm),
		fmt.Sprintf(`nonce="%s"`, ch.Nonce),
		fmt.Sprintf(`cnonce="%s"`, cnonce),
		"nc=" + nonceCount,
		"qop=" + qop,
		fmt.Sprintf(`digest-uri="%s"`, uri),
		"response=" + response,
		"charset=utf-8",
	}
	return strings.Join(directives, ",")
}

// md5sum returns the raw (non-hex) MD5 digest of s as a byte array; the
// caller converts it to a string to concatenate it directly into the A1
// construction, matching RFC 2831's literal ":"-joined binary concatenation.
func md5sum(s string) [md5.Size]byte {
	return md5.Sum([]byte(s))
}

func md5sumBytes(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}
