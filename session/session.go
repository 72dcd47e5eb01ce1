// Package session drives the XMPP handshake state machine: stream
// negotiation, STARTTLS, SASL authentication, resource binding and legacy
// session establishment, followed by the steady-state stanza dispatch loop.
// No service-discovery query is sent during the handshake. State is tracked
// as a bitmask (Secure/Authenticated/Bound/Ready bits accumulated as
// negotiation steps complete)
// rather than a pluggable negotiator chain, since this runtime always
// performs the same fixed sequence.
package session

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"mellium.im/sasl"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/internal/digestmd5"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/streamerror"
	"github.com/ralfstrobel/coopfox-sub000/streamio"
	"github.com/ralfstrobel/coopfox-sub000/transport"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// State is a bitmask describing how far the handshake has progressed.
type State uint8

const (
	Secure State = 1 << iota
	Authenticated
	Bound
	Ready
)

// Config describes how to reach and authenticate against a server.
type Config struct {
	Origin    jid.JID
	Password  string
	TLSConfig *tls.Config
	// RequireTLS refuses to proceed past stream negotiation if the server
	// does not offer STARTTLS.
	RequireTLS bool
	// ReplyTimeout is not read by Negotiate: no reply watchdog is armed,
	// so each handshake step waits until the server answers or the
	// connection fails.
	ReplyTimeout time.Duration
	// KeepAlive is handed through to the transport.
	KeepAlive time.Duration
	Clock     clock.Clock
	Lang      string
}

// Session is a fully negotiated XMPP connection: stream codec plus
// connection state plus the outstanding-iq callback store.
type Session struct {
	cfg   Config
	tr    *transport.Transport
	r     *streamio.Reader
	w     *streamio.Writer
	state State
	bound jid.JID

	callbacks *stanza.CallbackStore
	clock     clock.Clock

	events <-chan transport.Event
}

// ErrHandshake is returned when Negotiate could not complete the handshake.
type ErrHandshake struct {
	Step string
	Err  error
}

func (e *ErrHandshake) Error() string { return fmt.Sprintf("session: %s: %v", e.Step, e.Err) }
func (e *ErrHandshake) Unwrap() error { return e.Err }

// Negotiate dials, then drives the full handshake to completion, returning
// a Session ready for Send and NextStanza.
func Negotiate(ctx context.Context, addr string, cfg Config) (*Session, error) {
	c := cfg.Clock
	if c == nil {
		c = clock.Real{}
	}
	cfg.Clock = c

	// Direct TLS is never dialed; STARTTLS is negotiated in-band once the
	// stream is open.
	tr, events, err := transport.Dial(ctx, transport.Options{
		Addr:      addr,
		KeepAlive: cfg.KeepAlive,
		Clock:     c,
	})
	if err != nil {
		return nil, &ErrHandshake{Step: "dial", Err: err}
	}
	<-events // Connected

	s := &Session{
		cfg:       cfg,
		tr:        tr,
		r:         streamio.NewReader(tr.Reader()),
		w:         streamio.NewWriter(tr),
		callbacks: stanza.NewCallbackStore(),
		clock:     c,
		events:    events,
	}

	if err := s.openStream(ctx); err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "stream-open", Err: err}
	}

	features, err := s.readFeatures(ctx)
	if err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "features", Err: err}
	}

	if s.state&Secure == 0 {
		if features.HasChild("starttls") {
			if err := s.negotiateStartTLS(ctx); err != nil {
				tr.Close()
				return nil, &ErrHandshake{Step: "starttls", Err: err}
			}
			s.state |= Secure
			if err := s.restartStream(ctx); err != nil {
				tr.Close()
				return nil, &ErrHandshake{Step: "stream-restart", Err: err}
			}
			features, err = s.readFeatures(ctx)
			if err != nil {
				tr.Close()
				return nil, &ErrHandshake{Step: "features", Err: err}
			}
		} else if cfg.RequireTLS {
			tr.Close()
			return nil, &ErrHandshake{Step: "starttls", Err: fmt.Errorf("server does not offer STARTTLS")}
		}
	}

	mechanisms := saslMechanisms(features)
	if err := s.authenticate(ctx, mechanisms); err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "sasl", Err: err}
	}
	s.state |= Authenticated

	if err := s.restartStream(ctx); err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "stream-restart", Err: err}
	}
	features, err = s.readFeatures(ctx)
	if err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "features", Err: err}
	}

	bound, err := s.bindResource(ctx)
	if err != nil {
		tr.Close()
		return nil, &ErrHandshake{Step: "bind", Err: err}
	}
	s.bound = bound
	s.state |= Bound

	if features.HasChild("session") {
		if err := s.establishLegacySession(ctx); err != nil {
			tr.Close()
			return nil, &ErrHandshake{Step: "session", Err: err}
		}
	}

	s.state |= Ready
	return s, nil
}

func (s *Session) openStream(ctx context.Context) error {
	return s.w.WriteStreamHeader(streamio.StreamAttrs{
		To:    s.cfg.Origin.Bare(),
		From:  s.cfg.Origin,
		Lang:  orDefault(s.cfg.Lang, "en"),
		Xmlns: ns.Client,
	})
}

func (s *Session) restartStream(ctx context.Context) error {
	s.r.Reset(s.tr.Reader())
	s.w.Reset(s.tr)
	return s.openStream(ctx)
}

// readFeatures consumes the StreamStart (if the peer re-sent one) and the
// following <stream:features/> element, returning its tree.
func (s *Session) readFeatures(ctx context.Context) (*xmlutil.Element, error) {
	for {
		ev, err := s.r.Next()
		if err != nil {
			return nil, err
		}
		switch ev.Kind {
		case streamio.StreamStart:
			continue
		case streamio.Element:
			if ev.Tree.Name == "features" {
				return ev.Tree, nil
			}
			return nil, streamerror.New(streamerror.BadFormat, "expected stream features, got "+ev.Tree.Name)
		case streamio.StreamEnd:
			return nil, streamerror.New(streamerror.ConnectionTimeout, "stream closed before features")
		}
	}
}

func (s *Session) negotiateStartTLS(ctx context.Context) error {
	el := xmlutil.New("starttls", ns.TLS)
	if err := s.w.WriteElement(el, ns.Client); err != nil {
		return err
	}
	ev, err := s.r.Next()
	if err != nil {
		return err
	}
	if ev.Kind != streamio.Element || ev.Tree.Name != "proceed" {
		return streamerror.New(streamerror.BadFormat, "expected starttls proceed")
	}
	return s.tr.StartTLS(ctx, s.cfg.TLSConfig)
}

func saslMechanisms(features *xmlutil.Element) []string {
	mechs := features.ChildNS("mechanisms", ns.SASL)
	if mechs == nil {
		return nil
	}
	var out []string
	for _, m := range mechs.ChildrenNamed("mechanism") {
		out = append(out, m.Text)
	}
	return out
}

// authenticate picks the strongest mutually supported mechanism and runs
// it. PLAIN is delegated to mellium.im/sasl; DIGEST-MD5 is handled directly
// against internal/digestmd5 since mellium.im/sasl does not implement it.
func (s *Session) authenticate(ctx context.Context, serverMechs []string) error {
	has := func(name string) bool {
		for _, m := range serverMechs {
			if m == name {
				return true
			}
		}
		return false
	}
	switch {
	case has("DIGEST-MD5"):
		return s.authDigestMD5(ctx)
	case has("PLAIN"):
		return s.authPlain(ctx)
	default:
		return fmt.Errorf("no supported SASL mechanism in %v", serverMechs)
	}
}

func (s *Session) authPlain(ctx context.Context) error {
	client := sasl.NewClient(sasl.Plain, sasl.Credentials(s.cfg.Origin.Localpart(), s.cfg.Password))
	_, resp, err := client.Step(nil)
	if err != nil {
		return err
	}
	auth := xmlutil.New("auth", ns.SASL)
	auth.SetAttr("mechanism", "PLAIN")
	auth.Text = b64(resp)
	if err := s.w.WriteElement(auth, ns.Client); err != nil {
		return err
	}
	ev, err := s.r.Next()
	if err != nil {
		return err
	}
	if ev.Kind != streamio.Element || ev.Tree.Name != "success" {
		return saslFailure(ev)
	}
	return nil
}

func (s *Session) authDigestMD5(ctx context.Context) error {
	auth := xmlutil.New("auth", ns.SASL)
	auth.SetAttr("mechanism", "DIGEST-MD5")
	if err := s.w.WriteElement(auth, ns.Client); err != nil {
		return err
	}
	ev, err := s.r.Next()
	if err != nil {
		return err
	}
	if ev.Kind != streamio.Element || ev.Tree.Name != "challenge" {
		return saslFailure(ev)
	}
	raw, err := b64decode(ev.Tree.Text)
	if err != nil {
		return err
	}
	challenge := digestmd5.ParseChallenge(string(raw))
	cnonce, err := digestmd5.GenerateCnonce()
	if err != nil {
		return err
	}
	response := digestmd5.Response(s.cfg.Origin.Localpart(), s.cfg.Password, s.cfg.Origin.Domainpart(), challenge, cnonce)

	resp1 := xmlutil.New("response", ns.SASL)
	resp1.Text = b64([]byte(response))
	if err := s.w.WriteElement(resp1, ns.Client); err != nil {
		return err
	}
	ev, err = s.r.Next()
	if err != nil {
		return err
	}
	switch ev.Tree.Name {
	case "success":
		return nil
	case "challenge":
		// rspauth step: server proves it knows the password too; client
		// replies with an empty response to finish.
		resp2 := xmlutil.New("response", ns.SASL)
		if err := s.w.WriteElement(resp2, ns.Client); err != nil {
			return err
		}
		ev, err = s.r.Next()
		if err != nil {
			return err
		}
		if ev.Kind != streamio.Element || ev.Tree.Name != "success" {
			return saslFailure(ev)
		}
		return nil
	default:
		return saslFailure(ev)
	}
}

func saslFailure(ev streamio.Event) error {
	if ev.Kind == streamio.Element && ev.Tree.Name == "failure" {
		cond := "not-authorized"
		if len(ev.Tree.Children) > 0 {
			cond = ev.Tree.Children[0].Name
		}
		return streamerror.New(streamerror.Condition(cond), "sasl authentication failed")
	}
	return streamerror.New(streamerror.NotAuthorized, "unexpected sasl response")
}

func (s *Session) bindResource(ctx context.Context) (jid.JID, error) {
	iq := stanza.New(stanza.IQ)
	iq.SetID(uuid.NewString())
	iq.SetType("set")
	bind := xmlutil.New("bind", ns.Bind)
	if res := s.cfg.Origin.Resourcepart(); res != "" {
		resEl := xmlutil.New("resource", "")
		resEl.Text = res
		bind.AppendChild(resEl)
	}
	iq.AppendChild(bind)
	if err := s.w.WriteElement(iq.Element, ns.Client); err != nil {
		return jid.JID{}, err
	}
	ev, err := s.r.Next()
	if err != nil {
		return jid.JID{}, err
	}
	if ev.Kind != streamio.Element {
		return jid.JID{}, streamerror.New(streamerror.BadFormat, "expected bind result")
	}
	resp, err := stanza.FromElement(ev.Tree)
	if err != nil {
		return jid.JID{}, err
	}
	if resp.Type() == "error" {
		stErr, _ := stanza.ErrorFrom(resp)
		return jid.JID{}, stErr
	}
	boundEl := resp.Child("bind")
	if boundEl == nil {
		return jid.JID{}, streamerror.New(streamerror.BadFormat, "bind result missing <bind/>")
	}
	jidEl := boundEl.Child("jid")
	if jidEl == nil {
		return jid.JID{}, streamerror.New(streamerror.BadFormat, "bind result missing <jid/>")
	}
	return jid.FromString(jidEl.Text)
}

func (s *Session) establishLegacySession(ctx context.Context) error {
	iq := stanza.New(stanza.IQ)
	iq.SetID(uuid.NewString())
	iq.SetType("set")
	iq.AppendChild(xmlutil.New("session", ns.Session))
	if err := s.w.WriteElement(iq.Element, ns.Client); err != nil {
		return err
	}
	ev, err := s.r.Next()
	if err != nil {
		return err
	}
	if ev.Kind != streamio.Element {
		return streamerror.New(streamerror.BadFormat, "expected session result")
	}
	resp, err := stanza.FromElement(ev.Tree)
	if err != nil {
		return err
	}
	if resp.Type() == "error" {
		stErr, _ := stanza.ErrorFrom(resp)
		return stErr
	}
	return nil
}

// LocalAddr returns the fully bound JID, valid once Negotiate has returned
// successfully.
func (s *Session) LocalAddr() jid.JID { return s.bound }

// State reports the accumulated negotiation state bits.
func (s *Session) State() State { return s.state }

// Callbacks exposes the outstanding-iq callback store so the client layer
// can register continuations for stanzas it sends through Send.
func (s *Session) Callbacks() *stanza.CallbackStore { return s.callbacks }

// Send writes a stanza to the wire, stamping a fresh id if it has none and
// registering cb if non-nil.
func (s *Session) Send(st stanza.Stanza, cb *stanza.Callback) error {
	if st.ID() == "" {
		st.SetID(uuid.NewString())
	}
	if cb != nil {
		s.callbacks.Add(cb)
	}
	s.tr.ResetKeepAlive()
	return s.w.WriteElement(st.Element, ns.Client)
}

// Events exposes the transport's lifecycle channel (TCPError, KeepAliveDue,
// Disconnected). Negotiate consumes the initial Connected event; nothing
// else in this module reads the channel.
func (s *Session) Events() <-chan transport.Event { return s.events }

// NextStanza blocks for the next top-level stanza from the wire. Non-stanza
// elements (e.g. a stray whitespace ping) are skipped.
func (s *Session) NextStanza() (stanza.Stanza, error) {
	for {
		ev, err := s.r.Next()
		if err != nil {
			return stanza.Stanza{}, err
		}
		switch ev.Kind {
		case streamio.StreamEnd:
			return stanza.Stanza{}, streamerror.New(streamerror.ConnectionTimeout, "peer closed stream")
		case streamio.Element:
			st, err := stanza.FromElement(ev.Tree)
			if err != nil {
				continue
			}
			// Resolving does not suppress the return: the caller's dispatch
			// loop still observes every stanza, and ignores bare
			// result/error responses itself since those match the callback
			// table by id and consume the entry.
			s.callbacks.Resolve(st)
			return st, nil
		}
	}
}

// Close sends the stream footer and tears down the transport, dropping all
// outstanding callbacks.
func (s *Session) Close() []*stanza.Callback {
	_ = s.w.WriteStreamFooter()
	s.tr.Close()
	return s.callbacks.DropAll()
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func b64decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
