// The coopfox command runs a single peer-to-peer group chat thread from the
// terminal: it logs in, invites the JIDs given on the command line into a
// multi-user thread, prints messages as they arrive, and sends whatever is
// typed on stdin to the whole group.
//
// Configure it with two environment variables:
//
//	XMPP_ADDR=you@example.com
//	XMPP_PASS=secret
//
// Usage:
//
//	coopfox [-v] peer@example.com [peer2@example.com ...]
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ralfstrobel/coopfox-sub000/client"
	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/failsafe"
	"github.com/ralfstrobel/coopfox-sub000/hub"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/session"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/thread"
	"github.com/ralfstrobel/coopfox-sub000/threadbridge"
)

const (
	envAddr = "XMPP_ADDR"
	envPass = "XMPP_PASS"
)

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	debug := log.New(ioutil.Discard, "DEBUG ", log.LstdFlags)

	addr := os.Getenv(envAddr)
	if addr == "" {
		logger.Fatalf("environment variable $%s unset", envAddr)
	}
	self, err := jid.Parse(addr)
	if err != nil {
		logger.Fatalf("error parsing address %q: %v", addr, err)
	}
	pass := os.Getenv(envPass)
	if pass == "" {
		logger.Fatalf("environment variable $%s unset", envPass)
	}

	var verbose bool
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flags.BoolVar(&verbose, "v", verbose, "Show verbose logging.")
	if err := flags.Parse(os.Args[1:]); err != nil {
		logger.Fatalf("error parsing flags: %v", err)
	}
	if verbose {
		debug.SetOutput(os.Stderr)
	}

	var peers []jid.JID
	for _, arg := range flags.Args() {
		peer, err := jid.Parse(arg)
		if err != nil {
			logger.Fatalf("error parsing peer %q: %v", arg, err)
		}
		peers = append(peers, peer)
	}
	if len(peers) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-v] peer@example.com [peer2@example.com ...]\n", os.Args[0])
		os.Exit(1)
	}

	realClock := clock.Real{}

	dialer := func(ctx context.Context) (failsafe.Inner, error) {
		debug.Println("negotiating session…")
		sess, err := session.Negotiate(ctx, net.JoinHostPort(self.Domainpart(), "5222"), session.Config{
			Origin:       self,
			Password:     pass,
			TLSConfig:    &tls.Config{ServerName: self.Domainpart()},
			ReplyTimeout: 30 * time.Second,
			KeepAlive:    30 * time.Second,
			Clock:        realClock,
		})
		if err != nil {
			return nil, err
		}
		return client.New(sess,
			client.WithIdentity("client", "bot", "coopfox"),
			client.WithFeature("http://jabber.org/protocol/caps"),
		), nil
	}

	facade := failsafe.New(
		failsafe.WithDialer(dialer),
		failsafe.WithClock(realClock),
	)
	facade.OnConnectionLost(func(reason string) { logger.Printf("connection lost: %s", reason) })
	facade.OnConnectionFailed(func(reason string) { logger.Printf("connection failed: %s", reason) })

	h := hub.New(facade)

	host, err := jid.Parse(self.Domainpart())
	if err != nil {
		logger.Fatalf("error parsing own domain %q: %v", self.Domainpart(), err)
	}

	bridge := threadbridge.New(facade, self.Bare())
	threadID := uuid.NewString()
	mu := thread.NewMultiUser(threadID, self.Bare(), host, bridge, realClock, nil)
	mu.Sync(bridge)
	h.RegisterStrict(mu)

	mu.On("incomingMessage", func(payload interface{}) {
		st, ok := payload.(stanza.Stanza)
		if !ok {
			return
		}
		body := st.Child("body")
		if body == nil {
			return
		}
		fmt.Printf("%s: %s\n", st.From(), body.Text)
	})
	mu.On("participantStatus", func(payload interface{}) {
		evt, ok := payload.(thread.ParticipantStatusEvent)
		if ok {
			debug.Printf("%s is now %s", evt.Peer, evt.Status)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := facade.Connect(ctx, 0, false); err != nil {
		logger.Fatalf("error connecting: %v", err)
	}

	for _, peer := range peers {
		// AddParticipant only accepts online/rejected/inactive peers, and
		// this command has no live roster feed yet, so it treats every JID
		// given on the command line as freshly online.
		mu.HandlePresence(peer, true)
		if err := mu.AddParticipant(peer); err != nil {
			logger.Printf("error inviting %s: %v", peer, err)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := mu.Send(line); err != nil {
			logger.Printf("error sending message: %v", err)
		}
	}

	facade.Disconnect()
}
