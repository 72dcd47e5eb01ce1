package thread

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ralfstrobel/coopfox-sub000/clock"
	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/stanza"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
)

// fakeIQSource is an IQSource test double: it records every sent stanza
// together with its callback (so tests can resolve it directly, without a
// live transport) and dispatches "iq" subscribers synchronously.
type fakeIQSource struct {
	self     jid.JID
	sent     []stanza.Stanza
	cbs      []*stanza.Callback
	handlers map[string][]func(interface{})
}

func (f *fakeIQSource) Send(st stanza.Stanza, cb *stanza.Callback) error {
	f.sent = append(f.sent, st)
	f.cbs = append(f.cbs, cb)
	return nil
}

func (f *fakeIQSource) SelfJID() jid.JID { return f.self }

func (f *fakeIQSource) On(event string, fn func(interface{})) {
	if f.handlers == nil {
		f.handlers = make(map[string][]func(interface{}))
	}
	f.handlers[event] = append(f.handlers[event], fn)
}

func (f *fakeIQSource) deliver(st stanza.Stanza) {
	for _, fn := range f.handlers["iq"] {
		fn(st)
	}
}

func (f *fakeIQSource) lastCallback() *stanza.Callback {
	return f.cbs[len(f.cbs)-1]
}

func syncResult(req stanza.Stanza, version string, msgs []stanza.Stanza) stanza.Stanza {
	resp := stanza.New(stanza.IQ)
	resp.SetID(req.ID())
	resp.SetType("result")
	rq := xmlutil.New("query", ns.CoopFoxSync)
	rq.SetAttr("thread", req.Child("query").AttrOr("thread", ""))
	rq.SetAttr("version", version)
	if len(msgs) > 0 {
		rq.AppendChild(diffElement(msgs))
	}
	resp.AppendChild(rq)
	return resp
}

func newTestMultiUserWithSync() (*MultiUser, *fakeIQSource, *clock.Fake) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clock.NewFake(start)
	self := jid.MustParse("me@example.com")
	host := jid.MustParse("example.com")
	src := &fakeIQSource{self: self}
	m := NewMultiUser("t-1", self, host, src, fc, nil)
	m.Sync(src)
	return m, src, fc
}

func TestRequestSyncSendsFastForwardPull(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	m.RequestSync(peer)

	require.Len(t, src.sent, 1)
	req := src.sent[0]
	require.Equal(t, "get", req.Type())
	require.True(t, req.To().EqualBare(peer))
	q := req.Child("query")
	require.Equal(t, "t-1", q.AttrOr("thread", ""))
	require.Equal(t, "fast-forward", q.AttrOr("mode", ""))
}

func TestRequestSyncQueuesSecondPullUntilFirstCompletes(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	bob := jid.MustParse("bob@example.com")
	carol := jid.MustParse("carol@example.com")

	// Give the thread a non-empty version so a matching responder version
	// resolves the pull immediately instead of escalating to "complete".
	seed := chatMessage("seed", bob.String(), "me@example.com", "hi")
	seed.AppendChild(newThreadElement("t-1", ""))
	m.ReceiveMessage(seed)

	m.RequestSync(bob)
	m.RequestSync(carol)
	require.Len(t, src.sent, 1, "second pull must wait for the first to finish")

	resp := syncResult(src.sent[0], m.latestVersion(), nil)
	src.lastCallback().Resolve(resp)

	require.Len(t, src.sent, 2)
	require.True(t, src.sent[1].To().EqualBare(carol))
}

func TestHandlePullResponseFinishesWhenVersionsMatch(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	// A prior message gives the thread a non-empty version, so the
	// responder reporting the same version is a real "already in sync"
	// signal rather than the vacuous empty-vs-empty case.
	seed := chatMessage("seed", peer.String(), "me@example.com", "hi")
	seed.AppendChild(newThreadElement("t-1", ""))
	m.ReceiveMessage(seed)

	var idle bool
	m.On("syncIdle", func(interface{}) { idle = true })

	m.RequestSync(peer)
	resp := syncResult(src.sent[0], m.latestVersion(), nil)
	src.lastCallback().Resolve(resp)

	require.True(t, idle)
	require.True(t, m.IsSyncIdle())
}

func TestHandlePullResponseEscalatesFastForwardToComplete(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	m.RequestSync(peer)
	diffMsg := chatMessage("m1", peer.String(), "me@example.com", "hi")
	diffMsg.AppendChild(newThreadElement("t-1", ""))
	resp := syncResult(src.sent[0], "responder-version-we-dont-have", []stanza.Stanza{diffMsg})
	src.lastCallback().Resolve(resp)

	require.Len(t, m.getMessages(""), 1)
	require.Len(t, src.sent, 2)
	require.Equal(t, "complete", src.sent[1].Child("query").AttrOr("mode", ""))
}

func TestHandlePullResponseImportQuietSuppressesHistoryRewritten(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	var rewrites int
	m.On("historyRewritten", func(interface{}) { rewrites++ })

	m.RequestSync(peer)
	diffMsg := chatMessage("m1", peer.String(), "me@example.com", "hi")
	diffMsg.AppendChild(newThreadElement("t-1", ""))
	resp := syncResult(src.sent[0], m.latestVersion(), []stanza.Stanza{diffMsg})
	src.lastCallback().Resolve(resp)

	require.Equal(t, 0, rewrites)
}

func TestPullErrorResponseMarksPeerInactiveAndReleasesQueue(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")
	m.setStatus(peer, StatusActive)

	m.RequestSync(peer)
	errResp := stanza.New(stanza.IQ)
	errResp.SetID(src.sent[0].ID())
	errResp.SetType("error")
	src.lastCallback().Resolve(errResp)

	require.Equal(t, StatusInactive, m.Status(peer))
	// finishPull runs on every pull outcome, success or error, so with
	// nothing else queued the thread is sync-idle despite the failure.
	require.True(t, m.IsSyncIdle())
}

func TestPullWatchdogTimeoutReleasesQueueForNextPull(t *testing.T) {
	m, src, fc := newTestMultiUserWithSync()
	bob := jid.MustParse("bob@example.com")
	carol := jid.MustParse("carol@example.com")

	m.RequestSync(bob)
	m.RequestSync(carol)
	require.Len(t, src.sent, 1)

	fc.Advance(syncWatchdogDelay)

	// The watchdog fires on a goroutine (armWatchdog), so the dequeue of
	// carol's pull is asynchronous from this Advance call.
	require.Eventually(t, func() bool {
		return len(src.sent) == 2
	}, 2*time.Second, time.Millisecond)
	require.True(t, src.sent[1].To().EqualBare(carol))
}

func TestHandleIncomingIQAnswersFastForwardPull(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	stored := chatMessage("m1", peer.String(), "me@example.com", "hi")
	stored.AppendChild(newThreadElement("t-1", ""))
	m.ReceiveMessage(stored)

	req := stanza.New(stanza.IQ)
	req.SetID("req-1")
	req.SetFrom(peer)
	req.SetType("get")
	q := xmlutil.New("query", ns.CoopFoxSync)
	q.SetAttr("thread", "t-1")
	q.SetAttr("mode", "fast-forward")
	req.AppendChild(q)

	src.deliver(req)

	require.Len(t, src.sent, 1)
	resp := src.sent[0]
	require.Equal(t, "result", resp.Type())
	require.Equal(t, "req-1", resp.ID())
	rq := resp.Child("query")
	require.Equal(t, m.latestVersion(), rq.AttrOr("version", ""))
	require.NotNil(t, rq.Child("diff"))
}

func TestHandleIncomingIQQueuesReversePullOnUnknownPushVersion(t *testing.T) {
	m, src, _ := newTestMultiUserWithSync()
	peer := jid.MustParse("bob@example.com")

	push := stanza.New(stanza.IQ)
	push.SetID("push-1")
	push.SetFrom(peer)
	push.SetType("set")
	q := xmlutil.New("query", ns.CoopFoxSync)
	q.SetAttr("thread", "t-1")
	q.SetAttr("mode", "fast-forward")
	q.SetAttr("version", "some-version-we-never-saw")
	push.AppendChild(q)

	src.deliver(push)

	// First sent stanza is our reply to the push; the second is the
	// reverse pull queued because we don't recognize the pushed version.
	require.Len(t, src.sent, 2)
	require.Equal(t, "result", src.sent[0].Type())
	require.Equal(t, "get", src.sent[1].Type())
	require.True(t, src.sent[1].To().EqualBare(peer))
}
