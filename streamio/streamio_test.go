package streamio

import (
	"io"
	"testing"

	"github.com/ralfstrobel/coopfox-sub000/jid"
	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
	"github.com/stretchr/testify/require"
)

func TestReaderParsesStreamStartThenElements(t *testing.T) {
	pr, pw := io.Pipe()
	r := NewReader(pr)

	go func() {
		w := NewWriter(pw)
		_ = w.WriteStreamHeader(StreamAttrs{
			To:    jid.MustParse("example.com"),
			From:  jid.MustParse("user@example.com"),
			ID:    "abc123",
			Xmlns: ns.Client,
		})
		msg := xmlutil.New("message", "")
		msg.SetAttr("to", "other@example.com").SetAttr("type", "chat")
		_ = w.WriteElement(msg, ns.Client)
		_ = w.WriteStreamFooter()
		pw.Close()
	}()

	start, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, StreamStart, start.Kind)
	require.Equal(t, "abc123", start.Attrs.ID)
	require.Equal(t, ns.Client, start.Attrs.Xmlns)
	require.Equal(t, "example.com", start.Attrs.To.String())

	el, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, Element, el.Kind)
	require.Equal(t, "message", el.Tree.Name)
	require.Equal(t, "chat", el.Tree.AttrOr("type", ""))

	end, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, StreamEnd, end.Kind)
}

func TestWriterOmitsRedundantNamespace(t *testing.T) {
	var buf writeBuffer
	w := NewWriter(&buf)
	el := xmlutil.New("iq", ns.Client)
	el.SetAttr("type", "get")
	require.NoError(t, w.WriteElement(el, ns.Client))
	require.NotContains(t, buf.String(), "xmlns=")
}

type writeBuffer struct {
	data []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *writeBuffer) String() string { return string(b.data) }
