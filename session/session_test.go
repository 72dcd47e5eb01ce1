package session

import (
	"testing"

	"github.com/ralfstrobel/coopfox-sub000/ns"
	"github.com/ralfstrobel/coopfox-sub000/streamio"
	"github.com/ralfstrobel/coopfox-sub000/xmlutil"
	"github.com/stretchr/testify/require"
)

func TestSaslMechanismsExtractsNames(t *testing.T) {
	features := xmlutil.New("features", "")
	mechs := xmlutil.New("mechanisms", ns.SASL)
	for _, name := range []string{"DIGEST-MD5", "PLAIN"} {
		m := xmlutil.New("mechanism", "")
		m.Text = name
		mechs.AppendChild(m)
	}
	features.AppendChild(mechs)

	got := saslMechanisms(features)
	require.Equal(t, []string{"DIGEST-MD5", "PLAIN"}, got)
}

func TestSaslMechanismsHandlesAbsence(t *testing.T) {
	features := xmlutil.New("features", "")
	require.Nil(t, saslMechanisms(features))
}

func TestSaslFailureExtractsCondition(t *testing.T) {
	failure := xmlutil.New("failure", ns.SASL)
	failure.AppendChild(xmlutil.New("not-authorized", ""))
	err := saslFailure(streamio.Event{Kind: streamio.Element, Tree: failure})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-authorized")
}

func TestB64RoundTrips(t *testing.T) {
	data := []byte("hello world")
	encoded := b64(data)
	decoded, err := b64decode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}
