package digestmd5

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChallengeHandlesQuotedCommaFreeValues(t *testing.T) {
	ch := ParseChallenge(`realm="example.com",nonce="abc123",qop="auth",charset=utf-8,algorithm=md5-sess`)
	require.Equal(t, "example.com", ch.Realm)
	require.Equal(t, "abc123", ch.Nonce)
	require.Equal(t, []string{"auth"}, ch.QOP)
	require.Equal(t, "utf-8", ch.Charset)
	require.Equal(t, "md5-sess", ch.Algorithm)
}

func TestParseChallengeDefaultsRealmWhenAbsent(t *testing.T) {
	ch := ParseChallenge(`nonce="xyz",qop="auth",charset=utf-8`)
	require.Equal(t, "", ch.Realm)
	require.Equal(t, "xyz", ch.Nonce)
}

func TestResponseIsDeterministicForFixedInputs(t *testing.T) {
	ch := Challenge{Realm: "example.com", Nonce: "OA6MG9tEQGm2hh"}
	resp1 := Response("alice", "secret", "example.com", ch, "OA6MHXh6VqTrRk")
	resp2 := Response("alice", "secret", "example.com", ch, "OA6MHXh6VqTrRk")
	require.Equal(t, resp1, resp2)
	require.Contains(t, resp1, `username="alice"`)
	require.Contains(t, resp1, `realm="example.com"`)
	require.Contains(t, resp1, "nc=00000001")
	require.Contains(t, resp1, "qop=auth")
	require.Contains(t, resp1, `digest-uri="xmpp/example.com"`)
}

func TestResponseDefaultsRealmToHostnameWhenChallengeOmitsIt(t *testing.T) {
	ch := Challenge{Nonce: "n"}
	resp := Response("alice", "secret", "example.com", ch, "cn")
	require.Contains(t, resp, `realm="example.com"`)
}

func TestResponseChangesWithDifferentPasswords(t *testing.T) {
	ch := Challenge{Realm: "example.com", Nonce: "n"}
	r1 := Response("alice", "secret1", "example.com", ch, "cn")
	r2 := Response("alice", "secret2", "example.com", ch, "cn")
	require.NotEqual(t, r1, r2)
}

func TestGenerateCnonceProducesDistinctValues(t *testing.T) {
	a, err := GenerateCnonce()
	require.NoError(t, err)
	b, err := GenerateCnonce()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 32)
}
