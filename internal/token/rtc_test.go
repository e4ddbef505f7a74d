package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	b := NewBuilder("app-1", "secret-cert")

	tok, err := b.Issue("session_abc_1700000000", "client-7", RolePublisher, time.Minute)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(tok, "v1:"))

	require.NoError(t, b.Verify(tok, "session_abc_1700000000", "client-7"))
}

func TestVerifyRejectsWrongBinding(t *testing.T) {
	b := NewBuilder("app-1", "secret-cert")
	tok, err := b.Issue("chan", "party", RoleSubscriber, time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, b.Verify(tok, "other-chan", "party"), ErrTokenInvalid)
	require.ErrorIs(t, b.Verify(tok, "chan", "other-party"), ErrTokenInvalid)
}

func TestVerifyRejectsWrongCertificate(t *testing.T) {
	tok, err := NewBuilder("app-1", "secret-cert").Issue("chan", "party", RolePublisher, time.Minute)
	require.NoError(t, err)

	other := NewBuilder("app-1", "different-cert")
	require.ErrorIs(t, other.Verify(tok, "chan", "party"), ErrTokenInvalid)
}

func TestVerifyRejectsExpired(t *testing.T) {
	b := NewBuilder("app-1", "secret-cert")
	tok, err := b.Issue("chan", "party", RolePublisher, -time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, b.Verify(tok, "chan", "party"), ErrTokenExpired)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	b := NewBuilder("app-1", "secret-cert")
	for _, tok := range []string{"", "v1:", "v2:abc.def", "v1:!!!.???", "v1:onlypayload"} {
		require.ErrorIs(t, b.Verify(tok, "chan", "party"), ErrTokenInvalid, "token %q", tok)
	}
}

func TestIssueRequiresChannelAndParty(t *testing.T) {
	b := NewBuilder("app-1", "secret-cert")
	_, err := b.Issue("", "party", RolePublisher, time.Minute)
	require.ErrorIs(t, err, ErrTokenInvalid)
	_, err = b.Issue("chan", "", RolePublisher, time.Minute)
	require.ErrorIs(t, err, ErrTokenInvalid)
}
