package confirm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)
	iss := Issuer{Secret: "s3cret", TTL: time.Minute, Now: func() time.Time { return now }}

	tok, exp, err := iss.Issue("c1", "alice")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), exp)

	member, err := iss.Verify(tok, "c1")
	require.NoError(t, err)
	require.Equal(t, "alice", member)

	_, err = iss.Verify(tok, "c2")
	require.ErrorIs(t, err, ErrInvalidToken)

	other := Issuer{Secret: "different", Now: iss.Now}
	_, err = other.Verify(tok, "c1")
	require.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	_, err = iss.Verify(tok, "c1")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledIssuer(t *testing.T) {
	var iss Issuer
	require.False(t, iss.Enabled())
	_, _, err := iss.Issue("c1", "alice")
	require.Error(t, err)
}
