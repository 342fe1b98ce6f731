package server

import (
	"testing"

	"github.com/stretchr/testify/require"

	"arenacore/internal/game"
)

func TestStaticTokenVerifier(t *testing.T) {
	verifier := NewStaticTokenVerifier(map[string]game.Identity{
		"tok-alice": {UserID: "alice", Username: "Alice"},
		"  ":        {UserID: "blank"},
		"orphan":    {},
	})

	id, err := verifier.Verify("tok-alice")
	require.NoError(t, err)
	require.Equal(t, "alice", id.UserID)
	require.Equal(t, "Alice", id.Username)

	_, err = verifier.Verify(" tok-alice ")
	require.NoError(t, err, "tokens are compared trimmed")

	_, err = verifier.Verify("nope")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = verifier.Verify("orphan")
	require.ErrorIs(t, err, ErrInvalidToken, "entries without a user id are dropped")

	_, err = verifier.Verify("")
	require.ErrorIs(t, err, ErrInvalidToken)
}
