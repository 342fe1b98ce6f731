package server

import (
	"strings"

	"github.com/pkg/errors"

	"arenacore/internal/game"
)

// ErrInvalidToken is returned for tokens the verifier does not recognize.
var ErrInvalidToken = errors.New("server: invalid token")

// TokenVerifier is the external authentication collaborator. The core only
// trusts the verified identity it returns; issuing tokens is someone
// else's job.
type TokenVerifier interface {
	Verify(token string) (game.Identity, error)
}

// StaticTokenVerifier maps pre-shared tokens to identities. Suitable for
// development and tests; production wires a real verifier.
type StaticTokenVerifier struct {
	identities map[string]game.Identity
}

// NewStaticTokenVerifier builds a verifier from token → identity pairs.
func NewStaticTokenVerifier(tokens map[string]game.Identity) *StaticTokenVerifier {
	set := make(map[string]game.Identity, len(tokens))
	for token, id := range tokens {
		token = strings.TrimSpace(token)
		if token == "" || id.UserID == "" {
			continue
		}
		set[token] = id
	}
	return &StaticTokenVerifier{identities: set}
}

// Verify implements TokenVerifier.
func (v *StaticTokenVerifier) Verify(token string) (game.Identity, error) {
	id, ok := v.identities[strings.TrimSpace(token)]
	if !ok {
		return game.Identity{}, ErrInvalidToken
	}
	return id, nil
}
