// Package auth turns bearer tokens into caller identities and decides which
// identities may act as operators.
package auth

import (
	"SlotLock/internal/state"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken    = errors.New("invalid identity token")
	ErrInvalidPassword = errors.New("invalid admin password")
)

const tokenName = "slotlock_identity"

// Tokens issues and verifies signed, encrypted identity tokens.
type Tokens struct {
	sc *securecookie.SecureCookie
}

func NewTokens(hashKey, blockKey []byte, ttl time.Duration) *Tokens {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(ttl.Seconds()))
	return &Tokens{sc: sc}
}

// GenerateKeys returns a fresh hash key (64 bytes) and block key (32 bytes, AES-256).
func GenerateKeys() (hashKey, blockKey []byte) {
	return securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32)
}

func (t *Tokens) Issue(id state.Identity) (string, error) {
	if id.IsZero() {
		return "", fmt.Errorf("issue token: empty identity")
	}
	value := map[string]string{"sub": string(id)}
	encoded, err := t.sc.Encode(tokenName, value)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return encoded, nil
}

func (t *Tokens) Verify(token string) (state.Identity, error) {
	value := map[string]string{}
	if err := t.sc.Decode(tokenName, token, &value); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub := value["sub"]
	if sub == "" {
		return "", ErrInvalidToken
	}
	return state.Identity(sub), nil
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

// AdminGate guards token issuance behind a bcrypt-hashed password.
type AdminGate struct {
	hash []byte
}

func NewAdminGate(bcryptHash string) *AdminGate {
	return &AdminGate{hash: []byte(bcryptHash)}
}

func (g *AdminGate) Check(pw string) error {
	if len(g.hash) == 0 {
		return fmt.Errorf("%w: admin password not configured", ErrInvalidPassword)
	}
	if err := bcrypt.CompareHashAndPassword(g.hash, []byte(pw)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// OperatorSet is the fixed list of identities allowed to fulfill reservations.
type OperatorSet struct {
	ids []state.Identity
}

func NewOperatorSet(ids ...state.Identity) *OperatorSet {
	return &OperatorSet{ids: ids}
}

func (s *OperatorSet) IsOperator(id state.Identity) bool {
	if id.IsZero() {
		return false
	}
	for _, op := range s.ids {
		if subtle.ConstantTimeCompare([]byte(op), []byte(id)) == 1 {
			return true
		}
	}
	return false
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id state.Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFromContext(ctx context.Context) (state.Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(state.Identity)
	return id, ok && !id.IsZero()
}
