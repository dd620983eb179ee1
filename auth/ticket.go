package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TicketClaims are the JWT claims corvo tickets carry. The subject claim
// must equal the authid announced in HELLO; the role claim selects the
// authrole the session joins with.
type TicketClaims struct {
	jwt.RegisteredClaims
	Role  string `json:"role"`
	Realm string `json:"realm,omitempty"`
}

// TicketAuthenticator validates JWT tickets presented via the "ticket"
// auth method. Keys come either from a shared HMAC secret or from a JWKS
// endpoint (keyfunc).
type TicketAuthenticator struct {
	keyfunc jwt.Keyfunc
	methods []string
}

// NewHMACTicketAuthenticator verifies tickets signed with HS256 using a
// shared secret.
func NewHMACTicketAuthenticator(secret []byte) *TicketAuthenticator {
	return &TicketAuthenticator{
		keyfunc: func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
			}
			return secret, nil
		},
		methods: []string{"ticket"},
	}
}

// NewJWKSTicketAuthenticator verifies tickets against keys fetched from a
// JWKS endpoint. The returned authenticator refreshes keys in the
// background for the lifetime of ctx.
func NewJWKSTicketAuthenticator(ctx context.Context, jwksURL string) (*TicketAuthenticator, error) {
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load JWKS from %s: %w", jwksURL, err)
	}
	return &TicketAuthenticator{keyfunc: kf.Keyfunc, methods: []string{"ticket"}}, nil
}

func (a *TicketAuthenticator) Methods() []string { return a.methods }

// Authenticate implements Authenticator.
func (a *TicketAuthenticator) Authenticate(_ context.Context, realm, authID, ticket string) (Identity, error) {
	var claims TicketClaims
	tok, err := jwt.ParseWithClaims(ticket, &claims, a.keyfunc)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrBadTicket, err)
	}
	if !tok.Valid {
		return Identity{}, ErrBadTicket
	}
	if claims.Subject != authID {
		return Identity{}, fmt.Errorf("%w: subject %q does not match authid %q", ErrBadTicket, claims.Subject, authID)
	}
	if claims.Realm != "" && claims.Realm != realm {
		return Identity{}, fmt.Errorf("%w: ticket bound to realm %q", ErrBadTicket, claims.Realm)
	}
	if claims.Role == "" {
		return Identity{}, fmt.Errorf("%w: missing role claim", ErrBadTicket)
	}
	return Identity{AuthID: authID, AuthRole: claims.Role}, nil
}
