package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/go-multierror"
)

// Verifier checks a bearer token and returns its principal.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// clockLeeway tolerates clock skew between issuer and server.
const clockLeeway = time.Minute

// minSecretLen is the shortest HS256 secret accepted.
const minSecretLen = 32

// tokenClaims are the claims of tokens issued by HMACVerifier.Issue.
type tokenClaims struct {
	jwt.Claims
	Email string `json:"email,omitempty"`
}

// HMACVerifier verifies HS256 JWTs signed with a shared secret.
type HMACVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewHMACVerifier creates a verifier for tokens from issuer. An empty issuer
// accepts any issuer.
func NewHMACVerifier(secret []byte, issuer string) (*HMACVerifier, error) {
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("auth: HMAC secret must be at least %d bytes", minSecretLen)
	}
	return &HMACVerifier{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Verify implements Verifier.
func (v *HMACVerifier) Verify(_ context.Context, token string) (*Principal, error) {
	tok, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims tokenClaims
	if err := tok.Claims(v.secret, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: v.issuer, Time: v.now()}, clockLeeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	p := &Principal{Subject: claims.Subject, Issuer: claims.Issuer, Email: claims.Email}
	if claims.Expiry != nil {
		p.Expiry = claims.Expiry.Time()
	}
	return p, nil
}

// Issue signs a token for subject valid for ttl. It is meant for service
// clients and tools sharing the secret.
func (v *HMACVerifier) Issue(subject, email string, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: v.secret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", err
	}
	now := v.now()
	claims := tokenClaims{
		Claims: jwt.Claims{
			Subject:  subject,
			Issuer:   v.issuer,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
	}
	return jwt.Signed(signer).Claims(claims).Serialize()
}

// OIDCVerifier verifies ID tokens issued by an OpenID Connect provider.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at issuer and verifies tokens issued
// to clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("auth: query provider %q: %w", issuer, err)
	}
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{ClientID: clientID})}, nil
}

// NewOIDCVerifierFromKeys verifies tokens against a fixed key set, without
// discovery.
func NewOIDCVerifierFromKeys(issuer, clientID string, keys oidc.KeySet) *OIDCVerifier {
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID})}
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	p := &Principal{Subject: idToken.Subject, Issuer: idToken.Issuer, Expiry: idToken.Expiry}
	p.Email, _ = verifiedEmail(idToken)
	return p, nil
}

func verifiedEmail(token *oidc.IDToken) (string, bool) {
	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := token.Claims(&claims); err != nil || !claims.EmailVerified {
		return "", false
	}
	return claims.Email, claims.Email != ""
}

// Chain tries each verifier in order and returns the first principal.
type Chain []Verifier

// Verify implements Verifier.
func (c Chain) Verify(ctx context.Context, token string) (*Principal, error) {
	var errs *multierror.Error
	for _, v := range c {
		p, err := v.Verify(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = multierror.Append(errs, err)
	}
	if errs == nil {
		return nil, ErrInvalidToken
	}
	return nil, errs
}
