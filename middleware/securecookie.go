// Package middleware holds the endpoint processors placed in front of the
// RPC transports: sealed session cookies and API response headers.
package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// KeySize is the length of sealing keys.
const KeySize = chacha20poly1305.KeySize

// maxCookieLen bounds the client-controlled data decoded from a cookie.
const maxCookieLen = 8192

// Sealer encrypts and authenticates values with XChaCha20-Poly1305.
//
// Sealed values have the form keyID "." base64url(nonce || ciphertext). All
// keys are accepted for opening; the current key id selects the key used for
// sealing, so keys can be rotated without invalidating existing cookies.
type Sealer struct {
	keyID string
	aeads map[string]cipher.AEAD
}

// NewSealer builds a sealer. Every key must be KeySize bytes long.
func NewSealer(keyID string, keys map[string][]byte) (*Sealer, error) {
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	s := &Sealer{keyID: keyID, aeads: make(map[string]cipher.AEAD, len(keys))}

	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs *multierror.Error
	for _, id := range ids {
		if id == "" || strings.Contains(id, ".") {
			errs = multierror.Append(errs, fmt.Errorf("%w: key id %q", ErrCookieConfig, id))
			continue
		}
		aead, err := chacha20poly1305.NewX(keys[id])
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%w: key %q: %v", ErrCookieConfig, id, err))
			continue
		}
		s.aeads[id] = aead
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return s, nil
}

// Seal encrypts plain. aad binds the value to its context.
func (s *Sealer) Seal(plain, aad []byte) (string, error) {
	aead := s.aeads[s.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(value string, aad []byte) ([]byte, error) {
	if value == "" || len(value) > maxCookieLen {
		return nil, ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || enc == "" {
		return nil, ErrCookieFormat
	}
	aead, ok := s.aeads[keyID]
	if !ok {
		return nil, ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, ErrCookieFormat
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrCookieInvalid
	}
	return plain, nil
}

// CookieCodec stores CBOR-encoded values in sealed, HttpOnly cookies.
type CookieCodec struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite
	sealer   *Sealer
}

// CookieOption configures a CookieCodec.
type CookieOption func(*CookieCodec)

// WithPath sets the cookie path. The default is "/".
func WithPath(path string) CookieOption {
	return func(c *CookieCodec) {
		if path != "" {
			c.path = path
		}
	}
}

// WithDomain sets the cookie domain.
func WithDomain(domain string) CookieOption {
	return func(c *CookieCodec) {
		c.domain = domain
	}
}

// WithSecure sets the Secure flag. The default is true.
func WithSecure(secure bool) CookieOption {
	return func(c *CookieCodec) {
		c.secure = secure
	}
}

// WithSameSite sets the SameSite attribute. The default is Lax.
func WithSameSite(mode http.SameSite) CookieOption {
	return func(c *CookieCodec) {
		c.sameSite = mode
	}
}

// NewCookieCodec creates a codec for the named cookie.
func NewCookieCodec(name string, sealer *Sealer, opts ...CookieOption) (*CookieCodec, error) {
	if name == "" || sealer == nil {
		return nil, ErrCookieConfig
	}
	c := &CookieCodec{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		sealer:   sealer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name returns the cookie name.
func (c *CookieCodec) Name() string {
	return c.name
}

// aad binds a value to the cookie name, domain, path and Secure flag.
func (c *CookieCodec) aad() []byte {
	secure := "f"
	if c.secure {
		secure = "t"
	}
	return []byte(c.name + ":" + c.domain + ":" + c.path + ":" + secure)
}

// Encode seals v into a cookie valid for maxAge.
func (c *CookieCodec) Encode(v any, maxAge time.Duration) (*http.Cookie, error) {
	seconds := int(maxAge.Seconds())
	if seconds <= 0 {
		return nil, ErrCookieInvalid
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	value, err := c.sealer.Seal(plain, c.aad())
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   seconds,
		Expires:  time.Now().Add(time.Duration(seconds) * time.Second),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}, nil
}

// Decode opens the cookie and decodes its value into v.
func (c *CookieCodec) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil {
		return ErrCookieFormat
	}
	plain, err := c.sealer.Open(cookie.Value, c.aad())
	if err != nil {
		return err
	}
	if err := cbor.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieFormat, err)
	}
	return nil
}

// Clear returns a cookie that removes this cookie from the client.
func (c *CookieCodec) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     c.name,
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	}
}
