package transport

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/flowdesk/internal/config"
	"github.com/pitabwire/flowdesk/model"
)

var (
	errUnknownKey      = errors.New("unknown signing key")
	errKeysUnavailable = errors.New("signing keys unavailable")
)

// jsonWebKey holds the members of a JWK that flowdesk verifies with.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

func (k jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaKey()
	case "EC":
		return k.ecKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	n, err := decodeKeyPart("n", k.N)
	if err != nil {
		return nil, err
	}
	e, err := decodeKeyPart("e", k.E)
	if err != nil {
		return nil, err
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

var curves = map[string]elliptic.Curve{
	"P-256": elliptic.P256(),
	"P-384": elliptic.P384(),
	"P-521": elliptic.P521(),
}

func (k jsonWebKey) ecKey() (*ecdsa.PublicKey, error) {
	curve, ok := curves[k.Crv]
	if !ok {
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}
	x, err := decodeKeyPart("x", k.X)
	if err != nil {
		return nil, err
	}
	y, err := decodeKeyPart("y", k.Y)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func decodeKeyPart(name, v string) (*big.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("missing %s", name)
	}
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return new(big.Int).SetBytes(b), nil
}

// JWKSClient keeps the identity provider's signing keys. Keys are refetched
// once the cache is older than the ttl, or when a token names an unknown key
// id, but never more often than every minRefresh. Concurrent refetches are
// coalesced. When the provider is unreachable, cached keys keep working.
type JWKSClient struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time

	group singleflight.Group
}

// NewJWKSClient returns a client for the key set at url, or nil when url is
// empty.
func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if url == "" {
		return nil
	}
	return &JWKSClient{
		url:        url,
		ttl:        ttl,
		minRefresh: 5 * time.Minute,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		keys:       map[string]crypto.PublicKey{},
	}
}

func (c *JWKSClient) cached(kid string) (crypto.PublicKey, bool, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	return key, ok, time.Since(c.fetchedAt)
}

// GetKey returns the verification key with id kid.
func (c *JWKSClient) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	key, ok, age := c.cached(kid)
	if ok && age <= c.ttl {
		return key, nil
	}
	if !ok && age < c.minRefresh && !c.empty() {
		return nil, fmt.Errorf("kid %q: %w", kid, errUnknownKey)
	}

	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		if ok {
			slog.Warn("jwks refresh failed, using cached key", "kid", kid, "error", err)
			return key, nil
		}
		return nil, fmt.Errorf("%w: %w", errKeysUnavailable, err)
	}

	if key, ok, _ = c.cached(kid); !ok {
		return nil, fmt.Errorf("kid %q: %w", kid, errUnknownKey)
	}
	return key, nil
}

func (c *JWKSClient) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys) == 0
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || k.Use == "enc" {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			slog.Warn("jwks key skipped", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return nil
}

// HealthCheck fails when no signing key could ever be fetched.
func (c *JWKSClient) HealthCheck(ctx context.Context) error {
	if c == nil || !c.empty() {
		return nil
	}
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errKeysUnavailable, err)
	}
	if c.empty() {
		return fmt.Errorf("%w: key set is empty", errKeysUnavailable)
	}
	return nil
}

// JWTAuthenticator returns middleware that admits requests carrying a valid
// bearer jwt and stores its claims in the request context. Asymmetric tokens
// are verified against jwks and HMAC tokens against the secret named by
// cfg.HMACSecretEnv. Only cfg.Algorithms are accepted.
func JWTAuthenticator(cfg config.IdentityConfig, jwks *JWKSClient) func(http.Handler) http.Handler {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(parserOpts...)
	secret := cfg.HMACSecret()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := bearerCredential(r)
			if problem != "" {
				WriteError(w, model.NewUnauthorizedError(problem))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyResolver(r.Context(), jwks, secret)); err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerCredential returns the token of the Authorization header, or a
// description of what is wrong with the header.
func bearerCredential(r *http.Request) (token, problem string) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", "Missing authorization header"
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", "Invalid authorization header format"
	}
	return token, ""
}

func keyResolver(ctx context.Context, jwks *JWKSClient, secret []byte) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			if len(secret) == 0 {
				return nil, errUnknownKey
			}
			return secret, nil
		}
		if jwks == nil {
			return nil, errUnknownKey
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid: %w", errUnknownKey)
		}
		return jwks.GetKey(ctx, kid)
	}
}

var jwtErrorMessages = []struct {
	target error
	msg    string
}{
	{jwt.ErrTokenExpired, "Token expired"},
	{jwt.ErrTokenNotValidYet, "Token not yet valid"},
	{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
	{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
	{jwt.ErrTokenRequiredClaimMissing, "Token is missing a required claim"},
	{errUnknownKey, "Unknown signing key"},
	{errKeysUnavailable, "Signing keys unavailable"},
	{jwt.ErrTokenMalformed, "Malformed token"},
}

// classifyJWTError turns a parse failure into a client-safe message.
func classifyJWTError(err error) string {
	for _, m := range jwtErrorMessages {
		if errors.Is(err, m.target) {
			return m.msg
		}
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	}
	return "Invalid token"
}
