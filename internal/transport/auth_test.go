package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/flowdesk/internal/config"
)

// --- Fixtures ---

const testIssuer = "https://auth.flowdesk.test"

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return key
}

func ecKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey: %v", err)
	}
	return key
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func rsaJWK(kid string, pub *rsa.PublicKey) jsonWebKey {
	return jsonWebKey{Kid: kid, Kty: "RSA", Use: "sig", N: b64(pub.N.Bytes()), E: b64(big.NewInt(int64(pub.E)).Bytes())}
}

func ecJWK(kid string, pub *ecdsa.PublicKey) jsonWebKey {
	return jsonWebKey{Kid: kid, Kty: "EC", Crv: "P-256", Use: "sig", X: b64(pub.X.Bytes()), Y: b64(pub.Y.Bytes())}
}

// keyServer serves a JWKS document and counts fetches.
type keyServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    []jsonWebKey
	status  int
	fetches atomic.Int32
}

func newKeyServer(t *testing.T, keys ...jsonWebKey) *keyServer {
	t.Helper()
	ks := &keyServer{keys: keys, status: http.StatusOK}
	ks.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.fetches.Add(1)
		ks.mu.Lock()
		defer ks.mu.Unlock()
		if ks.status != http.StatusOK {
			w.WriteHeader(ks.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": ks.keys})
	}))
	t.Cleanup(ks.Close)
	return ks
}

func (ks *keyServer) fail(status int) {
	ks.mu.Lock()
	ks.status = status
	ks.mu.Unlock()
}

func sign(t *testing.T, key any, method jwt.SigningMethod, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func identityConfig() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     testIssuer,
		Audience:   "flowdesk",
		Algorithms: []string{"RS256", "ES256"},
	}
}

func sessionClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":    "user-1",
		"org_id": "org1",
		"roles":  []string{"flow_admin"},
		"iss":    testIssuer,
		"aud":    "flowdesk",
		"iat":    jwt.NewNumericDate(now),
		"exp":    jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

// authenticate runs one request with authorization through the middleware
// and returns the status and error message.
func authenticate(t *testing.T, cfg config.IdentityConfig, jwks *JWKSClient, authorization string) (int, string) {
	t.Helper()
	handler := JWTAuthenticator(cfg, jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if org, _ := ClaimsFrom(r.Context())["org_id"].(string); org != "org1" {
			t.Errorf("claims org_id = %q, want org1", org)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/ui/rule-types", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&body)
	return rec.Code, body.Error.Message
}

// --- JWKSClient ---

func TestNewJWKSClient_emptyURL(t *testing.T) {
	if c := NewJWKSClient("", time.Hour); c != nil {
		t.Errorf("NewJWKSClient(\"\") = %v, want nil", c)
	}
}

func TestJWKSClient_keyTypes(t *testing.T) {
	r, e := rsaKey(t), ecKey(t)
	ks := newKeyServer(t, rsaJWK("rsa-1", &r.PublicKey), ecJWK("ec-1", &e.PublicKey))
	c := NewJWKSClient(ks.URL, time.Hour)

	got, err := c.GetKey(context.Background(), "rsa-1")
	if err != nil {
		t.Fatalf("GetKey(rsa-1): %v", err)
	}
	if pub, ok := got.(*rsa.PublicKey); !ok || pub.N.Cmp(r.N) != 0 {
		t.Errorf("rsa-1 = %T, want the published RSA key", got)
	}

	got, err = c.GetKey(context.Background(), "ec-1")
	if err != nil {
		t.Fatalf("GetKey(ec-1): %v", err)
	}
	if pub, ok := got.(*ecdsa.PublicKey); !ok || pub.X.Cmp(e.X) != 0 {
		t.Errorf("ec-1 = %T, want the published EC key", got)
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestJWKSClient_skipsUnusableKeys(t *testing.T) {
	r := rsaKey(t)
	enc := rsaJWK("enc-1", &r.PublicKey)
	enc.Use = "enc"
	ks := newKeyServer(t,
		enc,
		jsonWebKey{Kid: "bad-curve", Kty: "EC", Crv: "P-192", X: "AA", Y: "AA"},
		jsonWebKey{Kid: "oct-1", Kty: "oct"},
		jsonWebKey{Kid: "no-modulus", Kty: "RSA", E: "AQAB"},
		rsaJWK("", &r.PublicKey),
		rsaJWK("ok", &r.PublicKey),
	)
	c := NewJWKSClient(ks.URL, time.Hour)

	if _, err := c.GetKey(context.Background(), "ok"); err != nil {
		t.Fatalf("GetKey(ok): %v", err)
	}
	for _, kid := range []string{"enc-1", "bad-curve", "oct-1", "no-modulus"} {
		if _, err := c.GetKey(context.Background(), kid); !errors.Is(err, errUnknownKey) {
			t.Errorf("GetKey(%s) error = %v, want unknown key", kid, err)
		}
	}
}

func TestJWKSClient_unknownKidWithinMinRefresh(t *testing.T) {
	r := rsaKey(t)
	ks := newKeyServer(t, rsaJWK("k1", &r.PublicKey))
	c := NewJWKSClient(ks.URL, time.Hour)

	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}
	for range 3 {
		if _, err := c.GetKey(context.Background(), "rotated"); !errors.Is(err, errUnknownKey) {
			t.Errorf("GetKey(rotated) error = %v, want unknown key", err)
		}
	}
	if n := ks.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1 inside the refresh floor", n)
	}
}

func TestJWKSClient_picksUpRotatedKey(t *testing.T) {
	r1, r2 := rsaKey(t), rsaKey(t)
	ks := newKeyServer(t, rsaJWK("k1", &r1.PublicKey))
	c := NewJWKSClient(ks.URL, time.Hour)
	c.minRefresh = 0

	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("GetKey(k1): %v", err)
	}
	ks.mu.Lock()
	ks.keys = append(ks.keys, rsaJWK("k2", &r2.PublicKey))
	ks.mu.Unlock()

	if _, err := c.GetKey(context.Background(), "k2"); err != nil {
		t.Fatalf("GetKey(k2) after rotation: %v", err)
	}
}

func TestJWKSClient_staleKeyServedWhenProviderDown(t *testing.T) {
	r := rsaKey(t)
	ks := newKeyServer(t, rsaJWK("k1", &r.PublicKey))
	c := NewJWKSClient(ks.URL, time.Millisecond)

	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Fatalf("GetKey: %v", err)
	}
	ks.fail(http.StatusServiceUnavailable)
	time.Sleep(5 * time.Millisecond)

	if _, err := c.GetKey(context.Background(), "k1"); err != nil {
		t.Errorf("GetKey with provider down = %v, want the cached key", err)
	}
}

func TestJWKSClient_providerDownWithoutCache(t *testing.T) {
	ks := newKeyServer(t)
	ks.fail(http.StatusBadGateway)
	c := NewJWKSClient(ks.URL, time.Hour)

	_, err := c.GetKey(context.Background(), "k1")
	if !errors.Is(err, errKeysUnavailable) {
		t.Errorf("GetKey error = %v, want keys unavailable", err)
	}
}

func TestJWKSClient_concurrentFetchesCoalesce(t *testing.T) {
	r := rsaKey(t)
	ks := newKeyServer(t, rsaJWK("k1", &r.PublicKey))
	c := NewJWKSClient(ks.URL, time.Hour)

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			if _, err := c.GetKey(context.Background(), "k1"); err != nil {
				t.Errorf("GetKey: %v", err)
			}
		})
	}
	wg.Wait()
	if n := ks.fetches.Load(); n >= 20 {
		t.Errorf("fetches = %d, want fewer than one per caller", n)
	}
}

func TestJWKSClient_HealthCheck(t *testing.T) {
	var nilClient *JWKSClient
	if err := nilClient.HealthCheck(context.Background()); err != nil {
		t.Errorf("nil client HealthCheck = %v, want nil", err)
	}

	r := rsaKey(t)
	up := NewJWKSClient(newKeyServer(t, rsaJWK("k1", &r.PublicKey)).URL, time.Hour)
	if err := up.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck = %v, want nil", err)
	}

	empty := NewJWKSClient(newKeyServer(t).URL, time.Hour)
	if err := empty.HealthCheck(context.Background()); !errors.Is(err, errKeysUnavailable) {
		t.Errorf("empty key set HealthCheck = %v, want keys unavailable", err)
	}
}

// --- JWTAuthenticator ---

func TestJWTAuthenticator(t *testing.T) {
	r, e := rsaKey(t), ecKey(t)
	ks := newKeyServer(t, rsaJWK("rsa-1", &r.PublicKey), ecJWK("ec-1", &e.PublicKey))
	jwks := NewJWKSClient(ks.URL, time.Hour)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := sessionClaims()
		mutate(c)
		return c
	}
	rs256 := func(claims jwt.MapClaims) string {
		return "Bearer " + sign(t, r, jwt.SigningMethodRS256, "rsa-1", claims)
	}

	tests := []struct {
		name          string
		cfg           func(*config.IdentityConfig)
		authorization string
		wantStatus    int
		wantMessage   string
	}{
		{
			name:          "rs256",
			authorization: rs256(sessionClaims()),
			wantStatus:    http.StatusNoContent,
		},
		{
			name:          "es256",
			authorization: "Bearer " + sign(t, e, jwt.SigningMethodES256, "ec-1", sessionClaims()),
			wantStatus:    http.StatusNoContent,
		},
		{
			name:          "inside clock skew",
			authorization: rs256(with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-15 * time.Second)) })),
			wantStatus:    http.StatusNoContent,
		},
		{
			name:        "no header",
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "Missing authorization header",
		},
		{
			name:          "basic scheme",
			authorization: "Basic dXNlcjpwYXNz",
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Invalid authorization header format",
		},
		{
			name:          "empty bearer",
			authorization: "Bearer  ",
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Invalid authorization header format",
		},
		{
			name:          "garbage",
			authorization: "Bearer not-a-jwt",
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Malformed token",
		},
		{
			name:          "expired",
			authorization: rs256(with(func(c jwt.MapClaims) { c["exp"] = jwt.NewNumericDate(time.Now().Add(-time.Hour)) })),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Token expired",
		},
		{
			name:          "no exp",
			authorization: rs256(with(func(c jwt.MapClaims) { delete(c, "exp") })),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Token is missing a required claim",
		},
		{
			name:          "other issuer",
			authorization: rs256(with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Invalid token issuer",
		},
		{
			name:          "other audience",
			authorization: rs256(with(func(c jwt.MapClaims) { c["aud"] = "billing" })),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Invalid token audience",
		},
		{
			name:          "algorithm not allowed",
			cfg:           func(c *config.IdentityConfig) { c.Algorithms = []string{"ES256"} },
			authorization: rs256(sessionClaims()),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Disallowed signing algorithm",
		},
		{
			name:          "unknown kid",
			authorization: "Bearer " + sign(t, r, jwt.SigningMethodRS256, "rsa-9", sessionClaims()),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Unknown signing key",
		},
		{
			name:          "no kid",
			authorization: "Bearer " + sign(t, r, jwt.SigningMethodRS256, "", sessionClaims()),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Unknown signing key",
		},
		{
			name:          "signed by another key",
			authorization: "Bearer " + sign(t, rsaKey(t), jwt.SigningMethodRS256, "rsa-1", sessionClaims()),
			wantStatus:    http.StatusUnauthorized,
			wantMessage:   "Invalid token signature",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := identityConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			status, msg := authenticate(t, cfg, jwks, tt.authorization)
			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d (message %q)", status, tt.wantStatus, msg)
			}
			if msg != tt.wantMessage {
				t.Errorf("message = %q, want %q", msg, tt.wantMessage)
			}
		})
	}
}

func TestJWTAuthenticator_hmac(t *testing.T) {
	t.Setenv("FLOWDESK_TEST_JWT_SECRET", "s3cret")
	hs256 := func(secret string) string {
		return "Bearer " + sign(t, []byte(secret), jwt.SigningMethodHS256, "", sessionClaims())
	}

	withSecret := identityConfig()
	withSecret.Algorithms = []string{"HS256"}
	withSecret.HMACSecretEnv = "FLOWDESK_TEST_JWT_SECRET"
	withoutSecret := identityConfig()
	withoutSecret.Algorithms = []string{"HS256"}

	tests := []struct {
		name        string
		cfg         config.IdentityConfig
		token       string
		wantStatus  int
		wantMessage string
	}{
		{"shared secret", withSecret, hs256("s3cret"), http.StatusNoContent, ""},
		{"forged", withSecret, hs256("guess"), http.StatusUnauthorized, "Invalid token signature"},
		{"no secret configured", withoutSecret, hs256("anything"), http.StatusUnauthorized, "Unknown signing key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := authenticate(t, tt.cfg, nil, tt.token)
			if status != tt.wantStatus || msg != tt.wantMessage {
				t.Errorf("got %d %q, want %d %q", status, msg, tt.wantStatus, tt.wantMessage)
			}
		})
	}
}

func TestJWTAuthenticator_keysUnavailable(t *testing.T) {
	ks := newKeyServer(t)
	ks.fail(http.StatusServiceUnavailable)
	r := rsaKey(t)

	status, msg := authenticate(t, identityConfig(), NewJWKSClient(ks.URL, time.Hour),
		"Bearer "+sign(t, r, jwt.SigningMethodRS256, "rsa-1", sessionClaims()))
	if status != http.StatusUnauthorized || msg != "Signing keys unavailable" {
		t.Errorf("got %d %q, want 401 Signing keys unavailable", status, msg)
	}
}

func TestClassifyJWTError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("parse: %w", jwt.ErrTokenExpired), "Token expired"},
		{jwt.ErrTokenNotValidYet, "Token not yet valid"},
		{jwt.ErrTokenInvalidIssuer, "Invalid token issuer"},
		{jwt.ErrTokenInvalidAudience, "Invalid token audience"},
		{jwt.ErrTokenRequiredClaimMissing, "Token is missing a required claim"},
		{fmt.Errorf("%w: %w", jwt.ErrTokenUnverifiable, errUnknownKey), "Unknown signing key"},
		{fmt.Errorf("%w: dial tcp", errKeysUnavailable), "Signing keys unavailable"},
		{jwt.ErrTokenMalformed, "Malformed token"},
		{fmt.Errorf("signing method HS512 is invalid: %w", jwt.ErrTokenSignatureInvalid), "Disallowed signing algorithm"},
		{fmt.Errorf("%w: crypto/rsa: verification error", jwt.ErrTokenSignatureInvalid), "Invalid token signature"},
		{errors.New("boom"), "Invalid token"},
	}
	for _, tt := range tests {
		if got := classifyJWTError(tt.err); got != tt.want {
			t.Errorf("classifyJWTError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
