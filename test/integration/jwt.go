package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signingKeyID = "flowdesk-integration"

// TestClaims is the identity a test token asserts.
type TestClaims struct {
	SubjectID      string
	OrganizationID string
	Email          string
	Roles          []string
}

// sessionClaims is the token body, shaped like the identity provider's.
type sessionClaims struct {
	jwt.RegisteredClaims
	OrganizationID string   `json:"org_id,omitempty"`
	Email          string   `json:"email,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// tokenIssuer plays the identity provider: it signs RS256 tokens and
// publishes the verification key as a JWKS document.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	doc, err := json.Marshal(map[string]any{"keys": []any{publicJWK(&key.PublicKey)}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(jwks.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     jwks,
		issuer:   "https://auth.flowdesk.test",
		audience: "flowdesk-test",
	}
}

func publicJWK(pub *rsa.PublicKey) map[string]string {
	enc := base64.RawURLEncoding.EncodeToString
	return map[string]string{
		"kid": signingKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   enc(pub.N.Bytes()),
		"e":   enc(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// GenerateToken issues a token valid for one hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now(), time.Hour)
}

// GenerateExpiredToken issues a token that expired an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) sign(c TestClaims, issuedAt time.Time, lifetime time.Duration) string {
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ti.issuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{ti.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
		OrganizationID: c.OrganizationID,
		Email:          c.Email,
		Roles:          c.Roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = signingKeyID

	signed, err := token.SignedString(ti.key)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) JWKSURL() string  { return ti.jwks.URL }
func (ti *tokenIssuer) Issuer() string   { return ti.issuer }
func (ti *tokenIssuer) Audience() string { return ti.audience }
