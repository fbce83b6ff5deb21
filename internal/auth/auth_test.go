package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/parley-ai/parley/internal/config"
)

func TestProviderFactory(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{})
	if err != nil || p.Name() != "allow-all" {
		t.Errorf("empty mode: provider %v, err %v", p, err)
	}

	p, err = NewProvider(config.AuthConfig{Mode: "static-token", Token: "tok"})
	if err != nil || p.Name() != "static-token" {
		t.Errorf("static-token: provider %v, err %v", p, err)
	}

	if _, err := NewProvider(config.AuthConfig{Mode: "static-token"}); err == nil {
		t.Error("static-token without a token accepted")
	}
	if _, err := NewProvider(config.AuthConfig{Mode: "jwks"}); err == nil {
		t.Error("jwks without a URL accepted")
	}
	if _, err := NewProvider(config.AuthConfig{Mode: "ouija"}); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestAllowAllAdmitsAnything(t *testing.T) {
	ctx := context.Background()
	p := AllowAll{}

	for _, token := range []string{"", "whatever", "Bearer junk"} {
		id, err := p.Authenticate(ctx, token)
		if err != nil {
			t.Fatalf("Authenticate(%q): %v", token, err)
		}
		if id.Subject != "anonymous" {
			t.Errorf("subject = %q", id.Subject)
		}
	}
}

func TestStaticToken(t *testing.T) {
	ctx := context.Background()
	p := &StaticToken{token: "s3cret"}

	id, err := p.Authenticate(ctx, "s3cret")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if id.Subject != "local" {
		t.Errorf("subject = %q", id.Subject)
	}

	for _, token := range []string{"", "wrong", "s3cret "} {
		if _, err := p.Authenticate(ctx, token); err != ErrUnauthorized {
			t.Errorf("Authenticate(%q) = %v, want ErrUnauthorized", token, err)
		}
	}
}

// jwksFixture serves a one-key JWKS and signs tokens with the matching
// private key.
type jwksFixture struct {
	key    *rsa.PrivateKey
	server *httptest.Server
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub := &key.PublicKey
	body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"test-key","use":"sig","alg":"RS256","n":"%s","e":"%s"}]}`,
		base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return &jwksFixture{key: key, server: server}
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"name":  "Ada",
		"iss":   "https://issuer.test",
		"roles": []string{"operator"},
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
}

func TestJWKSValidatesSignedTokens(t *testing.T) {
	fx := newJWKSFixture(t)
	p, err := NewJWKS(config.AuthConfig{
		JWKSURL: fx.server.URL,
		Issuer:  "https://issuer.test",
		Roles:   []string{"operator", "admin"},
	})
	if err != nil {
		t.Fatalf("NewJWKS: %v", err)
	}

	ctx := context.Background()
	id, err := p.Authenticate(ctx, fx.sign(t, baseClaims()))
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if id.Subject != "user-1" || id.Name != "Ada" {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "operator" {
		t.Errorf("roles = %v", id.Roles)
	}
}

func TestJWKSRejectsBadTokens(t *testing.T) {
	fx := newJWKSFixture(t)
	p, err := NewJWKS(config.AuthConfig{
		JWKSURL: fx.server.URL,
		Issuer:  "https://issuer.test",
		Roles:   []string{"operator"},
	})
	if err != nil {
		t.Fatalf("NewJWKS: %v", err)
	}
	ctx := context.Background()

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := baseClaims()
	wrongIssuer["iss"] = "https://somewhere-else.test"

	noExp := baseClaims()
	delete(noExp, "exp")

	noSub := baseClaims()
	delete(noSub, "sub")

	wrongRole := baseClaims()
	wrongRole["roles"] = []string{"viewer"}

	cases := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"expired", fx.sign(t, expired)},
		{"wrong issuer", fx.sign(t, wrongIssuer)},
		{"missing exp", fx.sign(t, noExp)},
		{"missing sub", fx.sign(t, noSub)},
		{"role not accepted", fx.sign(t, wrongRole)},
	}
	for _, tc := range cases {
		if _, err := p.Authenticate(ctx, tc.token); err != ErrUnauthorized {
			t.Errorf("%s: err = %v, want ErrUnauthorized", tc.name, err)
		}
	}
}

func TestJWKSWithoutRoleFilterAdmitsAnyRole(t *testing.T) {
	fx := newJWKSFixture(t)
	p, err := NewJWKS(config.AuthConfig{JWKSURL: fx.server.URL})
	if err != nil {
		t.Fatalf("NewJWKS: %v", err)
	}

	claims := baseClaims()
	claims["roles"] = []string{"anything"}
	id, err := p.Authenticate(context.Background(), fx.sign(t, claims))
	if err != nil {
		t.Fatalf("token rejected: %v", err)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "anything" {
		t.Errorf("roles = %v", id.Roles)
	}
}

func TestJWKSSingleRoleClaim(t *testing.T) {
	fx := newJWKSFixture(t)
	p, err := NewJWKS(config.AuthConfig{
		JWKSURL: fx.server.URL,
		Roles:   []string{"admin"},
	})
	if err != nil {
		t.Fatalf("NewJWKS: %v", err)
	}

	claims := baseClaims()
	delete(claims, "roles")
	claims["role"] = "admin"
	id, err := p.Authenticate(context.Background(), fx.sign(t, claims))
	if err != nil {
		t.Fatalf("token rejected: %v", err)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "admin" {
		t.Errorf("roles = %v", id.Roles)
	}
}
