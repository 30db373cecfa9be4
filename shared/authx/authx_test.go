package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write",
	}
	roles := parseRoles(claims)
	if len(roles) < 3 {
		t.Fatalf("expected roles to include entries, got %v", roles)
	}
}

func jwksServer(t *testing.T, kid string) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(priv.Public())
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("add key: %v", err)
	}
	body, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal set: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, priv
}

func TestJWKSCacheRefresh(t *testing.T) {
	srv, _ := jwksServer(t, "kid-1")
	cache := NewJWKSCache(srv.URL, time.Minute, srv.Client())

	got, err := cache.GetKey(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected *rsa.PublicKey, got %T", got)
	}
	if _, err := cache.GetKey(context.Background(), "unknown-kid"); !errors.Is(err, ErrUnknownKID) {
		t.Fatalf("expected ErrUnknownKID, got %v", err)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}
