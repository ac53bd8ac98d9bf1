package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("LINKBIO_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndParseToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("admin-1", []string{"Admin", "admin", " owner "}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "admin-1" {
		t.Fatalf("subject = %s", claims.Subject)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("roles = %v, want deduplicated [admin owner]", claims.Roles)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("admin-1", []string{"admin"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseAndValidate(token + "x"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
	if _, err := ParseAndValidate(""); err != ErrInvalidToken {
		t.Fatalf("blank token err = %v, want ErrInvalidToken", err)
	}
}

func signRaw(t *testing.T, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestParseRejectsForeignIssuer(t *testing.T) {
	withSecret(t, "test-secret")
	now := time.Now().UTC()

	token := signRaw(t, Claims{
		Roles: []string{"admin"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "admin-1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseRequiresExpiryAndSubject(t *testing.T) {
	withSecret(t, "test-secret")
	now := time.Now().UTC()

	noExpiry := signRaw(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  "admin-1",
			IssuedAt: jwt.NewNumericDate(now),
		},
	})
	if _, err := ParseAndValidate(noExpiry); err != ErrInvalidToken {
		t.Fatalf("missing expiry err = %v, want ErrInvalidToken", err)
	}

	noSubject := signRaw(t, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	if _, err := ParseAndValidate(noSubject); err != ErrInvalidToken {
		t.Fatalf("missing subject err = %v, want ErrInvalidToken", err)
	}
}

func TestGenerateTokenRequiresSecret(t *testing.T) {
	withSecret(t, "")

	if _, err := GenerateToken("admin-1", []string{"admin"}, time.Hour); err == nil {
		t.Fatal("expected error without configured secret")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWithUser(context.Background(), "u-1", []string{"Owner", "owner"})

	id, ok := UserIDFromContext(ctx)
	if !ok || id != "u-1" {
		t.Fatalf("user id = %q, ok = %v", id, ok)
	}
	if got := RolesFromContext(ctx); len(got) != 1 || got[0] != "owner" {
		t.Fatalf("roles = %v, want normalized [owner]", got)
	}
}

func TestActorCapabilities(t *testing.T) {
	cases := []struct {
		roles      []string
		enforce    bool
		issueLicen bool
	}{
		{nil, false, false},
		{[]string{"support"}, false, false},
		{[]string{"admin"}, true, false},
		{[]string{"owner"}, true, true},
		{[]string{"admin", "owner"}, true, true},
	}
	for _, tc := range cases {
		a := Actor{ID: "x", Roles: tc.roles}
		if got := a.Can(CapEnforce); got != tc.enforce {
			t.Errorf("roles %v: Can(enforce) = %v, want %v", tc.roles, got, tc.enforce)
		}
		if got := a.Can(CapIssueLicense); got != tc.issueLicen {
			t.Errorf("roles %v: Can(license.issue) = %v, want %v", tc.roles, got, tc.issueLicen)
		}
	}
}

func TestActorFromContext(t *testing.T) {
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatal("anonymous context must not yield an actor")
	}
	ctx := ContextWithUser(context.Background(), "admin-1", []string{"admin"})
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID != "admin-1" {
		t.Fatalf("actor = %+v, ok = %v", actor, ok)
	}
}
