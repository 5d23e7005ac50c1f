package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("relay-test-secret")

func testValidator() *JWTValidator {
	return NewJWTValidatorWithKeyfunc(func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return testKey, nil
	}, "relay-issuer", "botrelay")
}

func signToken(t *testing.T, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString(testKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims(identity, role string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "relay-issuer",
			Audience:  jwt.ClaimStrings{"botrelay"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Identity: identity,
		Role:     role,
	}
}

func TestAuthorize_Valid(t *testing.T) {
	t.Parallel()

	v := testValidator()
	claims, err := v.Authorize(signToken(t, validClaims("bot1", RoleAgent)), "bot1", RoleAgent)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("Subject=%q, want user-1", claims.Subject)
	}

	// A token without a role may be used for either kind of connection.
	if _, err := v.Authorize(signToken(t, validClaims("bot1", "")), "bot1", RoleObserver); err != nil {
		t.Fatalf("Authorize without role: %v", err)
	}
}

func TestAuthorize_IdentityMismatch(t *testing.T) {
	t.Parallel()

	v := testValidator()
	_, err := v.Authorize(signToken(t, validClaims("bot1", "")), "bot2", RoleObserver)
	if !errors.Is(err, ErrIdentityMismatch) {
		t.Fatalf("err = %v, want ErrIdentityMismatch", err)
	}
}

func TestAuthorize_RoleMismatch(t *testing.T) {
	t.Parallel()

	v := testValidator()
	_, err := v.Authorize(signToken(t, validClaims("bot1", RoleObserver)), "bot1", RoleAgent)
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("err = %v, want ErrRoleMismatch", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	v := testValidator()

	expired := validClaims("bot1", "")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongAud := validClaims("bot1", "")
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}

	wrongIss := validClaims("bot1", "")
	wrongIss.Issuer = "elsewhere"

	noIdentity := validClaims("", "")

	noExpiry := validClaims("bot1", "")
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, expired)},
		{"wrong audience", signToken(t, wrongAud)},
		{"wrong issuer", signToken(t, wrongIss)},
		{"missing identity", signToken(t, noIdentity)},
		{"missing expiry", signToken(t, noExpiry)},
		{"garbage", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Validate(tt.token); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidate_WrongKey(t *testing.T) {
	t.Parallel()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("bot1", ""))
	s, err := tok.SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := testValidator().Validate(s); err == nil {
		t.Fatal("token signed with another key should be rejected")
	}
}
