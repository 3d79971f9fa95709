package identity

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func mustSignedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-not-verified-here"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestResolveUserID(t *testing.T) {
	t.Parallel()

	withSub := mustSignedToken(t, jwt.MapClaims{"sub": "coach-42"})
	noSub := mustSignedToken(t, jwt.MapClaims{"role": "coach"})

	cases := []struct {
		name     string
		explicit string
		token    string
		want     string
		wantErr  error
	}{
		{name: "explicit wins", explicit: "u1", token: withSub, want: "u1"},
		{name: "subject from token", token: withSub, want: "coach-42"},
		{name: "bearer prefix", token: "Bearer " + withSub, want: "coach-42"},
		{name: "no subject", token: noSub, wantErr: ErrNoIdentity},
		{name: "garbage token", token: "abc.def", wantErr: ErrInvalidToken},
		{name: "nothing", wantErr: ErrNoIdentity},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ResolveUserID(tc.explicit, tc.token)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err=%v want=%v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got=%q want=%q", got, tc.want)
			}
		})
	}
}

func TestTokenFingerprint(t *testing.T) {
	t.Parallel()

	if got := TokenFingerprint("  "); got != "" {
		t.Fatalf("empty token fingerprint=%q", got)
	}

	a := TokenFingerprint("abc.def.ghi")
	if len(a) != 12 {
		t.Fatalf("len=%d want=12", len(a))
	}
	if b := TokenFingerprint("Bearer abc.def.ghi"); b != a {
		t.Fatalf("bearer prefix changed fingerprint: %q vs %q", b, a)
	}
	if c := TokenFingerprint("abc.def.ghj"); c == a {
		t.Fatalf("different tokens share fingerprint %q", a)
	}
}
