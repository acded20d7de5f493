package identity

import (
	"testing"
	"time"
)

func TestValidUIDAndName(t *testing.T) {
	valid := []string{"u_abc123", "u_A1"}
	for _, u := range valid {
		if !ValidUID(u) {
			t.Errorf("expected %q to be a valid uid", u)
		}
	}
	invalid := []string{"abc123", "u_", "u_" + string(make([]byte, 40))}
	for _, u := range invalid {
		if ValidUID(u) {
			t.Errorf("expected %q to be an invalid uid", u)
		}
	}

	if !ValidName("Alice1") {
		t.Error("expected Alice1 to be a valid name")
	}
	if ValidName("1Alice") {
		t.Error("expected a name starting with a digit to be invalid")
	}
	if ValidName("Ab") {
		t.Error("expected a 2-char name to be too short")
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.Issue("u_abc123", "Alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	claims, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.UID != "u_abc123" || claims.Name != "Alice" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret", -time.Minute)

	token, err := m.Issue("u_abc123", "Alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m.Verify(token); err == nil {
		t.Fatal("expected an expired token to fail verification")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1 := NewManager("secret-one", time.Hour)
	m2 := NewManager("secret-two", time.Hour)

	token, err := m1.Issue("u_abc123", "Alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m2.Verify(token); err == nil {
		t.Fatal("expected a token signed with a different secret to fail verification")
	}
}

func TestVerifyRejectsClaimsFailingValidation(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.Issue("not-a-uid", "Alice")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if _, err := m.Verify(token); err != ErrInvalidClaims {
		t.Fatalf("expected ErrInvalidClaims, got %v", err)
	}
}

func TestGenerateFreshProducesValidIdentity(t *testing.T) {
	for i := 0; i < 50; i++ {
		uid, name := GenerateFresh()
		if !ValidUID(uid) {
			t.Fatalf("GenerateFresh produced invalid uid %q", uid)
		}
		if !ValidName(name) {
			t.Fatalf("GenerateFresh produced invalid name %q", name)
		}
	}
}
