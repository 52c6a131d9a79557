package auth

import "testing"

func TestAdminPasswordHashLifecycle(t *testing.T) {
	password := "S3curePass!"
	hash, err := HashAdminPassword(password)
	if err != nil {
		t.Fatalf("unexpected error hashing password: %v", err)
	}
	if hash == "" {
		t.Fatal("expected hash to be populated")
	}

	if !MatchAdminPassword(hash, password) {
		t.Fatal("expected hashed password to match")
	}
	if MatchAdminPassword(hash, "wrong") {
		t.Fatal("expected wrong password to be rejected")
	}
}

func TestMatchAdminPasswordPlaintext(t *testing.T) {
	if !MatchAdminPassword("letmein", "letmein") {
		t.Fatal("expected plaintext configuration to match")
	}
	if MatchAdminPassword("letmein", "LetMeIn") {
		t.Fatal("expected plaintext comparison to be exact")
	}
	if MatchAdminPassword("", "anything") {
		t.Fatal("expected empty configuration to reject everything")
	}
}
