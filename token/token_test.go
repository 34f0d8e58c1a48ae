package token

import (
	"errors"
	"strings"
	"testing"
)

func TestIssueVerify(t *testing.T) {
	s, err := New([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tok, err := s.Issue(Claim{Username: "root"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	c, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Username != "root" {
		t.Fatalf("username=%q want root", c.Username)
	}
}

func TestIssueIsDeterministic(t *testing.T) {
	s, _ := New([]byte("secret"))
	a, _ := s.Issue(Claim{Username: "root"})
	b, _ := s.Issue(Claim{Username: "root"})
	if a != b {
		t.Fatalf("tokens differ: %q vs %q", a, b)
	}
}

func TestSharedKeyAcrossServices(t *testing.T) {
	a, _ := New([]byte("cluster-key"))
	b, _ := New([]byte("cluster-key"))

	tok, _ := a.Issue(Claim{Username: "root"})
	if _, err := b.Verify(tok); err != nil {
		t.Fatalf("verify on peer: %v", err)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	a, _ := New([]byte("key-a"))
	b, _ := New([]byte("key-b"))

	tok, _ := a.Issue(Claim{Username: "root"})
	_, err := b.Verify(tok)
	if !errors.Is(err, ErrUnverified) {
		t.Fatalf("err=%v want ErrUnverified", err)
	}
}

func TestVerifyTampered(t *testing.T) {
	s, _ := New([]byte("secret"))
	tok, _ := s.Issue(Claim{Username: "root"})

	parts := strings.Split(tok, ".")
	other, _ := s.Issue(Claim{Username: "admin"})
	forged := parts[0] + "." + strings.Split(other, ".")[1] + "." + parts[2]

	if _, err := s.Verify(forged); !errors.Is(err, ErrUnverified) {
		t.Fatalf("err=%v want ErrUnverified", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	s, _ := New([]byte("secret"))
	for _, tok := range []string{"", "abc", "a.b.c"} {
		if _, err := s.Verify(tok); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Verify(%q) err=%v want ErrInvalid", tok, err)
		}
	}
}

func TestNewRejectsEmptyKey(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestNewRandomKeysDiffer(t *testing.T) {
	a, err := NewRandom()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewRandom()
	tok, _ := a.Issue(Claim{Username: "root"})
	if _, err := b.Verify(tok); err == nil {
		t.Fatal("token from a verified with b's random key")
	}
}
