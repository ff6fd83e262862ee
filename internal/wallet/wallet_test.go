package wallet

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	got, err := Parse("0x5B5D51203A0F9079F8AEB098A6523A13F298C060")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x5b5d51203a0f9079f8aeb098a6523a13f298c060" {
		t.Errorf("expected lowercase address, got %s", got)
	}
}

func TestParse_TrimsWhitespace(t *testing.T) {
	got, err := Parse("  0x5b5d51203a0f9079f8aeb098a6523a13f298c060\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "0x5b5d51203a0f9079f8aeb098a6523a13f298c060" {
		t.Errorf("unexpected address %s", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	cases := []string{
		"",
		"0x",
		"5b5d51203a0f9079f8aeb098a6523a13f298c060",
		"0x5b5d51203a0f9079f8aeb098a6523a13f298c06",
		"0x5b5d51203a0f9079f8aeb098a6523a13f298c0600",
		"0xzz5d51203a0f9079f8aeb098a6523a13f298c060",
		"0X5b5d51203a0f9079f8aeb098a6523a13f298c060",
	}
	for _, c := range cases {
		if _, err := Parse(c); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("Parse(%q): expected ErrInvalidAddress, got %v", c, err)
		}
	}
}

func TestShort(t *testing.T) {
	if got := Short("0x5b5d51203a0f9079f8aeb098a6523a13f298c060"); got != "0x5b5d…c060" {
		t.Errorf("unexpected short form %s", got)
	}
	if got := Short("0x12"); got != "0x12" {
		t.Errorf("short input should pass through, got %s", got)
	}
}
