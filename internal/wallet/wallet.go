// Package wallet handles trading wallet address parsing and normalization.
package wallet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// addressRegex matches a 20-byte hex address: 0x{40 hex}.
// Example: 0x5b5d51203a0f9079f8aeb098a6523a13f298c060
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ErrInvalidAddress is returned for anything that is not a 0x-prefixed
// 40 hex character address.
var ErrInvalidAddress = errors.New("wallet: invalid address")

// Parse validates an address and returns its lowercase form. Surrounding
// whitespace is ignored; the check itself is case-insensitive.
func Parse(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if !addressRegex.MatchString(addr) {
		return "", fmt.Errorf("%w: %q (expected 0x followed by 40 hex characters)", ErrInvalidAddress, raw)
	}
	return strings.ToLower(addr), nil
}

// Short renders an address as 0x1234…abcd for log lines.
func Short(addr string) string {
	if len(addr) < 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
