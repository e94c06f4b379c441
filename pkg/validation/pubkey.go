package validation

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// pubkyPrefix is the display prefix used for z-base32 encoded identity keys.
	pubkyPrefix = "pk:"
	// zBase32Alphabet is the human-oriented base32 alphabet used by pubky identities.
	zBase32Alphabet = "ybndrfg8ejkmcpqxot1uwisza345h769"

	zBase32KeyLength = 52
	hexKeyLength     = 64
	maxMethodIDLen   = 64
)

// ValidatePubkey validates a peer public key. Both z-base32 identity keys
// (optionally prefixed with "pk:") and 32-byte hex keys are accepted.
func ValidatePubkey(pubkey string) error {
	if strings.TrimSpace(pubkey) == "" {
		return fmt.Errorf("pubkey cannot be empty")
	}

	normalized := NormalizePubkey(pubkey)
	switch len(normalized) {
	case hexKeyLength:
		if _, err := hex.DecodeString(normalized); err != nil {
			return fmt.Errorf("invalid hex pubkey: %w", err)
		}
		return nil
	case zBase32KeyLength:
		for i, r := range normalized {
			if !strings.ContainsRune(zBase32Alphabet, r) {
				return fmt.Errorf("invalid z-base32 character %q at position %d", r, i)
			}
		}
		return nil
	default:
		return fmt.Errorf("invalid pubkey length: expected %d (z-base32) or %d (hex) characters, got %d",
			zBase32KeyLength, hexKeyLength, len(normalized))
	}
}

// NormalizePubkey trims whitespace, removes the "pk:" prefix and lowercases the key.
func NormalizePubkey(pubkey string) string {
	pubkey = strings.TrimSpace(pubkey)
	pubkey = strings.TrimPrefix(pubkey, pubkyPrefix)
	return strings.ToLower(pubkey)
}

// ValidateAndNormalizePubkey validates a pubkey and returns its normalized form
func ValidateAndNormalizePubkey(pubkey string) (string, error) {
	if err := ValidatePubkey(pubkey); err != nil {
		return "", err
	}
	return NormalizePubkey(pubkey), nil
}

// ValidateMethodID checks a payment method identifier such as "lightning" or "onchain".
func ValidateMethodID(methodID string) error {
	if methodID == "" {
		return fmt.Errorf("method id cannot be empty")
	}
	if len(methodID) > maxMethodIDLen {
		return fmt.Errorf("method id too long: %d > %d", len(methodID), maxMethodIDLen)
	}
	for _, r := range methodID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == ':', r == '.':
		default:
			return fmt.Errorf("invalid character %q in method id", r)
		}
	}
	return nil
}
