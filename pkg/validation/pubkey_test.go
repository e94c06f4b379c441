package validation

import (
	"strings"
	"testing"
)

func TestValidatePubkey(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	z32Key := strings.Repeat("y", 52)

	tests := []struct {
		name    string
		pubkey  string
		wantErr bool
	}{
		{"hex key", hexKey, false},
		{"upper hex key", strings.ToUpper(hexKey), false},
		{"z-base32 key", z32Key, false},
		{"prefixed z-base32 key", "pk:" + z32Key, false},
		{"empty", "", true},
		{"whitespace", "   ", true},
		{"short", "pk:sender", true},
		{"bad hex", strings.Repeat("zz", 32), true},
		{"bad z-base32 char", strings.Repeat("y", 51) + "l", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePubkey(tt.pubkey)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePubkey(%q) error = %v, wantErr %v", tt.pubkey, err, tt.wantErr)
			}
		})
	}
}

func TestNormalizePubkey(t *testing.T) {
	got := NormalizePubkey("  pk:YBNDRFG8  ")
	if got != "ybndrfg8" {
		t.Errorf("expected ybndrfg8, got %s", got)
	}
}

func TestValidateMethodID(t *testing.T) {
	for _, ok := range []string{"lightning", "onchain", "bolt12:offer", "lnurl-pay"} {
		if err := ValidateMethodID(ok); err != nil {
			t.Errorf("expected %q to be valid, got %v", ok, err)
		}
	}
	for _, bad := range []string{"", "Lightning", "on chain", strings.Repeat("a", 65)} {
		if err := ValidateMethodID(bad); err == nil {
			t.Errorf("expected %q to be invalid", bad)
		}
	}
}
