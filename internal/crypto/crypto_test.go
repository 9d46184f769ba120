package crypto

import (
	"errors"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	sealer, err := NewSealer("test-master-secret")
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	sealed, err := sealer.Seal("n8n_api_key_12345")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if sealed == "n8n_api_key_12345" {
		t.Fatal("Seal() returned plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opened != "n8n_api_key_12345" {
		t.Fatalf("Open() = %q, want %q", opened, "n8n_api_key_12345")
	}
}

func TestOpenRejectsForeignCiphertext(t *testing.T) {
	sealerA, _ := NewSealer("secret-a")
	sealerB, _ := NewSealer("secret-b")

	sealed, err := sealerA.Seal("value")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := sealerB.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Open() error = %v, want ErrDecrypt", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	sealer, _ := NewSealer("secret")

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", "YWJj"},
		{"plaintext legacy key", "n8n_api_key_plaintext"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := sealer.Open(tt.input); !errors.Is(err, ErrDecrypt) {
				t.Fatalf("Open(%q) error = %v, want ErrDecrypt", tt.input, err)
			}
		})
	}
}

func TestNewSealerRequiresSecret(t *testing.T) {
	if _, err := NewSealer(""); err == nil {
		t.Fatal("NewSealer(\"\") expected error")
	}
}
