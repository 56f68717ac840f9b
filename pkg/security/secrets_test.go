package security_test

import (
	"strings"
	"testing"

	"github.com/angelmondragon/mesa-payments/pkg/config"
	"github.com/angelmondragon/mesa-payments/pkg/security"
)

func testConfig() config.CredentialsConfig {
	return config.CredentialsConfig{
		EncryptionKey:    "correct horse battery staple",
		KeySalt:          "mesa-payments-test",
		ArgonMemoryKB:    8 * 1024,
		ArgonTime:        1,
		ArgonParallelism: 1,
	}
}

func TestSealAndOpen(t *testing.T) {
	sealer, err := security.NewSealer(testConfig())
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}

	sealed, err := sealer.Seal("sk_live_123", "secret_key")
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	if !strings.HasPrefix(sealed, security.SealedPrefix) || strings.Contains(sealed, "sk_live_123") {
		t.Fatalf("unexpected sealed value %q", sealed)
	}

	plain, err := sealer.Open(sealed, "secret_key")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "sk_live_123" {
		t.Fatalf("expected round trip, got %q", plain)
	}

	if _, err := sealer.Open(sealed, "webhook_secret"); err == nil {
		t.Fatal("expected a value sealed for another column to fail")
	}
}

func TestOpenPassesPlaintextThrough(t *testing.T) {
	var sealer *security.Sealer
	plain, err := sealer.Open("whsec_plain", "webhook_secret")
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if plain != "whsec_plain" {
		t.Fatalf("expected plaintext unchanged, got %q", plain)
	}
}

func TestSealedValueWithoutKeyFails(t *testing.T) {
	sealer, err := security.NewSealer(testConfig())
	if err != nil {
		t.Fatalf("NewSealer returned error: %v", err)
	}
	sealed, _ := sealer.Seal("secret", "secret_key")

	var missing *security.Sealer
	if _, err := missing.Open(sealed, "secret_key"); err != security.ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestNewSealerWithoutKey(t *testing.T) {
	sealer, err := security.NewSealer(config.CredentialsConfig{})
	if err != nil || sealer != nil {
		t.Fatalf("expected nil sealer without key, got %v %v", sealer, err)
	}
	if _, err := security.NewSealer(config.CredentialsConfig{EncryptionKey: "k", KeySalt: "short"}); err == nil {
		t.Fatal("expected short salt to be rejected")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	sealer, _ := security.NewSealer(testConfig())
	sealed, _ := sealer.Seal("secret", "secret_key")
	tampered := sealed[:len(sealed)-2] + "AA"
	if tampered == sealed {
		tampered = sealed[:len(sealed)-2] + "BB"
	}
	if _, err := sealer.Open(tampered, "secret_key"); err == nil {
		t.Fatal("expected tampered value to fail")
	}
}
