package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func TestBoxRoundTrip(t *testing.T) {
	box, err := FromMasterKey("correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := box.Seal("whsec_123")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "whsec_123" {
		t.Fatal("sealed value must not equal plaintext")
	}
	got, err := box.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got != "whsec_123" {
		t.Fatalf("Open = %q, want whsec_123", got)
	}
}

func TestBoxSealUsesFreshNonce(t *testing.T) {
	box, err := NewBox(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Fatal("two seals of the same plaintext must differ")
	}
}

func TestBoxRejectsWrongKeyAndTampering(t *testing.T) {
	first, _ := FromMasterKey("key-one")
	second, _ := FromMasterKey("key-two")
	sealed, err := first.Seal("token")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := second.Open(sealed); err == nil {
		t.Fatal("expected wrong key to fail")
	}

	raw, _ := base64.RawStdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := first.Open(base64.RawStdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
	if _, err := first.Open("!!"); err == nil {
		t.Fatal("expected malformed base64 to fail")
	}
	if _, err := first.Open(""); err == nil {
		t.Fatal("expected empty ciphertext to fail")
	}
}

func TestFromMasterKeyAcceptsRawKey(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)
	encoded := base64.StdEncoding.EncodeToString(key)
	fromMaster, err := FromMasterKey(encoded)
	if err != nil {
		t.Fatal(err)
	}
	direct, _ := NewBox(key)
	sealed, _ := direct.Seal("x")
	if got, err := fromMaster.Open(sealed); err != nil || got != "x" {
		t.Fatalf("Open = %q, %v", got, err)
	}
}

func TestFromMasterKeyEmpty(t *testing.T) {
	if _, err := FromMasterKey("  "); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	var box *Box
	if _, err := box.Seal("x"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("nil box Seal: expected ErrNoKey, got %v", err)
	}
}
