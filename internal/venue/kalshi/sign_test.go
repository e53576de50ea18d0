package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestSignerHeadersVerify(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	signer, err := NewSigner("key-id-1", pkcs8PEM(t, key))
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	headers, err := signer.Headers("get", "/trade-api/v2/markets")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	if got := headers["KALSHI-ACCESS-KEY"]; got != "key-id-1" {
		t.Errorf("KALSHI-ACCESS-KEY = %q", got)
	}
	if headers["KALSHI-ACCESS-TIMESTAMP"] == "" {
		t.Fatal("missing timestamp header")
	}

	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}

	// Method is uppercased before signing.
	message := headers["KALSHI-ACCESS-TIMESTAMP"] + "GET" + "/trade-api/v2/markets"
	digest := sha256.Sum256([]byte(message))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestSignerAcceptsPKCS1(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if _, err := NewSigner("key-id-2", pemBytes); err != nil {
		t.Errorf("NewSigner with PKCS#1 key: %v", err)
	}
}

func TestSignerRejectsBadInput(t *testing.T) {
	t.Parallel()

	key := newTestKey(t)
	if _, err := NewSigner("", pkcs8PEM(t, key)); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := NewSigner("key-id", []byte("not a pem file")); err == nil {
		t.Error("expected error for garbage key bytes")
	}
}
