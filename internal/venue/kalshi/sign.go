package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Signer produces the three KALSHI-ACCESS-* headers. Kalshi signs
// "timestamp_ms + METHOD + path" (query string excluded) with RSA-PSS
// SHA-256, salt length equal to the digest.
type Signer struct {
	apiKey string
	key    *rsa.PrivateKey
}

// NewSigner parses a PEM-encoded RSA private key. Kalshi issues PKCS#8
// keys, older exports are PKCS#1, both are accepted.
func NewSigner(apiKey string, pemBytes []byte) (*Signer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("kalshi.NewSigner: api key is empty")
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("kalshi.NewSigner: no PEM block found")
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("kalshi.NewSigner: PKCS#8 key is not RSA")
		}
		key = rsaKey
	} else if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else {
		return nil, fmt.Errorf("kalshi.NewSigner: parse private key: %w", err)
	}

	return &Signer{apiKey: apiKey, key: key}, nil
}

// LoadSigner reads the key file at path and builds a Signer.
func LoadSigner(apiKey, path string) (*Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kalshi.LoadSigner: %w", err)
	}
	return NewSigner(apiKey, pemBytes)
}

// Headers signs method+path for right now. The path must be the full URL
// path including any API prefix, without the query string.
func (s *Signer) Headers(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	sig, err := s.sign(timestamp + strings.ToUpper(method) + path)
	if err != nil {
		return nil, fmt.Errorf("kalshi.Headers: %w", err)
	}
	return map[string]string{
		"KALSHI-ACCESS-KEY":       s.apiKey,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
	}, nil
}

func (s *Signer) sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
