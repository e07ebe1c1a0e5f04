package exchange

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
	"time"
)

// Auth signs Kalshi REST and WebSocket requests. Kalshi authenticates each
// request with an RSA-PSS SHA256 signature over
//
//	timestamp_ms + METHOD + path
//
// sent alongside the API key id in three headers. The private key is the
// per-user kalshi.pem; it never leaves this struct.
type Auth struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewAuth loads the PEM private key and pairs it with the API key id.
func NewAuth(keyID, pemPath string) (*Auth, error) {
	data, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", pemPath)
	}

	key, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &Auth{keyID: keyID, key: key}, nil
}

// parseRSAKey handles both PKCS#1 and PKCS#8 encodings; Kalshi has issued
// both over time.
func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want RSA", parsed)
	}
	return key, nil
}

// Headers produces the three signed request headers for one REST call.
// path must include the API prefix (e.g. /trade-api/v2/portfolio/orders)
// and exclude the query string.
func (a *Auth) Headers(method, path string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	sig, err := a.sign(timestamp + method + path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	return map[string]string{
		"KALSHI-ACCESS-KEY":       a.keyID,
		"KALSHI-ACCESS-SIGNATURE": sig,
		"KALSHI-ACCESS-TIMESTAMP": timestamp,
	}, nil
}

// PublicKey exposes the signer's public key so tests can verify signatures.
func (a *Auth) PublicKey() *rsa.PublicKey {
	return &a.key.PublicKey
}

func (a *Auth) sign(message string) (string, error) {
	digest := sha256.Sum256([]byte(message))

	sig, err := rsa.SignPSS(rand.Reader, a.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
