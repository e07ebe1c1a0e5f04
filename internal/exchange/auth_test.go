package exchange

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

// writeTestKey generates an RSA key and writes it as PKCS#8 PEM with the
// required 0600 mode. Returns the path and the key for verification.
func writeTestKey(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	path := filepath.Join(t.TempDir(), "kalshi.pem")
	if err := os.WriteFile(path, block, 0o600); err != nil {
		t.Fatal(err)
	}
	return path, key
}

func TestHeadersShape(t *testing.T) {
	path, _ := writeTestKey(t)

	auth, err := NewAuth("key-id-1", path)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	headers, err := auth.Headers("GET", "/trade-api/v2/portfolio/balance")
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	if headers["KALSHI-ACCESS-KEY"] != "key-id-1" {
		t.Errorf("access key = %q", headers["KALSHI-ACCESS-KEY"])
	}
	if headers["KALSHI-ACCESS-TIMESTAMP"] == "" {
		t.Error("timestamp header missing")
	}
	if headers["KALSHI-ACCESS-SIGNATURE"] == "" {
		t.Error("signature header missing")
	}
}

func TestSignatureVerifies(t *testing.T) {
	path, key := writeTestKey(t)

	auth, err := NewAuth("key-id-1", path)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}

	const method, reqPath = "POST", "/trade-api/v2/portfolio/orders"
	headers, err := auth.Headers(method, reqPath)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}

	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	message := headers["KALSHI-ACCESS-TIMESTAMP"] + method + reqPath
	digest := sha256.Sum256([]byte(message))

	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestNewAuthPKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	block := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	path := filepath.Join(t.TempDir(), "kalshi.pem")
	if err := os.WriteFile(path, block, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewAuth("k", path); err != nil {
		t.Errorf("PKCS#1 key should parse: %v", err)
	}
}

func TestNewAuthBadPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kalshi.pem")
	if err := os.WriteFile(path, []byte("not a pem"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewAuth("k", path); err == nil {
		t.Error("garbage PEM should fail")
	}
}
