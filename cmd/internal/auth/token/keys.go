package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
)

// ParsePrivateKeyPEM decodes a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParsePrivateKeyPEM(pemText string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, ErrConfig
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrConfig
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrConfig
	}
	return key, nil
}

// GeneratePrivateKeyPEM creates a fresh RSA keypair and returns the private
// key PEM. Intended for dev mode and tests; production deployments must
// provide a provisioned key.
func GeneratePrivateKeyPEM() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", err
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	return string(pem.EncodeToMemory(block)), nil
}
