package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// KeyBits is the RSA modulus size spec.md section 4.D requires for the
// server's handshake keypair.
const KeyBits = 2048

// LoadOrGenerateKeyPair reads a PEM-encoded RSA private key from path,
// generating and persisting a fresh 2048-bit keypair if none exists yet.
// Grounded on archon's cmd/certgen, which generates and PEM-encodes an RSA
// key the same way for the shipgate's TLS cert; here the key secures the
// handshake's password exchange instead of a TLS channel.
func LoadOrGenerateKeyPair(path string) (*rsa.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, errors.Errorf("no PEM block found in %s", path)
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "parsing RSA private key")
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "reading key file")
	}

	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, errors.Wrap(err, "generating RSA key")
	}

	keyOut, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "creating key file")
	}
	defer keyOut.Close()

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := pem.Encode(keyOut, block); err != nil {
		return nil, errors.Wrap(err, "encoding key file")
	}
	return key, nil
}

// PublicKeyBytes returns the DER-encoded public key, the form embedded as a
// bytes item in the NetworkDelayTest greeting (spec.md section 4.D).
func PublicKeyBytes(key *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PublicKey(&key.PublicKey)
}
