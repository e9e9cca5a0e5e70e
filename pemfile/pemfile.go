// Package pemfile creates the host key pair of the operator console.
package pemfile

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
	"github.com/zond/tilehub"

	gossh "golang.org/x/crypto/ssh"
)

const (
	defaultBits = 4096
)

type KeyParams struct {
	KeyPath       string
	SSHPubKeyPath string
	Bits          int
}

func (k KeyParams) Generate() error {
	bits := k.Bits
	if bits == 0 {
		bits = defaultBits
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return tilehub.WithStack(err)
	}

	if err := os.WriteFile(k.KeyPath, pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
		}),
		0600,
	); err != nil {
		return tilehub.WithStack(err)
	}

	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return tilehub.WithStack(err)
	}
	if err := os.WriteFile(k.SSHPubKeyPath, gossh.MarshalAuthorizedKey(pub), 0600); err != nil {
		return tilehub.WithStack(err)
	}

	return nil
}

// Ensure generates the pair unless KeyPath already exists, and returns the private key PEM.
func (k KeyParams) Ensure() ([]byte, bool, error) {
	created := false
	if _, err := os.Stat(k.KeyPath); errors.Is(err, os.ErrNotExist) {
		if err := k.Generate(); err != nil {
			return nil, false, err
		}
		created = true
	} else if err != nil {
		return nil, false, tilehub.WithStack(err)
	}
	pemBytes, err := os.ReadFile(k.KeyPath)
	if err != nil {
		return nil, false, tilehub.WithStack(err)
	}
	return pemBytes, created, nil
}
