package pemfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	k := KeyParams{
		KeyPath:       filepath.Join(dir, "key.pem"),
		SSHPubKeyPath: filepath.Join(dir, "key.pub"),
		Bits:          1024,
	}
	first, created, err := k.Ensure()
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Errorf("first Ensure reported an existing key")
	}
	signer, err := gossh.ParsePrivateKey(first)
	if err != nil {
		t.Fatal(err)
	}
	pubBytes, err := os.ReadFile(k.SSHPubKeyPath)
	if err != nil {
		t.Fatal(err)
	}
	pub, _, _, _, err := gossh.ParseAuthorizedKey(pubBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
		t.Errorf("public key file does not match private key")
	}

	second, created, err := k.Ensure()
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Errorf("second Ensure regenerated the key")
	}
	if !bytes.Equal(first, second) {
		t.Errorf("second Ensure returned a different key")
	}
}
