package sshadapter

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// loadOrGenerateHostKey loads an OpenSSH-format private key from path, or, if
// path is empty, generates an ephemeral Ed25519 key that lives only for this
// process's lifetime. If path is set but the file does not exist, a fresh key
// is generated and written there so future runs are stable.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		return generateEphemeralHostKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("sshadapter: parse host key %s: %w", path, err)
		}
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("sshadapter: read host key %s: %w", path, err)
	}

	signer, pemBlock, genErr := newEd25519HostKey()
	if genErr != nil {
		return nil, genErr
	}
	if writeErr := os.WriteFile(path, pemBlock, 0o600); writeErr != nil {
		return nil, fmt.Errorf("sshadapter: write generated host key %s: %w", path, writeErr)
	}
	return signer, nil
}

func generateEphemeralHostKey() (ssh.Signer, error) {
	signer, _, err := newEd25519HostKey()
	return signer, err
}

func newEd25519HostKey() (ssh.Signer, []byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("sshadapter: generate ed25519 host key: %w", err)
	}

	signer, err := ssh.NewSignerFromSigner(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("sshadapter: wrap ed25519 signer: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("sshadapter: marshal host key: %w", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return signer, block, nil
}
