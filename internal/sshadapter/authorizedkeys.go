package sshadapter

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// authorizedKey is one parsed line of an OpenSSH authorized_keys file.
type authorizedKey struct {
	key         ssh.PublicKey
	fingerprint string
	options     []string
}

// loadAuthorizedKeys parses an OpenSSH-format authorized_keys file: one key
// per non-blank, non-# line, with optional leading comma-separated options
// preserved for the caller but not interpreted.
func loadAuthorizedKeys(path string) ([]authorizedKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshadapter: read authorized_keys %s: %w", path, err)
	}

	var keys []authorizedKey
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pubKey, _, options, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("sshadapter: parse authorized_keys line %q: %w", line, err)
		}

		keys = append(keys, authorizedKey{
			key:         pubKey,
			fingerprint: fingerprintSHA256(pubKey),
			options:     options,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sshadapter: scan authorized_keys %s: %w", path, err)
	}
	return keys, nil
}

// fingerprintSHA256 renders a public key's fingerprint the way OpenSSH does:
// "SHA256:" followed by the unpadded base64 of the key's SHA-256 digest.
func fingerprintSHA256(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// matchesAny reports whether candidate's fingerprint matches one of keys.
func matchesAny(keys []authorizedKey, candidate ssh.PublicKey) (authorizedKey, bool) {
	fp := fingerprintSHA256(candidate)
	for _, k := range keys {
		if k.fingerprint == fp {
			return k, true
		}
	}
	return authorizedKey{}, false
}
