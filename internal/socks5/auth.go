package socks5

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method constants per RFC 1928.
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Status codes for the RFC 1929 username/password subnegotiation.
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

// userPassVersion is the subnegotiation version byte RFC 1929 mandates.
const userPassVersion = 0x01

// ErrAuthFailed is returned when the client's credentials do not validate.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// Authenticator performs one RFC 1928 method's subnegotiation on the stream.
type Authenticator interface {
	// Authenticate runs the subnegotiation and returns the authenticated
	// username (empty for methods without one).
	Authenticate(reader io.Reader, writer io.Writer) (string, error)

	// GetMethod returns the method byte advertised during the greeting.
	GetMethod() byte
}

// NoAuthAuthenticator accepts every connection without credentials.
type NoAuthAuthenticator struct{}

func (a *NoAuthAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	return "", nil
}

func (a *NoAuthAuthenticator) GetMethod() byte { return AuthMethodNoAuth }

// CredentialStore validates a username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// HashedCredentials maps usernames to bcrypt hashes. bcrypt comparison is
// inherently constant-time, and unknown usernames burn a dummy comparison so
// lookup misses are not distinguishable by timing.
type HashedCredentials map[string]string

// dummyHash is compared against when the username does not exist.
var dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func (h HashedCredentials) Valid(username, password string) bool {
	storedHash, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// StaticCredentials maps usernames to plaintext passwords, compared in
// constant time. Prefer HashedCredentials wherever the configuration can
// carry a hash.
type StaticCredentials map[string]string

func (s StaticCredentials) Valid(username, password string) bool {
	storedPass, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedPass), []byte(password)) == 1
}

// HashPassword creates a bcrypt hash suitable for a HashedCredentials store.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// MustHashPassword is HashPassword for tests and initialization paths where
// failure is programmer error.
func MustHashPassword(password string) string {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	return hash
}

// UserPassAuthenticator implements RFC 1929:
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//
// answered by VER | STATUS.
type UserPassAuthenticator struct {
	Credentials CredentialStore
}

// NewUserPassAuthenticator wraps a credential store in the RFC 1929 exchange.
func NewUserPassAuthenticator(creds CredentialStore) *UserPassAuthenticator {
	return &UserPassAuthenticator{Credentials: creds}
}

func (a *UserPassAuthenticator) GetMethod() byte { return AuthMethodUserPass }

func (a *UserPassAuthenticator) Authenticate(reader io.Reader, writer io.Writer) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(reader, header); err != nil {
		return "", fmt.Errorf("socks5: read auth header: %w", err)
	}
	if header[0] != userPassVersion {
		return "", fmt.Errorf("socks5: unsupported auth version %d", header[0])
	}

	uLen := int(header[1])
	if uLen == 0 {
		return "", fmt.Errorf("socks5: empty username")
	}
	username := make([]byte, uLen)
	if _, err := io.ReadFull(reader, username); err != nil {
		return "", fmt.Errorf("socks5: read username: %w", err)
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(reader, pLenBuf); err != nil {
		return "", fmt.Errorf("socks5: read password length: %w", err)
	}
	password := make([]byte, int(pLenBuf[0]))
	if len(password) > 0 {
		if _, err := io.ReadFull(reader, password); err != nil {
			return "", fmt.Errorf("socks5: read password: %w", err)
		}
	}

	if !a.Credentials.Valid(string(username), string(password)) {
		writer.Write([]byte{userPassVersion, AuthStatusFailure})
		return "", ErrAuthFailed
	}

	if _, err := writer.Write([]byte{userPassVersion, AuthStatusSuccess}); err != nil {
		return "", err
	}
	return string(username), nil
}
