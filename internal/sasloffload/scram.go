// Package sasloffload implements the "dedicated offload handler" that
// spec.md's intro allows the core to optionally forward SASL to: when
// EngineConfig.SASLAuthenticationOffload is set, the connection state
// machine parks in the ApiVersions state (spec.md §3) and, outside the
// core's own scope, a Handler here authenticates the client before the
// net-filter is ever consulted.
//
// The challenge/response shape is adapted from the teacher's
// cxn.sasl()/cxn.doSasl() SASL negotiation loop in broker.go, simplified
// from "negotiate among several configured client mechanisms" (client-side
// concern) to "verify a single PLAIN-shaped credential offered by the
// downstream client against a SCRAM-style salted password" (server-side
// concern), since kproxy only ever authenticates downstream connections,
// never itself.
package sasloffload

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// ErrAuthenticationFailed is returned by Handler.Verify when the supplied
// credential does not match the configured user store.
var ErrAuthenticationFailed = errors.New("sasloffload: authentication failed")

// Credential is a single user's stored SCRAM-SHA-256 credential, computed
// the way RFC 5802 describes: PBKDF2-derived salted password, from which
// StoredKey and ServerKey are derived via HMAC.
type Credential struct {
	Salt       []byte
	Iterations int
	StoredKey  []byte
	ServerKey  []byte
}

// NewCredential derives a Credential for user from a plaintext password,
// generating a fresh random salt.
func NewCredential(password string, iterations int) (Credential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("sasloffload: generate salt: %w", err)
	}
	return deriveCredential(password, salt, iterations), nil
}

func deriveCredential(password string, salt []byte, iterations int) Credential {
	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	return Credential{
		Salt:       salt,
		Iterations: iterations,
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}
}

func hmacSHA256(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// Store looks up a user's stored credential.
type Store interface {
	Lookup(user string) (Credential, bool)
}

// MapStore is a Store backed by an in-memory map, good enough for a static
// SASL offload credential table loaded from config.
type MapStore map[string]Credential

func (m MapStore) Lookup(user string) (Credential, bool) {
	c, ok := m[user]
	return c, ok
}

// Handler verifies a client-supplied PLAIN-shaped credential (user,
// password) against a Store. It intentionally does not implement the full
// multi-round SCRAM wire challenge/response (that belongs to the dedicated
// offload handler spec.md treats as external); it implements the
// credential-verification core of it, which is the part kproxy's SASL
// offload path actually needs in order to decide whether to proceed past
// the ApiVersions state.
type Handler struct {
	store Store
}

// NewHandler returns a Handler backed by store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// Verify checks a plaintext (user, password) pair, re-deriving the client's
// stored key from the supplied password and the user's configured salt and
// comparing it against the stored key in constant time.
func (h *Handler) Verify(user, password string) error {
	cred, ok := h.store.Lookup(user)
	if !ok {
		return ErrAuthenticationFailed
	}
	candidate := deriveCredential(password, cred.Salt, cred.Iterations)
	if subtle.ConstantTimeCompare(candidate.StoredKey, cred.StoredKey) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}

// EncodeSalt renders a salt for inclusion in a server-first SCRAM message.
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}
