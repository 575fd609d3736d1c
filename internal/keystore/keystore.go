// Package keystore holds per-session ephemeral SSH key pairs.
//
// Each terminal session gets a fresh ED25519 key pair whose public half is
// provisioned into the workspace over the control-plane RPC. The private half
// never leaves the store in the clear: callers obtain a sealed fernet token
// via Sealed and redeem it through Signer at dial time. Keys are destroyed
// when the session ends; DestroyAll runs at process shutdown and a periodic
// sweep removes orphans.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/ssh"
)

var (
	// ErrAlreadyExists is returned by Generate when a live key pair exists
	// for the session. Destroy first.
	ErrAlreadyExists = errors.New("keystore: key pair already exists for session")

	// ErrNotFound is returned when no key pair is recorded for a session.
	ErrNotFound = errors.New("keystore: no key pair for session")

	// ErrCryptoFailure wraps platform RNG or marshalling failures.
	ErrCryptoFailure = errors.New("keystore: crypto failure")

	// ErrNoPrivateKey is returned by Sealed when the key pair was created
	// from a public-key override and carries no private material.
	ErrNoPrivateKey = errors.New("keystore: key pair has no private half")
)

// Keypair is the exported view of one session's key material. The private
// half stays inside the store.
type Keypair struct {
	SessionID   string
	PublicText  string // OpenSSH authorized_keys format, single line
	Fingerprint string // SHA256:<base64>, content-addressed
	CreatedAt   time.Time

	privatePEM []byte
}

// Store keys every entry by session id. A single process-wide instance is
// acceptable because no entry is shared across sessions.
type Store struct {
	mu   sync.Mutex
	keys map[string]*Keypair

	sealKey *fernet.Key

	// publicOverride, when set, replaces generation: the returned key pair
	// carries the override's public text and no private half. Dev-only.
	publicOverride string
}

// NewStore creates a Store with a fresh process-local sealing key.
func NewStore(publicOverride string) (*Store, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("%w: generate seal key: %v", ErrCryptoFailure, err)
	}
	return &Store{
		keys:           make(map[string]*Keypair),
		sealKey:        &k,
		publicOverride: publicOverride,
	}, nil
}

// Generate produces a fresh ED25519 key pair recorded under sessionID.
// Calling it again for a live session returns ErrAlreadyExists; Destroy
// between calls makes it idempotent.
func (s *Store) Generate(sessionID string) (*Keypair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[sessionID]; ok {
		return nil, ErrAlreadyExists
	}

	if s.publicOverride != "" {
		kp := &Keypair{
			SessionID:   sessionID,
			PublicText:  s.publicOverride,
			Fingerprint: overrideFingerprint(s.publicOverride),
			CreatedAt:   time.Now(),
		}
		s.keys[sessionID] = kp
		return kp, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate ed25519 key: %v", ErrCryptoFailure, err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal private key: %v", ErrCryptoFailure, err)
	}
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: create ssh public key: %v", ErrCryptoFailure, err)
	}

	kp := &Keypair{
		SessionID:   sessionID,
		PublicText:  string(ssh.MarshalAuthorizedKey(sshPub)),
		Fingerprint: ssh.FingerprintSHA256(sshPub),
		CreatedAt:   time.Now(),
		privatePEM:  privatePEM,
	}
	s.keys[sessionID] = kp
	return kp, nil
}

// Get returns the key pair for a session, if one exists.
func (s *Store) Get(sessionID string) (*Keypair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kp, ok := s.keys[sessionID]
	return kp, ok
}

// Destroy zeroizes and removes the key pair for a session. Safe to call
// multiple times.
func (s *Store) Destroy(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(sessionID)
}

// DestroyAll removes every key pair. Invoked on process shutdown.
func (s *Store) DestroyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.keys {
		s.destroyLocked(id)
	}
}

// SweepOlderThan destroys key pairs older than the given age and returns the
// number removed. Sessions destroy their own keys on close; the sweep only
// catches leaks from abnormal teardown.
func (s *Store) SweepOlderThan(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, kp := range s.keys {
		if kp.CreatedAt.Before(cutoff) {
			s.destroyLocked(id)
			removed++
		}
	}
	return removed
}

func (s *Store) destroyLocked(sessionID string) {
	kp, ok := s.keys[sessionID]
	if !ok {
		return
	}
	for i := range kp.privatePEM {
		kp.privatePEM[i] = 0
	}
	kp.privatePEM = nil
	delete(s.keys, sessionID)
}

// Sealed returns a fernet token over the session's private key. The token is
// only redeemable through Signer on the same store.
func (s *Store) Sealed(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, ok := s.keys[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if len(kp.privatePEM) == 0 {
		return "", ErrNoPrivateKey
	}

	tok, err := fernet.EncryptAndSign(kp.privatePEM, s.sealKey)
	if err != nil {
		return "", fmt.Errorf("%w: seal private key: %v", ErrCryptoFailure, err)
	}
	return string(tok), nil
}

// Signer verifies a sealed handle and parses the enclosed private key into
// an ssh.Signer. Sealed handles expire after five minutes; a session dials
// SSH immediately after provisioning, so a stale handle indicates a bug.
func (s *Store) Signer(sealed string) (ssh.Signer, error) {
	msg := fernet.VerifyAndDecrypt([]byte(sealed), 5*time.Minute, []*fernet.Key{s.sealKey})
	if msg == nil {
		return nil, fmt.Errorf("%w: invalid sealed key handle", ErrCryptoFailure)
	}

	signer, err := ssh.ParsePrivateKey(msg)
	if err != nil {
		return nil, fmt.Errorf("parse sealed private key: %w", err)
	}
	return signer, nil
}

// Len reports the number of live key pairs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// overrideFingerprint computes the SHA256 fingerprint for an authorized_keys
// line. Falls back to empty when the override does not parse.
func overrideFingerprint(publicText string) string {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicText))
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(pub)
}
