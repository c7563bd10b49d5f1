// Package keyring holds an ordered set of TLS client key pairs and moves to the
// next usable pair when the active one expires.
package keyring

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

var (
	// ErrNoKeyPairs is returned when the ring is empty.
	ErrNoKeyPairs = errors.New("keyring: no key pairs")
	// ErrNoUsableKeyPair is returned when every pair is disabled, unloaded or expired.
	ErrNoUsableKeyPair = errors.New("keyring: no usable key pair")
)

// KeyRing hands the active client certificate to TLS handshakes and moves past
// pairs that are rejected, disabled or expired. It is safe for concurrent use.
type KeyRing struct {
	mu      sync.RWMutex
	keys    []*KeyPair
	current int
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// KeyPair is a client certificate and private key stored as PEM files.
type KeyPair struct {
	ID         string
	CertFile   string
	KeyFile    string
	Disabled   bool
	LastUsed   time.Time
	ErrorCount int

	cert     *tls.Certificate
	notAfter time.Time
}

// NewKeyRing copies pairs into a ring. Call Load before the first handshake.
func NewKeyRing(pairs []*KeyPair) *KeyRing {
	keysCopy := make([]*KeyPair, len(pairs))
	for i, p := range pairs {
		keysCopy[i] = &KeyPair{
			ID:       p.ID,
			CertFile: p.CertFile,
			KeyFile:  p.KeyFile,
			Disabled: p.Disabled,
		}
	}

	return &KeyRing{
		keys:   keysCopy,
		clock:  clockwork.NewRealClock(),
		logger: zerolog.Nop(),
	}
}

// SetLogger replaces the logger used for rotation and reload messages.
func (k *KeyRing) SetLogger(logger zerolog.Logger) {
	k.mu.Lock()
	k.logger = logger
	k.mu.Unlock()
}

// SetClock replaces the clock used for expiry checks.
func (k *KeyRing) SetClock(clock clockwork.Clock) {
	k.mu.Lock()
	k.clock = clock
	k.mu.Unlock()
}

// Load reads every enabled pair from disk. Pairs that fail to load stay in the
// ring and are retried by Refresh.
func (k *KeyRing) Load() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	for _, pair := range k.keys {
		if pair.Disabled {
			continue
		}
		if err := pair.load(); err != nil {
			pair.ErrorCount++
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Current returns the active pair if it is usable, otherwise the next usable
// pair after it. It returns nil when none is usable.
func (k *KeyRing) Current() *KeyPair {
	k.mu.RLock()
	defer k.mu.RUnlock()

	idx := k.usableLocked()
	if idx < 0 {
		return nil
	}
	return k.keys[idx]
}

func (k *KeyRing) usableLocked() int {
	now := k.clock.Now()
	for i := 0; i < len(k.keys); i++ {
		idx := (k.current + i) % len(k.keys)
		if k.keys[idx].usable(now) {
			return idx
		}
	}
	return -1
}

func (k *KeyRing) rotateLocked() {
	if len(k.keys) == 0 {
		return
	}

	start := k.current
	for {
		k.current = (k.current + 1) % len(k.keys)
		if !k.keys[k.current].Disabled {
			return
		}
		if k.current == start {
			return
		}
	}
}

// OnError records a failure against the active pair and rotates away from it.
// Disabled pairs are skipped; a ring with one enabled pair stays on it.
func (k *KeyRing) OnError(err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return
	}

	pair := k.keys[k.current]
	pair.ErrorCount++
	k.logger.Warn().Err(err).Str("key_id", pair.ID).Msg("key pair failed, rotating")
	k.rotateLocked()
}

// Refresh reloads the active pair from disk, which picks up certificates renewed
// in place, and otherwise moves to the next pair that loads and has not expired.
// It reports whether a usable pair is selected. Its signature matches
// stream.RefreshFunc.
func (k *KeyRing) Refresh(ctx context.Context) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.keys) == 0 {
		return false, ErrNoKeyPairs
	}

	now := k.clock.Now()
	for i := 0; i < len(k.keys); i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		idx := (k.current + i) % len(k.keys)
		pair := k.keys[idx]
		if pair.Disabled {
			continue
		}
		if err := pair.load(); err != nil {
			pair.ErrorCount++
			k.logger.Warn().Err(err).Str("key_id", pair.ID).Msg("reload key pair")
			continue
		}
		if !pair.usable(now) {
			k.logger.Debug().
				Str("key_id", pair.ID).
				Time("not_after", pair.notAfter).
				Msg("key pair expired")
			continue
		}

		if idx != k.current {
			k.logger.Info().
				Str("from", k.keys[k.current].ID).
				Str("to", pair.ID).
				Msg("rotated client key pair")
		}
		k.current = idx
		return true, nil
	}

	k.logger.Warn().Int("pairs", len(k.keys)).Msg("no usable client key pair")
	return false, nil
}

// GetClientCertificate implements tls.Config.GetClientCertificate.
func (k *KeyRing) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	idx := k.usableLocked()
	if idx < 0 {
		return nil, ErrNoUsableKeyPair
	}
	pair := k.keys[idx]
	pair.LastUsed = k.clock.Now()
	return pair.cert, nil
}

// TLSConfig returns a clone of base that presents the ring's current pair.
// A nil base starts from an empty config.
func (k *KeyRing) TLSConfig(base *tls.Config) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	cfg.GetClientCertificate = k.GetClientCertificate
	return cfg
}

// Len returns the number of pairs in the ring.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// NotAfter returns the expiry of the loaded certificate.
func (p *KeyPair) NotAfter() time.Time {
	return p.notAfter
}

// Certificate returns the loaded certificate, or nil before a successful load.
func (p *KeyPair) Certificate() *tls.Certificate {
	return p.cert
}

func (p *KeyPair) usable(now time.Time) bool {
	return !p.Disabled && p.cert != nil && now.Before(p.notAfter)
}

func (p *KeyPair) load() error {
	cert, err := tls.LoadX509KeyPair(p.CertFile, p.KeyFile)
	if err != nil {
		return fmt.Errorf("load key pair %s: %w", p.ID, err)
	}
	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return fmt.Errorf("parse certificate %s: %w", p.ID, err)
		}
		cert.Leaf = leaf
	}
	p.cert = &cert
	p.notAfter = leaf.NotAfter
	return nil
}

func (p *KeyPair) String() string {
	return fmt.Sprintf("KeyPair{ID:%s, NotAfter:%s}", p.ID, p.notAfter.Format(time.RFC3339))
}
