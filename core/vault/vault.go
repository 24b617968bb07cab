// Package vault is the single authoritative, encrypted store of sensitive
// data (C1). Every other component obtains PII through it. Keys are derived
// from a master secret via Argon2id; fields are encrypted with
// ChaCha20-Poly1305 under HKDF-derived, purpose-scoped subkeys.
package vault

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
)

// maxLockoutFailures is the number of consecutive wrong-secret attempts
// before a cooldown is enforced.
const maxLockoutFailures = 5

// lockoutCooldown is how long the vault refuses unlock attempts after
// maxLockoutFailures consecutive failures.
const lockoutCooldown = 5 * time.Minute

// PermissionChecker is the narrow interface the vault consults before any
// read_pii call. core/gate.Gate implements it; the vault never imports the
// gate package directly, keeping the dependency a one-way edge.
type PermissionChecker interface {
	CheckPIIRead(ctx context.Context, subject string, fields []string) (model.PIIAccessLevel, error)
}

// AuditSink receives an audit record for every guarded vault operation.
type AuditSink interface {
	Record(ctx context.Context, rec model.AuditRecord)
}

// Vault is the encrypted PII store. A Vault is either locked (no key
// material held, all reads fail) or unlocked (master key resident in
// memory, subject to Lock at any time).
type Vault struct {
	store      *Store
	clock      clock.Clock
	checker    PermissionChecker
	audit      AuditSink

	mu             sync.RWMutex
	key            *masterKey
	failureCount   int
	lockedOutUntil time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the default real clock — used by tests to drive the
// lockout cooldown deterministically.
func WithClock(c clock.Clock) Option {
	return func(v *Vault) { v.clock = c }
}

// WithPermissionChecker wires the permission gate consulted by ReadPII.
func WithPermissionChecker(pc PermissionChecker) Option {
	return func(v *Vault) { v.checker = pc }
}

// WithAuditSink wires the audit record destination.
func WithAuditSink(a AuditSink) Option {
	return func(v *Vault) { v.audit = a }
}

// New wraps an already-open Store in a locked Vault.
func New(store *Store, opts ...Option) *Vault {
	v := &Vault{store: store, clock: clock.NewReal()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Initialize sets the unlock secret for a brand-new vault. It is an error to
// call this on a vault that already has a verifier row.
func (v *Vault) Initialize(secret []byte) error {
	_, _, _, ok, err := v.store.GetVerifier()
	if err != nil {
		return err
	}
	if ok {
		return apperr.New(apperr.KindConflict, "vault is already initialized")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return apperr.Wrap(apperr.KindFatal, "generating salt", err)
	}

	mk := deriveMasterKey(secret, salt)
	defer mk.zeroMaster()

	sealed, err := mk.seal(purposeField, []byte("vault-verifier"), []byte("verifier"))
	if err != nil {
		return err
	}
	return v.store.PutVerifier(salt, sealed.Ciphertext, sealed.Nonce)
}

// Unlock derives the master key from secret, verifies it against the stored
// verifier using a constant-time comparison, and on success holds the
// derived key material for subsequent operations.
func (v *Vault) Unlock(secret []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.clock.Now()
	if now.Before(v.lockedOutUntil) {
		return apperr.New(apperr.KindAuth, "vault locked out after repeated failed unlock attempts")
	}

	salt, tag, nonce, ok, err := v.store.GetVerifier()
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindAuth, "vault has not been initialized")
	}

	mk := deriveMasterKey(secret, salt)

	pt, openErr := mk.open(purposeField, model.Sealed{Ciphertext: tag, Nonce: nonce, AAD: []byte("verifier")})

	if openErr != nil || !constantTimeEqual(pt, []byte("vault-verifier")) {
		mk.zeroMaster()
		v.failureCount++
		if v.failureCount >= maxLockoutFailures {
			v.lockedOutUntil = now.Add(lockoutCooldown)
		}
		return apperr.New(apperr.KindAuth, "wrong secret")
	}

	v.failureCount = 0
	v.key = mk
	return nil
}

// Lock zeroes all derived key material. Outstanding ScopedPlaintext handles
// are not retroactively invalidated in memory (Go cannot revoke a live
// slice), but any read issued after Lock fails immediately.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		v.key.zeroMaster()
		v.key = nil
	}
}

// Unlocked reports whether the vault currently holds key material.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

func (v *Vault) currentKey() (*masterKey, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, apperr.New(apperr.KindAuth, "vault is locked")
	}
	return v.key, nil
}

// SealField encrypts plaintext under the field-encryption subkey, binding it
// to recordID/fieldName.
func (v *Vault) SealField(recordID, fieldName string, plaintext []byte) (model.Sealed, error) {
	key, err := v.currentKey()
	if err != nil {
		return model.Sealed{}, err
	}
	return key.seal(purposeField, plaintext, verifierAAD(recordID, fieldName))
}

// SealEvidence encrypts evidence bytes (e.g. a screenshot) under the
// evidence-encryption subkey.
func (v *Vault) SealEvidence(recordID string, plaintext []byte) (model.Sealed, error) {
	key, err := v.currentKey()
	if err != nil {
		return model.Sealed{}, err
	}
	return key.seal(purposeEvidence, plaintext, verifierAAD(recordID, "evidence"))
}

// SealCredential encrypts SMTP/IMAP credential bytes under the
// credential-encryption subkey.
func (v *Vault) SealCredential(recordID, fieldName string, plaintext []byte) (model.Sealed, error) {
	key, err := v.currentKey()
	if err != nil {
		return model.Sealed{}, err
	}
	return key.seal(purposeCredential, plaintext, verifierAAD(recordID, fieldName))
}

// ReadPII decrypts a sealed field after checking the caller holds an
// adequate permission grant. Every call produces an audit record
// referencing the field by name only, never by value. The returned handle
// must be released by the caller before it would otherwise cross a
// suspension point.
func (v *Vault) ReadPII(ctx context.Context, subject, recordID, fieldName string, sealed model.Sealed) (*ScopedPlaintext, error) {
	outcome := model.AuditSuccess
	errCode := ""

	defer func() {
		if v.audit != nil {
			v.audit.Record(ctx, model.AuditRecord{
				ID:        model.NewID(),
				Timestamp: v.clock.Now(),
				Subject:   subject,
				Action:    "read_pii",
				FieldRefs: []string{fieldName},
				Outcome:   outcome,
				ErrorCode: errCode,
			})
		}
	}()

	if v.checker != nil {
		level, err := v.checker.CheckPIIRead(ctx, subject, []string{fieldName})
		if err != nil {
			outcome, errCode = model.AuditDenied, string(apperr.KindOf(err))
			return nil, err
		}
		if level == model.AccessHashOnly {
			outcome, errCode = model.AuditDenied, string(apperr.KindPermissionDenied)
			return nil, apperr.New(apperr.KindPermissionDenied, "grant only permits hash-only access")
		}
	}

	key, err := v.currentKey()
	if err != nil {
		outcome, errCode = model.AuditError, string(apperr.KindAuth)
		return nil, err
	}

	sealed.AAD = verifierAAD(recordID, fieldName)
	plaintext, err := key.open(purposeField, sealed)
	if err != nil {
		outcome, errCode = model.AuditError, string(apperr.KindFatal)
		return nil, err
	}

	return newScopedPlaintext(plaintext), nil
}

// Store persists record in table keyed by id, alongside any index columns.
func (v *Vault) Store(table, idCol, id string, extraCols []string, extraVals []any, record any) error {
	if !v.Unlocked() {
		return apperr.New(apperr.KindAuth, "vault is locked")
	}
	return v.store.PutRecord(table, idCol, id, extraCols, extraVals, record)
}

// Read loads record from table keyed by id into dest. Returns found=false
// if no such row exists.
func (v *Vault) Read(table, idCol, id string, dest any) (bool, error) {
	if !v.Unlocked() {
		return false, apperr.New(apperr.KindAuth, "vault is locked")
	}
	return v.store.GetRecord(table, idCol, id, dest)
}

// Underlying exposes the raw Store for components (e.g. the scheduler) that
// need to persist their own durable state through the vault's single-file
// storage rather than opening a second database.
func (v *Vault) Underlying() *Store { return v.store }
