package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
)

// kdfParams are the Argon2id parameters used to derive the master key from
// the user's secret. Memory and parallelism are fixed at the spec's
// required minimums; time is tuned to keep unlock latency reasonable on
// commodity hardware while remaining memory-hard.
const (
	kdfMemoryKiB  = 256 * 1024 // 256 MiB
	kdfIterations = 4
	kdfThreads    = 4
	kdfKeyLen     = 32
	saltLen       = 16
)

// subkeyPurpose selects which HKDF-derived subkey to use for a given kind of
// ciphertext. Each purpose gets its own key so a compromise of one
// subsystem's key material does not expose the others.
type subkeyPurpose string

const (
	purposeField     subkeyPurpose = "field-encryption-v1"
	purposeEvidence  subkeyPurpose = "evidence-encryption-v1"
	purposeCredential subkeyPurpose = "credential-encryption-v1"
)

// masterKey holds the derived key material for an unlocked vault. All
// subkeys are derived on demand from secret via HKDF; secret itself is
// zeroed on Lock.
type masterKey struct {
	secret [kdfKeyLen]byte
}

// deriveMasterKey runs Argon2id over secret and salt to produce the master
// key. Parameters meet the spec's minimum: m>=256MiB, t=4, p=4.
func deriveMasterKey(secret []byte, salt []byte) *masterKey {
	mk := &masterKey{}
	derived := argon2.IDKey(secret, salt, kdfIterations, kdfMemoryKiB, kdfThreads, kdfKeyLen)
	copy(mk.secret[:], derived)
	zero(derived)
	return mk
}

// subkey derives a purpose-bound 32-byte key from the master key via HKDF-SHA256.
func (mk *masterKey) subkey(purpose subkeyPurpose) ([]byte, error) {
	r := hkdf.New(sha256.New, mk.secret[:], nil, []byte(purpose))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "deriving subkey", err)
	}
	return out, nil
}

// zeroMaster overwrites the master secret in place.
func (mk *masterKey) zeroMaster() {
	zero(mk.secret[:])
}

// zero overwrites b with zero bytes. Used on every plaintext buffer before
// it is released, per the zeroizing-handle design note.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// seal encrypts plaintext with a fresh random nonce under the subkey for
// purpose, binding aad to the ciphertext.
func (mk *masterKey) seal(purpose subkeyPurpose, plaintext, aad []byte) (model.Sealed, error) {
	key, err := mk.subkey(purpose)
	if err != nil {
		return model.Sealed{}, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return model.Sealed{}, apperr.Wrap(apperr.KindFatal, "constructing AEAD", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return model.Sealed{}, apperr.Wrap(apperr.KindFatal, "generating nonce", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, aad)
	return model.Sealed{Ciphertext: ct, Nonce: nonce, AAD: append([]byte(nil), aad...)}, nil
}

// open decrypts a Sealed value under the subkey for purpose, verifying aad.
func (mk *masterKey) open(purpose subkeyPurpose, s model.Sealed) ([]byte, error) {
	key, err := mk.subkey(purpose)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "constructing AEAD", err)
	}

	pt, err := aead.Open(nil, s.Nonce, s.Ciphertext, s.AAD)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "decrypting field: authentication failed", err)
	}
	return pt, nil
}

// verifierAAD builds the associated data binding a ciphertext to a record,
// preventing cross-record swapping of encrypted fields.
func verifierAAD(recordID, fieldName string) []byte {
	return []byte(fmt.Sprintf("%s/%s", recordID, fieldName))
}

// constantTimeEqual reports whether a and b are equal using a constant-time
// comparison, used for the unlock verifier check.
func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
