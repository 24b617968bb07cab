package brokerdef

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// TrustLevel classifies how strongly a broker definition bundle's origin
// was established. Higher ordinal values indicate stronger guarantees.
// Adapted from registry/trust.TrustLevel, generalized from plugin
// artifacts to broker definition bundles.
type TrustLevel int

const (
	// TrustUnverified means no valid signature was found, or trust
	// verification was not configured at all.
	TrustUnverified TrustLevel = iota
	// TrustCommunity means a valid Ed25519 signature from a key not
	// present in the local keyring.
	TrustCommunity
	// TrustVerified means a valid Ed25519 signature from a key in the
	// local keyring.
	TrustVerified
)

var trustLevelNames = map[TrustLevel]string{
	TrustUnverified: "unverified",
	TrustCommunity:  "community",
	TrustVerified:   "verified",
}

func (t TrustLevel) String() string {
	if name, ok := trustLevelNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TrustLevel(%d)", int(t))
}

// ed25519PKIXPrefix is the ASN.1 DER prefix for Ed25519 public keys encoded
// as PKIX SubjectPublicKeyInfo (OID 1.3.101.112).
var ed25519PKIXPrefix = []byte{
	0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65,
	0x70, 0x03, 0x21, 0x00,
}

// Key is a single trusted public key in the local keyring.
type Key struct {
	Name        string
	Fingerprint string // SHA-256 hex of the raw public key bytes
	PublicKey   ed25519.PublicKey
}

// Keyring holds the set of publishers this install trusts at TrustVerified.
// An unsigned bundle, or one signed by a key not in the keyring, is never
// rejected outright — it lands at TrustUnverified or TrustCommunity — the
// Policy decides whether that's good enough to load.
type Keyring struct {
	keys map[string]Key // fingerprint -> Key
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring { return &Keyring{keys: make(map[string]Key)} }

// Add registers a key, parsing its PEM encoding. Duplicate fingerprints
// overwrite the prior entry's name.
func (kr *Keyring) Add(name string, publicKeyPEM []byte) error {
	pub, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("parsing public key %q: %w", name, err)
	}
	fp := Fingerprint(pub)
	kr.keys[fp] = Key{Name: name, Fingerprint: fp, PublicKey: pub}
	return nil
}

// Find returns the key with the given fingerprint, or ok=false.
func (kr *Keyring) Find(fingerprint string) (Key, bool) {
	k, ok := kr.keys[fingerprint]
	return k, ok
}

// Fingerprint computes the SHA-256 hex fingerprint of a raw Ed25519
// public key.
func Fingerprint(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:])
}

// ParsePublicKey parses a PEM-encoded Ed25519 public key in either raw
// ("ED25519 PUBLIC KEY") or PKIX ("PUBLIC KEY") form. Both forms reduce to
// the same 32 raw key bytes; PKIX just wraps them in a fixed ASN.1 header.
func ParsePublicKey(pemData []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	raw := block.Bytes
	switch block.Type {
	case "ED25519 PUBLIC KEY":
		// Already the raw key bytes.
	case "PUBLIC KEY":
		if !bytes.HasPrefix(raw, ed25519PKIXPrefix) {
			return nil, errors.New("PKIX key: not an Ed25519 SubjectPublicKeyInfo")
		}
		raw = raw[len(ed25519PKIXPrefix):]
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}

	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 public key: got %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Policy is the minimum trust a bundle must meet to be accepted.
// VerifyBundle enforces MinTrustLevel only; RequireDigest is carried in
// the policy but no digest check is performed against it.
type Policy struct {
	MinTrustLevel TrustLevel
	RequireDigest bool
}

// DefaultPolicy accepts bundles signed at TrustCommunity or above.
func DefaultPolicy() Policy {
	return Policy{MinTrustLevel: TrustCommunity, RequireDigest: true}
}

// Verifier checks a broker definition bundle's detached signature
// (<path>.sig) against a keyring and policy. Adapted from
// registry/trust.Verifier, generalized from a single artifact blob to a
// definitions-directory layout: each bundle file has a sibling
// "<name>.broker.yaml.sig" holding a raw Ed25519 signature over the
// bundle's bytes and a sibling "<name>.broker.yaml.pub" holding the
// signer's PEM-encoded public key. The keyring only decides whether that
// signer is known (TrustVerified) or not (TrustCommunity).
type Verifier struct {
	keyring *Keyring
	policy  Policy
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithKeyring sets the trusted-key set used to distinguish TrustCommunity
// from TrustVerified.
func WithKeyring(kr *Keyring) VerifierOption {
	return func(v *Verifier) { v.keyring = kr }
}

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) VerifierOption {
	return func(v *Verifier) { v.policy = p }
}

// NewVerifier creates a Verifier with DefaultPolicy and an empty keyring
// unless overridden.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{keyring: NewKeyring(), policy: DefaultPolicy()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// VerifyBundle verifies the bundle at path (raw is its already-read
// contents) against the signer key in its ".pub" sidecar, then looks that
// key's fingerprint up in the keyring. It returns the resulting
// TrustLevel, or an error if the policy's minimum is not met.
//
// Signature discovery: a sibling file "<path>.sig" holding the raw
// 64-byte Ed25519 signature, and "<path>.pub" holding the signer's
// PEM-encoded public key. Absence of either file yields TrustUnverified
// rather than an error, since an unsigned community bundle is a normal,
// expected case — the Policy decides whether that's acceptable.
func (v *Verifier) VerifyBundle(path string, raw []byte) (TrustLevel, error) {
	sig, sigErr := os.ReadFile(path + ".sig")
	pubPEM, pubErr := os.ReadFile(path + ".pub")

	if sigErr != nil || pubErr != nil {
		return v.enforce(TrustUnverified)
	}

	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		return TrustUnverified, fmt.Errorf("parsing signer key: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return TrustUnverified, fmt.Errorf("signature has wrong length %d", len(sig))
	}
	if !ed25519.Verify(pub, raw, sig) {
		return TrustUnverified, errors.New("signature does not verify")
	}

	fp := Fingerprint(pub)
	if _, known := v.keyring.Find(fp); known {
		return v.enforce(TrustVerified)
	}
	return v.enforce(TrustCommunity)
}

func (v *Verifier) enforce(level TrustLevel) (TrustLevel, error) {
	if level < v.policy.MinTrustLevel {
		return level, fmt.Errorf("trust level %s is below policy minimum %s", level, v.policy.MinTrustLevel)
	}
	return level, nil
}
