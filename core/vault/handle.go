package vault

import "sync"

// ScopedPlaintext is a handle to decrypted PII that guarantees the backing
// memory is overwritten before it is released. Callers obtain one from
// Vault.ReadPII, use Bytes() within the same suspension-free scope, and must
// call Release when done — typically via defer immediately after the call
// that produced it. Copying the underlying byte slice out of this type is
// the caller's responsibility to avoid; the type itself cannot prevent it in
// Go, so the convention is: never store the result of Bytes() anywhere that
// outlives the handle.
type ScopedPlaintext struct {
	mu       sync.Mutex
	data     []byte
	released bool
}

// newScopedPlaintext wraps already-decrypted bytes. Ownership of data
// transfers to the handle.
func newScopedPlaintext(data []byte) *ScopedPlaintext {
	return &ScopedPlaintext{data: data}
}

// Bytes returns the plaintext. Returns nil if the handle has been released.
func (h *ScopedPlaintext) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	return h.data
}

// Release zeroes the backing buffer and marks the handle unusable. Safe to
// call more than once.
func (h *ScopedPlaintext) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	zero(h.data)
	h.released = true
}
