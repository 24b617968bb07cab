package vault

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrubline/scrubline/core/apperr"
	"github.com/scrubline/scrubline/core/model"
	"github.com/scrubline/scrubline/pkg/clock"
)

type allowAllChecker struct{}

func (allowAllChecker) CheckPIIRead(context.Context, string, []string) (model.PIIAccessLevel, error) {
	return model.AccessReadFull, nil
}

type hashOnlyChecker struct{}

func (hashOnlyChecker) CheckPIIRead(context.Context, string, []string) (model.PIIAccessLevel, error) {
	return model.AccessHashOnly, nil
}

type recordingAudit struct {
	records []model.AuditRecord
}

func (r *recordingAudit) Record(_ context.Context, rec model.AuditRecord) {
	r.records = append(r.records, rec)
}

func openTestVault(t *testing.T, opts ...Option) *Vault {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, opts...)
}

func TestUnlock_RoundTrip(t *testing.T) {
	v := openTestVault(t)
	secret := []byte("correct horse battery staple")

	if err := v.Initialize(secret); err != nil {
		t.Fatal(err)
	}
	if v.Unlocked() {
		t.Fatal("vault must start locked")
	}
	if err := v.Unlock(secret); err != nil {
		t.Fatal(err)
	}
	if !v.Unlocked() {
		t.Fatal("vault should be unlocked")
	}

	v.Lock()
	if v.Unlocked() {
		t.Fatal("Lock must drop key material")
	}
	if _, err := v.SealField("rec", "field", []byte("x")); !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("sealing while locked must be an auth error, got %v", err)
	}
}

func TestUnlock_WrongSecretAndLockout(t *testing.T) {
	mc := clock.NewManual(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	v := openTestVault(t, WithClock(mc))
	secret := []byte("right")

	if err := v.Initialize(secret); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < maxLockoutFailures; i++ {
		if err := v.Unlock([]byte("wrong")); !apperr.Is(err, apperr.KindAuth) {
			t.Fatalf("attempt %d: want auth error, got %v", i+1, err)
		}
	}

	// Cooldown: even the right secret is refused.
	if err := v.Unlock(secret); !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("lockout must refuse the correct secret too, got %v", err)
	}

	mc.Advance(lockoutCooldown + time.Second)
	if err := v.Unlock(secret); err != nil {
		t.Fatalf("after the cooldown the correct secret must work: %v", err)
	}
}

func TestInitialize_Twice(t *testing.T) {
	v := openTestVault(t)
	if err := v.Initialize([]byte("s")); err != nil {
		t.Fatal(err)
	}
	if err := v.Initialize([]byte("s")); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("second initialize must conflict, got %v", err)
	}
}

func TestSealField_DecryptRoundTripAndAADBinding(t *testing.T) {
	v := openTestVault(t, WithPermissionChecker(allowAllChecker{}))
	if err := v.Initialize([]byte("s")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock([]byte("s")); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("jane.q.public@example.org")
	sealed, err := v.SealField("rec-1", "email", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed.Ciphertext, plaintext) {
		t.Fatal("ciphertext must not contain the plaintext")
	}

	h, err := v.ReadPII(context.Background(), "mailengine", "rec-1", "email", sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(h.Bytes(), plaintext) {
		t.Fatalf("round trip = %q, want %q", h.Bytes(), plaintext)
	}
	h.Release()

	// The associated data binds a field to its record: swapping the
	// sealed blob onto a different record must fail, not decrypt.
	swapped := sealed
	swapped.AAD = []byte("rec-2|email")
	if _, err := v.ReadPII(context.Background(), "mailengine", "rec-2", "email", swapped); err == nil {
		t.Fatal("cross-record swap must fail authentication")
	}
}

func TestReadPII_AuditsByFieldNameOnly(t *testing.T) {
	audit := &recordingAudit{}
	v := openTestVault(t, WithPermissionChecker(allowAllChecker{}), WithAuditSink(audit))
	if err := v.Initialize([]byte("s")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock([]byte("s")); err != nil {
		t.Fatal(err)
	}

	plaintext := []byte("410-555-0188")
	sealed, err := v.SealField("rec-1", "phone", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	h, err := v.ReadPII(context.Background(), "browser", "rec-1", "phone", sealed)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	if len(audit.records) != 1 {
		t.Fatalf("got %d audit records, want 1", len(audit.records))
	}
	rec := audit.records[0]
	if rec.Outcome != model.AuditSuccess || rec.Subject != "browser" {
		t.Errorf("audit = %+v", rec)
	}
	if len(rec.FieldRefs) != 1 || rec.FieldRefs[0] != "phone" {
		t.Errorf("field refs = %v, want [phone]", rec.FieldRefs)
	}
}

func TestReadPII_HashOnlyGrantDenied(t *testing.T) {
	audit := &recordingAudit{}
	v := openTestVault(t, WithPermissionChecker(hashOnlyChecker{}), WithAuditSink(audit))
	if err := v.Initialize([]byte("s")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock([]byte("s")); err != nil {
		t.Fatal(err)
	}

	sealed, err := v.SealField("rec-1", "dob", []byte("1980-01-01"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ReadPII(context.Background(), "x", "rec-1", "dob", sealed); !apperr.Is(err, apperr.KindPermissionDenied) {
		t.Fatalf("hash-only grant must deny plaintext read, got %v", err)
	}
	if len(audit.records) != 1 || audit.records[0].Outcome != model.AuditDenied {
		t.Errorf("denial must be audited, got %+v", audit.records)
	}
}

func TestScopedPlaintext_ReleaseZeroes(t *testing.T) {
	h := newScopedPlaintext([]byte("sensitive"))
	buf := h.Bytes()
	h.Release()
	for _, b := range buf {
		if b != 0 {
			t.Fatal("backing memory must be zeroed on release")
		}
	}
	if h.Bytes() != nil {
		t.Error("a released handle must not return bytes")
	}
}

func TestStoreRead_RecordRoundTrip(t *testing.T) {
	v := openTestVault(t)
	if err := v.Initialize([]byte("s")); err != nil {
		t.Fatal(err)
	}
	if err := v.Unlock([]byte("s")); err != nil {
		t.Fatal(err)
	}

	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := rec{Name: "insight", Count: 3}
	if err := v.Store("insights", "id", "ins-1", []string{"created_at"}, []any{"2026-01-01T00:00:00Z"}, in); err != nil {
		t.Fatal(err)
	}

	var out rec
	found, err := v.Read("insights", "id", "ins-1", &out)
	if err != nil || !found {
		t.Fatalf("read: found=%v err=%v", found, err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	found, err = v.Read("insights", "id", "missing", &out)
	if err != nil || found {
		t.Errorf("missing row: found=%v err=%v", found, err)
	}
}

func TestDefaultPath_EnvOverride(t *testing.T) {
	t.Setenv(EnvVaultPath, "/tmp/custom-vault.db")
	p, err := DefaultPath()
	if err != nil {
		t.Fatal(err)
	}
	if p != "/tmp/custom-vault.db" {
		t.Errorf("path = %q", p)
	}

	t.Setenv(EnvVaultPath, "")
	p, err = DefaultPath()
	if err != nil {
		t.Fatal(err)
	}
	if p == "" {
		t.Error("default path must not be empty")
	}
}
