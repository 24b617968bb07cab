// Package model defines the canonical entities shared across every
// component: profiles, broker definitions, scan results, removal attempts,
// email threads, permissions, and audit records. Components never define
// their own copies of these shapes; they import this package the way the
// rest of the codebase imports a single canonical findings model.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EmailMode controls how aggressively the mail engine may act on a profile's
// behalf.
type EmailMode string

const (
	EmailModeDraft          EmailMode = "draft"
	EmailModeSMTPOnly       EmailMode = "smtp_only"
	EmailModeFullAutomation EmailMode = "full_automation"
)

// NameEntry is a labelled legal name.
type NameEntry struct {
	First string
	Last  string
	Label string // e.g. "legal", "maiden", "alias"
}

// AddressEntry is a physical address with an optional period of residence.
type AddressEntry struct {
	Line1, Line2 string
	City         string
	Region       string
	PostalCode   string
	Country      string
	FromYear     *int
	ToYear       *int
}

// EmailEntry is an email address labelled for a specific use.
type EmailEntry struct {
	Address string
	Label   string // e.g. "opt-out", "personal"
}

// PhoneEntry is a phone number in E.164 form.
type PhoneEntry struct {
	Number string
	Label  string
}

// Jurisdiction describes the regulatory context applicable to a profile.
type Jurisdiction struct {
	Country          string
	Region           string
	Regulations      []string // ordered, weakest to strongest is NOT assumed; see verification.Strongest
	StrongestRegCode string
}

// Sealed is an opaque ciphertext triple: ciphertext bytes, the nonce used to
// produce them, and the associated data binding them to a record. Every
// sensitive Profile field is stored this way; Sealed never carries plaintext.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	AAD        []byte
}

// Profile is the single authoritative record of a user's identity data.
// Every field listed here as Sealed is encrypted at rest; only a vault
// Handle (see core/vault) may produce the plaintext, and only within a
// scope-bounded lifetime.
type Profile struct {
	ID           uuid.UUID
	Names        Sealed // encrypted []NameEntry
	Addresses    Sealed // encrypted []AddressEntry
	Emails       Sealed // encrypted []EmailEntry
	Phones       Sealed // encrypted []PhoneEntry
	DOB          Sealed // encrypted *time.Time, optional
	LowEntropyID Sealed // encrypted optional low-entropy identifiers (e.g. last 4 of SSN)
	Jurisdiction Jurisdiction
	EmailMode    EmailMode
	SMTPConfig   Sealed // encrypted optional SMTP credentials
	IMAPConfig   Sealed // encrypted optional IMAP credentials
	CreatedAt    time.Time
}

// ScanMethod enumerates how a broker's listings are discovered.
type ScanMethod string

const (
	ScanMethodURLTemplate ScanMethod = "url_template"
	ScanMethodForm        ScanMethod = "form"
	ScanMethodAPI         ScanMethod = "api"
	ScanMethodLLMGuided   ScanMethod = "llm_guided"
)

// RemovalMethod enumerates how a confirmed listing is removed.
type RemovalMethod string

const (
	RemovalMethodForm      RemovalMethod = "form"
	RemovalMethodEmail     RemovalMethod = "email"
	RemovalMethodMultiStep RemovalMethod = "multi_step"
	RemovalMethodManual    RemovalMethod = "manual"
)

// ConfirmationType enumerates how a removal's success is confirmed.
type ConfirmationType string

const (
	ConfirmationWebScan      ConfirmationType = "web_scan"
	ConfirmationAPI          ConfirmationType = "api"
	ConfirmationEmail        ConfirmationType = "email"
	ConfirmationManualReview ConfirmationType = "manual_review"
)

// BrokerDefinition is a data-only, immutable-per-load descriptor of a
// people-search broker or commercial data firm.
type BrokerDefinition struct {
	ID                string
	Category          string
	Region            string
	ScanPriorityTier  int
	ScanMethod        ScanMethod
	URLTemplate       string
	RemovalMethod     RemovalMethod
	RemovalEmail      string
	Confirmation      ConfirmationType
	RequiresCaptcha   bool
	RequiredFields    []string // field names checked against a Profile's populated fields
	TypicalSLA        time.Duration
	LastVerified      time.Time
	Origin            string // network origin the browser engine is confined to
	RegulationSubject []string
}

// SkipReason explains why a broker was skipped rather than scanned.
type SkipReason string

const (
	SkipMissingFields SkipReason = "missing_fields"
	SkipDisabled      SkipReason = "disabled"
)

// MatchMethod names the algorithm used to compute a ScanResult's confidence.
type MatchMethod string

const (
	MatchMethodExactFuzzy60_40 MatchMethod = "exact_60_fuzzy_40"
)

// ScanResult is the immutable-after-commit outcome of scanning one broker
// for one profile.
type ScanResult struct {
	ID           uuid.UUID
	ScanJobID    uuid.UUID
	ProfileID    uuid.UUID
	BrokerID     string
	Found        bool
	ListingURL   string
	Confidence   float64
	MatchMethod  MatchMethod
	EvidenceBlob Sealed // encrypted screenshot
	Timestamp    time.Time
	Skipped      bool
	SkipReason   SkipReason
}

// RemovalState enumerates a RemovalAttempt's lifecycle.
type RemovalState string

const (
	RemovalPending                   RemovalState = "pending"
	RemovalInProgress                RemovalState = "in_progress"
	RemovalAwaitingCaptcha           RemovalState = "awaiting_captcha"
	RemovalAwaitingEmailVerification RemovalState = "awaiting_email_verification"
	RemovalSubmitted                 RemovalState = "submitted"
	RemovalFailed                    RemovalState = "failed"
	RemovalVerifiedRemoved           RemovalState = "verified_removed"
	RemovalReappeared                RemovalState = "reappeared"
)

// RemovalAttempt tracks one end-to-end removal effort for a ScanResult.
type RemovalAttempt struct {
	ID                 uuid.UUID
	ScanResultID       uuid.UUID
	ProfileID          uuid.UUID
	BrokerID           string
	State              RemovalState
	AttemptCount       int
	NextRetryAt        time.Time
	RegulationSnapshot string // the applicable regulation, frozen at creation time
	SLADeadline        time.Time
	ReappearanceCount  int
	CaptchaResumeToken string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ThreadStatus enumerates an EmailThread's lifecycle.
type ThreadStatus string

const (
	ThreadDraftReady        ThreadStatus = "draft_ready"
	ThreadSent              ThreadStatus = "sent"
	ThreadResponseReceived  ThreadStatus = "response_received"
	ThreadReplyPending      ThreadStatus = "reply_pending"
	ThreadConfirmed         ThreadStatus = "confirmed"
	ThreadEscalate          ThreadStatus = "escalate"
	ThreadAwaitingUser      ThreadStatus = "awaiting_user"
	ThreadReplyLimitReached ThreadStatus = "reply_limit_reached"
)

// Terminal reports whether status is a terminal state for the thread.
func (s ThreadStatus) Terminal() bool {
	switch s {
	case ThreadConfirmed, ThreadAwaitingUser, ThreadReplyLimitReached:
		return true
	default:
		return false
	}
}

// Budget is a thread's monotonically non-increasing spend record. Fields
// here never widen once decremented; hard caps are enforced by the mail
// engine, not by Budget itself.
type Budget struct {
	AutoRepliesRemaining int
	LLMCallsRemaining    int
	TokensRemaining      int
	NextReplyAllowedAt   time.Time
	ThreadExpiresAt      time.Time
}

// EmailThread is an ordered exchange of messages tied to a single
// RemovalAttempt.
type EmailThread struct {
	ID               uuid.UUID
	RemovalAttemptID uuid.UUID
	Status           ThreadStatus
	Messages         []ThreadMessage
	Budget           Budget
	CreatedAt        time.Time
}

// MessageDirection is inbound or outbound relative to the user.
type MessageDirection string

const (
	DirectionOutbound MessageDirection = "outbound"
	DirectionInbound  MessageDirection = "inbound"
)

// Classification is the output of the mail engine's safety pipeline for an
// inbound message.
type Classification string

const (
	ClassificationConfirmation Classification = "confirmation"
	ClassificationClarifying   Classification = "clarifying_question"
	ClassificationRejection    Classification = "rejection"
	// ClassificationIdentityVerification marks a broker demanding identity
	// documents before processing the removal.
	ClassificationIdentityVerification Classification = "identity_verification_request"
	// ClassificationExcessivePII marks a broker requesting more personal
	// data than a deletion request reasonably needs.
	ClassificationExcessivePII Classification = "excessive_pii_request"
	ClassificationSuspicious   Classification = "suspicious"
	ClassificationUnknown      Classification = "unknown"
)

// ThreadMessage is one message within an EmailThread.
type ThreadMessage struct {
	ID               uuid.UUID
	Direction        MessageDirection
	Timestamp        time.Time
	FromAddress      string
	ToAddress        string
	Subject          string
	Body             Sealed // encrypted
	Classification   Classification
	WasAutoGenerated bool
	TokenCount       int
	UserApproved     bool
	SafetyFlags      []string
}

// PIIAccessLevel bounds what a PiiRead grant exposes.
type PIIAccessLevel string

const (
	AccessHashOnly     PIIAccessLevel = "hash_only"
	AccessReadRedacted PIIAccessLevel = "read_redacted"
	AccessReadFull     PIIAccessLevel = "read_full"
)

// GrantKind is the tagged-union discriminant for Permission. Modeled as a
// closed enum rather than an interface hierarchy, matching the "prefer
// enum-dispatch for a fixed provider list" re-architecture guidance for
// constructs that would otherwise be a dyn Trait.
type GrantKind string

const (
	GrantPiiRead             GrantKind = "pii_read"
	GrantFileSystemRead      GrantKind = "file_system_read"
	GrantEmailImapRead       GrantKind = "email_imap_read"
	GrantNetworkAccess       GrantKind = "network_access"
	GrantLlmApiAccess        GrantKind = "llm_api_access"
	GrantBrowserAutomation   GrantKind = "browser_automation"
	GrantDesktopNotification GrantKind = "desktop_notification"
	GrantBackgroundExecution GrantKind = "background_execution"
)

// Permission is a single grant held by the permission gate.
type Permission struct {
	ID             uuid.UUID
	Kind           GrantKind
	Subject        string // module|provider|plugin|feature identifier
	GrantSource    string
	PIIFields      []string       // for GrantPiiRead
	AccessLevel    PIIAccessLevel // for GrantPiiRead
	FilePaths      []string       // for GrantFileSystemRead
	DomainScopes   []string       // for GrantNetworkAccess / GrantBrowserAutomation
	Methods        []string       // for GrantNetworkAccess
	Actions        []string       // for GrantBrowserAutomation
	LLMProvider    string         // for GrantLlmApiAccess
	RequiresFilter bool           // for GrantLlmApiAccess
	AllowedTasks   []string       // for GrantLlmApiAccess
	ExpiresAt      *time.Time
	Revocable      bool
	LastUsedAt     *time.Time
	UseCount       int
}

// AuditOutcome is the result of a guarded action.
type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditDenied  AuditOutcome = "denied"
	AuditError   AuditOutcome = "error"
)

// AuditRecord is an append-only log entry. It references fields and
// subjects by identifier only and never carries raw PII values.
type AuditRecord struct {
	ID        uuid.UUID
	Timestamp time.Time
	Subject   string
	Action    string
	FieldRefs []string
	Outcome   AuditOutcome
	ErrorCode string
}

// VerificationMethod enumerates how a removal's completion is confirmed.
type VerificationMethod string

const (
	VerificationWebScanNegative    VerificationMethod = "web_scan_negative"
	VerificationAPIConfirmation    VerificationMethod = "api_confirmation"
	VerificationEmailConfirmation  VerificationMethod = "email_confirmation"
	VerificationManualConfirmation VerificationMethod = "manual_confirmation"
)

// VerificationCheck is evidence that a RemovalAttempt's completion was
// independently confirmed.
type VerificationCheck struct {
	ID               uuid.UUID
	RemovalAttemptID uuid.UUID
	Method           VerificationMethod
	Timestamp        time.Time
	Notes            string
}

// Insight is an append-only, user-acknowledged observation produced by the
// orchestrator. Insights never cause side effects on their own.
type Insight struct {
	ID           uuid.UUID
	Kind         string
	Summary      string
	RelatedIDs   []uuid.UUID
	CreatedAt    time.Time
	Acknowledged bool
}

// NewID returns a fresh random identifier. Centralized here so every
// component generates IDs the same way.
func NewID() uuid.UUID { return uuid.New() }
