package llmrouter

// TaskType enumerates every kind of work the router can be asked to
// perform. Each is annotated with a PIIExposure class used by routing: a
// task that never needs to see PII can run on any provider unfiltered, a
// task that may see PII must run local-only or behind an active filter.
type TaskType string

const (
	TaskParseInstructions TaskType = "parse_instructions"
	TaskDraftOptOut       TaskType = "draft_opt_out"
	TaskInterpretScan     TaskType = "interpret_scan"
	TaskLLMGuidedBrowse   TaskType = "llm_guided_browse"
	TaskChatStatus        TaskType = "chat_status"
	TaskExplainBroker     TaskType = "explain_broker"
	TaskComposeAppeal     TaskType = "compose_appeal"
	TaskClassifyReply     TaskType = "classify_reply"
	TaskDraftReply        TaskType = "draft_reply"
	TaskSummarizeStatus   TaskType = "summarize_status"
	TaskClassifyDocument  TaskType = "classify_document"
)

// PIIExposure classifies how much PII a task's prompt is expected to
// contain, which in turn decides whether the PII filter must be active
// before a non-local provider may see it.
type PIIExposure string

const (
	// ExposureNone means the task's prompt never contains PII (e.g. a
	// broker's public data-practices description).
	ExposureNone PIIExposure = "none"
	// ExposureLow means the prompt may reference PII only through
	// reversible tokens or redaction placeholders.
	ExposureLow PIIExposure = "low"
	// ExposureHigh means the prompt routinely contains raw PII and the
	// task must stay local unless tokenize/redact strips it first.
	ExposureHigh PIIExposure = "high"
)

// taskProfile captures the fixed, non-user-configurable properties of a
// task type: its PII exposure class and whether its output is structured.
type taskProfile struct {
	Exposure         PIIExposure
	StructuredOutput bool
	MaxOutputChars   int
}

var taskProfiles = map[TaskType]taskProfile{
	TaskParseInstructions: {Exposure: ExposureLow, StructuredOutput: true, MaxOutputChars: 2000},
	TaskDraftOptOut:       {Exposure: ExposureHigh, StructuredOutput: false, MaxOutputChars: 4000},
	TaskInterpretScan:     {Exposure: ExposureLow, StructuredOutput: true, MaxOutputChars: 2000},
	TaskLLMGuidedBrowse:   {Exposure: ExposureLow, StructuredOutput: true, MaxOutputChars: 1000},
	TaskChatStatus:        {Exposure: ExposureLow, StructuredOutput: false, MaxOutputChars: 2000},
	TaskExplainBroker:     {Exposure: ExposureNone, StructuredOutput: true, MaxOutputChars: 3000},
	TaskComposeAppeal:     {Exposure: ExposureHigh, StructuredOutput: false, MaxOutputChars: 4000},
	TaskClassifyReply:     {Exposure: ExposureHigh, StructuredOutput: true, MaxOutputChars: 1000},
	TaskDraftReply:        {Exposure: ExposureHigh, StructuredOutput: false, MaxOutputChars: 1000},
	TaskSummarizeStatus:   {Exposure: ExposureLow, StructuredOutput: false, MaxOutputChars: 2000},
	TaskClassifyDocument:  {Exposure: ExposureHigh, StructuredOutput: true, MaxOutputChars: 1000},
}

// profileFor returns the fixed profile for task, or a conservative default
// (treat as high-exposure, unstructured, 1000-char bound) for an unknown
// task type rather than panicking.
func profileFor(t TaskType) taskProfile {
	if p, ok := taskProfiles[t]; ok {
		return p
	}
	return taskProfile{Exposure: ExposureHigh, StructuredOutput: false, MaxOutputChars: 1000}
}

// RequiresFilter reports whether task must never reach a non-local
// provider without the PII filter active.
func RequiresFilter(t TaskType) bool {
	return profileFor(t).Exposure != ExposureNone
}
