package llmrouter

import "testing"

func TestRequiresFilter_ExposureNoneIsExempt(t *testing.T) {
	if RequiresFilter(TaskExplainBroker) {
		t.Fatal("ExplainBroker has ExposureNone and must not require the filter")
	}
	if !RequiresFilter(TaskDraftOptOut) {
		t.Fatal("DraftOptOut has ExposureHigh and must require the filter")
	}
}

func TestProfileFor_UnknownTaskIsConservative(t *testing.T) {
	p := profileFor(TaskType("not_a_real_task"))
	if p.Exposure != ExposureHigh {
		t.Fatalf("expected an unknown task to default to ExposureHigh, got %v", p.Exposure)
	}
	if p.MaxOutputChars == 0 {
		t.Fatal("expected an unknown task to still get a length bound")
	}
}
