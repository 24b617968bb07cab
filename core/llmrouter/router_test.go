package llmrouter

import (
	"context"
	"strings"
	"testing"
)

type fakeProvider struct {
	name   string
	caps   Capabilities
	reply  string
	gotMsg []Message
}

func (f *fakeProvider) Name() string              { return f.name }
func (f *fakeProvider) Capabilities() Capabilities { return f.caps }
func (f *fakeProvider) Complete(_ context.Context, messages []Message) (*Response, error) {
	f.gotMsg = messages
	return &Response{Content: f.reply, PromptTokens: 10, CompletionTokens: 5}, nil
}

func TestRoute_LocalOnly_NeverFiltersPrompt(t *testing.T) {
	local := &fakeProvider{name: "local", caps: Capabilities{IsLocal: true, MaxContext: 8000}, reply: "ok"}
	r := New(WithProviders(local))

	_, err := r.Route(context.Background(), RouteRequest{
		Task:       TaskDraftOptOut,
		Preference: LocalOnly,
		Messages:   []Message{{Role: RoleUser, Content: "email me at jane@example.com"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(local.gotMsg[0].Content, "jane@example.com") {
		t.Fatalf("local provider must see the unfiltered prompt, got %q", local.gotMsg[0].Content)
	}
}

func TestRoute_BestAvailable_TokenizesBeforeCloudProvider(t *testing.T) {
	cloud := &fakeProvider{name: "cloud", caps: Capabilities{IsLocal: false, MaxContext: 100000}, reply: "draft references TOK_EMAIL_001"}
	r := New(WithProviders(cloud))

	result, err := r.Route(context.Background(), RouteRequest{
		Task:       TaskDraftOptOut,
		Preference: BestAvailable,
		Messages:   []Message{{Role: RoleUser, Content: "contact user@example.org about removal"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(cloud.gotMsg[0].Content, "user@example.org") {
		t.Fatalf("cloud provider must never see the raw email, got %q", cloud.gotMsg[0].Content)
	}
	if !strings.Contains(cloud.gotMsg[0].Content, "TOK_EMAIL_001") {
		t.Fatalf("expected a tokenized placeholder in the filtered prompt, got %q", cloud.gotMsg[0].Content)
	}
	if !strings.Contains(result.RestoredContent, "user@example.org") {
		t.Fatalf("expected the response to be detokenized back to the original email, got %q", result.RestoredContent)
	}
}

func TestRoute_ExplainBroker_NeverRequiresFilter(t *testing.T) {
	if RequiresFilter(TaskExplainBroker) {
		t.Fatal("ExplainBroker is ExposureNone and must never require the filter")
	}
}

func TestRoute_OutputExceedingLengthBoundIsRejected(t *testing.T) {
	cloud := &fakeProvider{name: "cloud", caps: Capabilities{IsLocal: false}, reply: strings.Repeat("x", 5000)}
	r := New(WithProviders(cloud))

	_, err := r.Route(context.Background(), RouteRequest{
		Task:       TaskDraftReply,
		Preference: BestAvailable,
		Messages:   []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected a validation error for exceeding DraftReply's 1000-char bound")
	}
}

func TestSelectProvider_PreferLocalFallsBackOnlyForAllowedTasks(t *testing.T) {
	local := &fakeProvider{name: "local", caps: Capabilities{IsLocal: true}, reply: "ok"}
	cloud := &fakeProvider{name: "cloud", caps: Capabilities{IsLocal: false}, reply: "ok"}
	r := New(WithProviders(cloud)) // no local candidate available

	_, err := r.Route(context.Background(), RouteRequest{
		Task:       TaskChatStatus,
		Preference: PreferLocal,
		Messages:   []Message{{Role: RoleUser, Content: "status?"}},
	})
	if err == nil {
		t.Fatal("expected an error: no local candidate and task not in CloudAllowedTasks")
	}

	r2 := New(WithProviders(cloud, local))
	_, err = r2.Route(context.Background(), RouteRequest{
		Task:              TaskChatStatus,
		Preference:        PreferLocal,
		CloudAllowedTasks: map[TaskType]bool{TaskChatStatus: true},
		Messages:          []Message{{Role: RoleUser, Content: "status?"}},
	})
	if err != nil {
		t.Fatalf("expected the local candidate to be picked: %v", err)
	}
}
