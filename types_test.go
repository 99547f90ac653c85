package threadbox

import (
	"encoding/json"
	"testing"
)

func TestSessionStatusValid(t *testing.T) {
	for _, s := range []SessionStatus{
		StatusCreating, StatusActive, StatusPausing, StatusPaused,
		StatusResuming, StatusDestroying, StatusDestroyed, StatusError,
	} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range []SessionStatus{"", "running", "Active"} {
		if s.Valid() {
			t.Errorf("%q should be invalid", s)
		}
	}
}

func TestPreviewAccessIsZero(t *testing.T) {
	if !(PreviewAccess{}).IsZero() {
		t.Error("empty access should be zero")
	}
	if (PreviewAccess{URL: "http://127.0.0.1:1"}).IsZero() {
		t.Error("access with URL should not be zero")
	}
	if !(PreviewAccess{Token: "only-token"}).IsZero() {
		t.Error("a token without a URL is not reachable")
	}
}

func TestInboundEventJSON(t *testing.T) {
	ev := InboundEvent{
		MessageID: "telegram:1",
		Kind:      "telegram.message",
		ThreadID:  "telegram:7",
		ChannelID: "7",
		Text:      "hi",
		Raw:       json.RawMessage(`{"update_id":1}`),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var got InboundEvent
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if got.MessageID != ev.MessageID || string(got.Raw) != string(ev.Raw) {
		t.Errorf("got %+v", got)
	}
	var fields map[string]any
	_ = json.Unmarshal(b, &fields)
	if _, ok := fields["guild_id"]; ok {
		t.Error("empty guild_id should be omitted")
	}
}
