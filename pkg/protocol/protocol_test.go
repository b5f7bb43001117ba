package protocol

import (
	"encoding/json"
	"testing"
)

func TestValidChannel(t *testing.T) {
	valid := []string{"guide", "pillar:content", "pillar:insights", "pillar:operations", "pillar:experience"}
	for _, c := range valid {
		if !ValidChannel(c) {
			t.Errorf("expected %q to be valid", c)
		}
	}

	invalid := []string{"", "pillar:billing", "GUIDE", "guide ", "pillar:", "content"}
	for _, c := range invalid {
		if ValidChannel(c) {
			t.Errorf("expected %q to be invalid", c)
		}
	}
}

func TestChannelsIsACopy(t *testing.T) {
	chs := Channels()
	if len(chs) != 5 {
		t.Fatalf("expected 5 channels, got %d", len(chs))
	}
	chs[0] = "mutated"
	if Channels()[0] != ChannelGuide {
		t.Error("Channels() must return a copy")
	}
}

func TestParse_Valid(t *testing.T) {
	raw := []byte(`{"type":"subscribe","channel":"pillar:insights","session_token":"abc"}`)
	env, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if env.Type != TypeSubscribe {
		t.Errorf("expected type subscribe, got %q", env.Type)
	}
	if env.Channel != ChannelInsights {
		t.Errorf("expected channel pillar:insights, got %q", env.Channel)
	}
	if env.SessionToken != "abc" {
		t.Errorf("expected session token abc, got %q", env.SessionToken)
	}
}

func TestParse_MalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestParse_ServerOnlyType(t *testing.T) {
	for _, typ := range []string{TypeWelcome, TypeError, "made_up"} {
		raw, _ := json.Marshal(Envelope{Type: typ})
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected Parse to reject client envelope of type %q", typ)
		}
	}
}

func TestNewWelcome(t *testing.T) {
	env := NewWelcome("conn-1", nil)
	if env.Type != TypeWelcome {
		t.Fatalf("expected welcome, got %q", env.Type)
	}
	var content WelcomeContent
	if err := json.Unmarshal(env.Content, &content); err != nil {
		t.Fatalf("unmarshal welcome content: %v", err)
	}
	if content.ConnectionID != "conn-1" {
		t.Errorf("expected conn-1, got %q", content.ConnectionID)
	}
	if content.Subscriptions == nil {
		t.Error("subscriptions must marshal as [] rather than null")
	}
}

func TestNewError(t *testing.T) {
	env := NewError("guide", CodeNotSubscribed, "not subscribed to guide")
	var content ErrorContent
	if err := json.Unmarshal(env.Content, &content); err != nil {
		t.Fatalf("unmarshal error content: %v", err)
	}
	if content.Code != CodeNotSubscribed {
		t.Errorf("expected code not_subscribed, got %q", content.Code)
	}
	if env.Channel != "guide" {
		t.Errorf("expected channel guide, got %q", env.Channel)
	}
}
