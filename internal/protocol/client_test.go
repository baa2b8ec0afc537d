package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeControl(t *testing.T) {
	msg, err := DecodeControl([]byte(`{"type":"interrupt"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != ControlInterrupt {
		t.Fatalf("unexpected type %q", msg.Type)
	}

	for _, kind := range []string{ControlForceEndpoint, ControlAutoEndOfSpeech, ControlEndOfSpeech} {
		msg, err := DecodeControl([]byte(`{"type":"` + kind + `"}`))
		if err != nil {
			t.Fatalf("decode %s: %v", kind, err)
		}
		if !msg.IsForceFinalize() {
			t.Fatalf("expected %s to force finalize", kind)
		}
	}
}

func TestDecodeControlRejectsNonJSON(t *testing.T) {
	for _, raw := range []string{"not json", "{broken", "\x00\x01\x02"} {
		if _, err := DecodeControl([]byte(raw)); !errors.Is(err, ErrNotJSON) {
			t.Fatalf("expected ErrNotJSON for %q, got %v", raw, err)
		}
	}
}

func TestEventGenerationSerialization(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventTTSEnd, TS: 1}.WithGeneration(0))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"tts_generation":0`) {
		t.Fatalf("expected zero generation to be present: %s", data)
	}

	data, err = json.Marshal(Event{Type: EventLLMEnd, TS: 1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "tts_generation") {
		t.Fatalf("expected no generation on llm_end: %s", data)
	}
}
