package script

import (
	"testing"
)

func TestValidate_Valid(t *testing.T) {
	err := Validate(`function transform(payload) { return payload; }`)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidate_SyntaxError(t *testing.T) {
	err := Validate(`function transform(payload { return payload; }`)
	if err == nil {
		t.Fatal("expected error for syntax error")
	}
}

func TestValidate_MissingTransform(t *testing.T) {
	err := Validate(`function process(payload) { return payload; }`)
	if err != ErrNoTransform {
		t.Fatalf("expected ErrNoTransform, got: %v", err)
	}
}

func TestValidate_NotAFunction(t *testing.T) {
	err := Validate(`var transform = 42;`)
	if err != ErrNoTransform {
		t.Fatalf("expected ErrNoTransform, got: %v", err)
	}
}

func TestValidate_TooLarge(t *testing.T) {
	large := "function transform(p) { return p; }" + string(make([]byte, maxScriptSize+1))
	err := Validate(large)
	if err != ErrScriptTooLarge {
		t.Fatalf("expected ErrScriptTooLarge, got: %v", err)
	}
}

func TestRun_BasicTransform(t *testing.T) {
	scriptBody := `function transform(payload) {
		payload.enriched = true;
		return payload;
	}`

	result, err := Run(scriptBody, map[string]any{"signal_type": "port_delay"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped {
		t.Fatal("expected payload not to be dropped")
	}
	if result.Payload["enriched"] != true {
		t.Fatalf("expected enriched=true, got: %v", result.Payload["enriched"])
	}
	if result.Payload["signal_type"] != "port_delay" {
		t.Fatalf("expected original fields preserved, got: %v", result.Payload)
	}
}

func TestRun_Drop(t *testing.T) {
	result, err := Run(`function transform(payload) { return null; }`, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Dropped {
		t.Fatal("expected payload to be dropped")
	}
}

func TestRun_ConditionalDrop(t *testing.T) {
	scriptBody := `function transform(payload) {
		if (payload.severity === "LOW") return null;
		payload.routed = true;
		return payload;
	}`

	result, err := Run(scriptBody, map[string]any{"severity": "LOW"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Dropped {
		t.Fatal("expected LOW severity to be dropped")
	}

	result, err = Run(scriptBody, map[string]any{"severity": "CRITICAL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Dropped {
		t.Fatal("expected CRITICAL not to be dropped")
	}
	if result.Payload["routed"] != true {
		t.Fatalf("expected routed=true, got: %v", result.Payload)
	}
}

func TestRun_Timeout(t *testing.T) {
	_, err := Run(`function transform(payload) { while(true) {} return payload; }`, map[string]any{})
	if err != ErrScriptTimeout {
		t.Fatalf("expected ErrScriptTimeout, got: %v", err)
	}
}

func TestRun_SyntaxError(t *testing.T) {
	_, err := Run(`function transform(payload { return payload; }`, map[string]any{})
	if err == nil {
		t.Fatal("expected error for syntax error")
	}
}
