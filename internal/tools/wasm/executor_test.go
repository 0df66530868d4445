package wasm

import "testing"

func TestUnpackPtrLen(t *testing.T) {
	packed := uint64(0x0000_1234_0000_0056)
	ptr, length := unpackPtrLen(packed)
	if ptr != 0x1234 {
		t.Fatalf("expected ptr 0x1234, got 0x%x", ptr)
	}
	if length != 0x56 {
		t.Fatalf("expected length 0x56, got 0x%x", length)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	call := ToolCall{Name: "example", Arguments: map[string]any{"path": "a.txt"}}
	payload, err := marshalCall(call)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	result, err := unmarshalResult([]byte(`{"content":"ok"}`))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Content != "ok" {
		t.Fatalf("unexpected content: %q", result.Content)
	}
	if len(payload) == 0 {
		t.Fatalf("expected non-empty payload")
	}
}
