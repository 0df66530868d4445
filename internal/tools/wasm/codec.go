package wasm

import "encoding/json"

func marshalCall(call ToolCall) ([]byte, error) {
	return json.Marshal(call)
}

func unmarshalResult(data []byte) (*ToolResult, error) {
	var result ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
