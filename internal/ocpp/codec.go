package ocpp

import (
	"encoding/json"
	"fmt"
)

// FrameKind selects which group of Frame's fields (Call*, Result*, Error*
// or Invalid*) is meaningful; Frame is the decoded shape of one OCPP-J array.
type FrameKind int

const (
	FrameCall FrameKind = iota
	FrameCallResult
	FrameCallError
	FrameInvalid
)

type Frame struct {
	Kind FrameKind

	// FrameCall
	CallUniqueID string
	CallAction   Action
	CallPayload  json.RawMessage

	// FrameCallResult
	ResultUniqueID string
	ResultPayload  json.RawMessage

	// FrameCallError
	ErrorUniqueID      string
	ErrorCode          ProtocolErrorCode
	ErrorDescription   string
	ErrorDetails       json.RawMessage

	// FrameInvalid
	InvalidUniqueID *string
	Raw             []byte
	Reason          string
}

func invalid(raw []byte, uniqueID *string, reason string, args ...interface{}) Frame {
	return Frame{Kind: FrameInvalid, Raw: raw, InvalidUniqueID: uniqueID, Reason: fmt.Sprintf(reason, args...)}
}

// Decode parses one raw websocket text frame into a Frame variant. It never
// returns an error: malformed input becomes FrameInvalid so the caller can
// decide how to react (for an inbound Call, respond with FormationViolation;
// for everything else, just drop it).
func Decode(raw []byte) Frame {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return invalid(raw, nil, "not a JSON array: %v", err)
	}
	if len(arr) < 3 {
		return invalid(raw, nil, "array too short: %d elements", len(arr))
	}

	var msgType int
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return invalid(raw, nil, "invalid messageTypeId: %v", err)
	}
	var uniqueID string
	if err := json.Unmarshal(arr[1], &uniqueID); err != nil {
		return invalid(raw, nil, "invalid uniqueId: %v", err)
	}

	switch MessageType(msgType) {
	case Call:
		if len(arr) != 4 {
			return invalid(raw, &uniqueID, "Call must have 4 elements, got %d", len(arr))
		}
		var action string
		if err := json.Unmarshal(arr[2], &action); err != nil {
			return invalid(raw, &uniqueID, "invalid action: %v", err)
		}
		return Frame{Kind: FrameCall, CallUniqueID: uniqueID, CallAction: Action(action), CallPayload: arr[3]}

	case CallResult:
		if len(arr) != 3 {
			return invalid(raw, &uniqueID, "CallResult must have 3 elements, got %d", len(arr))
		}
		return Frame{Kind: FrameCallResult, ResultUniqueID: uniqueID, ResultPayload: arr[2]}

	case CallError:
		if len(arr) < 4 || len(arr) > 5 {
			return invalid(raw, &uniqueID, "CallError must have 4 or 5 elements, got %d", len(arr))
		}
		var code, desc string
		if err := json.Unmarshal(arr[2], &code); err != nil {
			return invalid(raw, &uniqueID, "invalid errorCode: %v", err)
		}
		if err := json.Unmarshal(arr[3], &desc); err != nil {
			return invalid(raw, &uniqueID, "invalid errorDescription: %v", err)
		}
		var details json.RawMessage
		if len(arr) == 5 {
			details = arr[4]
		}
		return Frame{Kind: FrameCallError, ErrorUniqueID: uniqueID, ErrorCode: ProtocolErrorCode(code), ErrorDescription: desc, ErrorDetails: details}

	default:
		return invalid(raw, &uniqueID, "unknown messageTypeId: %d", msgType)
	}
}

// EncodeCall renders a `[2, uniqueId, action, payload]` frame.
func EncodeCall(uniqueID string, action Action, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{Call, uniqueID, action, payload})
}

// EncodeCallResult renders a `[3, uniqueId, payload]` frame.
func EncodeCallResult(uniqueID string, payload interface{}) ([]byte, error) {
	return json.Marshal([]interface{}{CallResult, uniqueID, payload})
}

// EncodeCallError renders a `[4, uniqueId, errorCode, errorDescription, errorDetails]` frame.
func EncodeCallError(uniqueID string, code ProtocolErrorCode, description string, details interface{}) ([]byte, error) {
	if details == nil {
		details = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{CallError, uniqueID, code, description, details})
}

// DecodePayload unmarshals a raw payload into a concrete typed request or
// response struct obtained from NewRequestPayload/NewResponsePayload.
func DecodePayload(raw json.RawMessage, target interface{}) error {
	return json.Unmarshal(raw, target)
}
