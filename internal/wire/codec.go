package wire

import (
	"encoding/json"
	"fmt"
)

// Encode marshals a message and splices in its type tag. Payload structs do
// not carry a type field themselves, so a message can never be sent with a
// tag that disagrees with its Go type.
func Encode(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		return u.Raw, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	tag, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, err
	}
	obj["type"] = tag
	return json.Marshal(obj)
}

// Decode parses one wire message. A missing or malformed JSON object is an
// error; an unrecognized type tag is not. It decodes to Unknown so new
// message kinds pass through older peers without crashing them.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("wire: missing type tag")
	}

	decode := func(m Message) (Message, error) {
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("wire: decode %s: %w", head.Type, err)
		}
		return m, nil
	}

	switch head.Type {
	case TypeConnect:
		return decode(&Connect{})
	case TypeConnected:
		return decode(&Connected{})
	case TypeAuth:
		return decode(&Auth{})
	case TypeAuthSuccess:
		return decode(&AuthSuccess{})
	case TypeAuthError:
		return decode(&AuthError{})
	case TypePing:
		return decode(&Ping{})
	case TypePong:
		return decode(&Pong{})
	case TypeHeartbeat:
		return decode(&Heartbeat{})
	case TypeHeartbeatAck:
		return decode(&HeartbeatAck{})
	case TypeSubscribe:
		return decode(&Subscribe{})
	case TypeSubscribed:
		return decode(&Subscribed{})
	case TypeUnsubscribe:
		return decode(&Unsubscribe{})
	case TypeUnsubscribed:
		return decode(&Unsubscribed{})
	case TypeSessionInput:
		return decode(&SessionInput{})
	case TypeSessionOutput:
		return decode(&SessionOutput{})
	case TypeReplay:
		return decode(&Replay{})
	case TypeReplayData:
		return decode(&ReplayData{})
	case TypeResize:
		return decode(&Resize{})
	case TypeResized:
		return decode(&Resized{})
	case TypeHistoryRequest:
		return decode(&HistoryRequest{})
	case TypeHistoryResponse:
		return decode(&HistoryResponse{})
	case TypeMessageAck:
		return decode(&MessageAck{})
	case TypeWorkstationOnline:
		return decode(&WorkstationOnline{})
	case TypeWorkstationOffline:
		return decode(&WorkstationOffline{})
	case TypeError:
		return decode(&Error{})
	default:
		return Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
