package statesync

import (
	"encoding/json"
	"fmt"
)

// ObjectId is a server-assigned handle, unique within one connection.
// The server may reuse an id immediately after a delete.
type ObjectId int

const (
	messageRegisterBlock = "register_block"
	messageRegisterCell  = "register_cell"
	messageValue         = "value"
	messageDelete        = "delete"
	messageDone          = "done"
	messageSet           = "set"
)

// serverMessage is one decoded control-plane message. Which fields are
// set depends on the tag.
type serverMessage struct {
	tag        string
	objectId   ObjectId
	url        string
	interfaces []string
	descriptor json.RawMessage
	payload    json.RawMessage
	requestId  string
}

// splitBatch decodes the outer shape of one text frame: a JSON array of
// positional message arrays, to be applied strictly in order.
func splitBatch(data []byte) ([]json.RawMessage, error) {
	var rawMessages []json.RawMessage
	if err := json.Unmarshal(data, &rawMessages); err != nil {
		return nil, fmt.Errorf("malformed message batch: %w", err)
	}
	return rawMessages, nil
}

func parseMessage(raw json.RawMessage) (serverMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return serverMessage{}, fmt.Errorf("message is not an array: %w", err)
	}
	if len(parts) == 0 {
		return serverMessage{}, fmt.Errorf("empty message")
	}

	var message serverMessage
	if err := json.Unmarshal(parts[0], &message.tag); err != nil {
		return serverMessage{}, fmt.Errorf("message tag is not a string: %w", err)
	}

	switch message.tag {
	case messageRegisterBlock:
		if len(parts) != 4 {
			return serverMessage{}, fmt.Errorf("%s: expected 4 elements, got %d", message.tag, len(parts))
		}
		if err := unmarshalParts(parts[1:], &message.objectId, &message.url, &message.interfaces); err != nil {
			return serverMessage{}, fmt.Errorf("%s: %w", message.tag, err)
		}
	case messageRegisterCell:
		if len(parts) != 4 {
			return serverMessage{}, fmt.Errorf("%s: expected 4 elements, got %d", message.tag, len(parts))
		}
		if err := unmarshalParts(parts[1:2], &message.objectId); err != nil {
			return serverMessage{}, fmt.Errorf("%s: %w", message.tag, err)
		}
		if err := json.Unmarshal(parts[2], &message.url); err != nil {
			return serverMessage{}, fmt.Errorf("%s: %w", message.tag, err)
		}
		message.descriptor = parts[3]
	case messageValue:
		if len(parts) != 3 {
			return serverMessage{}, fmt.Errorf("%s: expected 3 elements, got %d", message.tag, len(parts))
		}
		if err := json.Unmarshal(parts[1], &message.objectId); err != nil {
			return serverMessage{}, fmt.Errorf("%s: %w", message.tag, err)
		}
		message.payload = parts[2]
	case messageDelete:
		if len(parts) != 2 {
			return serverMessage{}, fmt.Errorf("%s: expected 2 elements, got %d", message.tag, len(parts))
		}
		if err := json.Unmarshal(parts[1], &message.objectId); err != nil {
			return serverMessage{}, fmt.Errorf("%s: %w", message.tag, err)
		}
	case messageDone:
		if len(parts) != 2 {
			return serverMessage{}, fmt.Errorf("%s: expected 2 elements, got %d", message.tag, len(parts))
		}
		// the request id is an opaque echo of what this client sent
		if err := json.Unmarshal(parts[1], &message.requestId); err != nil {
			message.requestId = string(parts[1])
		}
	default:
		return serverMessage{}, fmt.Errorf("unrecognized message tag: %s", message.tag)
	}
	return message, nil
}

func unmarshalParts(parts []json.RawMessage, targets ...any) error {
	if len(parts) != len(targets) {
		return fmt.Errorf("expected %d elements, got %d", len(targets), len(parts))
	}
	for i, part := range parts {
		if err := json.Unmarshal(part, targets[i]); err != nil {
			return err
		}
	}
	return nil
}

// encodeSet builds the one client->server message. Unlike the server's
// frames it is not batched: one frame per command.
func encodeSet(objectId ObjectId, value any, requestId Id) ([]byte, error) {
	return json.Marshal([]any{messageSet, objectId, value, requestId})
}

// cellDescriptor is the shape carried by register_cell.
type cellDescriptor struct {
	Kind     string `json:"type"`
	Metadata struct {
		ValueType json.RawMessage `json:"value_type"`
		Naming    EnumRow         `json:"naming"`
	} `json:"metadata"`
	Writable bool `json:"writable"`
	Current  any  `json:"current"`
}

func parseCellDescriptor(raw json.RawMessage) (*cellDescriptor, error) {
	descriptor := &cellDescriptor{}
	if err := json.Unmarshal(raw, descriptor); err != nil {
		return nil, fmt.Errorf("malformed cell descriptor: %w", err)
	}
	switch descriptor.Kind {
	case "value_cell", "command_cell":
	default:
		return nil, fmt.Errorf("unrecognized cell kind: %s", descriptor.Kind)
	}
	return descriptor, nil
}
