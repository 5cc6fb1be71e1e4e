package statesync

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestParseMessageShapes(t *testing.T) {
	message, err := parseMessage(json.RawMessage(`["register_block", 5, "/radio", ["IBlock", "IDevice"]]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.tag, messageRegisterBlock)
	assert.Equal(t, message.objectId, ObjectId(5))
	assert.Equal(t, message.url, "/radio")
	assert.Equal(t, message.interfaces, []string{"IBlock", "IDevice"})

	message, err = parseMessage(json.RawMessage(`["register_cell", 6, "/radio/gain", {"type": "value_cell"}]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.objectId, ObjectId(6))
	assert.Equal(t, string(message.descriptor), `{"type": "value_cell"}`)

	message, err = parseMessage(json.RawMessage(`["value", 6, [1, 2, 3]]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, string(message.payload), `[1, 2, 3]`)

	message, err = parseMessage(json.RawMessage(`["delete", 6]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.objectId, ObjectId(6))

	message, err = parseMessage(json.RawMessage(`["done", "01ARZ3NDEKTSV4RRFFQ69G5FAV"]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.requestId, "01ARZ3NDEKTSV4RRFFQ69G5FAV")

	// the request id echo is opaque; a numeric one still matches by text
	message, err = parseMessage(json.RawMessage(`["done", 17]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, message.requestId, "17")
}

func TestParseMessageErrors(t *testing.T) {
	for _, raw := range []string{
		`"not an array"`,
		`[]`,
		`[17, "tag last"]`,
		`["register_block", 5]`,
		`["register_cell", 6, "/radio/gain"]`,
		`["value", "six", 1]`,
		`["delete"]`,
		`["mystery", 1]`,
	} {
		_, err := parseMessage(json.RawMessage(raw))
		assert.NotEqual(t, err, nil)
	}
}

func TestSplitBatchPreservesOrder(t *testing.T) {
	rawMessages, err := splitBatch([]byte(`[["delete", 1], ["delete", 2], ["delete", 3]]`))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(rawMessages), 3)
	for i, raw := range rawMessages {
		message, err := parseMessage(raw)
		assert.Equal(t, err, nil)
		assert.Equal(t, message.objectId, ObjectId(i+1))
	}

	_, err = splitBatch([]byte(`{"not": "a batch"}`))
	assert.NotEqual(t, err, nil)
}

func TestEncodeSet(t *testing.T) {
	requestId := NewId()
	frame, err := encodeSet(ObjectId(6), float64(145.2), requestId)
	assert.Equal(t, err, nil)

	var parts []any
	assert.Equal(t, json.Unmarshal(frame, &parts), nil)
	assert.Equal(t, parts, []any{"set", float64(6), 145.2, requestId.String()})
}

func TestParseCellDescriptor(t *testing.T) {
	descriptor, err := parseCellDescriptor(json.RawMessage(`{
		"type": "command_cell",
		"metadata": {"value_type": "any", "naming": {"label": "Scan", "sort_key": "9"}},
		"writable": true,
		"current": null
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, descriptor.Kind, "command_cell")
	assert.Equal(t, descriptor.Writable, true)
	assert.Equal(t, descriptor.Metadata.Naming.Label, "Scan")

	_, err = parseCellDescriptor(json.RawMessage(`{"type": "alien_cell"}`))
	assert.NotEqual(t, err, nil)

	_, err = parseCellDescriptor(json.RawMessage(`[]`))
	assert.NotEqual(t, err, nil)
}
