package statesync

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-playground/assert/v2"
)

const spectrumCellDescriptor = `{
	"type": "value_cell",
	"metadata": {
		"value_type": {"type": "BulkDataT", "info_format": "dff", "array_format": "b"},
		"naming": {"label": "FFT"}
	},
	"writable": false
}`

const scopeCellDescriptor = `{
	"type": "value_cell",
	"metadata": {
		"value_type": {"type": "BulkDataT", "info_format": "d", "array_format": "f"},
		"naming": {"label": "Scope"}
	},
	"writable": false
}`

func buildSpectrumFrame(t *testing.T, objectId uint32, freq float64, rate float32, offset float32, samples []int8) []byte {
	buffer := &bytes.Buffer{}
	for _, field := range []any{objectId, freq, rate, offset, samples} {
		assert.Equal(t, binary.Write(buffer, binary.LittleEndian, field), nil)
	}
	return buffer.Bytes()
}

func buildScopeFrame(t *testing.T, objectId uint32, rate float64, samples []float32) []byte {
	buffer := &bytes.Buffer{}
	for _, field := range []any{objectId, rate, samples} {
		assert.Equal(t, binary.Write(buffer, binary.LittleEndian, field), nil)
	}
	return buffer.Bytes()
}

func TestSpectrumByteFrame(t *testing.T) {
	session, _ := newTestSession()
	session.HandleFrame([]byte(`[["register_cell", 7, "/radio/monitor/fft", ` + spectrumCellDescriptor + `]]`))

	node, _ := session.node(7)
	cell := node.(*BulkCell)

	updates := []BulkValue{}
	subscription := cell.Subscribe(func(value any) {
		updates = append(updates, value.(BulkValue))
	})
	defer subscription.Unsubscribe()

	session.HandleBinaryFrame(buildSpectrumFrame(t, 7, 1000.0, 2000.0, 10.0, []int8{20, 30}))

	// exactly one notification per delivered frame
	assert.Equal(t, len(updates), 1)
	assert.Equal(t, updates[0].Metadata, BulkMetadata{Freq: 1000.0, Rate: 2000.0})
	assert.Equal(t, updates[0].Samples, []float32{10.0, 20.0})

	value, haveValue := cell.GetBulk()
	assert.Equal(t, haveValue, true)
	assert.Equal(t, value.Samples, []float32{10.0, 20.0})
}

func TestSpectrumByteNegativeSamples(t *testing.T) {
	session, _ := newTestSession()
	session.HandleFrame([]byte(`[["register_cell", 7, "/radio/monitor/fft", ` + spectrumCellDescriptor + `]]`))

	node, _ := session.node(7)
	cell := node.(*BulkCell)

	session.HandleBinaryFrame(buildSpectrumFrame(t, 7, 0, 0, -0.5, []int8{-128, 0, 127}))

	value, haveValue := cell.GetBulk()
	assert.Equal(t, haveValue, true)
	assert.Equal(t, value.Samples, []float32{-127.5, 0.5, 127.5})
}

func TestScopeFloatFrame(t *testing.T) {
	session, _ := newTestSession()
	session.HandleFrame([]byte(`[["register_cell", 9, "/radio/monitor/scope", ` + scopeCellDescriptor + `]]`))

	node, _ := session.node(9)
	cell := node.(*BulkCell)

	session.HandleBinaryFrame(buildScopeFrame(t, 9, 48000.0, []float32{0.5, -0.25}))

	value, haveValue := cell.GetBulk()
	assert.Equal(t, haveValue, true)
	assert.Equal(t, value.Metadata, BulkMetadata{Rate: 48000.0})
	assert.Equal(t, value.Samples, []float32{0.5, -0.25})
}

func TestBinaryFrameErrors(t *testing.T) {
	session, _ := newTestSession()
	session.HandleFrame([]byte(`[
		["register_cell", 7, "/radio/monitor/fft", ` + spectrumCellDescriptor + `],
		["register_cell", 2, "/radio/gain", ` + numberCellDescriptor + `]
	]`))

	node, _ := session.node(7)
	cell := node.(*BulkCell)

	// shorter than the id header
	session.HandleBinaryFrame([]byte{7, 0})
	// unknown target id
	session.HandleBinaryFrame(buildSpectrumFrame(t, 99, 0, 0, 0, []int8{}))
	// target is not a bulk cell
	session.HandleBinaryFrame(buildSpectrumFrame(t, 2, 0, 0, 0, []int8{}))
	// payload shorter than the spectrum info fields
	session.HandleBinaryFrame([]byte{7, 0, 0, 0, 1, 2, 3})

	_, haveValue := cell.GetBulk()
	assert.Equal(t, haveValue, false)

	// a scope sample array that is not a multiple of 4 bytes
	session.HandleFrame([]byte(`[["register_cell", 9, "/radio/monitor/scope", ` + scopeCellDescriptor + `]]`))
	frame := buildScopeFrame(t, 9, 48000.0, []float32{1.0})
	session.HandleBinaryFrame(frame[:len(frame)-2])

	scopeNode, _ := session.node(9)
	_, haveValue = scopeNode.(*BulkCell).GetBulk()
	assert.Equal(t, haveValue, false)
}
