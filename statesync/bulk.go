package statesync

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/golang/glog"
)

// Binary frames bypass the json control plane. Every frame starts with a
// 4 byte little endian object id; the rest is laid out per the target
// cell's bulk format. One frame in, one subscriber notification out -
// there is no batching, coalescing, or replay.

const bulkHeaderSize = 4

// HandleBinaryFrame decodes one binary frame and updates the target bulk
// cell. Errors are logged and the frame dropped, per the same discipline
// as text protocol errors.
func (self *Session) HandleBinaryFrame(data []byte) {
	if err := self.decodeBinaryFrame(data); err != nil {
		glog.Infof("[sb]drop frame = %s\n", err)
	}
}

func (self *Session) decodeBinaryFrame(data []byte) error {
	if len(data) < bulkHeaderSize {
		return fmt.Errorf("frame shorter than id header: %d bytes", len(data))
	}
	objectId := ObjectId(binary.LittleEndian.Uint32(data[0:4]))

	node, ok := self.node(objectId)
	if !ok {
		return fmt.Errorf("unknown object id %d", objectId)
	}
	cell, ok := node.(*BulkCell)
	if !ok {
		return fmt.Errorf("object id %d is not a bulk cell", objectId)
	}
	bulkType := cell.Type().(*BulkDataT)

	value, err := decodeBulkPayload(bulkType.Format, data[bulkHeaderSize:])
	if err != nil {
		return fmt.Errorf("cell %d (%s): %w", objectId, bulkType.Format, err)
	}
	cell.pushBulk(value)
	return nil
}

func decodeBulkPayload(format BulkFormat, payload []byte) (BulkValue, error) {
	switch format {
	case BulkSpectrumByte:
		return decodeSpectrumByte(payload)
	case BulkScopeFloat:
		return decodeScopeFloat(payload)
	default:
		return BulkValue{}, fmt.Errorf("unknown bulk format %d", int(format))
	}
}

// decodeSpectrumByte reconstructs a float spectrum from the byte
// quantized wire encoding: float64 center frequency, float32 sample
// rate, float32 zero offset, then int8 samples with
// sample = raw - offset.
func decodeSpectrumByte(payload []byte) (BulkValue, error) {
	const infoSize = 8 + 4 + 4
	if len(payload) < infoSize {
		return BulkValue{}, fmt.Errorf("payload shorter than spectrum info: %d bytes", len(payload))
	}
	freq := math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8]))
	rate := math.Float32frombits(binary.LittleEndian.Uint32(payload[8:12]))
	offset := math.Float32frombits(binary.LittleEndian.Uint32(payload[12:16]))

	raw := payload[infoSize:]
	samples := make([]float32, len(raw))
	for i, b := range raw {
		samples[i] = float32(int8(b)) - offset
	}
	return BulkValue{
		Metadata: BulkMetadata{
			Freq: freq,
			Rate: float64(rate),
		},
		Samples: samples,
	}, nil
}

// decodeScopeFloat reads a float64 sample rate then raw float32 samples.
// Channel interleaving is the producer's concern, not decoded here.
func decodeScopeFloat(payload []byte) (BulkValue, error) {
	const infoSize = 8
	if len(payload) < infoSize {
		return BulkValue{}, fmt.Errorf("payload shorter than scope info: %d bytes", len(payload))
	}
	rate := math.Float64frombits(binary.LittleEndian.Uint64(payload[0:8]))

	raw := payload[infoSize:]
	if len(raw)%4 != 0 {
		return BulkValue{}, fmt.Errorf("sample array is %d bytes, not a multiple of 4", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i : 4*i+4]))
	}
	return BulkValue{
		Metadata: BulkMetadata{
			Rate: rate,
		},
		Samples: samples,
	}, nil
}
