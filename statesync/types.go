package statesync

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
)

// The server describes every cell with a value type drawn from a closed set.
// Types are immutable after decode; only enum and range types memoize the
// derived enum table.

type ValueType interface {
	// IsSingleValued is true iff the type admits exactly one legal value.
	// Consumers use it to suppress pointless controls.
	IsSingleValued() bool

	// EnumTable returns a finite value -> metadata mapping, or nil if the
	// type is not enumerable. Range types synthesize a table from their
	// subrange boundaries.
	EnumTable() map[string]EnumRow

	// NumericUnit returns the unit for numeric types, or the zero Unit.
	NumericUnit() Unit
}

// Unit is a numeric unit symbol plus whether SI prefixes (k, M, ...) apply.
type Unit struct {
	Symbol     string `json:"symbol"`
	SiPrefixOk bool   `json:"si_prefix_ok"`
}

// EnumRow carries display metadata for one enum value.
type EnumRow struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	SortKey     string `json:"sort_key"`
}

type UnknownTypeError struct {
	Tag string
}

func (self *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown value type: %s", self.Tag)
}

type BooleanT struct{}

func (self *BooleanT) IsSingleValued() bool { return false }
func (self *BooleanT) EnumTable() map[string]EnumRow { return nil }
func (self *BooleanT) NumericUnit() Unit { return Unit{} }

type NumberT struct {
	Integer bool
}

func (self *NumberT) IsSingleValued() bool { return false }
func (self *NumberT) EnumTable() map[string]EnumRow { return nil }
func (self *NumberT) NumericUnit() Unit { return Unit{} }

type StringT struct{}

func (self *StringT) IsSingleValued() bool { return false }
func (self *StringT) EnumTable() map[string]EnumRow { return nil }
func (self *StringT) NumericUnit() Unit { return Unit{} }

type AnyT struct{}

func (self *AnyT) IsSingleValued() bool { return false }
func (self *AnyT) EnumTable() map[string]EnumRow { return nil }
func (self *AnyT) NumericUnit() Unit { return Unit{} }

// ReferenceT marks a cell whose value is another node of the object graph,
// carried on the wire as an object id.
type ReferenceT struct{}

func (self *ReferenceT) IsSingleValued() bool { return false }
func (self *ReferenceT) EnumTable() map[string]EnumRow { return nil }
func (self *ReferenceT) NumericUnit() Unit { return Unit{} }

type ConstantT struct {
	Value any
}

func (self *ConstantT) IsSingleValued() bool { return true }
func (self *ConstantT) EnumTable() map[string]EnumRow { return nil }
func (self *ConstantT) NumericUnit() Unit { return Unit{} }

type EnumT struct {
	table map[string]EnumRow
}

func NewEnumT(table map[string]EnumRow) *EnumT {
	t := map[string]EnumRow{}
	for value, row := range table {
		if row.Label == "" {
			row.Label = value
		}
		if row.SortKey == "" {
			row.SortKey = value
		}
		t[value] = row
	}
	return &EnumT{
		table: t,
	}
}

func (self *EnumT) IsSingleValued() bool {
	return len(self.table) <= 1
}

func (self *EnumT) EnumTable() map[string]EnumRow {
	return self.table
}

func (self *EnumT) NumericUnit() Unit {
	return Unit{}
}

type QuantityT struct {
	Unit    Unit
	Integer bool
}

func (self *QuantityT) IsSingleValued() bool { return false }
func (self *QuantityT) EnumTable() map[string]EnumRow { return nil }
func (self *QuantityT) NumericUnit() Unit { return self.Unit }

// Subrange is one inclusive [Min, Max] interval of a RangeT.
type Subrange struct {
	Min float64
	Max float64
}

// RangeT is a numeric type constrained to an ordered union of subranges.
type RangeT struct {
	subranges   []Subrange
	Unit        Unit
	Logarithmic bool
	Integer     bool

	enumOnce  sync.Once
	enumTable map[string]EnumRow
}

func NewRangeT(subranges []Subrange, unit Unit, logarithmic bool, integer bool) (*RangeT, error) {
	if len(subranges) == 0 {
		return nil, fmt.Errorf("range type must have at least one subrange")
	}
	for i, subrange := range subranges {
		if subrange.Max < subrange.Min {
			return nil, fmt.Errorf("range subrange %d has max %v below min %v", i, subrange.Max, subrange.Min)
		}
		if 0 < i && subranges[i-1].Max >= subrange.Min {
			return nil, fmt.Errorf("range subrange %d overlaps previous", i)
		}
	}
	return &RangeT{
		subranges:   subranges,
		Unit:        unit,
		Logarithmic: logarithmic,
		Integer:     integer,
	}, nil
}

func (self *RangeT) Subranges() []Subrange {
	return self.subranges
}

func (self *RangeT) Min() float64 {
	return self.subranges[0].Min
}

func (self *RangeT) Max() float64 {
	return self.subranges[len(self.subranges)-1].Max
}

func (self *RangeT) IsSingleValued() bool {
	return len(self.subranges) == 1 && self.subranges[0].Min == self.subranges[0].Max
}

// EnumTable synthesizes one row per distinct subrange boundary,
// which lets quantized controls present legal steps directly.
func (self *RangeT) EnumTable() map[string]EnumRow {
	self.enumOnce.Do(func() {
		table := map[string]EnumRow{}
		for _, subrange := range self.subranges {
			for _, boundary := range []float64{subrange.Min, subrange.Max} {
				key := strconv.FormatFloat(boundary, 'g', -1, 64)
				if _, ok := table[key]; ok {
					continue
				}
				label := key
				if self.Unit.Symbol != "" {
					label = fmt.Sprintf("%s %s", key, self.Unit.Symbol)
				}
				table[key] = EnumRow{
					Label:   label,
					SortKey: sortKeyForNumber(boundary),
				}
			}
		}
		self.enumTable = table
	})
	return self.enumTable
}

func (self *RangeT) NumericUnit() Unit {
	return self.Unit
}

// Round maps a number to the nearest legal value in the subrange union.
// direction 0 picks the nearest in either direction, ties going to the
// earlier subrange. direction +1/-1 restrict the search upward/downward,
// clamping to the overall max/min when no fit exists in that direction.
func (self *RangeT) Round(value float64, direction int) float64 {
	if self.Integer {
		if self.Logarithmic {
			if value <= 0 {
				value = self.subranges[0].Min
			}
			value = math.Exp2(math.Round(math.Log2(value)))
		} else {
			value = math.Round(value)
		}
	}

	subranges := self.subranges
	// index of the subrange whose lower bound is closest without exceeding value
	i := sort.Search(len(subranges), func(j int) bool {
		return value < subranges[j].Min
	}) - 1
	if i < 0 {
		i = 0
	}

	if direction > 0 {
		if i < len(subranges)-1 && value > subranges[i].Max {
			i += 1
		}
	} else if direction == 0 {
		if i < len(subranges)-1 && subranges[i+1].Min-value < value-subranges[i].Max {
			i += 1
		}
	}

	if value < subranges[i].Min {
		value = subranges[i].Min
	} else if value > subranges[i].Max {
		value = subranges[i].Max
	}
	return value
}

// NoticeT is a string type for warnings and errors. The empty string
// means "no notice at this time".
type NoticeT struct {
	AlwaysVisible bool
}

func (self *NoticeT) IsSingleValued() bool { return false }
func (self *NoticeT) EnumTable() map[string]EnumRow { return nil }
func (self *NoticeT) NumericUnit() Unit { return Unit{} }

// TimestampT is seconds since the epoch, displayed relative to now.
type TimestampT struct{}

func (self *TimestampT) IsSingleValued() bool { return false }
func (self *TimestampT) EnumTable() map[string]EnumRow { return nil }
func (self *TimestampT) NumericUnit() Unit { return Unit{} }

type BulkFormat int

const (
	// BulkSpectrumByte frames carry a float64 center frequency, float32
	// sample rate, float32 zero offset, then int8 samples.
	BulkSpectrumByte BulkFormat = 1
	// BulkScopeFloat frames carry a float64 sample rate then raw float32
	// samples.
	BulkScopeFloat BulkFormat = 2
)

func (self BulkFormat) String() string {
	switch self {
	case BulkSpectrumByte:
		return "spectrum-byte"
	case BulkScopeFloat:
		return "scope-float"
	default:
		return fmt.Sprintf("bulk(%d)", int(self))
	}
}

// BulkDataT marks cells whose updates arrive on the binary channel.
type BulkDataT struct {
	Format BulkFormat
}

func (self *BulkDataT) IsSingleValued() bool { return false }
func (self *BulkDataT) EnumTable() map[string]EnumRow { return nil }
func (self *BulkDataT) NumericUnit() Unit { return Unit{} }

// TrackT values are position/motion records, see Track.
type TrackT struct{}

func (self *TrackT) IsSingleValued() bool { return false }
func (self *TrackT) EnumTable() map[string]EnumRow { return nil }
func (self *TrackT) NumericUnit() Unit { return Unit{} }

// TrackField is one optionally-known field of a Track, with the time
// it was last reported.
type TrackField struct {
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
}

type Track struct {
	Latitude  *TrackField `json:"latitude,omitempty"`
	Longitude *TrackField `json:"longitude,omitempty"`
	Altitude  *TrackField `json:"altitude,omitempty"`
	Speed     *TrackField `json:"h_speed,omitempty"`
	Heading   *TrackField `json:"heading,omitempty"`
}

func sortKeyForNumber(value float64) string {
	// zero padded so lexicographic order matches numeric order for the
	// non-negative values ranges are typically built from
	return fmt.Sprintf("%020.6f", value)
}

// DecodeType decodes the wire's tagged-union type description.
// It is pure: a failure affects only the message carrying the descriptor.
func DecodeType(descriptor json.RawMessage) (ValueType, error) {
	var tag string
	if err := json.Unmarshal(descriptor, &tag); err == nil {
		switch tag {
		case "boolean":
			return &BooleanT{}, nil
		case "float64":
			return &NumberT{}, nil
		case "integer":
			return &NumberT{Integer: true}, nil
		case "string":
			return &StringT{}, nil
		case "reference":
			return &ReferenceT{}, nil
		case "any":
			return &AnyT{}, nil
		default:
			return nil, &UnknownTypeError{Tag: tag}
		}
	}

	var tagged struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(descriptor, &tagged); err != nil {
		return nil, fmt.Errorf("malformed type descriptor: %w", err)
	}

	switch tagged.Type {
	case "ConstantT":
		var c struct {
			Value any `json:"value"`
		}
		if err := json.Unmarshal(descriptor, &c); err != nil {
			return nil, fmt.Errorf("malformed ConstantT: %w", err)
		}
		return &ConstantT{Value: c.Value}, nil
	case "EnumT":
		var e struct {
			Table map[string]json.RawMessage `json:"table"`
		}
		if err := json.Unmarshal(descriptor, &e); err != nil {
			return nil, fmt.Errorf("malformed EnumT: %w", err)
		}
		table := map[string]EnumRow{}
		for value, rowRaw := range e.Table {
			row, err := decodeEnumRow(rowRaw)
			if err != nil {
				return nil, err
			}
			table[value] = row
		}
		return NewEnumT(table), nil
	case "QuantityT":
		var q struct {
			Unit     Unit            `json:"unit"`
			BaseType json.RawMessage `json:"base_type"`
		}
		if err := json.Unmarshal(descriptor, &q); err != nil {
			return nil, fmt.Errorf("malformed QuantityT: %w", err)
		}
		integer := false
		if q.BaseType != nil {
			var baseTag string
			if err := json.Unmarshal(q.BaseType, &baseTag); err == nil {
				integer = baseTag == "integer"
			}
		}
		return &QuantityT{Unit: q.Unit, Integer: integer}, nil
	case "RangeT":
		var r struct {
			Subranges   [][2]float64 `json:"subranges"`
			Unit        Unit         `json:"unit"`
			Logarithmic bool         `json:"logarithmic"`
			Integer     bool         `json:"integer"`
		}
		if err := json.Unmarshal(descriptor, &r); err != nil {
			return nil, fmt.Errorf("malformed RangeT: %w", err)
		}
		subranges := make([]Subrange, len(r.Subranges))
		for i, bounds := range r.Subranges {
			subranges[i] = Subrange{Min: bounds[0], Max: bounds[1]}
		}
		return NewRangeT(subranges, r.Unit, r.Logarithmic, r.Integer)
	case "NoticeT":
		var n struct {
			AlwaysVisible bool `json:"always_visible"`
		}
		if err := json.Unmarshal(descriptor, &n); err != nil {
			return nil, fmt.Errorf("malformed NoticeT: %w", err)
		}
		return &NoticeT{AlwaysVisible: n.AlwaysVisible}, nil
	case "TimestampT":
		return &TimestampT{}, nil
	case "BulkDataT":
		var b struct {
			InfoFormat  string `json:"info_format"`
			ArrayFormat string `json:"array_format"`
		}
		if err := json.Unmarshal(descriptor, &b); err != nil {
			return nil, fmt.Errorf("malformed BulkDataT: %w", err)
		}
		switch {
		case b.InfoFormat == "dff" && b.ArrayFormat == "b":
			return &BulkDataT{Format: BulkSpectrumByte}, nil
		case b.InfoFormat == "d" && b.ArrayFormat == "f":
			return &BulkDataT{Format: BulkScopeFloat}, nil
		default:
			return nil, &UnknownTypeError{
				Tag: fmt.Sprintf("BulkDataT(%s,%s)", b.InfoFormat, b.ArrayFormat),
			}
		}
	case "TrackT":
		return &TrackT{}, nil
	case "":
		return nil, &UnknownTypeError{Tag: string(descriptor)}
	default:
		return nil, &UnknownTypeError{Tag: tagged.Type}
	}
}

func decodeEnumRow(raw json.RawMessage) (EnumRow, error) {
	// the server sends either a bare label string or a tagged row object
	var label string
	if err := json.Unmarshal(raw, &label); err == nil {
		return EnumRow{Label: label}, nil
	}
	var row EnumRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return EnumRow{}, fmt.Errorf("malformed enum row: %w", err)
	}
	return row, nil
}
