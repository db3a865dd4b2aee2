package model

import "fmt"

// Byte multiples used by the carrier (binary).
const (
	KB int64 = 1024
	MB       = 1024 * KB
	GB       = 1024 * MB
)

// DataUnit is a display unit for byte counts.
type DataUnit string

const (
	UnitKB DataUnit = "KB"
	UnitMB DataUnit = "MB"
	UnitGB DataUnit = "GB"
)

// DataValue is a byte count expressed in a display unit.
type DataValue struct {
	Value float64  `json:"value"`
	Unit  DataUnit `json:"unit"`
}

func (dataValue DataValue) String() string {
	return fmt.Sprintf("%.2f %s", dataValue.Value, dataValue.Unit)
}

// ToDataValue picks the largest unit not bigger than bytes, or converts to
// the given unit when one is passed.
func ToDataValue(bytes int64, unit ...DataUnit) DataValue {
	var selected DataUnit
	switch {
	case len(unit) > 0:
		selected = unit[0]
	case bytes >= GB:
		selected = UnitGB
	case bytes >= MB:
		selected = UnitMB
	default:
		selected = UnitKB
	}

	switch selected {
	case UnitGB:
		return DataValue{Value: float64(bytes) / float64(GB), Unit: UnitGB}
	case UnitMB:
		return DataValue{Value: float64(bytes) / float64(MB), Unit: UnitMB}
	default:
		return DataValue{Value: float64(bytes) / float64(KB), Unit: UnitKB}
	}
}

// FormatBytes renders bytes with ToDataValue; used in logs.
func FormatBytes(bytes int64) string {
	return ToDataValue(bytes).String()
}
