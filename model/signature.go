package model

import "fmt"

// DType enumerates the tensor element types carried by chunk payloads.
type DType int

// Supported tensor element types.
const (
	DTypeInvalid DType = iota
	DTypeFloat32
	DTypeFloat64
	DTypeInt32
	DTypeInt64
	DTypeUint8
	DTypeBool
)

// String returns a string representation of the DType.
func (d DType) String() string {
	switch d {
	case DTypeFloat32:
		return "float32"
	case DTypeFloat64:
		return "float64"
	case DTypeInt32:
		return "int32"
	case DTypeInt64:
		return "int64"
	case DTypeUint8:
		return "uint8"
	case DTypeBool:
		return "bool"
	default:
		return "invalid"
	}
}

// ColumnSpec constrains one trajectory column. A shape dimension of -1
// matches any extent.
type ColumnSpec struct {
	Name  string
	DType DType
	Shape []int64
}

// Schema is an optional per-table signature. When attached to a table,
// every inserted item's trajectory must satisfy it column by column.
type Schema struct {
	Columns []ColumnSpec
}

// Validate checks a trajectory against the schema. It returns a
// descriptive error naming the first violating column, or nil.
func (s *Schema) Validate(tr Trajectory) error {
	if len(tr.Columns) != len(s.Columns) {
		return fmt.Errorf("signature expects %d columns, trajectory has %d", len(s.Columns), len(tr.Columns))
	}
	for i, spec := range s.Columns {
		col := tr.Columns[i]
		if col.DType != spec.DType {
			return fmt.Errorf("column %d (%s): dtype %s does not match signature dtype %s", i, spec.Name, col.DType, spec.DType)
		}
		if err := matchShape(spec.Shape, col.Shape); err != nil {
			return fmt.Errorf("column %d (%s): %w", i, spec.Name, err)
		}
		if spec.isScalar() != col.Squeeze {
			return fmt.Errorf("column %d (%s): squeeze=%v does not match signature rank %d", i, spec.Name, col.Squeeze, len(spec.Shape))
		}
	}
	return nil
}

func (s *ColumnSpec) isScalar() bool {
	return len(s.Shape) == 0
}

func matchShape(want, got []int64) error {
	if len(want) != len(got) {
		return fmt.Errorf("rank %d does not match signature rank %d", len(got), len(want))
	}
	for i, w := range want {
		if w >= 0 && got[i] != w {
			return fmt.Errorf("dimension %d is %d, signature requires %d", i, got[i], w)
		}
	}
	return nil
}
