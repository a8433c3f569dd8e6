// dtype.go - Reduzierte Genauigkeit fuer Forward/Backward
//
// Dieses Modul enthaelt:
// - DType: Rechen-/Speichergenauigkeit (F32, F16, BF16)
// - Round: rundet float32-Slices auf das Raster des Zieltyps
//
// Autocast wird als Runden der Aktivierungen nach jeder Schicht
// abgebildet; die Parameter selbst bleiben float32.
package amp

import (
	"errors"
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ErrUnknownDType reports an unrecognized precision name.
var ErrUnknownDType = errors.New("unknown dtype")

// DType selects the arithmetic precision activations are rounded to.
type DType int

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps a configuration string onto a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "fp32", "float32":
		return F32, nil
	case "f16", "fp16", "float16":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDType, s)
	}
}

// Round quantizes xs in place to the precision grid of d. F32 is a no-op.
func Round(xs []float32, d DType) {
	switch d {
	case F16:
		for i, x := range xs {
			xs[i] = float16.Fromfloat32(x).Float32()
		}
	case BF16:
		copy(xs, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(xs)))
	}
}

// RoundValue quantizes a single value to the precision grid of d.
func RoundValue(x float32, d DType) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(x).Float32()
	case BF16:
		one := bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{x}))
		return one[0]
	default:
		return x
	}
}
