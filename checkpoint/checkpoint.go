// checkpoint.go - Checkpoint-Container
//
// Dieses Modul enthaelt:
// - File: KV-Metadaten plus benannte Tensoren einer Trainingsepoche
// - KV: Map mit typisierten Gettern ueber den Metadaten
// - Tensor: benannter Tensor mit Datentyp, Shape und dekodierten Werten
//
// Das Dateiformat: Magic, Version, KV-Sektion (nach Key sortiert),
// Tensor-Tabelle, danach die auf 32 Byte ausgerichteten Tensor-Daten.
// Tensorwerte liegen im Speicher immer als float32 vor; der Datentyp
// bestimmt nur die Kodierung in der Datei.
package checkpoint

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"strings"
)

const (
	fileMagic   = "URSA"
	fileVersion = uint32(1)
	alignment   = 32
)

var (
	// ErrBadMagic meldet eine Datei, die kein Checkpoint ist
	ErrBadMagic = errors.New("not a checkpoint file")
	// ErrVersion meldet eine Checkpoint-Version, die dieser Build nicht liest
	ErrVersion = errors.New("unsupported checkpoint version")
)

// KV value type tags, fixed by the on-disk format.
const (
	typeInt64 uint32 = iota
	typeFloat32
	typeFloat64
	typeBool
	typeString
	typeArray
)

// Tensor encodings, fixed by the on-disk format.
const (
	TensorTypeF32 uint32 = iota
	TensorTypeF16
	TensorTypeBF16
)

// ParseTensorType maps a dtype name to its encoding tag.
func ParseTensorType(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "f32", "float32":
		return TensorTypeF32, nil
	case "f16", "float16":
		return TensorTypeF16, nil
	case "bf16", "bfloat16":
		return TensorTypeBF16, nil
	default:
		return 0, fmt.Errorf("unknown tensor type %q", s)
	}
}

// TensorTypeName returns the dtype name for an encoding tag.
func TensorTypeName(kind uint32) string {
	switch kind {
	case TensorTypeF32:
		return "f32"
	case TensorTypeF16:
		return "f16"
	case TensorTypeBF16:
		return "bf16"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// Tensor is a named tensor inside a checkpoint. Data always holds the
// decoded float32 values regardless of Kind.
type Tensor struct {
	Name  string
	Kind  uint32
	Shape []uint64
	Data  []float32

	// offset into the data section, assigned while encoding
	offset uint64
}

// Elements returns the number of values.
func (t *Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Size returns the encoded byte size.
func (t *Tensor) Size() uint64 {
	switch t.Kind {
	case TensorTypeF16, TensorTypeBF16:
		return t.Elements() * 2
	default:
		return t.Elements() * 4
	}
}

// KV holds checkpoint metadata. Values are one of int64, float32,
// float64, bool, string or a slice of those.
type KV map[string]any

// keyValue liest einen KV-Wert mit Typpruefung und Default
func keyValue[T int64 | float32 | float64 | bool | string | []int64 | []float64 | []float32 | []string](kv KV, key string, defaultValue ...T) (T, bool) {
	if val, ok := kv[key].(T); ok {
		return val, true
	}
	var zero T
	return append(defaultValue, zero)[0], false
}

// String gibt einen String-Wert zurueck
func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Int gibt einen Ganzzahl-Wert zurueck
func (kv KV) Int(key string, defaultValue ...int64) int64 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Float gibt einen float64-Wert zurueck
func (kv KV) Float(key string, defaultValue ...float64) float64 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Float32 gibt einen float32-Wert zurueck
func (kv KV) Float32(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Bool gibt einen bool-Wert zurueck
func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Strings gibt ein String-Array zurueck
func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Ints gibt ein int64-Array zurueck
func (kv KV) Ints(key string, defaultValue ...[]int64) []int64 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Floats gibt ein float64-Array zurueck
func (kv KV) Floats(key string, defaultValue ...[]float64) []float64 {
	val, _ := keyValue(kv, key, defaultValue...)
	return val
}

// Has prueft, ob ein Key vorhanden ist
func (kv KV) Has(key string) bool {
	_, ok := kv[key]
	return ok
}

// Len gibt die Anzahl der KV-Paare zurueck
func (kv KV) Len() int {
	return len(kv)
}

// Keys gibt einen Iterator ueber alle Keys zurueck
func (kv KV) Keys() iter.Seq[string] {
	return maps.Keys(kv)
}

// File is one decoded checkpoint.
type File struct {
	KV      KV
	Tensors []*Tensor
}

// Tensor looks a tensor up by name, nil when absent.
func (f *File) Tensor(name string) *Tensor {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}
