// write.go - Checkpoint-Serialisierung
//
// Dieses Modul enthaelt:
// - Write: schreibt einen Checkpoint atomar (Temp-Datei plus Rename)
// - encode: Header, KV-Sektion, Tensor-Tabelle, parallele Tensor-Daten
// - writeKV/writeString/writeArray: Serialisierung der Basistypen
package checkpoint

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
)

// Write serializes f to path. The bytes go to a temporary file in the
// same directory first and are renamed over the target only after a
// complete write, so an interrupted save never leaves a torn checkpoint.
func Write(path string, f *File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "ckpt-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := encode(tmp, f); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func encode(f *os.File, ckpt *File) error {
	// Magic
	if err := binary.Write(f, binary.LittleEndian, []byte(fileMagic)); err != nil {
		return err
	}

	// Version
	if err := binary.Write(f, binary.LittleEndian, fileVersion); err != nil {
		return err
	}

	// Tensor Count
	if err := binary.Write(f, binary.LittleEndian, uint64(len(ckpt.Tensors))); err != nil {
		return err
	}

	// KV Count
	if err := binary.Write(f, binary.LittleEndian, uint64(ckpt.KV.Len())); err != nil {
		return err
	}

	for _, key := range slices.Sorted(ckpt.KV.Keys()) {
		if err := writeKV(f, key, ckpt.KV[key]); err != nil {
			return err
		}
	}

	ts := slices.Clone(ckpt.Tensors)
	slices.SortStableFunc(ts, func(a, b *Tensor) int {
		return cmp.Compare(a.Name, b.Name)
	})

	// Offsets vergeben und Tensor-Tabelle schreiben
	var s uint64
	for _, t := range ts {
		if uint64(len(t.Data)) != t.Elements() {
			return fmt.Errorf("tensor %q holds %d values, shape wants %d", t.Name, len(t.Data), t.Elements())
		}
		t.offset = s
		if err := writeTensorInfo(f, t); err != nil {
			return err
		}
		s += t.Size()
		s += uint64(padding(int64(s), alignment))
	}

	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	offset += padding(offset, alignment)

	// Tensor-Daten parallel schreiben
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, offset+int64(t.offset))
		g.Go(func() error {
			return t.encodeData(w)
		})
	}
	return g.Wait()
}

// encodeData schreibt die Werte in der Kodierung des Tensor-Typs
func (t *Tensor) encodeData(w io.Writer) error {
	switch t.Kind {
	case TensorTypeF32:
		return binary.Write(w, binary.LittleEndian, t.Data)
	case TensorTypeF16:
		u16s := make([]uint16, len(t.Data))
		for i, v := range t.Data {
			u16s[i] = float16.Fromfloat32(v).Bits()
		}
		return binary.Write(w, binary.LittleEndian, u16s)
	case TensorTypeBF16:
		_, err := w.Write(bfloat16.EncodeFloat32(t.Data))
		return err
	default:
		return fmt.Errorf("tensor %q has unknown kind %d", t.Name, t.Kind)
	}
}

// writeTyped schreibt einen Wert mit Typ-Prefix
func writeTyped[V any](w io.Writer, t uint32, v V) error {
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v)
}

// writeString schreibt einen String mit Typ-Prefix und Laenge
func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, typeString); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.Copy(w, strings.NewReader(s))
	return err
}

// writeArray schreibt ein Array mit Element-Typ-Prefix
func writeArray[S ~[]E, E any](w io.Writer, t uint32, s S) error {
	if err := binary.Write(w, binary.LittleEndian, typeArray); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, t); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}

	// Strings muessen einzeln geschrieben werden
	if t == typeString {
		for _, e := range any(s).([]string) {
			if err := binary.Write(w, binary.LittleEndian, uint64(len(e))); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, []byte(e)); err != nil {
				return err
			}
		}
		return nil
	}

	return binary.Write(w, binary.LittleEndian, s)
}

// writeKV schreibt ein Key-Value Paar. Go-Ints werden als int64 abgelegt.
func writeKV(w io.Writer, k string, v any) error {
	slog.Debug(k, "type", fmt.Sprintf("%T", v))

	if err := binary.Write(w, binary.LittleEndian, uint64(len(k))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, []byte(k)); err != nil {
		return err
	}

	var err error
	switch v := v.(type) {
	case int:
		err = writeTyped(w, typeInt64, int64(v))
	case int64:
		err = writeTyped(w, typeInt64, v)
	case float32:
		err = writeTyped(w, typeFloat32, v)
	case float64:
		err = writeTyped(w, typeFloat64, v)
	case bool:
		err = writeTyped(w, typeBool, v)
	case string:
		err = writeString(w, v)
	case []int:
		conv := make([]int64, len(v))
		for i, e := range v {
			conv[i] = int64(e)
		}
		err = writeArray(w, typeInt64, conv)
	case []int64:
		err = writeArray(w, typeInt64, v)
	case []float32:
		err = writeArray(w, typeFloat32, v)
	case []float64:
		err = writeArray(w, typeFloat64, v)
	case []string:
		err = writeArray(w, typeString, v)
	default:
		return fmt.Errorf("improper type %T for %q", v, k)
	}
	return err
}

// writeTensorInfo schreibt die Tensor-Metadaten
func writeTensorInfo(w io.Writer, t *Tensor) error {
	slog.Debug(t.Name, "kind", t.Kind, "shape", t.Shape, "offset", t.offset)

	// Name
	if err := binary.Write(w, binary.LittleEndian, uint64(len(t.Name))); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, []byte(t.Name)); err != nil {
		return err
	}

	// Dimensions
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.Shape))); err != nil {
		return err
	}
	for _, n := range t.Shape {
		if err := binary.Write(w, binary.LittleEndian, n); err != nil {
			return err
		}
	}

	// Kind + Offset
	if err := binary.Write(w, binary.LittleEndian, t.Kind); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, t.offset)
}

// padding berechnet die Luecke bis zur naechsten Ausrichtungsgrenze
func padding(offset, align int64) int64 {
	return (align - offset%align) % align
}
