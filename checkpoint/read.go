// read.go - Checkpoint-Deserialisierung
//
// Dieses Modul enthaelt:
// - Read: liest eine komplette Checkpoint-Datei
// - decode: Header, KV-Sektion, Tensor-Tabelle, Tensor-Daten
// - readString/readValue/readTensorInfo: Lese-Funktionen der Basistypen
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// Grenzen gegen riesige Allokationen aus beschaedigten Dateien
const (
	maxStringLen   = 64 << 20
	maxArrayLen    = 256 << 20
	maxTensorElems = 1 << 31
	maxTensorDims  = 8
)

// Read deserializes the checkpoint at path.
func Read(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return decode(f)
}

func decode(rs io.ReadSeeker) (*File, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(rs, magic); err != nil {
		return nil, err
	}
	if string(magic) != fileMagic {
		return nil, ErrBadMagic
	}

	var version uint32
	if err := binary.Read(rs, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version != fileVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}

	var numTensors, numKV uint64
	if err := binary.Read(rs, binary.LittleEndian, &numTensors); err != nil {
		return nil, err
	}
	if err := binary.Read(rs, binary.LittleEndian, &numKV); err != nil {
		return nil, err
	}

	ckpt := &File{KV: make(KV, numKV)}

	for range numKV {
		k, err := readString(rs)
		if err != nil {
			return nil, fmt.Errorf("failed to read key: %w", err)
		}

		v, err := readValue(rs)
		if err != nil {
			return nil, fmt.Errorf("failed to read value for %q: %w", k, err)
		}
		ckpt.KV[k] = v
	}

	for range numTensors {
		t, err := readTensorInfo(rs)
		if err != nil {
			return nil, err
		}
		ckpt.Tensors = append(ckpt.Tensors, t)
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	dataStart := offset + padding(offset, alignment)

	for _, t := range ckpt.Tensors {
		if _, err := rs.Seek(dataStart+int64(t.offset), io.SeekStart); err != nil {
			return nil, fmt.Errorf("failed to seek to tensor %q: %w", t.Name, err)
		}
		if err := t.decodeData(rs); err != nil {
			return nil, fmt.Errorf("failed to read tensor %q: %w", t.Name, err)
		}
	}

	return ckpt, nil
}

// decodeData liest die Werte gemaess Kind und dekodiert nach float32
func (t *Tensor) decodeData(r io.Reader) error {
	n := t.Elements()
	if n > maxTensorElems {
		return fmt.Errorf("%d elements exceed the limit of %d", n, uint64(maxTensorElems))
	}

	switch t.Kind {
	case TensorTypeF32:
		t.Data = make([]float32, n)
		return binary.Read(r, binary.LittleEndian, t.Data)
	case TensorTypeF16:
		u16s := make([]uint16, n)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return err
		}
		t.Data = make([]float32, n)
		for i, b := range u16s {
			t.Data[i] = float16.Frombits(b).Float32()
		}
		return nil
	case TensorTypeBF16:
		buf := make([]byte, n*2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		t.Data = bfloat16.DecodeFloat32(buf)
		return nil
	default:
		return fmt.Errorf("unknown kind %d", t.Kind)
	}
}

// readScalar liest einen festen Basistyp
func readScalar[T any](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// readString liest einen laengenpraefixierten String
func readString(r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length > maxStringLen {
		return "", fmt.Errorf("string of %d bytes exceeds the limit of %d", length, maxStringLen)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readValue liest einen Wert anhand seines Typ-Prefixes
func readValue(r io.Reader) (any, error) {
	var t uint32
	if err := binary.Read(r, binary.LittleEndian, &t); err != nil {
		return nil, err
	}

	switch t {
	case typeInt64:
		return readScalar[int64](r)
	case typeFloat32:
		return readScalar[float32](r)
	case typeFloat64:
		return readScalar[float64](r)
	case typeBool:
		return readScalar[bool](r)
	case typeString:
		return readString(r)
	case typeArray:
		return readArray(r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

// readArray liest ein typisiertes Array
func readArray(r io.Reader) (any, error) {
	var et uint32
	if err := binary.Read(r, binary.LittleEndian, &et); err != nil {
		return nil, err
	}

	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxArrayLen {
		return nil, fmt.Errorf("array of %d elements exceeds the limit of %d", n, uint64(maxArrayLen))
	}

	switch et {
	case typeInt64:
		vals := make([]int64, n)
		err := binary.Read(r, binary.LittleEndian, vals)
		return vals, err
	case typeFloat32:
		vals := make([]float32, n)
		err := binary.Read(r, binary.LittleEndian, vals)
		return vals, err
	case typeFloat64:
		vals := make([]float64, n)
		err := binary.Read(r, binary.LittleEndian, vals)
		return vals, err
	case typeString:
		vals := make([]string, n)
		for i := range vals {
			s, err := readString(r)
			if err != nil {
				return nil, err
			}
			vals[i] = s
		}
		return vals, nil
	default:
		return nil, fmt.Errorf("invalid array element type: %d", et)
	}
}

// readTensorInfo liest die Metadaten eines Tensors
func readTensorInfo(r io.Reader) (*Tensor, error) {
	name, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor name: %w", err)
	}

	var dims uint32
	if err := binary.Read(r, binary.LittleEndian, &dims); err != nil {
		return nil, fmt.Errorf("failed to read tensor dimensions: %w", err)
	}
	if dims > maxTensorDims {
		return nil, fmt.Errorf("tensor %q has %d dimensions", name, dims)
	}

	shape := make([]uint64, dims)
	for i := range shape {
		if err := binary.Read(r, binary.LittleEndian, &shape[i]); err != nil {
			return nil, fmt.Errorf("failed to read tensor shape: %w", err)
		}
	}

	t := &Tensor{Name: name, Shape: shape}
	if err := binary.Read(r, binary.LittleEndian, &t.Kind); err != nil {
		return nil, fmt.Errorf("failed to read tensor kind: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &t.offset); err != nil {
		return nil, fmt.Errorf("failed to read tensor offset: %w", err)
	}
	return t, nil
}
