// pickle.go - Import von PyTorch-Gewichten
//
// Dieses Modul enthaelt:
// - ImportPickle: liest eine PyTorch-Gewichtsdatei (.pt/.pth) und gibt
//   die Tensoren nach float32 dekodiert zurueck
//
// Gelesen werden reine Gewichtsdateien: ein state_dict oder ein Dict
// mit einem "model"-Eintrag. Checkpoints mit beliebigen Python-Objekten
// (Optimizer, Scheduler) sind hier nicht lesbar.
package checkpoint

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// ImportPickle reads a PyTorch weight file and returns its tensors by
// name, decoded to float32. Non-tensor entries are skipped.
func ImportPickle(path string) (map[string]*Tensor, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	// Wrapper-Dicts mit "model"-Eintrag auf das state_dict reduzieren
	switch d := obj.(type) {
	case *types.OrderedDict:
		if e, ok := d.Map["model"]; ok {
			obj = e.Value
		}
	case *types.Dict:
		if v, ok := d.Get("model"); ok {
			obj = v
		}
	}

	out := make(map[string]*Tensor)
	add := func(key, value any) error {
		name, ok := key.(string)
		if !ok {
			return nil
		}
		pt, ok := value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor entry", "key", name, "type", fmt.Sprintf("%T", value))
			return nil
		}
		t, err := fromTorch(name, pt)
		if err != nil {
			return err
		}
		out[name] = t
		return nil
	}

	switch d := obj.(type) {
	case *types.OrderedDict:
		for k, e := range d.Map {
			if err := add(k, e.Value); err != nil {
				return nil, err
			}
		}
	case *types.Dict:
		for _, e := range *d {
			if err := add(e.Key, e.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s does not contain a state dict (got %T)", path, obj)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no tensors", path)
	}
	return out, nil
}

// fromTorch kopiert einen Torch-Tensor unter Beachtung von Offset und
// Strides in einen dicht gepackten Tensor
func fromTorch(name string, pt *pytorch.Tensor) (*Tensor, error) {
	var src []float32
	var kind uint32
	switch s := pt.Source.(type) {
	case *pytorch.FloatStorage:
		src, kind = s.Data, TensorTypeF32
	case *pytorch.HalfStorage:
		src, kind = s.Data, TensorTypeF16
	case *pytorch.BFloat16Storage:
		src, kind = s.Data, TensorTypeBF16
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
		kind = TensorTypeF32
	default:
		return nil, fmt.Errorf("tensor %q has unsupported storage %T", name, pt.Source)
	}

	n := 1
	shape := make([]uint64, len(pt.Size))
	for i, d := range pt.Size {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q has negative dimension %d", name, d)
		}
		n *= d
		shape[i] = uint64(d)
	}
	if len(pt.Stride) != len(pt.Size) {
		return nil, fmt.Errorf("tensor %q has %d strides for %d dimensions", name, len(pt.Stride), len(pt.Size))
	}

	data := make([]float32, n)
	idx := make([]int, len(pt.Size))
	for i := range data {
		off := pt.StorageOffset
		for d, v := range idx {
			off += v * pt.Stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("tensor %q addresses element %d of a storage with %d", name, off, len(src))
		}
		data[i] = src[off]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < pt.Size[d] {
				break
			}
			idx[d] = 0
		}
	}

	return &Tensor{Name: name, Kind: kind, Shape: shape, Data: data}, nil
}
