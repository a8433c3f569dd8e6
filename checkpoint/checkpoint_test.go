package checkpoint

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.pt")

	in := &File{
		KV: KV{
			"general.architecture": "base",
			"general.epoch":        int64(3),
			"train.lr":             float32(0.125),
			"train.loss":           float64(0.875),
			"train.finished":       true,
			"model.v_spec":         []string{"0_adain", "2_adain"},
			"pool.perm":            []int64{4, 0, 2},
			"sched.points":         []float64{0.5, 0.25},
			"scale.history":        []float32{1, 2, 4},
		},
		Tensors: []*Tensor{
			{Name: "w.full", Kind: TensorTypeF32, Shape: []uint64{2, 3}, Data: []float32{1, -2, 3.5, 0, 0.1, -0.1}},
			{Name: "w.half", Kind: TensorTypeF16, Shape: []uint64{4}, Data: []float32{0.5, -1.25, 3, 0}},
			{Name: "w.brain", Kind: TensorTypeBF16, Shape: []uint64{2, 2}, Data: []float32{0.5, -2, 0.125, 8}},
		},
	}

	if err := Write(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := out.KV.String("general.architecture"); got != "base" {
		t.Errorf("architecture = %q, want base", got)
	}
	if got := out.KV.Int("general.epoch"); got != 3 {
		t.Errorf("epoch = %d, want 3", got)
	}
	if got := out.KV.Float32("train.lr"); got != 0.125 {
		t.Errorf("lr = %g, want 0.125", got)
	}
	if got := out.KV.Float("train.loss"); got != 0.875 {
		t.Errorf("loss = %g, want 0.875", got)
	}
	if !out.KV.Bool("train.finished") {
		t.Error("finished flag lost")
	}
	if diff := cmp.Diff([]string{"0_adain", "2_adain"}, out.KV.Strings("model.v_spec")); diff != "" {
		t.Errorf("v_spec (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{4, 0, 2}, out.KV.Ints("pool.perm")); diff != "" {
		t.Errorf("perm (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{0.5, 0.25}, out.KV.Floats("sched.points")); diff != "" {
		t.Errorf("points (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 4}, out.KV["scale.history"]); diff != "" {
		t.Errorf("history (-want +got):\n%s", diff)
	}

	for _, want := range in.Tensors {
		got := out.Tensor(want.Name)
		if got == nil {
			t.Fatalf("tensor %q lost", want.Name)
		}
		if got.Kind != want.Kind {
			t.Errorf("tensor %q kind = %d, want %d", want.Name, got.Kind, want.Kind)
		}
		if diff := cmp.Diff(want.Shape, got.Shape); diff != "" {
			t.Errorf("tensor %q shape (-want +got):\n%s", want.Name, diff)
		}
		// Sample values are chosen exactly representable in f16/bf16.
		if diff := cmp.Diff(want.Data, got.Data); diff != "" {
			t.Errorf("tensor %q data (-want +got):\n%s", want.Name, diff)
		}
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pt")
	if err := os.WriteFile(path, []byte("GGUFxxxxxxxxxxxxxxxxxxxx"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, ErrBadMagic) {
		t.Errorf("err = %v, want ErrBadMagic", err)
	}
}

func TestReadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.pt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(fileMagic); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(99)); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Read(path); !errors.Is(err, ErrVersion) {
		t.Errorf("err = %v, want ErrVersion", err)
	}
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ckpt.pt")

	// Unsupported KV types fail before anything lands at path.
	err := Write(path, &File{KV: KV{"bad": struct{}{}}})
	if err == nil {
		t.Fatal("unsupported KV type accepted")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("failed write left a file behind: %v", err)
	}

	if err := Write(path, &File{KV: KV{"ok": int64(1)}}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "ckpt.pt" {
			t.Errorf("unexpected leftover %q in checkpoint dir", e.Name())
		}
	}
}

func TestWriteRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.pt")
	f := &File{Tensors: []*Tensor{
		{Name: "w", Kind: TensorTypeF32, Shape: []uint64{4}, Data: []float32{1, 2}},
	}}
	if err := Write(path, f); err == nil {
		t.Error("tensor with mismatched data length accepted")
	}
}

func TestKVDefaults(t *testing.T) {
	kv := KV{"present": int64(5)}

	if got := kv.Int("present", 9); got != 5 {
		t.Errorf("present = %d, want 5", got)
	}
	if got := kv.Int("absent", 9); got != 9 {
		t.Errorf("absent with default = %d, want 9", got)
	}
	if got := kv.Int("absent"); got != 0 {
		t.Errorf("absent without default = %d, want 0", got)
	}
	if got := kv.String("present", "x"); got != "x" {
		t.Errorf("type mismatch = %q, want default", got)
	}
	if !kv.Has("present") || kv.Has("absent") {
		t.Error("Has reports wrong membership")
	}
	if kv.Len() != 1 {
		t.Errorf("len = %d, want 1", kv.Len())
	}
}

func TestParseTensorType(t *testing.T) {
	for name, want := range map[string]uint32{"f32": TensorTypeF32, "f16": TensorTypeF16, "bf16": TensorTypeBF16} {
		got, err := ParseTensorType(name)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("ParseTensorType(%q) = %d, want %d", name, got, want)
		}
		if TensorTypeName(got) != name {
			t.Errorf("TensorTypeName(%d) = %q, want %q", got, TensorTypeName(got), name)
		}
	}
	if _, err := ParseTensorType("int4"); err == nil {
		t.Error("unknown dtype accepted")
	}
}

func TestTensorSize(t *testing.T) {
	full := &Tensor{Kind: TensorTypeF32, Shape: []uint64{2, 3}}
	if full.Elements() != 6 || full.Size() != 24 {
		t.Errorf("f32 tensor: elements %d size %d, want 6/24", full.Elements(), full.Size())
	}
	half := &Tensor{Kind: TensorTypeF16, Shape: []uint64{2, 3}}
	if half.Size() != 12 {
		t.Errorf("f16 tensor size = %d, want 12", half.Size())
	}
}

func TestHalfPrecisionRounding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.pt")
	in := &File{Tensors: []*Tensor{
		{Name: "w", Kind: TensorTypeF16, Shape: []uint64{1}, Data: []float32{math.Pi}},
	}}
	if err := Write(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}

	got := out.Tensor("w").Data[0]
	if got == math.Pi {
		t.Error("f16 encoding kept full float32 precision")
	}
	if math.Abs(float64(got)-math.Pi) > 2e-3 {
		t.Errorf("f16 round-trip of pi = %g, drifted too far", got)
	}
}

func TestImportPickleRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.pt")
	if err := os.WriteFile(path, []byte("not a pickle"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ImportPickle(path); err == nil {
		t.Error("garbage file accepted as state dict")
	}
	if _, err := ImportPickle(filepath.Join(t.TempDir(), "missing.pt")); err == nil {
		t.Error("missing file accepted")
	}
}
