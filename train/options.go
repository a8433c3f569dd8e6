// options.go - Laufkonfiguration fuer das Training
//
// Dieses Modul enthaelt:
// - Options: flache Konfiguration eines Trainingslaufs
// - DefaultOptions: die Standardwerte, mit denen die Laeufe abgestimmt wurden
// - FromMap: Laden von Optionen aus einer generischen Map (Checkpoints, CLI)
// - RunName: Ordnername eines Laufs aus den relevanten Optionen
package train

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/latent"
)

// Options is the flat run configuration. Field tags double as the keys
// under which a run's config is persisted, so renaming a field breaks
// old checkpoints.
type Options struct {
	DataTr  string `json:"data_tr"`
	DataVal string `json:"data_val"`

	Arch  string   `json:"arch"`
	VSpec []string `json:"v_spec"`
	Noise string   `json:"noise"`

	Epochs     int `json:"epochs"`
	ExPerEpoch int `json:"ex_per_epoch"`
	CodeBS     int `json:"code_bs"`
	NS         int `json:"ns"`
	SP         int `json:"sp"`
	IPE        int `json:"ipe"`
	MiniBS     int `json:"mini_bs"`
	NRamp      int `json:"n_ramp"`

	LR          float32 `json:"lr"`
	MinLR       float32 `json:"min_lr"`
	WeightDecay float32 `json:"weight_decay"`
	MaskRatio   float32 `json:"mask_ratio"`

	Res       int `json:"res"`
	InputSize int `json:"input_size"`

	EvalIter  int `json:"eval_iter"`
	ZPerEx    int `json:"z_per_ex"`
	NumEvalTr int `json:"num_ex_for_eval_tr"`
	NumEvalTe int `json:"num_ex_for_eval_te"`

	Workers int   `json:"num_workers"`
	Threads int   `json:"threads"`
	Seed    int64 `json:"seed"`

	UID        string `json:"uid"`
	Suffix     string `json:"suffix"`
	OutDir     string `json:"out_dir"`
	Pretrained string `json:"pretrained"`
}

// DefaultOptions returns the default run configuration; these values are
// used unless the caller overrides them explicitly.
func DefaultOptions() Options {
	return Options{
		Arch:  "base",
		Noise: "gaussian",

		Epochs:     64,
		ExPerEpoch: 512,
		CodeBS:     4,
		NS:         1024,
		SP:         4,
		IPE:        10240,
		MiniBS:     128,
		NRamp:      10,

		LR:          1e-4,
		MinLR:       2e-5,
		WeightDecay: 1e-6,
		MaskRatio:   0.75,

		Res:       256,
		InputSize: 224,

		EvalIter:  1,
		ZPerEx:    64,
		NumEvalTr: 8,
		NumEvalTe: 8,

		Workers: int(envconfig.Workers()),
		Threads: envconfig.Threads(),
		OutDir:  envconfig.Models(),
	}
}

// Validate reports the first fatal configuration error. Degradable
// settings (sp above ns, empty variational spec) are not errors here;
// they are clamped with a warning where they take effect.
func (o *Options) Validate() error {
	if o.DataTr == "" {
		return errors.New("data_tr is required")
	}
	if _, err := latent.ParseNoise(o.Noise); err != nil {
		return err
	}
	for _, c := range []struct {
		name string
		v    int
	}{
		{"epochs", o.Epochs},
		{"ex_per_epoch", o.ExPerEpoch},
		{"code_bs", o.CodeBS},
		{"ns", o.NS},
		{"sp", o.SP},
		{"ipe", o.IPE},
		{"mini_bs", o.MiniBS},
		{"eval_iter", o.EvalIter},
		{"res", o.Res},
		{"input_size", o.InputSize},
	} {
		if c.v < 1 {
			return fmt.Errorf("%s is %d, want at least 1", c.name, c.v)
		}
	}
	if o.MaskRatio <= 0 || o.MaskRatio >= 1 {
		return fmt.Errorf("mask_ratio is %g, want a value in (0, 1)", o.MaskRatio)
	}
	if o.InputSize > o.Res {
		return fmt.Errorf("input_size %d exceeds res %d", o.InputSize, o.Res)
	}
	if o.LR <= 0 || o.MinLR <= 0 {
		return fmt.Errorf("lr %g and min_lr %g must be positive", o.LR, o.MinLR)
	}
	if o.MinLR > o.LR {
		return fmt.Errorf("min_lr %g exceeds lr %g", o.MinLR, o.LR)
	}
	if o.NRamp < 0 || o.NRamp >= o.Epochs {
		return fmt.Errorf("n_ramp is %d, want a value in [0, epochs)", o.NRamp)
	}
	return nil
}

// DataName returns the dataset token used in run names: the archive's
// parent directory for tar files, the directory's own name otherwise.
func (o Options) DataName() string {
	p := strings.TrimRight(o.DataTr, "/")
	if strings.EqualFold(filepath.Ext(p), ".tar") {
		p = filepath.Dir(p)
	}
	return filepath.Base(p)
}

// RunName derives the run folder name from the options that distinguish
// one run from another.
func (o Options) RunName() string {
	var suffix string
	if o.Suffix != "" {
		suffix = "-" + o.Suffix
	}
	return fmt.Sprintf("%s-bs%d-epochs%d-ipe%d-lr%.2e-ns%d-v_spec%s-%s%s",
		o.DataName(), o.ExPerEpoch, o.Epochs, o.IPE, o.LR, o.NS,
		strings.Join(o.VSpec, "_"), o.UID, suffix)
}

// FromMap overwrites fields from a generic key/value map, matching keys
// against the json struct tags. Unknown keys are skipped with a warning.
func (o *Options) FromMap(m map[string]any) error {
	valueOpts := reflect.ValueOf(o).Elem() // names of the fields in the options struct
	typeOpts := reflect.TypeOf(o).Elem()   // types of the fields in the options struct

	// build map of json struct tags to their types
	jsonOpts := make(map[string]reflect.StructField)
	for _, field := range reflect.VisibleFields(typeOpts) {
		jsonTag := strings.Split(field.Tag.Get("json"), ",")[0]
		if jsonTag != "" {
			jsonOpts[jsonTag] = field
		}
	}

	for key, val := range m {
		opt, ok := jsonOpts[key]
		if !ok {
			slog.Warn("invalid option provided", "option", key)
			continue
		}

		field := valueOpts.FieldByName(opt.Name)
		if field.IsValid() && field.CanSet() {
			if val == nil {
				continue
			}

			switch field.Kind() {
			case reflect.Int, reflect.Int64:
				switch t := val.(type) {
				case int:
					field.SetInt(int64(t))
				case int64:
					field.SetInt(t)
				case float64:
					// when JSON unmarshals numbers, it uses float64, not int
					field.SetInt(int64(t))
				default:
					return fmt.Errorf("option %q must be of type integer", key)
				}
			case reflect.Float32:
				// JSON unmarshals to float64
				val, ok := val.(float64)
				if !ok {
					return fmt.Errorf("option %q must be of type float32", key)
				}
				field.SetFloat(val)
			case reflect.String:
				val, ok := val.(string)
				if !ok {
					return fmt.Errorf("option %q must be of type string", key)
				}
				field.SetString(val)
			case reflect.Slice:
				switch t := val.(type) {
				case []string:
					field.Set(reflect.ValueOf(t))
				case []any:
					// JSON unmarshals to []any, not []string
					slice := make([]string, len(t))
					for i, item := range t {
						str, ok := item.(string)
						if !ok {
							return fmt.Errorf("option %q must be of an array of strings", key)
						}
						slice[i] = str
					}
					field.Set(reflect.ValueOf(slice))
				default:
					return fmt.Errorf("option %q must be of type array", key)
				}
			default:
				return fmt.Errorf("unknown type loading config params: %v", field.Kind())
			}
		}
	}

	return nil
}
