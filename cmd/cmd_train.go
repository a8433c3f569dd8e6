// cmd_train.go - Training Command
// Hauptfunktionen: TrainHandler, trainOverrides, phaseHooks
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/logutil"
	"github.com/ursa-ml/ursa/progress"
	"github.com/ursa-ml/ursa/track"
	"github.com/ursa-ml/ursa/train"
)

// newTrainCmd - Erstellt den train Command
func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train a variational masked autoencoder",
		Args:  cobra.ExactArgs(0),
		RunE:  TrainHandler,
	}

	d := train.DefaultOptions()
	f := trainCmd.Flags()

	f.String("data_tr", "", "Training dataset (directory or tar archive)")
	f.String("data_val", "", "Validation dataset (empty disables validation)")
	f.String("arch", d.Arch, "Model architecture")
	f.StringSlice("v_spec", nil, "Variational stages, e.g. 4_adain,8_local_adain")
	f.String("noise", d.Noise, "Latent noise kind: gaussian or zeros")
	f.Int("epochs", d.Epochs, "Number of sampling epochs")
	f.Int("ex_per_epoch", d.ExPerEpoch, "Examples drawn per epoch")
	f.Int("code_bs", d.CodeBS, "Examples per candidate-search batch")
	f.Int("ns", d.NS, "Latent candidates per example")
	f.Int("sp", d.SP, "Candidates scored at once per example")
	f.Int("ipe", d.IPE, "Gradient steps per epoch")
	f.Int("mini_bs", d.MiniBS, "Examples per gradient step")
	f.Int("n_ramp", d.NRamp, "Warmup epochs for the learning rate")
	f.Float32("lr", d.LR, "Peak learning rate")
	f.Float32("min_lr", d.MinLR, "Final learning rate")
	f.Float32("weight_decay", d.WeightDecay, "AdamW weight decay")
	f.Float32("mask_ratio", d.MaskRatio, "Fraction of masked patches")
	f.Int("res", d.Res, "Shortest-side resize before cropping")
	f.Int("input_size", d.InputSize, "Model input resolution")
	f.Int("eval_iter", d.EvalIter, "Epochs between validations")
	f.Int("z_per_ex", d.ZPerEx, "Validator latent samples per example")
	f.Int("num_ex_for_eval_tr", d.NumEvalTr, "Training examples in validation grids")
	f.Int("num_ex_for_eval_te", d.NumEvalTe, "Held-out examples in validation grids")
	f.Int("num_workers", d.Workers, "Data loader workers")
	f.Int("threads", d.Threads, "Compute goroutines")
	f.Int64("seed", 0, "Random seed (0 draws one)")
	f.String("suffix", "", "Suffix appended to the run folder name")
	f.String("out_dir", d.OutDir, "Directory that receives run folders")
	f.String("pretrained", "", "Torch pickle with pretrained encoder weights")
	f.String("resume", "", "Checkpoint to resume from")
	f.Bool("track", true, "Record metrics into the run registry")

	return trainCmd
}

// TrainHandler - Fuehrt einen Trainingslauf aus
func TrainHandler(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	interactive := !envconfig.NoProgress() && term.IsTerminal(int(os.Stderr.Fd()))

	// Datensatz-Scan und Modellaufbau haben keine bekannte Laenge
	var prep *progress.Progress
	if interactive {
		prep = progress.NewProgress(os.Stderr)
		prep.Add("prepare", progress.NewSpinner("preparing session"))
		defer prep.StopAndClear()
	}

	var s *train.Session
	var err error
	if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
		s, err = train.LoadSession(resume, trainOverrides(cmd))
	} else {
		opts := train.DefaultOptions()
		if err := opts.FromMap(trainOverrides(cmd)); err != nil {
			return err
		}
		s, err = train.NewSession(opts)
	}
	if err != nil {
		return err
	}
	if prep != nil {
		prep.StopAndClear()
	}

	if tracked, _ := cmd.Flags().GetBool("track"); tracked {
		st, err := track.Open(s.Options().OutDir)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.NewRecorder(filepath.Base(s.Dir()), s.Options())
		if err != nil {
			return err
		}
		s.Sink = rec
	}

	if interactive {
		p := progress.NewProgress(os.Stderr)
		defer p.Stop()
		s.Progress = phaseHooks(p)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "\ninterrupted, checkpoints in %s\n", s.Dir())
			return nil
		}
		return err
	}
	return nil
}

// trainOverrides collects the explicitly set flags as an options map.
// Flag names equal the option keys, so the map feeds FromMap directly.
func trainOverrides(cmd *cobra.Command) map[string]any {
	overrides := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		// Flags, die keine Laufoptionen sind
		switch f.Name {
		case "resume", "track", "checkpoint", "out":
			return
		}

		switch f.Value.Type() {
		case "string":
			v, _ := cmd.Flags().GetString(f.Name)
			if f.Name == "data_tr" || f.Name == "data_val" {
				v = resolveDataset(v)
			}
			overrides[f.Name] = v
		case "int":
			v, _ := cmd.Flags().GetInt(f.Name)
			overrides[f.Name] = v
		case "int64":
			v, _ := cmd.Flags().GetInt64(f.Name)
			overrides[f.Name] = v
		case "float32":
			v, _ := cmd.Flags().GetFloat32(f.Name)
			// FromMap erwartet Gleitkommawerte als float64
			overrides[f.Name] = float64(v)
		case "stringSlice":
			v, _ := cmd.Flags().GetStringSlice(f.Name)
			overrides[f.Name] = v
		}
	})
	return overrides
}

// resolveDataset resolves relative dataset paths against URSA_DATASETS.
func resolveDataset(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	if p := filepath.Join(envconfig.Datasets(), path); p != path {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return path
}

// phaseHooks binds one progress bar per training phase to the display.
// A restarting phase replaces its bar instead of appending a line.
func phaseHooks(p *progress.Progress) train.PhaseHooks {
	newPhase := func(message string) func(done, total int) {
		var bar *progress.Bar
		var last int
		return func(done, total int) {
			if bar == nil || done < last {
				bar = progress.NewBar(message, int64(total), 0)
				p.Add(message, bar)
			}
			last = done
			bar.Set(int64(done))
		}
	}

	return train.PhaseHooks{
		Sampling:   newPhase("sampling"),
		Training:   newPhase("training"),
		Validating: newPhase("validating"),
	}
}
