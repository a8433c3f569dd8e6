// cmd_validate.go - Validierungs-Command
// Hauptfunktionen: ValidateHandler
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/logutil"
	"github.com/ursa-ml/ursa/progress"
	"github.com/ursa-ml/ursa/train"
	"github.com/ursa-ml/ursa/vision"
)

// newValidateCmd - Erstellt den validate Command
func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Reconstruct sample grids from a checkpoint",
		Args:  cobra.ExactArgs(0),
		RunE:  ValidateHandler,
	}

	d := train.DefaultOptions()
	f := validateCmd.Flags()

	f.String("checkpoint", "", "Checkpoint to validate")
	f.String("out", "", "Directory for the sample grids (default: next to the checkpoint)")
	f.String("data_tr", "", "Override the training dataset path")
	f.String("data_val", "", "Override the validation dataset path")
	f.Int("code_bs", d.CodeBS, "Examples per reconstruction batch")
	f.Int("z_per_ex", d.ZPerEx, "Latent samples per example")
	f.Int("num_ex_for_eval_tr", d.NumEvalTr, "Training examples in the grids")
	f.Int("num_ex_for_eval_te", d.NumEvalTe, "Held-out examples in the grids")
	f.Int("num_workers", d.Workers, "Data loader workers")
	f.Int("threads", d.Threads, "Compute goroutines")
	f.Int64("seed", 0, "Random seed for the subset draw")
	validateCmd.MarkFlagRequired("checkpoint")

	return validateCmd
}

// ValidateHandler - Rekonstruiert Beispielbilder aus einem Checkpoint
func ValidateHandler(cmd *cobra.Command, _ []string) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	interactive := !envconfig.NoProgress() && term.IsTerminal(int(os.Stderr.Fd()))

	var prep *progress.Progress
	if interactive {
		prep = progress.NewProgress(os.Stderr)
		prep.Add("prepare", progress.NewSpinner("loading checkpoint"))
		defer prep.StopAndClear()
	}

	ckpt, _ := cmd.Flags().GetString("checkpoint")
	s, err := train.LoadSession(ckpt, trainOverrides(cmd))
	if err != nil {
		return err
	}
	if prep != nil {
		prep.StopAndClear()
	}

	if interactive {
		p := progress.NewProgress(os.Stderr)
		defer p.Stop()
		s.Progress = phaseHooks(p)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := s.Validate(ctx)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = filepath.Dir(ckpt)
	}
	trPath := filepath.Join(out, fmt.Sprintf("validate_%d_train.png", s.Epoch()))
	tePath := filepath.Join(out, fmt.Sprintf("validate_%d_test.png", s.Epoch()))
	if err := vision.SavePNG(trPath, res.TrainGrid); err != nil {
		return err
	}
	if err := vision.SavePNG(tePath, res.TestGrid); err != nil {
		return err
	}

	fmt.Printf("loss/pretrain_test: %.5f\n", res.TestLoss)
	fmt.Printf("grids: %s, %s\n", trPath, tePath)
	return nil
}
