// session.go - Trainingslauf als expliziter Zustand
//
// Dieses Modul enthaelt:
// - Session: Modell, Optimierer, Scheduler, Pool und Datensaetze eines
//   Laufs in einem Objekt statt als Paket-Zustand
// - Run: Epochen-Schleife Sampling -> Training -> Validierung -> Checkpoint
// - LoadSession: Wiederaufnahme nach der letzten abgeschlossenen Epoche
//
// Minibatches werden von einer Producer-Goroutine zusammengestellt und
// ueberlappen mit den Gradientenschritten. Abgebrochen wird nur an
// Schrittgrenzen, nie mitten in einem Schritt.
package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"
	"golang.org/x/sync/errgroup"

	"github.com/ursa-ml/ursa/amp"
	"github.com/ursa-ml/ursa/checkpoint"
	"github.com/ursa-ml/ursa/data"
	"github.com/ursa-ml/ursa/envconfig"
	"github.com/ursa-ml/ursa/format"
	"github.com/ursa-ml/ursa/imle"
	"github.com/ursa-ml/ursa/latent"
	"github.com/ursa-ml/ursa/model"
	"github.com/ursa-ml/ursa/validate"
	"github.com/ursa-ml/ursa/vision"
)

// Sink receives named scalars and images keyed by the global gradient
// step. A failing sink is logged and skipped, it never aborts training.
type Sink interface {
	Scalar(step int, name string, value float64) error
	Image(step int, name string, img image.Image) error
}

// PhaseHooks surface per-phase progress counts. Nil fields disable
// reporting for that phase.
type PhaseHooks struct {
	Sampling   func(done, total int)
	Training   func(done, total int)
	Validating func(done, total int)
}

// Seed purposes keep the derived random streams of a run disjoint.
const (
	seedPool = iota + 1
	seedSelector
	seedLoader
	seedValidate
)

// subSeed derives a stable per-purpose, per-epoch seed from the run
// seed so that resumed runs redraw the same streams.
func subSeed(base int64, purpose, epoch int) int64 {
	return rand.New(rand.NewSource(base ^ int64(purpose)<<32 ^ int64(epoch))).Int63()
}

// Session owns the full state of one training run. The zero value is
// unusable, construct with NewSession or LoadSession.
type Session struct {
	// Sink receives metrics when set. Assign before Run.
	Sink Sink
	// Progress receives phase progress when set. Assign before Run.
	Progress PhaseHooks

	opts  Options
	noise latent.Noise

	m      model.Model
	spec   *latent.Spec
	tr     data.Dataset
	te     data.Dataset
	pool   *imle.KOrKMinusOne
	sel    *imle.Selector
	opt    *AdamW
	sched  *CosineWarmupRestarts
	scaler *amp.GradScaler

	dir     string
	log     *slog.Logger
	epoch   int // next epoch to run
	curStep int
}

// NewSession validates the options, builds the model, datasets, pool,
// optimizer and scheduler, and prepares the run directory.
func NewSession(opts Options) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	noise, err := latent.ParseNoise(opts.Noise)
	if err != nil {
		return nil, err
	}

	if opts.UID == "" {
		opts.UID, _, _ = strings.Cut(uuid.NewString(), "-")
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Int63()
	}
	// Clamp before the run directory is created so config.json records
	// the effective value. The selector warns about ns/sp remainders.
	if opts.SP > opts.NS {
		slog.Warn("sp exceeds ns, clamping", "sp", opts.SP, "ns", opts.NS)
		opts.SP = opts.NS
	}
	if len(opts.VSpec) == 0 && opts.ZPerEx != 1 {
		slog.Warn("empty v_spec makes reconstructions deterministic, using one per example", "z_per_ex", opts.ZPerEx)
		opts.ZPerEx = 1
	}

	m, err := model.New(opts.Arch, model.Config{InputSize: opts.InputSize, VSpec: opts.VSpec, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	if opts.Pretrained != "" {
		if err := loadPretrained(m, opts.Pretrained); err != nil {
			return nil, err
		}
	}
	spec, err := m.LatentSpec(opts.MaskRatio, opts.InputSize)
	if err != nil {
		return nil, err
	}

	dcfg := data.Config{Res: opts.Res, InputSize: opts.InputSize}
	tr, err := data.Open(opts.DataTr, dcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open training data: %w", err)
	}
	var te data.Dataset
	if opts.DataVal != "" {
		if te, err = data.Open(opts.DataVal, dcfg); err != nil {
			return nil, fmt.Errorf("failed to open validation data: %w", err)
		}
	} else {
		slog.Warn("no validation data configured, validation disabled")
	}

	if opts.ExPerEpoch > tr.Len() {
		return nil, fmt.Errorf("%w: ex_per_epoch %d exceeds dataset size %d", imle.ErrPopTooLarge, opts.ExPerEpoch, tr.Len())
	}
	pool, err := imle.NewKOrKMinusOne(tr.Len(), subSeed(opts.Seed, seedPool, 0))
	if err != nil {
		return nil, err
	}

	sched, err := NewCosineWarmupRestarts(opts.LR, opts.MinLR, opts.Epochs*opts.IPE, opts.NRamp*opts.IPE)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(opts.OutDir, opts.RunName())
	if err := os.MkdirAll(filepath.Join(dir, "images"), 0o755); err != nil {
		return nil, err
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), opts); err != nil {
		return nil, err
	}

	s := &Session{
		opts:   opts,
		noise:  noise,
		m:      m,
		spec:   spec,
		tr:     tr,
		te:     te,
		pool:   pool,
		opt:    NewAdamW(m.Parameters(), opts.LR, opts.WeightDecay),
		sched:  sched,
		scaler: amp.NewGradScaler(true),
		dir:    dir,
		log:    slog.With("uid", opts.UID),
	}

	// Progress is read through the session so hooks assigned after
	// construction still reach the selector.
	sel, err := imle.NewSelector(m, spec, imle.SelectorOptions{
		NS:        opts.NS,
		SP:        opts.SP,
		CodeBS:    opts.CodeBS,
		MaskRatio: opts.MaskRatio,
		Noise:     noise,
		Cast:      amp.F16,
		Threads:   opts.Threads,
		Seed:      subSeed(opts.Seed, seedSelector, 0),
		Logger:    s.log,
		Progress: func(done, total int) {
			if s.Progress.Sampling != nil {
				s.Progress.Sampling(done, total)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	s.sel = sel

	s.log.Info("session ready", "dir", dir, "arch", opts.Arch, "params", format.HumanNumber(model.NumParams(m)), "examples", tr.Len(), "latents", spec.String(), "seed", opts.Seed)
	return s, nil
}

// LoadSession rebuilds a session from a checkpoint and resumes after
// the last completed epoch. Overrides are applied to the recorded run
// configuration before the session is rebuilt.
func LoadSession(path string, overrides map[string]any) (*Session, error) {
	f, err := checkpoint.Read(path)
	if err != nil {
		return nil, err
	}

	opts := DefaultOptions()
	cfg := f.KV.String("general.config")
	if cfg == "" {
		return nil, fmt.Errorf("checkpoint %s has no run configuration", path)
	}
	if err := json.Unmarshal([]byte(cfg), &opts); err != nil {
		return nil, fmt.Errorf("invalid run configuration in %s: %w", path, err)
	}
	if len(overrides) > 0 {
		if err := opts.FromMap(overrides); err != nil {
			return nil, err
		}
	}
	// Weights come from the checkpoint itself.
	opts.Pretrained = ""

	s, err := NewSession(opts)
	if err != nil {
		return nil, err
	}
	if err := s.restore(f); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", path, err)
	}
	s.log.Info("resumed run", "checkpoint", path, "next_epoch", s.epoch, "step", s.curStep)
	return s, nil
}

// Dir returns the run directory holding config, images and checkpoints.
func (s *Session) Dir() string { return s.dir }

// Epoch returns the next epoch the session will run.
func (s *Session) Epoch() int { return s.epoch }

// Step returns the global gradient step counter.
func (s *Session) Step() int { return s.curStep }

// Options returns the effective run configuration.
func (s *Session) Options() Options { return s.opts }

// Model returns the trained model.
func (s *Session) Model() model.Model { return s.m }

// Run drives the epoch loop until all configured epochs are complete
// or ctx is cancelled. Fresh runs validate once before training.
func (s *Session) Run(ctx context.Context) error {
	logIter := max(1, s.opts.Epochs*s.opts.IPE/10000)
	s.log.Info("starting run", "start_epoch", s.epoch, "epochs", s.opts.Epochs, "ipe", s.opts.IPE, "log_every", logIter)

	if s.epoch == 0 && s.te != nil {
		if err := s.validateAndLog(ctx, 0); err != nil {
			return err
		}
	}
	for epoch := s.epoch; epoch < s.opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runEpoch(ctx, epoch, logIter); err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		s.epoch = epoch + 1
	}
	s.log.Info("run complete", "epochs", s.opts.Epochs, "steps", s.curStep)
	return nil
}

type minibatch struct {
	x *tensor.Dense
	z latent.Dict
}

// numPasses returns how often the derived dataset is replayed so an
// epoch reaches at least ipe gradient steps. The last pass overshoots
// when ipe is not a multiple of the batches per pass.
func numPasses(ipe, batchesPerPass int) int {
	return max(1, (ipe+batchesPerPass-1)/batchesPerPass)
}

// runEpoch executes one full cycle: pop a subset from the pool, select
// best latents, replay the derived dataset, validate and checkpoint.
func (s *Session) runEpoch(ctx context.Context, epoch, logIter int) error {
	start := time.Now()

	idx, err := s.pool.PopK(s.opts.ExPerEpoch)
	if err != nil {
		return err
	}
	x, err := data.Gather(s.tr, idx, s.opts.Workers)
	if err != nil {
		return fmt.Errorf("failed to gather epoch subset: %w", err)
	}

	ds, err := s.sel.Select(ctx, x)
	if err != nil {
		return fmt.Errorf("candidate selection: %w", err)
	}
	s.log.Debug("selection done", "examples", ds.Len(), "mean_loss", ds.MeanLoss())

	loader, err := imle.NewLoader(ds, s.opts.MiniBS, subSeed(s.opts.Seed, seedLoader, epoch))
	if err != nil {
		return err
	}

	bpp := loader.BatchesPerPass()
	passes := numPasses(s.opts.IPE, bpp)
	steps := passes * bpp
	s.log.Info("training", "epoch", epoch+1, "epochs", s.opts.Epochs, "gradient_steps", steps, "passes", passes)

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan minibatch, 2)
	g.Go(func() error {
		defer close(batches)
		for range passes {
			for _, rows := range loader.Pass() {
				bx, bz, err := ds.Batch(rows)
				if err != nil {
					return err
				}
				select {
				case batches <- minibatch{x: bx, z: bz}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})

	var lastLoss float32
	g.Go(func() error {
		done := 0
		for mb := range batches {
			if err := gctx.Err(); err != nil {
				return err
			}
			loss, err := s.step(mb.x, mb.z)
			if err != nil {
				return err
			}
			lastLoss = loss
			done++
			if s.Progress.Training != nil {
				s.Progress.Training(done, steps)
			}
			if s.curStep%logIter == 0 {
				s.scalar("loss/pretrain_train", float64(loss))
				s.scalar("lr", float64(s.sched.LR()))
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if s.te != nil && epoch%s.opts.EvalIter == 0 {
		if err := s.validateAndLog(ctx, epoch+1); err != nil {
			return err
		}
	}
	s.scalar("loss/pretrain_train", float64(lastLoss))
	s.scalar("lr", float64(s.sched.LR()))
	s.scalar("epoch", float64(epoch+1))
	s.log.Info("epoch done", "epoch", epoch+1, "epochs", s.opts.Epochs, "loss/pretrain_train", lastLoss, "lr", s.sched.LR(), "elapsed", format.HumanDuration(time.Since(start)))

	if err := s.saveCheckpoint(epoch); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// step runs one scaled backward pass and, if the gradients are finite,
// one optimizer step. The scheduler always advances.
func (s *Session) step(x *tensor.Dense, z latent.Dict) (float32, error) {
	s.opt.SetLR(s.sched.LR())
	loss, err := s.m.Backward(x, z, model.BackwardOptions{
		MaskRatio: s.opts.MaskRatio,
		Cast:      amp.F16,
		LossScale: s.scaler.Scale(),
	})
	if err != nil {
		return 0, err
	}

	ok := s.scaler.Unscale(s.opt.Grads()...)
	if ok {
		s.opt.Step()
	}
	s.opt.ZeroGrad()
	s.scaler.Update(ok)
	s.sched.Step()
	s.curStep++
	return loss, nil
}

// Validate runs one validation pass and returns the held-out loss and
// the reconstruction grids without logging or saving anything.
func (s *Session) Validate(ctx context.Context) (*validate.Result, error) {
	if s.te == nil {
		return nil, errors.New("no validation data configured")
	}
	return validate.Run(ctx, s.m, s.spec, s.tr, s.te, s.validateOpts(subSeed(s.opts.Seed, seedValidate, s.epoch)))
}

func (s *Session) validateOpts(seed int64) validate.Options {
	return validate.Options{
		MaskRatio: s.opts.MaskRatio,
		Noise:     s.noise,
		Cast:      amp.F16,
		CodeBS:    s.opts.CodeBS,
		ZPerEx:    s.opts.ZPerEx,
		NumTr:     s.opts.NumEvalTr,
		NumTe:     s.opts.NumEvalTe,
		Workers:   s.opts.Workers,
		Threads:   s.opts.Threads,
		Seed:      seed,
		Logger:    s.log,
		Progress:  s.Progress.Validating,
	}
}

// validateAndLog validates, saves the reconstruction grids under
// images/ and reports the results to the sink. tag is the completed
// epoch count, 0 for the pre-training pass of a fresh run.
func (s *Session) validateAndLog(ctx context.Context, tag int) error {
	res, err := validate.Run(ctx, s.m, s.spec, s.tr, s.te, s.validateOpts(subSeed(s.opts.Seed, seedValidate, tag)))
	if err != nil {
		return fmt.Errorf("validation: %w", err)
	}

	trPath := filepath.Join(s.dir, "images", fmt.Sprintf("%d_train.png", tag))
	tePath := filepath.Join(s.dir, "images", fmt.Sprintf("%d_test.png", tag))
	if err := vision.SavePNG(trPath, res.TrainGrid); err != nil {
		return err
	}
	if err := vision.SavePNG(tePath, res.TestGrid); err != nil {
		return err
	}

	s.scalar("loss/pretrain_test", res.TestLoss)
	s.image("images/pretrain_train", res.TrainGrid)
	s.image("images/pretrain_test", res.TestGrid)
	if tag == 0 {
		s.scalar("epoch", 0)
	}
	s.log.Info("validated", "epoch", tag, "loss/pretrain_test", res.TestLoss, "grids", filepath.Dir(trPath))
	return nil
}

func (s *Session) scalar(name string, v float64) {
	if s.Sink == nil {
		return
	}
	if err := s.Sink.Scalar(s.curStep, name, v); err != nil {
		s.log.Warn("failed to record scalar", "name", name, "error", err)
	}
}

func (s *Session) image(name string, img image.Image) {
	if s.Sink == nil {
		return
	}
	if err := s.Sink.Image(s.curStep, name, img); err != nil {
		s.log.Warn("failed to record image", "name", name, "error", err)
	}
}

// saveCheckpoint writes the full training state as <epoch+1>.pt in the
// run directory. Parameters use the configured checkpoint dtype, the
// optimizer moments always stay float32.
func (s *Session) saveCheckpoint(epoch int) error {
	kind, err := checkpoint.ParseTensorType(envconfig.CheckpointDType())
	if err != nil {
		return err
	}

	cfg, err := json.Marshal(s.opts)
	if err != nil {
		return err
	}
	kwargs, err := json.Marshal(s.m.KWArgs())
	if err != nil {
		return err
	}
	sched, err := json.Marshal(s.sched.State())
	if err != nil {
		return err
	}
	pool, err := json.Marshal(s.pool.State())
	if err != nil {
		return err
	}

	f := &checkpoint.File{KV: checkpoint.KV{
		"general.architecture": s.opts.Arch,
		"general.config":       string(cfg),
		"general.epoch":        int64(epoch),
		"model.kwargs":         string(kwargs),
		"model.v_spec":         model.FormatVSpec(s.m.VSpec()),
		"train.scheduler":      string(sched),
		"train.pool":           string(pool),
		"train.optimizer.step": int64(s.opt.StepCount()),
		"train.optimizer.lr":   s.opt.LR(),
	}}

	for _, p := range s.m.Parameters() {
		f.Tensors = append(f.Tensors, &checkpoint.Tensor{
			Name:  p.Name,
			Kind:  kind,
			Shape: tensorShape(p.Shape),
			Data:  p.Data,
		})
	}
	st := s.opt.State()
	for name, m := range st.M {
		f.Tensors = append(f.Tensors, &checkpoint.Tensor{
			Name:  "optimizer.m." + name,
			Kind:  checkpoint.TensorTypeF32,
			Shape: []uint64{uint64(len(m))},
			Data:  m,
		})
	}
	for name, v := range st.V {
		f.Tensors = append(f.Tensors, &checkpoint.Tensor{
			Name:  "optimizer.v." + name,
			Kind:  checkpoint.TensorTypeF32,
			Shape: []uint64{uint64(len(v))},
			Data:  v,
		})
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%d.pt", epoch+1))
	if err := checkpoint.Write(path, f); err != nil {
		return err
	}

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}
	s.log.Info("checkpoint saved", "path", path, "epoch", epoch+1, "size", format.HumanBytes(size))
	return nil
}

// restore loads weights, optimizer, scheduler and pool state from a
// checkpoint and positions the session after its last epoch.
func (s *Session) restore(f *checkpoint.File) error {
	if arch := f.KV.String("general.architecture"); arch != "" && arch != s.opts.Arch {
		return fmt.Errorf("checkpoint architecture %q does not match configured %q", arch, s.opts.Arch)
	}
	if !f.KV.Has("general.epoch") {
		return errors.New("checkpoint has no epoch record")
	}

	params := model.ParamsByName(s.m)
	for name, p := range params {
		t := f.Tensor(name)
		if t == nil {
			return fmt.Errorf("checkpoint is missing tensor %q", name)
		}
		if len(t.Data) != p.Numel() {
			return fmt.Errorf("tensor %q has %d values, model expects %d", name, len(t.Data), p.Numel())
		}
		copy(p.Data, t.Data)
	}

	st := AdamWState{
		Step: int(f.KV.Int("train.optimizer.step")),
		LR:   f.KV.Float32("train.optimizer.lr", s.opts.LR),
		M:    make(map[string][]float32, len(params)),
		V:    make(map[string][]float32, len(params)),
	}
	for name := range params {
		m := f.Tensor("optimizer.m." + name)
		v := f.Tensor("optimizer.v." + name)
		if m == nil || v == nil {
			return fmt.Errorf("checkpoint is missing optimizer state for %q", name)
		}
		st.M[name] = m.Data
		st.V[name] = v.Data
	}
	if err := s.opt.Restore(st); err != nil {
		return err
	}

	var schedState SchedulerState
	if err := json.Unmarshal([]byte(f.KV.String("train.scheduler")), &schedState); err != nil {
		return fmt.Errorf("invalid scheduler state: %w", err)
	}
	sched, err := RestoreScheduler(schedState)
	if err != nil {
		return err
	}
	s.sched = sched

	var poolState imle.PoolState
	if err := json.Unmarshal([]byte(f.KV.String("train.pool")), &poolState); err != nil {
		return fmt.Errorf("invalid pool state: %w", err)
	}
	if poolState.N != s.tr.Len() {
		return fmt.Errorf("pool covers %d examples, dataset has %d", poolState.N, s.tr.Len())
	}
	pool, err := imle.RestorePool(poolState)
	if err != nil {
		return err
	}
	s.pool = pool

	last := int(f.KV.Int("general.epoch"))
	if last < 0 || last >= s.opts.Epochs {
		return fmt.Errorf("checkpoint epoch %d outside configured range [0, %d)", last, s.opts.Epochs)
	}
	s.epoch = last + 1
	s.curStep = s.epoch * s.opts.IPE
	return nil
}

// loadPretrained copies matching tensors from a torch state dict into
// the model. Tensors without a matching parameter are skipped.
func loadPretrained(m model.Model, path string) error {
	ts, err := checkpoint.ImportPickle(path)
	if err != nil {
		return err
	}
	params := model.ParamsByName(m)
	var loaded int
	for name, t := range ts {
		p, ok := params[name]
		if !ok {
			slog.Debug("pretrained tensor has no matching parameter", "name", name)
			continue
		}
		if len(t.Data) != p.Numel() {
			slog.Warn("pretrained tensor size mismatch", "name", name, "got", len(t.Data), "want", p.Numel())
			continue
		}
		copy(p.Data, t.Data)
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no tensors in %s match the model", path)
	}
	slog.Info("loaded pretrained weights", "path", path, "loaded", loaded, "params", len(params))
	return nil
}

// writeConfig dumps the run options once. An existing file is kept so
// a resumed run cannot rewrite its own record.
func writeConfig(path string, opts Options) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b, err := json.MarshalIndent(opts, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func tensorShape(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(d)
	}
	return out
}
