// Command morph trains and evaluates deformable registration models on
// handwritten digits.
//
// Usage:
//
//	morph train [-config file.yaml] [-data dir | -synthetic] [flags]
//	morph eval  -checkpoint path [-data dir | -synthetic] [-pairs n]
//	            [-png out.png -fix-index i -moving-index j]
//	morph list  [-dir output]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/engine"
	"github.com/tsawler/go-morph/training"
	"github.com/tsawler/go-morph/vision/dataset"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <train|eval|list> [flags]\n", filepath.Base(os.Args[0]))
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = runTrain(ctx, os.Args[2:])
	case "eval":
		err = runEval(ctx, os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

type dataFlags struct {
	dir       *string
	synthetic *bool
	noVerify  *bool
}

func addDataFlags(fs *flag.FlagSet) dataFlags {
	return dataFlags{
		dir:       fs.String("data", "data/mnist", "Directory holding the MNIST idx files"),
		synthetic: fs.Bool("synthetic", false, "Use a generated digit-like corpus instead of MNIST"),
		noVerify:  fs.Bool("no-verify", false, "Skip SHA-256 verification of the idx files"),
	}
}

func (d dataFlags) load(ctx context.Context, cfg *config.Config, backend engine.Backend) (*dataset.MNISTData, error) {
	var src dataset.CorpusSource
	if *d.synthetic {
		src = dataset.NewSyntheticSource(200, 50, uint64(cfg.Seed))
	} else {
		idx := dataset.NewIDXSource(*d.dir)
		if *d.noVerify {
			idx.Checksums = nil
		}
		src = idx
	}
	return dataset.LoadWithOptions(ctx, src, engine.DataOptions(cfg, backend))
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to YAML config (defaults apply when empty)")
	data := addDataFlags(fs)
	imageLoss := fs.String("image-loss", "", "Similarity loss: mse or ncc")
	lambda := fs.Float64("lambda", 0, "Smoothness weight (0 disables the regularizer)")
	lr := fs.Float64("lr", 0, "Learning rate")
	batchSize := fs.Int("batch-size", 0, "Training batch size")
	steps := fs.Int("steps", 0, "Steps per epoch")
	epochs := fs.Int("epochs", 0, "Number of epochs")
	fix := fs.Int("fix", 0, "Digit used as the fixed image")
	moving := fs.Int("moving", 0, "Digit used as the moving image")
	seed := fs.Int64("seed", 0, "Split and initialisation seed")
	name := fs.String("name", "", "Checkpoint name")
	outputDir := fs.String("output-dir", "", "Checkpoint directory")
	workers := fs.Int("workers", 0, "Convolution workers (0 = all cores)")
	out := fs.String("out", "", "Checkpoint path (overrides output-dir/name)")
	summary := fs.Bool("summary", true, "Print the model summary before training")
	plotPath := fs.String("plot", "", "Write loss curves and parameter statistics as JSON here")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			return err
		}
	}

	o := config.Overrides{
		ImageLoss:     *imageLoss,
		LR:            *lr,
		BatchSize:     *batchSize,
		StepsPerEpoch: *steps,
		Epochs:        *epochs,
		Name:          *name,
		OutputDir:     *outputDir,
		Workers:       *workers,
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "fix":
			o.Fix = fix
		case "moving":
			o.Moving = moving
		case "lambda":
			o.Lambda = lambda
		case "seed":
			o.Seed = seed
		}
	})
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return err
	}

	backend, err := engine.NewBackend("cpu", cfg.Workers)
	if err != nil {
		return err
	}
	log.Printf("backend: %s", backend)

	md, err := data.load(ctx, cfg, backend)
	if err != nil {
		return err
	}
	log.Printf("corpus: %d train, %d test images of %dx%d", md.TrainLen(), md.TestLen(), md.Height(), md.Width())

	eng, err := engine.NewTrainingEngine(cfg, backend, training.TrainerOptions{Logger: log.Default()})
	if err != nil {
		return err
	}
	if *summary {
		eng.PrintSummary(os.Stdout)
	}

	if err := eng.Run(ctx, md); err != nil {
		return err
	}
	path, err := eng.Save(*out)
	if err != nil {
		return err
	}
	log.Printf("run %s finished; checkpoint %s", eng.Trainer().RunID(), path)

	if *plotPath != "" {
		return writePlots(*plotPath, eng)
	}
	return nil
}

func writePlots(path string, eng *engine.TrainingEngine) error {
	tr := eng.Trainer()
	curves := training.TrainingCurvesPlot("VxmDense", tr.History(), tr.ValHistory(), tr.Components())
	params, _ := training.ParameterDistributionPlot("VxmDense", eng.Network().NamedParameters())

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := training.WritePlots(f, curves, params); err != nil {
		f.Close()
		return err
	}
	log.Printf("plot data written to %s", path)
	return f.Close()
}

func runEval(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	ckptPath := fs.String("checkpoint", "", "Checkpoint to evaluate")
	data := addDataFlags(fs)
	pairs := fs.Int("pairs", 100, "Number of test pairs to score")
	fixIndex := fs.Int("fix-index", 0, "Test sample of the fixed digit rendered with -png")
	movingIndex := fs.Int("moving-index", 0, "Test sample of the moving digit rendered with -png")
	pngPath := fs.String("png", "", "Write a moving|fixed|warped|flow panel here")
	scale := fs.Int("scale", 4, "Panel upscale factor")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ckptPath == "" {
		return fmt.Errorf("-checkpoint is required")
	}

	backend := engine.DetectBackend()
	model, err := engine.Load(*ckptPath, backend)
	if err != nil {
		return err
	}
	cfg := model.Config
	log.Printf("loaded %s: %d->%d, %d epochs, final loss %.6f",
		*ckptPath, cfg.Moving, cfg.Fix, len(model.Hist), last(model.Hist))

	md, err := data.load(ctx, cfg, backend)
	if err != nil {
		return err
	}
	fixSet, movingSet, err := md.TestSet(cfg.Fix, cfg.Moving)
	if err != nil {
		return err
	}

	summary, _, err := engine.EvaluatePairs(model.Network, fixSet, movingSet, *pairs)
	if err != nil {
		return err
	}
	fmt.Println(summary)

	if *pngPath == "" {
		return nil
	}
	fixed, mov, err := engine.SelectPair(fixSet, movingSet, *fixIndex, *movingIndex, md.Height(), md.Width())
	if err != nil {
		return err
	}
	res, err := engine.Evaluate(model.Network, mov, fixed)
	if err != nil {
		return err
	}
	f, err := os.Create(*pngPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := engine.RenderResult(f, mov, fixed, res, 0, *scale); err != nil {
		return err
	}
	log.Printf("moving %d -> fixed %d: dice %.4f, panel written to %s", *movingIndex, *fixIndex, res.Dice, *pngPath)
	return f.Close()
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", "output", "Checkpoint directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	for _, pattern := range []string{"model-*.pt", "model-*.json"} {
		m, err := filepath.Glob(filepath.Join(*dir, pattern))
		if err != nil {
			return err
		}
		paths = append(paths, m...)
	}
	sort.Strings(paths)

	for _, p := range paths {
		ckpt, err := checkpoints.Load(p)
		if err != nil {
			fmt.Printf("%-48s  unreadable: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%-48s  %-36s  epochs=%-4d loss=%.6f  %s\n",
			filepath.Base(p), ckpt.Metadata.RunID, len(ckpt.Hist), last(ckpt.Hist),
			ckpt.Metadata.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func last(hist []float64) float64 {
	if len(hist) == 0 {
		return 0
	}
	return hist[len(hist)-1]
}
