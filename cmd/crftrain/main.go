package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/lab/crftagger/internal/config"
	"github.com/lab/crftagger/internal/logging"
	"github.com/lab/crftagger/internal/monitor"
	"github.com/lab/crftagger/pkg/corpus"
	"github.com/lab/crftagger/pkg/crf"
	"github.com/lab/crftagger/pkg/featuregen"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/model"
	"github.com/lab/crftagger/pkg/optimize"
	"github.com/lab/crftagger/pkg/symtab"
)

var (
	configFile  = flag.String("config", "", "path to a JSON config file")
	input       = flag.String("input", "", "training corpus path")
	modelDir    = flag.String("model", "", "output model directory")
	format      = flag.String("format", "conll", "corpus format: conll, tagged, parquet")
	trainer     = flag.String("trainer", "lbfgs", "optimizer: lbfgs, sgd")
	sigma       = flag.Float64("sigma", 1.0, "L2 regularization variance (sigma squared)")
	niterations = flag.Int("niterations", 100, "L-BFGS iterations or SGD epochs")
	attrCutoff  = flag.Int("attribute-cutoff", 1, "minimum aggregate frequency for an attribute to survive pruning")
	featCutoff  = flag.Int("feature-cutoff", 1, "minimum frequency for a single feature to survive pruning")
	useWords    = flag.Bool("use-words", true, "enable the word-identity generator")
	usePOS      = flag.Bool("use-pos", false, "enable the POS generator")
	useBigrams  = flag.Bool("use-word-bigrams", false, "enable the word-bigram/previous-word generator")
	useShape    = flag.Bool("use-shape", false, "enable the word-shape generator")
	useSubwords = flag.Bool("use-subwords", false, "enable the tiktoken subword generator")
	progress    = flag.Bool("progress", false, "show a live bubbletea progress view while training")
	verbose     = flag.Bool("verbose", false, "enable debug logging")
	version     = flag.Bool("version", false, "print the version and exit")
)

const versionString = "crftrain 0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Println(versionString)
		return
	}

	if err := run(); err != nil {
		logging.ReportError(err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(true, true); err != nil {
		return err
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(&logging.Config{Level: level, Output: "stderr"})
	if err != nil {
		return err
	}
	defer log.Close()

	runID := uuid.NewString()
	log.Info("starting training run %s", runID)

	reader, err := openReader(cfg.Format, cfg.Input)
	if err != nil {
		return err
	}

	lexicon := symtab.New()
	tags := symtab.New()
	maxLen := 0

	for {
		sent, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for _, w := range sent.Words {
			lexicon.Add(w)
		}
		for _, e := range sent.Entities {
			tags.Add(e)
		}
		if len(sent.Words) > maxLen {
			maxLen = len(sent.Words)
		}
	}
	// Fix the frequency-sorted ids before any feature records a label id;
	// Save sorts again, which leaves this order unchanged.
	lexicon.SortByFrequency()
	tags.SortByFrequency()

	genCfg := featuregen.Config{
		UseWords:       cfg.Generators.UseWords,
		UsePOS:         cfg.Generators.UsePOS,
		UseWordBigrams: cfg.Generators.UseWordBigrams,
		UseShape:       cfg.Generators.UseShape,
		UseGaz:         cfg.Generators.UseGaz,
		UseSubwords:    cfg.Generators.UseSubwords,
		UseTrans:       true,
	}
	gen, err := featuregen.NewSet(genCfg, nil)
	if err != nil {
		return err
	}

	idx := features.New()
	if err := reader.Reset(); err != nil {
		return err
	}
	for {
		sent, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		gs := toGeneratorSentence(sent, lexicon, tags)
		for i := range gs.Words {
			gen.Observe(idx, gs, i)
		}
	}
	idx.Close()

	idx.ApplyAttributeCutoff(cfg.Cutoffs.AttributeFreq)
	idx.ApplyFeatureCutoff("", cfg.Cutoffs.FeatureFreq, cfg.Cutoffs.FeatureFreq)
	idx.Compact()

	var instances []features.Instance
	if err := reader.Reset(); err != nil {
		return err
	}
	for {
		sent, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		gs := toGeneratorSentence(sent, lexicon, tags)
		instances = append(instances, buildInstance(gen, idx, gs))
	}

	engine := crf.NewEngine(maxLen, tags.Size())
	opt := &optimize.Model{Index: idx, Engine: engine, Instances: instances, Sigma2: cfg.Optimizer.Sigma2}

	if err := os.MkdirAll(cfg.Model, 0755); err != nil {
		return err
	}
	ckpt, err := model.OpenCheckpointStore(filepath.Join(cfg.Model, "checkpoint.db"))
	if err != nil {
		return err
	}
	defer ckpt.Close()

	var resumeWeights []float64
	if _, lastObjective, w, ok, err := ckpt.LoadLatest(); err != nil {
		return err
	} else if ok {
		resumeWeights = w
		log.Info("resuming training run %s from checkpoint, last objective %.6f", runID, lastObjective)
	}

	var updates chan monitor.Update
	if *progress {
		updates = make(chan monitor.Update, 16)
		go func() {
			if err := monitor.Run(updates, runID, cfg.Optimizer.NIterations); err != nil {
				log.Warn("progress view exited: %v", err)
			}
		}()
	}

	var weights []float64
	switch cfg.Optimizer.Trainer {
	case "sgd":
		sgdCfg := optimize.SGDConfig{
			LambdaReg:      1.0 / cfg.Optimizer.Sigma2,
			Epochs:         cfg.Optimizer.NIterations,
			Period:         cfg.Optimizer.SGDPeriod,
			Delta:          cfg.Optimizer.Delta,
			CalibSamples:   cfg.Optimizer.CalibSamples,
			InitialWeights: resumeWeights,
		}
		sgdCfg.Progress = func(epoch int, objective float64, w []float64) {
			if err := ckpt.SaveIteration(epoch, objective, w); err != nil {
				log.Warn("checkpoint save failed: %v", err)
			}
			if updates != nil {
				updates <- monitor.Update{RunID: runID, Iteration: epoch, Objective: objective}
			}
		}
		result := optimize.RunSGD(opt, sgdCfg, rand.New(rand.NewSource(1)))
		weights = result.Weights
		log.Info("SGD finished after %d epochs, final loss %.6f", result.Epochs, result.Losses[len(result.Losses)-1])
	default:
		lbfgsCfg := optimize.LBFGSConfig{
			NIterations:    cfg.Optimizer.NIterations,
			HistorySize:    cfg.Optimizer.HistorySize,
			Epsilon:        cfg.Optimizer.Epsilon,
			Delta:          cfg.Optimizer.Delta,
			InitialWeights: resumeWeights,
		}
		lbfgsCfg.Progress = func(iteration int, objective, gradNorm float64, w []float64) {
			if err := ckpt.SaveIteration(iteration, objective, w); err != nil {
				log.Warn("checkpoint save failed: %v", err)
			}
			if updates != nil {
				updates <- monitor.Update{RunID: runID, Iteration: iteration, Objective: objective, GradNorm: gradNorm}
			}
		}
		result := optimize.RunLBFGS(opt, lbfgsCfg)
		weights = result.Weights
		log.Info("L-BFGS finished after %d iterations, final objective %.6f", result.Iterations, result.Objectives[len(result.Objectives)-1])
	}

	if updates != nil {
		updates <- monitor.Update{RunID: runID, Done: true}
		close(updates)
	}

	m := &model.Model{Lexicon: lexicon, Tags: tags, Attributes: idx, Weights: weights, MaxSize: maxLen}
	if err := m.Save(cfg.Model); err != nil {
		return err
	}
	log.Info("model saved to %s", cfg.Model)
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input = *input
		case "model":
			cfg.Model = *modelDir
		case "format":
			cfg.Format = *format
		case "trainer":
			cfg.Optimizer.Trainer = *trainer
		case "sigma":
			cfg.Optimizer.Sigma2 = *sigma
		case "niterations":
			cfg.Optimizer.NIterations = *niterations
		case "attribute-cutoff":
			cfg.Cutoffs.AttributeFreq = *attrCutoff
		case "feature-cutoff":
			cfg.Cutoffs.FeatureFreq = *featCutoff
		case "use-words":
			cfg.Generators.UseWords = *useWords
		case "use-pos":
			cfg.Generators.UsePOS = *usePOS
		case "use-word-bigrams":
			cfg.Generators.UseWordBigrams = *useBigrams
		case "use-shape":
			cfg.Generators.UseShape = *useShape
		case "use-subwords":
			cfg.Generators.UseSubwords = *useSubwords
		case "verbose":
			cfg.Verbose = *verbose
		}
	})
}

func openReader(format, path string) (corpus.Reader, error) {
	switch format {
	case "tagged":
		return corpus.NewTaggedTokenReader(path)
	case "parquet":
		return corpus.NewParquetReader(path)
	default:
		return corpus.NewCoNLLReader(path, []string{"word", "pos", "label"})
	}
}

// toGeneratorSentence converts a corpus.Sentence (raw strings) into the
// id-bearing view featuregen operates on, canonizing labels through tags
// (never inventing new ones at this stage -- they were all Add()-ed in
// the first pass over the same corpus).
func toGeneratorSentence(sent *corpus.Sentence, lexicon, tags *symtab.Table) *featuregen.Sentence {
	gs := &featuregen.Sentence{Words: sent.Words}
	if len(sent.POS) == len(sent.Words) {
		gs.POS = sent.POS
	}
	gs.Gold = make([]symtab.ID, len(sent.Entities))
	for i, e := range sent.Entities {
		gs.Gold[i] = tags.Canonize(e)
	}
	return gs
}

func buildInstance(gen *featuregen.Set, idx *features.Index, sent *featuregen.Sentence) features.Instance {
	n := len(sent.Words)
	instance := make(features.Instance, n)
	for i := 0; i < n; i++ {
		prev := symtab.SENTINEL
		if i > 0 {
			prev = sent.Gold[i-1]
		}
		instance[i].Prev = prev
		instance[i].Curr = sent.Gold[i]
		gen.Fill(idx, sent, i, &instance[i])
	}
	return instance
}
