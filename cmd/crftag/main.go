package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/lab/crftagger/internal/config"
	"github.com/lab/crftagger/internal/logging"
	"github.com/lab/crftagger/pkg/corpus"
	"github.com/lab/crftagger/pkg/decode"
	"github.com/lab/crftagger/pkg/featuregen"
	"github.com/lab/crftagger/pkg/features"
	"github.com/lab/crftagger/pkg/model"
	"github.com/lab/crftagger/pkg/symtab"
)

var (
	configFile = flag.String("config", "", "path to a JSON config file")
	input      = flag.String("input", "", "input corpus path")
	output     = flag.String("output", "", "tagged output path")
	modelDir   = flag.String("model", "", "trained model directory")
	format     = flag.String("format", "conll", "corpus format: conll, tagged, parquet (applies to both input and output)")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
	version    = flag.Bool("version", false, "print the version and exit")
)

const versionString = "crftag 0.1.0"

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

	m, err := model.Load(cfg.Model)
	if err != nil {
		return err
	}
	log.Info("loaded model from %s: %d words, %d tags, %d features", cfg.Model, m.Lexicon.Size(), m.Tags.Size(), len(m.Weights))

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

	reader, err := openReader(cfg.Format, cfg.Input)
	if err != nil {
		return err
	}
	writer, err := openWriter(cfg.Format, cfg.Output)
	if err != nil {
		return err
	}
	defer writer.Close()
	if err := writer.WritePreface("crftagger output"); err != nil {
		return err
	}

	dec := decode.NewDecoder(m.Tags.Size())
	tagged := 0
	for {
		sent, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		gs := &featuregen.Sentence{Words: sent.Words}
		if len(sent.POS) == len(sent.Words) {
			gs.POS = sent.POS
		}

		contexts := make([]features.Context, len(gs.Words))
		for i := range contexts {
			gen.Fill(m.Attributes, gs, i, &contexts[i])
		}

		labelIndices := dec.Decode(contexts, m.Weights)
		sent.Predicted = make([]string, len(labelIndices))
		for i, li := range labelIndices {
			sent.Predicted[i] = m.Tags.Str(symtab.ID(li + 2))
		}

		if err := writer.Write(sent); err != nil {
			return err
		}
		tagged++
	}

	log.Info("tagged %d sentences", tagged)
	return nil
}

func applyFlagOverrides(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input = *input
		case "output":
			cfg.Output = *output
		case "model":
			cfg.Model = *modelDir
		case "format":
			cfg.Format = *format
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

func openWriter(format, path string) (corpus.Writer, error) {
	switch format {
	case "parquet":
		return corpus.NewParquetWriter(path)
	default:
		return corpus.NewTaggedTokenWriter(path)
	}
}
