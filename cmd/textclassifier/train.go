package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	textclassifier "github.com/nlpkit/textclassifier"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a classifier on a labeled text file",
	Long: `Train a classifier on a tab-separated file with one example per
line: an integer class label, a tab, then the text. A vocabulary is
built from the training text, the model is fitted, and the result is
saved to the output path.`,
	RunE: runTrain,
}

var trainOpts struct {
	data      string
	out       string
	format    string
	epochs    int
	batchSize int
	seqLen    int
	vocabSize int

	hiddenDim       int
	numLayers       int
	numHeads        int
	intermediateDim int

	learningRate float64
	warmupSteps  int
	dropout      float64
}

func init() {
	f := trainCmd.Flags()
	f.StringVar(&trainOpts.data, "data", "", "labeled training file (label<TAB>text per line)")
	f.StringVar(&trainOpts.out, "out", "model.ckpt", "output model path")
	f.StringVar(&trainOpts.format, "format", "checkpoint", "save format (checkpoint or archive)")
	f.IntVar(&trainOpts.epochs, "epochs", 3, "training epochs")
	f.IntVar(&trainOpts.batchSize, "batch-size", 8, "examples per optimization step")
	f.IntVar(&trainOpts.seqLen, "seq-len", 64, "fixed sequence length after preprocessing")
	f.IntVar(&trainOpts.vocabSize, "vocab-size", 2000, "maximum vocabulary size")
	f.IntVar(&trainOpts.hiddenDim, "hidden-dim", 64, "encoder hidden dimension")
	f.IntVar(&trainOpts.numLayers, "layers", 2, "encoder layers")
	f.IntVar(&trainOpts.numHeads, "heads", 2, "attention heads")
	f.IntVar(&trainOpts.intermediateDim, "intermediate-dim", 128, "feed-forward dimension")
	f.Float64Var(&trainOpts.learningRate, "lr", 5e-5, "peak learning rate")
	f.IntVar(&trainOpts.warmupSteps, "warmup", 10, "warmup steps before cosine decay")
	f.Float64Var(&trainOpts.dropout, "dropout", 0.1, "head dropout rate")

	if err := trainCmd.MarkFlagRequired("data"); err != nil {
		panic(err)
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	texts, labels, err := readLabeledFile(trainOpts.data)
	if err != nil {
		return err
	}

	numClasses := 0
	for _, l := range labels {
		if l+1 > numClasses {
			numClasses = l + 1
		}
	}

	logrus.WithFields(logrus.Fields{
		"examples": len(texts),
		"classes":  numClasses,
	}).Info("training data loaded")

	vocab := textclassifier.BuildVocab(texts, trainOpts.vocabSize)

	config := textclassifier.DefaultEncoderConfig()
	config.VocabSize = vocab.Size()
	config.HiddenDim = trainOpts.hiddenDim
	config.NumLayers = trainOpts.numLayers
	config.NumHeads = trainOpts.numHeads
	config.IntermediateDim = trainOpts.intermediateDim
	if trainOpts.seqLen > config.MaxSeqLen {
		config.MaxSeqLen = trainOpts.seqLen
	}

	model := textclassifier.NewTextClassifier(
		textclassifier.NewEncoder(config),
		textclassifier.NewPreprocessor(vocab, trainOpts.seqLen),
		textclassifier.WithNumClasses(numClasses),
		textclassifier.WithDropout(trainOpts.dropout),
	)

	logrus.WithField("parameters", model.Backbone().NumParameters()).Info("model built")

	stepsPerEpoch := (len(texts) + trainOpts.batchSize - 1) / trainOpts.batchSize
	totalSteps := stepsPerEpoch * trainOpts.epochs

	warmup := trainOpts.warmupSteps
	if warmup > totalSteps {
		warmup = totalSteps
	}

	loss := model.Fit(texts, labels, textclassifier.FitConfig{
		Epochs:    trainOpts.epochs,
		BatchSize: trainOpts.batchSize,
		Scheduler: textclassifier.NewLRScheduler(trainOpts.learningRate, warmup, totalSteps),
	})

	if err := model.Save(trainOpts.out, textclassifier.SaveFormat(trainOpts.format)); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"loss": fmt.Sprintf("%.4f", loss),
		"path": trainOpts.out,
	}).Info("model saved")

	return nil
}

// readLabeledFile parses "label<TAB>text" lines. Blank lines and lines
// starting with # are skipped.
func readLabeledFile(path string) ([]string, []int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var texts []string
	var labels []int

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		label, text, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, nil, fmt.Errorf("%s:%d: expected label<TAB>text", path, lineNum)
		}

		class, err := strconv.Atoi(strings.TrimSpace(label))
		if err != nil || class < 0 {
			return nil, nil, fmt.Errorf("%s:%d: invalid class label %q", path, lineNum, label)
		}

		texts = append(texts, text)
		labels = append(labels, class)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("%s: no training examples", path)
	}

	return texts, labels, nil
}
