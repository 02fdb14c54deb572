package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	textclassifier "github.com/nlpkit/textclassifier"
)

var predictCmd = &cobra.Command{
	Use:   "predict [text]...",
	Short: "Classify text with a saved model",
	Long: `Classify the given texts, or lines read from --input (or stdin
when neither is provided). Prints one line per input: the predicted
class, its probability, and the text.`,
	RunE: runPredict,
}

var predictOpts struct {
	model string
	input string
}

func init() {
	f := predictCmd.Flags()
	f.StringVar(&predictOpts.model, "model", "", "saved model path")
	f.StringVar(&predictOpts.input, "input", "", "file with one text per line")

	if err := predictCmd.MarkFlagRequired("model"); err != nil {
		panic(err)
	}
}

func runPredict(cmd *cobra.Command, args []string) error {
	model, err := textclassifier.LoadTextClassifier(predictOpts.model)
	if err != nil {
		return err
	}

	texts := args
	if len(texts) == 0 {
		texts, err = readLines(predictOpts.input)
		if err != nil {
			return err
		}
	}
	if len(texts) == 0 {
		return fmt.Errorf("nothing to classify")
	}

	for _, text := range texts {
		class, prob := model.Classify(text)
		fmt.Printf("%d\t%.4f\t%s\n", class, prob, text)
	}

	return nil
}

func readLines(path string) ([]string, error) {
	var r *os.File
	if path == "" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}
