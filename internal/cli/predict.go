package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/mri-api/internal/pipeline"
)

var extMediaTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".webp": "image/webp",
}

// mediaTypeFor guesses the declared type of a local file from its extension.
func mediaTypeFor(path string) string {
	if t, ok := extMediaTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return "application/octet-stream"
}

func NewPredictCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "predict <image>...",
		Short: "Classify local MRI images",
		Long: `Run each image through the same pipeline the HTTP API uses and print
the predicted class with per-class confidence scores.`,
		Example: `  mri-api predict scan1.jpg scan2.png
  mri-api predict -o yaml scan.jpg`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd.Context(), root, args)
		},
	}
}

func runPredict(ctx context.Context, root *RootCommand, paths []string) error {
	store, _, err := root.loadModel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Shutdown() }()

	p, err := newPipeline(root.Config(), store, root.Logger())
	if err != nil {
		return err
	}

	results := make([]pipeline.Result, 0, len(paths))
	var failed int
	for _, path := range paths {
		res, err := classifyFile(ctx, p, path)
		if err != nil {
			failed++
			fmt.Fprintf(root.cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		results = append(results, *res)
	}

	if err := printResults(results, root.OutputOptions()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(paths))
	}
	return nil
}

func classifyFile(ctx context.Context, p *pipeline.Pipeline, path string) (*pipeline.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	res, err := p.Classify(ctx, pipeline.Request{
		Filename:  filepath.Base(path),
		MediaType: mediaTypeFor(path),
		Body:      f,
	})
	if err != nil {
		var pe *pipeline.Error
		if errors.As(err, &pe) {
			return nil, errors.New(pe.Message)
		}
		return nil, err
	}
	return res, nil
}

func printResults(results []pipeline.Result, opts *OutputOptions) error {
	if opts.Format != OutputText {
		return PrintOutput(results, opts)
	}

	for _, res := range results {
		fmt.Fprintf(opts.Writer, "%s: %s\n", res.Filename, res.Prediction)

		labels := make([]string, 0, len(res.ConfidenceScores))
		for label := range res.ConfidenceScores {
			labels = append(labels, label)
		}
		sort.Slice(labels, func(i, j int) bool {
			return res.ConfidenceScores[labels[i]] > res.ConfidenceScores[labels[j]]
		})
		for _, label := range labels {
			fmt.Fprintf(opts.Writer, "  %-12s %6.2f%%\n", label, 100*res.ConfidenceScores[label])
		}
	}
	return nil
}
