package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/mri-api/internal/inference"
	"github.com/Brownie44l1/mri-api/internal/model"
)

type ModelReport struct {
	Architecture string   `json:"architecture" yaml:"architecture"`
	Version      string   `json:"version" yaml:"version"`
	Digest       string   `json:"digest" yaml:"digest"`
	Device       string   `json:"device" yaml:"device"`
	Labels       []string `json:"labels" yaml:"labels"`
	InputShape   []int64  `json:"input_shape" yaml:"input_shape"`
	OutputShape  []int64  `json:"output_shape" yaml:"output_shape"`
	WarmupMs     float64  `json:"warmup_ms" yaml:"warmup_ms"`
}

func NewCheckModelCommand(root *RootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "check-model",
		Short: "Load the model and run one forward pass",
		Long: `Load the configured weights, verify their input and output shapes and
run a forward pass on a blank image. Exits non-zero on any failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckModel(cmd.Context(), root)
		},
	}
}

func runCheckModel(ctx context.Context, root *RootCommand) error {
	store, m, err := root.loadModel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Shutdown() }()

	shape := m.InputShape()
	blank := &model.Tensor{Shape: shape}
	blank.Data = make([]float32, blank.Len())

	start := time.Now()
	if _, err := inference.Infer(ctx, m, blank); err != nil {
		return fmt.Errorf("warmup forward pass: %w", err)
	}

	report := ModelReport{
		Architecture: string(m.Architecture()),
		Version:      m.Version(),
		Digest:       m.Digest(),
		Device:       root.Config().Model.Device,
		Labels:       m.Labels(),
		InputShape:   shape[:],
		OutputShape:  []int64{1, int64(m.NumClasses())},
		WarmupMs:     float64(time.Since(start).Microseconds()) / 1000,
	}
	return printReport(report, root.OutputOptions())
}

func printReport(r ModelReport, opts *OutputOptions) error {
	if opts.Format != OutputText {
		return PrintOutput(r, opts)
	}

	fmt.Fprintf(opts.Writer, "Model OK\n")
	fmt.Fprintf(opts.Writer, "  Architecture: %s\n", r.Architecture)
	fmt.Fprintf(opts.Writer, "  Version:      %s\n", r.Version)
	fmt.Fprintf(opts.Writer, "  Device:       %s\n", r.Device)
	fmt.Fprintf(opts.Writer, "  Input:        %v\n", r.InputShape)
	fmt.Fprintf(opts.Writer, "  Output:       %v\n", r.OutputShape)
	fmt.Fprintf(opts.Writer, "  Labels:       %v\n", r.Labels)
	fmt.Fprintf(opts.Writer, "  Warmup:       %.1fms\n", r.WarmupMs)
	return nil
}
