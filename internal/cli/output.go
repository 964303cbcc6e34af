package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type OutputFormat string

const (
	OutputText OutputFormat = "text"
	OutputJSON OutputFormat = "json"
	OutputYAML OutputFormat = "yaml"
)

func ParseOutputFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case "":
		return OutputText, nil
	case OutputText, OutputJSON, OutputYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", s)
	}
}

type OutputOptions struct {
	Format OutputFormat
	Writer io.Writer
}

func NewOutputOptions() *OutputOptions {
	return &OutputOptions{
		Format: OutputText,
		Writer: os.Stdout,
	}
}

// PrintOutput writes data as JSON or YAML. Text output is left to the
// caller; PrintOutput falls back to JSON for it.
func PrintOutput(data any, opts *OutputOptions) error {
	out, err := FormatOutput(data, opts.Format)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(opts.Writer, out)
	return err
}

func FormatOutput(data any, format OutputFormat) (string, error) {
	switch format {
	case OutputYAML:
		b, err := yaml.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("marshal YAML: %w", err)
		}
		return string(b), nil
	default:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal JSON: %w", err)
		}
		return string(b), nil
	}
}
