package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucent-health/prism"
)

var inferFlags struct {
	caseFile     string
	modelVersion string
	timeout      time.Duration
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Run one inference call over a case file",
	Long: "Reads a JSON case document, runs inference against the active model\n" +
		"version (or --model-version), and prints the result as JSON.",
	RunE: runInfer,
}

func init() {
	f := inferCmd.Flags()
	f.StringVar(&inferFlags.caseFile, "case", "", "Path to the JSON case document (required; - for stdin)")
	f.StringVar(&inferFlags.modelVersion, "model-version", "", "Pin the call to a loaded model version")
	f.DurationVar(&inferFlags.timeout, "timeout", 0, "Per-call deadline override")

	_ = inferCmd.MarkFlagRequired("case")
}

func runInfer(cmd *cobra.Command, _ []string) error {
	var opts []prism.Option
	if inferFlags.timeout > 0 {
		opts = append(opts, prism.WithCallTimeout(inferFlags.timeout))
	}
	app, ctx, cancel, err := newApp(opts...)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = app.Close(context.Background()) }()

	c, err := readCase(inferFlags.caseFile)
	if err != nil {
		return err
	}

	res, err := app.InferWithVersion(ctx, c, inferFlags.modelVersion)
	if err != nil && !errors.Is(err, prism.ErrTimeout) {
		return err
	}
	if errors.Is(err, prism.ErrTimeout) {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: call timed out; result is partial")
		if res == nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func readCase(path string) (prism.Case, error) {
	var c prism.Case
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return c, fmt.Errorf("read case: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse case: %w", err)
	}
	return c, nil
}
