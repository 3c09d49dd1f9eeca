package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucent-health/prism"
)

var feedbackFlags struct {
	caseID       string
	modelVersion string
	labels       []string
	comment      string
	list         bool
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record or list clinician feedback",
	Long: "Appends a correction to the append-only feedback ledger, or with\n" +
		"--list prints all feedback recorded against a model version.",
	RunE: runFeedback,
}

func init() {
	f := feedbackCmd.Flags()
	f.StringVar(&feedbackFlags.caseID, "case-id", "", "Case the feedback refers to")
	f.StringVar(&feedbackFlags.modelVersion, "model-version", "", "Model version the feedback refers to (required)")
	f.StringArrayVar(&feedbackFlags.labels, "label", nil, "Clinician-asserted finding label (repeatable)")
	f.StringVar(&feedbackFlags.comment, "comment", "", "Free-text comment")
	f.BoolVar(&feedbackFlags.list, "list", false, "List feedback for --model-version instead of recording")

	_ = feedbackCmd.MarkFlagRequired("model-version")
}

func runFeedback(cmd *cobra.Command, _ []string) error {
	app, ctx, cancel, err := newApp()
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = app.Close(context.Background()) }()

	out := cmd.OutOrStdout()

	if feedbackFlags.list {
		recs, err := app.FeedbackFor(ctx, feedbackFlags.modelVersion)
		if err != nil {
			return err
		}
		for _, r := range recs {
			fmt.Fprintf(out, "%s  case=%s  labels=%v  %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.CaseID, r.Labels, r.Comment)
		}
		fmt.Fprintf(out, "%d record(s)\n", len(recs))
		return nil
	}

	if feedbackFlags.caseID == "" {
		return fmt.Errorf("--case-id is required to record feedback")
	}

	offset, err := app.RecordFeedback(ctx, prism.Feedback{
		CaseID:       feedbackFlags.caseID,
		ModelVersion: feedbackFlags.modelVersion,
		Labels:       feedbackFlags.labels,
		Comment:      feedbackFlags.comment,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "recorded at offset %d\n", offset)
	return nil
}
