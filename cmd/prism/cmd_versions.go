package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var versionsFlags struct {
	activate string
	retire   string
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List, activate, or retire loaded model versions",
	RunE:  runVersions,
}

func init() {
	f := versionsCmd.Flags()
	f.StringVar(&versionsFlags.activate, "activate", "", "Switch the active model version")
	f.StringVar(&versionsFlags.retire, "retire", "", "Unload a non-active model version")
}

func runVersions(cmd *cobra.Command, _ []string) error {
	app, _, cancel, err := newApp()
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = app.Close(context.Background()) }()

	if versionsFlags.activate != "" {
		if err := app.SetActiveVersion(versionsFlags.activate); err != nil {
			return err
		}
	}
	if versionsFlags.retire != "" {
		if err := app.RetireVersion(versionsFlags.retire); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	active := app.ActiveVersion()
	for _, v := range app.Versions() {
		marker := " "
		if v == active {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\n", marker, v)
	}
	return nil
}
