package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	artifactOut string
	runsRunID   string
	runsLimit   int
)

var manifestCmd = &cobra.Command{
	Use:   "manifest <run_id>",
	Short: "Print the manifest of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{component: "cli", quiet: true, redis: true})
		if err != nil {
			return err
		}
		defer a.Close()

		m, err := a.manifests.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Read and write the artifact store",
}

var artifactPutCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Store a file (or stdin) and print its hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		a, err := newApp(cmd.Context(), appOptions{component: "cli", quiet: true, redis: true})
		if err != nil {
			return err
		}
		defer a.Close()

		hash, err := a.store.Put(cmd.Context(), data)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Write an artifact to stdout or --output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{component: "cli", quiet: true, redis: true})
		if err != nil {
			return err
		}
		defer a.Close()

		data, err := a.store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if artifactOut != "" {
			return os.WriteFile(artifactOut, data, 0o644)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run ledger",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List run attempts, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), appOptions{component: "cli", quiet: true, ledger: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if a.ledger == nil {
			return fmt.Errorf("run ledger is not configured (set database.driver)")
		}
		attempts, err := a.ledger.List(cmd.Context(), runsRunID, runsLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN ID\tEPOCH\tSTATUS\tSTAGES\tRESUME FROM\tSTARTED\tFINISHED")
		for _, at := range attempts {
			finished := "-"
			if at.FinishedAt != nil {
				finished = at.FinishedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d/%d\t%s\t%s\t%s\n",
				at.RunID, at.Epoch, at.Status,
				len(at.CompletedStages), at.TotalStages,
				dash(at.ResumeFrom),
				at.StartedAt.Format(time.RFC3339), finished)
		}
		return tw.Flush()
	},
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func init() {
	artifactGetCmd.Flags().StringVarP(&artifactOut, "output", "o", "", "write to file instead of stdout")
	artifactCmd.AddCommand(artifactPutCmd, artifactGetCmd)

	runsListCmd.Flags().StringVar(&runsRunID, "run-id", "", "only attempts of this run")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum rows")
	runsCmd.AddCommand(runsListCmd)

	rootCmd.AddCommand(manifestCmd, artifactCmd, runsCmd)
}
