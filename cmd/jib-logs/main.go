// Command jib-logs lists, searches, and prunes captured run logs under
// sharing/container-logs/ without requiring callers to re-derive
// internal/corr's index format by hand.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"jib/internal/config"
	"jib/internal/corr"
)

var logger = log.New(os.Stderr, "jib-logs ", log.LstdFlags|log.LUTC)

func main() {
	root := &cobra.Command{
		Use:   "jib-logs",
		Short: "list, search, and prune captured run logs",
	}
	root.AddCommand(newListCmd(), newShowCmd(), newPruneCmd())
	if err := root.Execute(); err != nil {
		logger.Fatal(err)
	}
}

func openStore() (*corr.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return corr.Open(filepath.Join(cfg.SharingDir, "container-logs"))
}

func newListCmd() *cobra.Command {
	var (
		origin    string
		contextID string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list run records, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			var recs []corr.Record
			if contextID != "" {
				recs = store.ByContext(contextID)
			} else {
				recs = store.List()
			}
			for _, r := range recs {
				if origin != "" && string(r.Origin) != origin {
					continue
				}
				printRecord(r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "filter by origin (timer, chat, pr-event, manual)")
	cmd.Flags().StringVar(&contextID, "context-id", "", "filter by context_id")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "print one run's captured log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			rec, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("no run %q", args[0])
			}
			b, err := os.ReadFile(rec.LogsPath)
			if err != nil {
				return err
			}
			printRecord(rec)
			fmt.Println(strings.Repeat("-", 40))
			_, err = os.Stdout.Write(b)
			return err
		},
	}
}

func newPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "delete captured log files older than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-olderThan)
			pruned := 0
			for _, r := range store.List() {
				if r.StartedAt.After(cutoff) {
					continue
				}
				if err := os.Remove(r.LogsPath); err != nil && !os.IsNotExist(err) {
					logger.Printf("prune %s: %v", r.RunID, err)
					continue
				}
				pruned++
			}
			fmt.Printf("pruned %d run log(s) older than %s\n", pruned, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age threshold for pruning")
	return cmd
}

func printRecord(r corr.Record) {
	status := "running"
	if r.ExitStatus != nil {
		status = fmt.Sprintf("exit=%d", *r.ExitStatus)
	}
	fmt.Printf("%s\torigin=%s\tcontainer=%s\tcontext=%s\tstarted=%s\t%s\n",
		r.RunID, r.Origin, r.ContainerID, r.ContextID, r.StartedAt.Format(time.RFC3339), status)
}
