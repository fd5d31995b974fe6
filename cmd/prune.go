package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/veil/internal/utils"
)

var (
	pruneOlderThan time.Duration
	pruneAll       bool
	pruneYes       bool
)

var pruneCmd = &cobra.Command{
	Use:         "prune",
	Short:       "Delete old filter events from the history",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !pruneAll && pruneOlderThan <= 0 {
			return errors.New("either --older-than or --all is required")
		}

		prompt := fmt.Sprintf("⚠️  Delete all events older than %s?", pruneOlderThan)
		if pruneAll {
			prompt = "⚠️  Delete ALL recorded events?"
		}
		if !pruneYes && !confirm(bufio.NewReader(os.Stdin), prompt) {
			fmt.Println("Aborted.")
			return nil
		}

		var (
			n   int64
			err error
		)
		if pruneAll {
			n, err = DB.DeleteAll(cmd.Context())
		} else {
			n, err = DB.DeleteOlderThan(cmd.Context(), time.Now().Add(-pruneOlderThan))
		}
		if err != nil {
			utils.ShowError("Failed to prune events", err, nil)
			return err
		}
		fmt.Printf("🗑️  Deleted %d events.\n", n)
		return nil
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Delete events older than this duration, e.g. 720h")
	pruneCmd.Flags().BoolVar(&pruneAll, "all", false, "Delete every event")
	pruneCmd.Flags().BoolVarP(&pruneYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(pruneCmd)
}
