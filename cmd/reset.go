package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB     bool
	resetFiles  bool
	resetModels bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset stored state (Archive, Output Files, Models)",
	Long:  "Clears stored data. By default it resets the archive and output files. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing archive and outputs
		if !resetDB && !resetFiles && !resetModels {
			resetDB = DB != nil
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if err := requireArchive(); err != nil {
				return err
			}
			if confirm(reader, "⚠️  Are you sure you want to DROP all archive tables?") {
				fmt.Println("🗑️  Clearing Archive...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset archive", err, nil)
					return err
				}
			}
		}

		if resetFiles && Cfg.Capture.OutputDir != "" {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all captured images in %s?", Cfg.Capture.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Files...")
				removeDir(Cfg.Capture.OutputDir)
			}
		}

		if resetModels {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete the downloaded models in %s?", Cfg.Engine.ModelsDir)) {
				fmt.Println("🗑️  Clearing Models...")
				removeDir(Cfg.Engine.ModelsDir)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "archive", false, "Drop the PostgreSQL session archive")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete captured images in the output directory")
	resetCmd.Flags().BoolVar(&resetModels, "models", false, "Delete downloaded face models")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
