package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/andresmejia3/facecap/internal/identity"
	"github.com/andresmejia3/facecap/internal/models"
	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/andresmejia3/facecap/internal/worker"
	"github.com/spf13/cobra"
)

var compareThreshold float64

var compareCmd = &cobra.Command{
	Use:   "compare <a> <b>",
	Short: "Compare two faces by descriptor distance",
	Long: `Each argument is either an image file, which is run through the detection engine, or the ID
of an archived capture. Prints the descriptor distance, whether the faces are considered the same
person, and whether the second face would be admitted into a session holding the first.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCompare(cmd.Context(), args[0], args[1])
	},
}

func init() {
	compareCmd.Flags().Float64VarP(&compareThreshold, "threshold", "t", identity.AcceptThreshold, "Admission threshold")
	rootCmd.AddCommand(compareCmd)
}

// descriptorSource resolves a command argument to a face descriptor.
type descriptorSource func(ctx context.Context, arg string) (types.Descriptor, error)

func runCompare(ctx context.Context, a, b string) error {
	var pool *worker.Pool
	defer func() {
		if pool != nil {
			pool.Close()
		}
	}()

	resolve := func(ctx context.Context, arg string) (types.Descriptor, error) {
		if info, err := os.Stat(arg); err == nil && !info.IsDir() {
			if pool == nil {
				fmt.Fprintln(os.Stderr, "🚀 Starting Detection Engine...")
				p, err := startCompareEngine(ctx)
				if err != nil {
					return nil, err
				}
				pool = p
			}
			return imageDescriptor(ctx, pool, arg)
		}
		if err := requireArchive(); err != nil {
			return nil, fmt.Errorf("%s is not a file and %w", arg, err)
		}
		c, err := DB.GetCapture(ctx, arg)
		if err != nil {
			return nil, err
		}
		return c.Descriptor, nil
	}

	return compareFaces(ctx, os.Stdout, resolve, a, b, compareThreshold)
}

func startCompareEngine(ctx context.Context) (*worker.Pool, error) {
	fetcher := &models.Fetcher{BaseURL: Cfg.Engine.ModelsURL, Dir: Cfg.Engine.ModelsDir, Progress: os.Stderr}
	dir, err := fetcher.Ensure(ctx)
	if err != nil {
		utils.ShowError(models.ErrLoad.Error(), err, nil)
		return nil, err
	}
	pool, err := worker.NewPool(ctx, 1, worker.Config{
		Python:      Cfg.Engine.Python,
		Script:      Cfg.Engine.Script,
		ModelsDir:   dir,
		ReadTimeout: Cfg.Engine.Timeout,
	})
	if err != nil {
		utils.ShowError("Failed to start detection engine", err, nil)
		return nil, err
	}
	return pool, nil
}

func imageDescriptor(ctx context.Context, pool *worker.Pool, path string) (types.Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	det, err := pool.Detect(ctx, types.Frame{JPEG: data}, worker.ModeFull)
	if err != nil {
		utils.ShowError("Detection failed", err, pool.Stderr())
		return nil, err
	}
	if det == nil {
		return nil, fmt.Errorf("no face found in %s", path)
	}
	return det.Descriptor, nil
}

// compareFaces prints the distance between two faces and both verdicts.
func compareFaces(ctx context.Context, out io.Writer, resolve descriptorSource, a, b string, threshold float64) error {
	da, err := resolve(ctx, a)
	if err != nil {
		return err
	}
	db, err := resolve(ctx, b)
	if err != nil {
		return err
	}
	if !da.Valid() || !db.Valid() {
		return fmt.Errorf("both faces need a %d-value descriptor", types.DescriptorSize)
	}

	dist := identity.Distance(da, db)
	admitted := identity.ShouldAccept(db, []types.Capture{{Descriptor: da}}, threshold)

	fmt.Fprintf(out, "Distance:   %.4f\n", dist)
	fmt.Fprintf(out, "Same face:  %s (threshold %.2f)\n", yesNo(identity.IsSameFace(da, db)), identity.SameFaceThreshold)
	fmt.Fprintf(out, "Admitted:   %s (threshold %.2f)\n", yesNo(admitted), threshold)
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
