package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facecap/internal/camera"
	"github.com/andresmejia3/facecap/internal/config"
	"github.com/andresmejia3/facecap/internal/crop"
	"github.com/andresmejia3/facecap/internal/identity"
	"github.com/andresmejia3/facecap/internal/models"
	"github.com/andresmejia3/facecap/internal/overlay"
	"github.com/andresmejia3/facecap/internal/scheduler"
	"github.com/andresmejia3/facecap/internal/session"
	"github.com/andresmejia3/facecap/internal/store"
	"github.com/andresmejia3/facecap/internal/types"
	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/andresmejia3/facecap/internal/web"
	"github.com/andresmejia3/facecap/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// CaptureOptions holds the capture flags. Only flags the user sets override the configuration.
type CaptureOptions struct {
	Device       string
	Format       string
	MaxFaces     int
	Interval     time.Duration
	Threshold    float64
	NumEngines   int
	Listen       string
	OutputDir    string
	ExitWhenFull bool
	NoOverlay    bool
	ModelsDir    string
}

var captureOpts CaptureOptions

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Watch the camera and capture up to three distinct faces",
	Long: `Streams the camera, samples a frame every capture interval and keeps each face whose
descriptor is far enough from every face already captured. Each capture stores the face crop
plus eye, nose and mouth crops. The session ends when the limit is reached or on Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyCaptureFlags(cmd, Cfg, captureOpts)
		if err := Cfg.Validate(); err != nil {
			utils.ShowError("Invalid configuration", err, nil)
			return err
		}
		return runCapture(cmd.Context(), Cfg)
	},
}

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureOpts.Device, "device", "i", "", "Camera device or video file (default depends on the platform)")
	f.StringVar(&captureOpts.Format, "format", "", "ffmpeg input format, e.g. v4l2 or avfoundation (empty for files)")
	f.IntVarP(&captureOpts.MaxFaces, "max-faces", "m", session.MaxFaces, "Number of distinct faces to capture")
	f.DurationVar(&captureOpts.Interval, "interval", scheduler.DefaultInterval, "Time between capture attempts")
	f.Float64VarP(&captureOpts.Threshold, "threshold", "t", identity.AcceptThreshold, "Minimum descriptor distance for a face to count as new")
	f.IntVarP(&captureOpts.NumEngines, "engines", "e", 1, "Number of detection engine processes")
	f.StringVarP(&captureOpts.Listen, "listen", "l", "", "Address of the display server (empty string disables it)")
	f.StringVarP(&captureOpts.OutputDir, "output", "o", "", "Write the captured crops as JPEG files under this directory")
	f.BoolVar(&captureOpts.ExitWhenFull, "exit-when-full", false, "Stop as soon as the limit is reached instead of waiting for Ctrl+C")
	f.BoolVar(&captureOpts.NoOverlay, "no-overlay", false, "Disable the landmark overlay")
	f.StringVar(&captureOpts.ModelsDir, "models", "", "Directory holding the face models (downloaded when missing)")
	rootCmd.AddCommand(captureCmd)
}

// applyCaptureFlags copies explicitly set flags onto cfg.
func applyCaptureFlags(cmd *cobra.Command, cfg *config.Config, opts CaptureOptions) {
	flags := cmd.Flags()
	if flags.Changed("device") {
		cfg.Camera.Device = opts.Device
		if !flags.Changed("format") {
			cfg.Camera.Format = ""
		}
	}
	if flags.Changed("format") {
		cfg.Camera.Format = opts.Format
	}
	if flags.Changed("max-faces") {
		cfg.Capture.MaxFaces = opts.MaxFaces
	}
	if flags.Changed("interval") {
		cfg.Capture.Interval = opts.Interval
	}
	if flags.Changed("threshold") {
		cfg.Capture.Threshold = opts.Threshold
	}
	if flags.Changed("engines") {
		cfg.Engine.Engines = opts.NumEngines
	}
	if flags.Changed("listen") {
		cfg.Web.Addr = opts.Listen
	}
	if flags.Changed("output") {
		cfg.Capture.OutputDir = opts.OutputDir
	}
	if flags.Changed("exit-when-full") {
		cfg.Capture.ExitWhenFull = opts.ExitWhenFull
	}
	if flags.Changed("no-overlay") {
		cfg.Overlay.Enabled = !opts.NoOverlay
	}
	if flags.Changed("models") {
		cfg.Engine.ModelsDir = opts.ModelsDir
	}
}

// runCapture orchestrates one session: models, engines, camera, scheduler, overlay, display and archive.
func runCapture(ctx context.Context, cfg *config.Config) error {
	// 1. Models. Failure here is fatal and the user has to restart.
	fmt.Fprintln(os.Stderr, "📦 Checking face models...")
	fetcher := &models.Fetcher{BaseURL: cfg.Engine.ModelsURL, Dir: cfg.Engine.ModelsDir, Progress: os.Stderr}
	modelsDir, err := fetcher.Ensure(ctx)
	if err != nil {
		utils.ShowError(models.ErrLoad.Error(), err, nil)
		return err
	}

	// 2. Engines
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Detection Engine(s)...\n", cfg.Engine.Engines)
	pool, err := worker.NewPool(ctx, cfg.Engine.Engines, worker.Config{
		Python:      cfg.Engine.Python,
		Script:      cfg.Engine.Script,
		ModelsDir:   modelsDir,
		ReadTimeout: cfg.Engine.Timeout,
	})
	if err != nil {
		utils.ShowError("Failed to start detection engine", err, nil)
		return err
	}
	defer pool.Close()

	// 3. Camera
	fmt.Fprintf(os.Stderr, "📷 Opening camera %s...\n", cfg.Camera.Device)
	cam, err := camera.Open(ctx, utils.CaptureSource{
		Device:    cfg.Camera.Device,
		Format:    cfg.Camera.Format,
		Width:     cfg.Camera.Width,
		Height:    cfg.Camera.Height,
		FrameRate: cfg.Camera.FrameRate,
	}, cfg.Camera.StartTimeout)
	if err != nil {
		utils.ShowError("Camera unavailable", err, nil)
		return err
	}
	defer cam.Close()

	sess := session.New(cfg.Capture.MaxFaces)
	fmt.Fprintf(os.Stderr, "🎬 Session %s started, looking for %d faces\n", sess.ID[:8], sess.Max())

	bar := progressbar.NewOptions(sess.Max(),
		progressbar.OptionSetDescription("🙂 Capturing faces"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup

	// 4. Camera watchdog: a dead stream ends the session.
	var camErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-cam.Done():
			camErr = cam.Err()
			if camErr == nil {
				camErr = errors.New("camera stream ended")
			}
			cancel()
		case <-runCtx.Done():
		}
	}()

	// 5. Overlay
	var loop *overlay.Loop
	if cfg.Overlay.Enabled {
		loop = overlay.NewLoop(cam, pool.Detector(worker.ModeLandmarks), nil, cfg.Overlay.FPS)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(runCtx)
		}()
	}

	// 6. Display server
	if cfg.Web.Addr != "" {
		var ov web.OverlaySource
		if loop != nil {
			ov = loop
		}
		srv := web.NewServer(sess, ov, cfg.Web.Addr)
		fmt.Fprintf(os.Stderr, "🌐 Display server on http://%s\n", cfg.Web.Addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(runCtx); err != nil {
				utils.Log.WithError(err).Warn("display server stopped")
			}
		}()
	}

	// 7. Capture loop
	sched := scheduler.New(sess, cam, pool.Detector(worker.ModeFull), scheduler.Options{
		Interval:  cfg.Capture.Interval,
		Threshold: cfg.Capture.Threshold,
		Crop:      cfg.CropOptions(),
		OnCapture: func(c types.Capture, s *session.Session) {
			bar.Set(s.Len())
		},
	})
	runErr := sched.Run(runCtx)
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	if runErr == nil {
		fmt.Fprintf(os.Stderr, "✅ Captured %d distinct faces\n", sess.Len())
		if !cfg.Capture.ExitWhenFull && cfg.Web.Addr != "" {
			fmt.Fprintln(os.Stderr, "🖥️  Still serving the session, press Ctrl+C to finish")
			<-runCtx.Done()
		}
	}
	cancel()
	wg.Wait()

	interrupted := ctx.Err() != nil
	if camErr != nil && !interrupted {
		utils.ShowError("Camera stream lost", camErr, cam.Stderr())
	} else if interrupted && runErr != nil {
		fmt.Fprintln(os.Stderr, "🛑 Interrupted, finishing session...")
	}

	// 8. Finish: snapshot, archive, files, summary
	captures, groups := endSession(sess)

	if err := finishSession(sess, captures, groups, cfg.Capture.OutputDir); err != nil {
		return err
	}
	if camErr != nil && !interrupted {
		return camErr
	}
	return nil
}

// endSession closes sess and returns its final captures and groups. Nothing can be added after
// the snapshot is taken.
func endSession(sess *session.Session) ([]types.Capture, []types.Group) {
	captures := sess.Close()
	return captures, session.Groups(captures)
}

func finishSession(sess *session.Session, captures []types.Capture, groups []types.Group, outputDir string) error {
	if DB != nil {
		rec := store.SessionRecord{
			ID:        sess.ID,
			StartedAt: sess.StartedAt,
			EndedAt:   sess.EndedAt(),
			MaxFaces:  sess.Max(),
			Captures:  len(captures),
			Groups:    len(groups),
		}
		// Background: the command context is likely cancelled by now.
		if err := DB.SaveSession(context.Background(), rec, captures); err != nil {
			utils.ShowError("Failed to archive session", err, nil)
			return err
		}
		fmt.Fprintln(os.Stderr, "🗄️  Session archived")
	}

	if outputDir != "" && len(captures) > 0 {
		dir := filepath.Join(outputDir, sess.ID)
		n, err := writeCaptures(dir, captures)
		if err != nil {
			utils.ShowError("Failed to write captures", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Wrote %d images to %s\n", n, dir)
	}

	printSummary(os.Stdout, captures, groups)
	return nil
}

// captureFiles maps output file suffixes to capture crops. Empty crops are skipped.
func captureFiles(c types.Capture) []struct {
	name string
	data []byte
} {
	return []struct {
		name string
		data []byte
	}{
		{web.PartFace, c.Image},
		{crop.LeftEye, c.LeftEye},
		{crop.RightEye, c.RightEye},
		{crop.Nose, c.Nose},
		{crop.Mouth, c.Mouth},
	}
}

// writeCaptures writes every non-empty crop as <dir>/<n>-<part>.jpg and returns the file count.
func writeCaptures(dir string, captures []types.Capture) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	written := 0
	for i, c := range captures {
		for _, f := range captureFiles(c) {
			if len(f.data) == 0 {
				continue
			}
			path := filepath.Join(dir, fmt.Sprintf("%d-%s.jpg", i+1, f.name))
			if err := os.WriteFile(path, f.data, 0644); err != nil {
				return written, fmt.Errorf("write %s: %w", path, err)
			}
			written++
		}
	}
	return written, nil
}

// printSummary lists the captures and their identity groups.
func printSummary(out io.Writer, captures []types.Capture, groups []types.Group) {
	if len(captures) == 0 {
		fmt.Fprintln(out, "No faces captured.")
		return
	}

	groupOf := make(map[string]int)
	for gi, g := range groups {
		for _, c := range g.Captures {
			groupOf[c.ID] = gi + 1
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tID\tGROUP\tCAPTURED\tCROPS")
	fmt.Fprintln(w, "-\t--\t-----\t--------\t-----")
	for i, c := range captures {
		var parts []string
		for _, f := range captureFiles(c) {
			if len(f.data) > 0 {
				parts = append(parts, f.name)
			}
		}
		group := "-"
		if g, ok := groupOf[c.ID]; ok {
			group = fmt.Sprint(g)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, c.ID, group, c.CapturedAt.Local().Format("15:04:05"), strings.Join(parts, ","))
	}
	w.Flush()
}
