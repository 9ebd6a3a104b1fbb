// Package models fetches the detection engine's weights before a session starts.
package models

import (
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/facecap/internal/utils"
	"github.com/schollz/progressbar/v3"
)

// DefaultBaseURL serves the dlib models as .bz2 archives.
const DefaultBaseURL = "http://dlib.net/files"

// ErrLoad wraps every failure to make the models available. It is fatal for the session.
var ErrLoad = errors.New("face models could not be loaded, please restart")

// Model file names
const (
	ShapePredictor68File = "shape_predictor_68_face_landmarks.dat"
	FaceRecognitionFile  = "dlib_face_recognition_resnet_model_v1.dat"
)

// Required lists the models the engine cannot start without.
var Required = []string{ShapePredictor68File, FaceRecognitionFile}

// DefaultDir returns ~/.facecap/models, or ./.facecap/models if there is no home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".facecap", "models")
	}
	return filepath.Join(home, ".facecap", "models")
}

// Fetcher downloads missing models.
type Fetcher struct {
	BaseURL  string
	Dir      string
	Client   *http.Client
	Progress io.Writer // nil disables the progress bar
}

// Exists reports whether every required model is present in dir.
func Exists(dir string) bool {
	for _, name := range Required {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return false
		}
	}
	return true
}

// Ensure downloads any missing required model and returns the models directory.
func (f *Fetcher) Ensure(ctx context.Context) (string, error) {
	dir := f.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrLoad, dir, err)
	}

	for _, name := range Required {
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		utils.Log.WithField("model", name).Info("downloading model")
		if err := f.download(ctx, name, dest); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrLoad, name, err)
		}
	}
	return dir, nil
}

func (f *Fetcher) download(ctx context.Context, name, dest string) error {
	base := f.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	url := strings.TrimRight(base, "/") + "/" + name + ".bz2"

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP status %d from %s", resp.StatusCode, url)
	}

	var body io.Reader = resp.Body
	if f.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription("⬇️  "+name),
			progressbar.OptionSetWriter(f.Progress),
			progressbar.OptionShowBytes(true),
		)
		defer bar.Finish()
		body = io.TeeReader(resp.Body, bar)
	}

	// Write to a temp file so an interrupted download never looks complete.
	tmp, err := os.CreateTemp(filepath.Dir(dest), name+".*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bzip2.NewReader(body)); err != nil {
		tmp.Close()
		return fmt.Errorf("decompress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
