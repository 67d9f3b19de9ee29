package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Storage persists the blobs a song produces during generation: the final
// audio render and the (best-effort) cover image. Implementations return a
// URL/path the rest of the system treats opaquely — data.Song stores exactly
// what comes back here in AudioURL/CoverURL.
type Storage interface {
	// PutAudio copies the audio file at sourcePath (as returned by the audio
	// provider's poll result) into persistent storage and returns its
	// resulting location.
	PutAudio(ctx context.Context, songID, sourcePath string) (string, error)

	// PutCover stores a cover image's raw bytes and returns its location.
	PutCover(ctx context.Context, songID string, data []byte, format string) (string, error)
}

// LocalStorage is a filesystem-backed [Storage] that copies blobs under a
// base directory, one subdirectory per song. It exists as the pipeline's
// default so the package is usable without wiring an external object store;
// a production daemon is expected to supply its own Storage (e.g. backed by
// a bucket) through [WithStorage].
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage returns a LocalStorage rooted at baseDir. An empty baseDir
// defaults to a fixed directory under os.TempDir(), which is adequate for
// local development and tests but not meant for production use.
func NewLocalStorage(baseDir string) *LocalStorage {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "infinitune-storage")
	}
	return &LocalStorage{baseDir: baseDir}
}

func (s *LocalStorage) PutAudio(ctx context.Context, songID, sourcePath string) (string, error) {
	return s.put(songID, "audio"+filepath.Ext(sourcePath), func(w io.Writer) error {
		src, err := os.Open(sourcePath)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

func (s *LocalStorage) PutCover(ctx context.Context, songID string, data []byte, format string) (string, error) {
	return s.put(songID, "cover."+format, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (s *LocalStorage) put(songID, filename string, write func(io.Writer) error) (string, error) {
	dir := filepath.Join(s.baseDir, songID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: create storage dir: %w", err)
	}

	dest := filepath.Join(dir, filename)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("pipeline: create storage file: %w", err)
	}
	defer f.Close()

	if err := write(f); err != nil {
		return "", fmt.Errorf("pipeline: write storage file: %w", err)
	}
	return dest, nil
}
