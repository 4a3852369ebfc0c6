// Package archive is the filesystem artifact store: each binary cache
// owns a directory holding its signing keys and one file per archived
// NAR, plus any in-progress upload staged under a UUID name.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stashcache/stash/pkg/apierr"
	"github.com/stashcache/stash/pkg/log"
	"github.com/stashcache/stash/pkg/metrics"
)

// StartGC launches the hourly GC goroutine for one cache's directory.
// It runs until stop is closed. Callers only start it when the cache's
// retention is greater than zero.
func StartGC(dir string, retentionWeeks int, sign GCSign, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := SweepOnce(dir, retentionWeeks, sign); err != nil {
					log.WithComponent("archive").Error().Err(err).Str("dir", dir).Msg("gc sweep failed")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Dir returns the on-disk directory for a cache given the server's
// configured cache-dir root.
func Dir(cacheDir, cacheName string) string {
	return filepath.Join(cacheDir, cacheName)
}

// EnsureDir creates the cache's directory if it does not already exist.
func EnsureDir(cacheDir, cacheName string) (string, error) {
	dir := Dir(cacheDir, cacheName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apierr.Wrap(apierr.IOFailure, err, "creating cache directory %s", dir)
	}
	return dir, nil
}

// StagingName is the filename an in-progress upload is held under.
func StagingName(uploadID, ext string) string {
	return fmt.Sprintf("%s.nar.%s", uploadID, ext)
}

// FinalName is the filename a completed upload is stored under.
func FinalName(fileHash, ext string) string {
	return fmt.Sprintf("%s.nar.%s", fileHash, ext)
}

// CreateStaging creates an empty staging file for a freshly begun
// upload.
func CreateStaging(dir, uploadID, ext string) error {
	f, err := os.Create(filepath.Join(dir, StagingName(uploadID, ext)))
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "creating staging file for upload %s", uploadID)
	}
	return f.Close()
}

// WriteStaging overwrites the staging file for uploadID with the
// contents of body. It locates the existing staging entry by substring
// match on uploadID, the same lookup finalize and abort use.
func WriteStaging(dir, uploadID string, body io.Reader) (int64, error) {
	name, err := findByUUID(dir, uploadID)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, apierr.Wrap(apierr.IOFailure, err, "opening staging file for upload %s", uploadID)
	}
	defer f.Close()
	n, err := io.Copy(f, body)
	if err != nil {
		return n, apierr.Wrap(apierr.IOFailure, err, "writing staging file for upload %s", uploadID)
	}
	return n, nil
}

// Finalize renames the staging file for uploadID to its finalized name
// under fileHash, preserving the original extension.
func Finalize(dir, uploadID, fileHash string) error {
	name, err := findByUUID(dir, uploadID)
	if err != nil {
		return err
	}
	ext := extensionOf(name)
	oldPath := filepath.Join(dir, name)
	newPath := filepath.Join(dir, FinalName(fileHash, ext))
	if err := os.Rename(oldPath, newPath); err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "finalizing upload %s", uploadID)
	}
	return nil
}

// Abort removes the staging file for uploadID.
func Abort(dir, uploadID string) error {
	name, err := findByUUID(dir, uploadID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "aborting upload %s", uploadID)
	}
	return nil
}

// Open opens the finalized archive file identified by fileHash and
// returns its handle along with the extension used for Content-Type
// and narinfo synthesis.
func Open(dir, fileHash string) (*os.File, string, error) {
	name, err := findByUUID(dir, fileHash)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, "", apierr.Wrap(apierr.IOFailure, err, "opening archive %s", fileHash)
	}
	return f, extensionOf(name), nil
}

func findByUUID(dir, substr string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", apierr.Wrap(apierr.IOFailure, err, "reading cache directory %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), substr) {
			return e.Name(), nil
		}
	}
	return "", apierr.New(apierr.NotFound, "no archive file matching %q in %s", substr, dir)
}

func extensionOf(name string) string {
	// name is "<id>.nar.<ext>"
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// GCSign controls whether age is computed as (now-ctime) (the corrected
// formula) or (ctime-now) (the formula the age formula was ported
// from, which never exceeds a positive retention).
type GCSign int

const (
	// SignCorrected computes age_weeks = (now - ctime) / (7*86400).
	SignCorrected GCSign = iota
	// SignOriginal computes age_weeks = (ctime - now) / (7*86400), always
	// non-positive and so never triggers deletion under a positive
	// retention.
	SignOriginal
)

// SweepOnce removes every archive file in dir whose age in weeks
// exceeds retentionWeeks. Key files (key.pub, key.priv) are skipped.
func SweepOnce(dir string, retentionWeeks int, sign GCSign) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return apierr.Wrap(apierr.IOFailure, err, "reading cache directory %s", dir)
	}
	now := time.Now()
	cacheName := filepath.Base(dir)
	for _, e := range entries {
		if e.IsDir() || e.Name() == "key.pub" || e.Name() == "key.priv" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		var ageWeeks float64
		delta := now.Sub(info.ModTime()).Seconds()
		if sign == SignOriginal {
			delta = -delta
		}
		ageWeeks = delta / (7 * 86400)
		if ageWeeks > float64(retentionWeeks) {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				log.WithComponent("archive").Warn().Err(err).Str("path", path).Msg("gc: failed to remove expired archive")
				continue
			}
			metrics.GCRemovedTotal.WithLabelValues(cacheName).Inc()
			log.WithComponent("archive").Info().Str("path", path).Msg("gc: removed expired archive")
		}
	}
	return nil
}
