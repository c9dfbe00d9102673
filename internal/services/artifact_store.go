package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"genmedia-backend/internal/metrics"
	"genmedia-backend/internal/repository"
)

// ArtifactStore persists task outputs (image, video, or zip archive) under a
// content-addressed layout: artifacts/<aa>/<sha256><ext>. Two tasks producing
// identical bytes share one file, so removal always goes through a reference
// check against live task rows.
// orphanGrace shields a freshly stored artifact from the orphan sweep while
// the terminal transition that records its ref is still being persisted.
const orphanGrace = 5 * time.Minute

type ArtifactStore struct {
	dir         string
	repo        repository.TaskRepository
	retention   time.Duration
	sweepEvery  time.Duration
	orphanGrace time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArtifactStore creates an artifact store rooted at dir
func NewArtifactStore(dir string, repo repository.TaskRepository, retention, sweepEvery time.Duration) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &ArtifactStore{
		dir:         dir,
		repo:        repo,
		retention:   retention,
		sweepEvery:  sweepEvery,
		orphanGrace: orphanGrace,
		stopChan:    make(chan struct{}),
	}, nil
}

// Start launches the background expiry sweep
func (s *ArtifactStore) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
	log.Printf("✅ [ArtifactStore] Started (dir=%s, retention=%s)", s.dir, s.retention)
}

// Stop terminates the sweep loop
func (s *ArtifactStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Put ingests a worker output file and returns its artifact ref. The source
// file is consumed (renamed when possible, copied otherwise).
func (s *ArtifactStore) Put(taskID, srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to open worker output: %w", err)
	}

	hasher := sha256.New()
	if _, err := io.Copy(hasher, src); err != nil {
		src.Close()
		return "", fmt.Errorf("failed to hash worker output: %w", err)
	}
	src.Close()

	sum := hex.EncodeToString(hasher.Sum(nil))
	ext := strings.ToLower(filepath.Ext(srcPath))
	ref := "sha256:" + sum + ext

	destDir := filepath.Join(s.dir, sum[:2])
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact shard dir: %w", err)
	}
	dest := filepath.Join(destDir, sum+ext)

	if _, err := os.Stat(dest); err == nil {
		// Identical content already stored; drop the duplicate source.
		os.Remove(srcPath)
		return ref, nil
	}

	if err := os.Rename(srcPath, dest); err != nil {
		// Cross-device move; fall back to copy.
		if err := copyFile(srcPath, dest); err != nil {
			return "", fmt.Errorf("failed to store artifact: %w", err)
		}
		os.Remove(srcPath)
	}

	log.Printf("✅ [ArtifactStore] Stored artifact for task %s: %s", taskID, ref)
	return ref, nil
}

// Path resolves an artifact ref to its on-disk path
func (s *ArtifactStore) Path(ref string) (string, error) {
	sum, ext, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, sum[:2], sum+ext)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// Open opens an artifact for reading
func (s *ArtifactStore) Open(ref string) (*os.File, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// Remove deletes an artifact if no live task row still references it
func (s *ArtifactStore) Remove(ctx context.Context, ref string) error {
	if s.repo != nil {
		count, err := s.repo.CountByResultRef(ctx, ref)
		if err != nil {
			return err
		}
		if count > 0 {
			return nil
		}
	}
	path, err := s.Path(ref)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return os.Remove(path)
}

func (s *ArtifactStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			removed, err := s.SweepOnce(context.Background())
			if err != nil {
				log.Printf("⚠️ [ArtifactStore] Sweep failed: %v", err)
			} else if removed > 0 {
				log.Printf("🧹 [ArtifactStore] Sweep removed %d artifact(s)", removed)
			}
		}
	}
}

// SweepOnce removes artifacts older than the retention window and orphans
// no live task references. Age wins over references: an over-age artifact
// goes away even if its task row still exists, to bound disk usage. Files
// younger than the orphan grace window are never treated as orphans: the
// store ingests the file before the task row learns its ref, so a fresh
// artifact is briefly unreferenced by design.
func (s *ArtifactStore) SweepOnce(ctx context.Context) (int, error) {
	removed := 0
	now := time.Now()
	cutoff := now.Add(-s.retention)
	graceCutoff := now.Add(-s.orphanGrace)

	err := filepath.Walk(s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		ref := "sha256:" + info.Name()

		expired := info.ModTime().Before(cutoff)
		orphaned := false
		if !expired && info.ModTime().Before(graceCutoff) && s.repo != nil {
			count, err := s.repo.CountByResultRef(ctx, ref)
			if err == nil && count == 0 {
				orphaned = true
			}
		}

		if expired || orphaned {
			if err := os.Remove(path); err == nil {
				removed++
				metrics.ArtifactsSwept.Inc()
			}
		}
		return nil
	})

	return removed, err
}

// parseRef validates and splits an artifact ref of form "sha256:<hex><ext>"
func parseRef(ref string) (sum, ext string, err error) {
	body, ok := strings.CutPrefix(ref, "sha256:")
	if !ok {
		return "", "", ErrNotFound
	}
	ext = filepath.Ext(body)
	sum = strings.TrimSuffix(body, ext)
	if len(sum) != 64 {
		return "", "", ErrNotFound
	}
	for _, c := range sum {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", "", ErrNotFound
		}
	}
	// Extension is reused in a filesystem path; keep it boring.
	for _, c := range ext[min(1, len(ext)):] {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "", "", ErrNotFound
		}
	}
	return sum, ext, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}
