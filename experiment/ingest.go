package experiment

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/discernus/discernus/artifact"
	"github.com/discernus/discernus/orchestrator"
)

// Ingest stores the frameworks and corpus documents and returns the
// orchestration request for runID. An empty runID is filled in by the
// orchestrator.
func Ingest(ctx context.Context, store artifact.Store, d *Definition, runID string, logger *zap.Logger) (*orchestrator.Request, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	frameworks, err := putFiles(ctx, store, d, d.Frameworks)
	if err != nil {
		return nil, fmt.Errorf("ingest frameworks: %w", err)
	}
	corpus, err := putFiles(ctx, store, d, d.Corpus)
	if err != nil {
		return nil, fmt.Errorf("ingest corpus: %w", err)
	}

	logger.Info("experiment ingested",
		zap.String("experiment", d.Name),
		zap.Int("frameworks", len(frameworks)),
		zap.Int("documents", len(corpus)))

	return &orchestrator.Request{
		RunID:            runID,
		ExperimentName:   d.Name,
		ExperimentParams: d.Params,
		FrameworkHashes:  frameworks,
		CorpusHashes:     corpus,
		Model:            d.Model,
		PreTest:          d.PreTest,
		Review:           d.Review,
		Moderation:       d.Moderation,
		Reviewers:        d.Reviewers,
		Ideology:         d.Ideology,
	}, nil
}

// putFiles stores each path; directories contribute their regular files in
// lexical order, skipping dotfiles.
func putFiles(ctx context.Context, store artifact.Store, d *Definition, paths []string) ([]string, error) {
	var hashes []string
	for _, p := range paths {
		files, err := expand(d.resolve(p))
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%s: no documents", p)
		}
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				return nil, err
			}
			hash, err := store.Put(ctx, data)
			if err != nil {
				return nil, fmt.Errorf("store %s: %w", f, err)
			}
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

func expand(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(e.Name(), ".") && p != path {
			if e.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if e.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
