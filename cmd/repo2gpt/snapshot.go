package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/repo2gpt/server/internal/logger"
	"github.com/repo2gpt/server/internal/snapshot"
)

func snapshotAction(ctx context.Context, cmd *cli.Command) error {
	logCfg := logger.DefaultConfig()
	logCfg.Format = "text"
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		logCfg.Level = logger.ParseLevel(lvl)
	}
	log := logger.New(logCfg)

	dir := cmd.Args().First()
	if dir == "" {
		return errors.New("a repository directory is required")
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	out, err := filepath.Abs(cmd.String("out"))
	if err != nil {
		return err
	}
	chunksOut := filepath.Join(out, "chunks")
	if err := os.RemoveAll(chunksOut); err != nil {
		return err
	}
	if err := os.MkdirAll(chunksOut, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	repoMapOut := filepath.Join(out, "repomap.txt")

	opts := &snapshot.Options{
		IgnorePatterns:    cmd.StringSlice("ignore"),
		IncludePatterns:   cmd.StringSlice("include"),
		AllowedExtensions: cmd.StringSlice("ext"),
	}
	if cmd.Bool("allow-non-code") {
		allow := true
		opts.AllowNonCode = &allow
	}
	if n := cmd.Int("max-file-bytes"); n > 0 {
		limit := int64(n)
		opts.MaxFileBytes = &limit
	}

	newEstimator := snapshot.NewTokenEstimator
	if cmd.Bool("approximate-tokens") {
		newEstimator = snapshot.ApproximateEstimators
	}
	estimator := newEstimator(!cmd.Bool("no-token-counts"))

	chunkTokens := 0
	snap, err := snapshot.Collect(ctx, root, snapshot.CollectOptions{
		Filter:          snapshot.NewFilter(root, opts),
		Estimator:       estimator,
		Skip:            snapshot.SkipPaths(root, out),
		ChunkTokenLimit: int(cmd.Int("chunk-token-limit")),
		OnRepoMap: func(text string) error {
			return os.WriteFile(repoMapOut, []byte(text), 0644)
		},
		OnChunk: func(c snapshot.Chunk) error {
			chunkTokens += c.TokenCount
			name := filepath.Join(chunksOut, fmt.Sprintf("chunk_%04d.md", c.Index))
			return os.WriteFile(name, []byte(c.Content), 0644)
		},
	})
	if err != nil {
		return err
	}

	for _, w := range snap.Warnings {
		log.Warn(w)
	}
	log.Info("snapshot written",
		"repo_map", repoMapOut,
		"chunks", len(snap.Chunks),
		"chunk_tokens", chunkTokens,
		"repo_map_tokens", estimator.Count(snap.RepoMap),
		"token_estimator", estimator.Strategy(),
	)
	return nil
}
