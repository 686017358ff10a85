// hashing.go: Parallel content hashing of plugin bundles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// DefaultHashWorkers is the size of the hashing worker pool.
const DefaultHashWorkers = 4

// HashFile returns the hex-encoded SHA-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from the configured plugins directory
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type hashResult struct {
	path string
	hash string
	err  error
}

// hashBundles hashes every path on a bounded worker pool. Results come back
// in the order of paths regardless of completion order.
func hashBundles(ctx context.Context, paths []string, workers int) ([]hashResult, error) {
	results := make([]hashResult, len(paths))
	if len(paths) == 0 {
		return results, nil
	}
	if workers <= 0 {
		workers = DefaultHashWorkers
	}

	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, path := range paths {
		i, path := i, path
		results[i].path = path

		if err := ctx.Err(); err != nil {
			results[i].err = err
			continue
		}

		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return
			}
			results[i].hash, results[i].err = HashFile(path)
		})
		if submitErr != nil {
			wg.Done()
			results[i].err = submitErr
		}
	}
	wg.Wait()
	return results, nil
}
