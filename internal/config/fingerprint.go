package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// FileFingerprint is the BLAKE3 digest of one configuration input.
type FileFingerprint struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// FingerprintReport captures the digests of everything that shapes runtime
// behavior: the config file itself and any script templates it points at.
// Operators compare reports across hosts or deploys to spot drift.
type FingerprintReport struct {
	Files    []FileFingerprint `json:"files"`
	Combined string            `json:"combined"`
}

// ComputeFileHash computes the BLAKE3 hash of a file.
func ComputeFileHash(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Fingerprint hashes the config file and every template file in
// templatesDir (if set). The combined digest hashes the sorted
// per-file digests, so it is stable across directory listing order.
func Fingerprint(configPath, templatesDir string) (*FingerprintReport, error) {
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	paths := []string{absConfig}
	if templatesDir != "" {
		entries, err := os.ReadDir(templatesDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read templates dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
				paths = append(paths, filepath.Join(templatesDir, name))
			}
		}
	}
	sort.Strings(paths)

	report := &FingerprintReport{Files: make([]FileFingerprint, 0, len(paths))}
	hasher := blake3.New()
	for _, p := range paths {
		h, err := ComputeFileHash(p)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", p, err)
		}
		report.Files = append(report.Files, FileFingerprint{Path: p, Hash: h})
		fmt.Fprintf(hasher, "%s %s\n", filepath.Base(p), h)
	}

	sum := hasher.Sum(nil)
	report.Combined = hex.EncodeToString(sum)
	return report, nil
}
