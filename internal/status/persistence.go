// Package status provides the sync coordinator's observable state and its persistence.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

//go:generate mockgen -destination=mocks/mock_persistence.go -package=mocks -source=persistence.go Persistence

const (
	// StatusFileName is the name of the status file
	StatusFileName = "status.json"
)

// Persistence defines the interface for snapshot persistence
type Persistence interface {
	// Save stores the snapshot
	Save(ctx context.Context, snapshot Snapshot) error

	// Load returns the stored snapshot, or an empty one if nothing was saved yet
	Load(ctx context.Context) (*Snapshot, error)
}

// filePersistence implements Persistence using local filesystem
type filePersistence struct {
	basePath string
}

// NewFilePersistence creates a new file-based persistence rooted at basePath
func NewFilePersistence(basePath string) Persistence {
	return &filePersistence{
		basePath: basePath,
	}
}

// Save writes the snapshot to status.json
func (f *filePersistence) Save(_ context.Context, snapshot Snapshot) error {
	if err := os.MkdirAll(f.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	filePath := filepath.Join(f.basePath, StatusFileName)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data: %w", err)
	}

	// Write to temporary file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file: %w", err)
	}

	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}

	return nil
}

// Load reads status.json. A missing file is not an error.
func (f *filePersistence) Load(_ context.Context) (*Snapshot, error) {
	filePath := filepath.Join(f.basePath, StatusFileName)

	// #nosec G304 -- filePath is built from the configured data directory
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data: %w", err)
	}

	return &snapshot, nil
}
