package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/splax/localvercel/edge/internal/domain"
	"github.com/splax/localvercel/edge/internal/service/descriptor"
)

type deployedMarker struct {
	Timestamp  time.Time              `json:"timestamp"`
	Descriptor *descriptor.Descriptor `json:"descriptor"`
}

func writeDeployed(dir string, desc *descriptor.Descriptor, at time.Time) error {
	return writeJSON(filepath.Join(dir, markerDeployed), deployedMarker{Timestamp: at, Descriptor: desc})
}

// readFailed returns the .failed history in dir, oldest first.
func readFailed(dir string) ([]domain.FailureEntry, error) {
	raw, err := os.ReadFile(filepath.Join(dir, markerFailed))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var history []domain.FailureEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("parse %s: %w", markerFailed, err)
	}
	return history, nil
}

// appendFailed adds entry to the .failed history, keeping the newest
// domain.MaxFailureHistory entries. A corrupt history is replaced.
func appendFailed(dir string, entry domain.FailureEntry) ([]domain.FailureEntry, error) {
	history, err := readFailed(dir)
	if err != nil {
		history = nil
	}
	history = domain.AppendFailure(history, entry)
	return history, writeJSON(filepath.Join(dir, markerFailed), history)
}

func clearFailed(dir string) error {
	err := os.Remove(filepath.Join(dir, markerFailed))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// writeJSON replaces path atomically through a hidden temp file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
