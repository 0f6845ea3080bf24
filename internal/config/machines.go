package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/parser"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 100 * time.Millisecond

// DefaultMachineTable is used when no machine table file exists: one machine
// with the default signal mappings and no device link.
func DefaultMachineTable() *models.MachineTable {
	return &models.MachineTable{
		Machines: []models.MachineConfig{{ID: 1, Name: "Cremer"}},
	}
}

// LoadMachineTable parses the YAML machine table at path. A missing file
// yields DefaultMachineTable.
func LoadMachineTable(path string) (*models.MachineTable, error) {
	if path == "" {
		return DefaultMachineTable(), nil
	}
	table, err := parser.ParseMachineTable(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultMachineTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load machine table %s: %w", path, err)
	}
	return table, nil
}

// WatchMachineTable calls onChange with the freshly parsed table whenever the
// file at path changes. Invalid edits are logged and skipped, keeping the last
// good table. It blocks until ctx is done.
//
// The parent directory is watched rather than the file, since editors often
// replace the file by rename.
func WatchMachineTable(ctx context.Context, path string, onChange func(*models.MachineTable), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			table, err := parser.ParseMachineTable(path)
			if err != nil {
				logger.Warn("machine table reload failed, keeping previous", "path", path, "err", err)
				continue
			}
			logger.Info("machine table reloaded", "path", path, "machines", len(table.Machines))
			onChange(table)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify: watcher error", "err", err)
		}
	}
}
