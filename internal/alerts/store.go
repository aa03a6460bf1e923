package alerts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pwrec/internal/models"
)

// Store persists the active alert set and the user's thresholds.
type Store interface {
	LoadAlerts() ([]models.ConnectionAlert, error)
	SaveAlerts(alerts []models.ConnectionAlert) error
	// LoadThresholds reports ok=false when nothing has been saved yet.
	LoadThresholds() (th models.AlertThresholds, ok bool, err error)
	SaveThresholds(th models.AlertThresholds) error
}

// FileStore keeps alerts and thresholds as two JSON documents.
type FileStore struct {
	AlertsPath     string
	ThresholdsPath string
}

func NewFileStore(alertsPath, thresholdsPath string) *FileStore {
	return &FileStore{AlertsPath: alertsPath, ThresholdsPath: thresholdsPath}
}

func (f *FileStore) LoadAlerts() ([]models.ConnectionAlert, error) {
	var out []models.ConnectionAlert
	found, err := readJSON(f.AlertsPath, &out)
	if err != nil || !found {
		return nil, err
	}
	return out, nil
}

func (f *FileStore) SaveAlerts(alerts []models.ConnectionAlert) error {
	if alerts == nil {
		alerts = []models.ConnectionAlert{}
	}
	return writeJSON(f.AlertsPath, alerts)
}

func (f *FileStore) LoadThresholds() (models.AlertThresholds, bool, error) {
	th := models.DefaultAlertThresholds()
	found, err := readJSON(f.ThresholdsPath, &th)
	if err != nil {
		return models.DefaultAlertThresholds(), false, err
	}
	return th, found, nil
}

func (f *FileStore) SaveThresholds(th models.AlertThresholds) error {
	return writeJSON(f.ThresholdsPath, th)
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSON replaces path atomically so a crash never leaves a truncated file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
