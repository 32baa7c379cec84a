package topics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moberhofer/OXYGEN-SDK-MQTT/internal/domain"
)

// CacheSuffix is appended to the configuration file name for the reload cache.
const CacheSuffix = ".cache"

// LoadFileContent reads a configuration file. Failures are LoadErrors.
func LoadFileContent(path string) ([]byte, error) {
	if path == "" {
		return nil, &domain.LoadError{Err: fmt.Errorf("no configuration file set")}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.LoadError{Path: path, Err: err}
	}
	return raw, nil
}

// WriteToFile replaces path with document. The write goes through a
// temporary file in the same directory so readers never see a torn file.
func WriteToFile(path string, document []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(document); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// CachePath is where the reload cache for configPath lives inside dir.
// An empty dir places the cache beside the configuration file.
func CachePath(dir, configPath string) string {
	if dir == "" {
		dir = filepath.Dir(configPath)
	}
	return filepath.Join(dir, filepath.Base(configPath)+CacheSuffix)
}
