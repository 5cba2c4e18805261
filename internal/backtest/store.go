package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"autotrader/internal/errors"
)

// SaveResult writes a result document as JSON via temp file and rename, so
// a crash mid-write never leaves a torn file. Returns the final path.
func SaveResult(dir string, r *Result) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating results directory")
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "serializing result")
	}

	name := fmt.Sprintf("backtest_%s_%s_%s.json", r.Symbol, r.Variant, r.ID)
	path := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, ".result-*.json")
	if err != nil {
		return "", errors.Wrap(err, "creating temp result file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "writing temp result file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "syncing temp result file")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing temp result file")
	}

	if err := os.Rename(tmpName, path); err != nil {
		return "", errors.Wrap(err, "replacing result file")
	}
	return path, nil
}

// LoadResult reads a previously saved result document.
func LoadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading result file")
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "parsing result file")
	}
	return &r, nil
}
