package safety

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autotrader/internal/errors"
)

// killSwitchName is the marker file an engaged kill switch leaves in the
// config directory. Its presence, not its contents, is the signal, so a
// gate check is a single stat call.
const killSwitchName = "kill_switch"

// KillSwitchFile returns the kill-switch marker path for a config directory.
func KillSwitchFile(configDir string) string {
	return filepath.Join(configDir, killSwitchName)
}

// EngageKillSwitch writes the marker file so every gate sharing the config
// directory refuses orders, including gates in already-running engines.
func EngageKillSwitch(path, reason string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "creating kill switch directory")
	}
	body := fmt.Sprintf("engaged_at: %s\nreason: %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		return errors.Wrap(err, "writing kill switch file")
	}
	return nil
}

// ReleaseKillSwitch removes the marker file. Releasing an already-released
// switch is not an error.
func ReleaseKillSwitch(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing kill switch file")
	}
	return nil
}

// KillSwitchEngaged reports whether the marker file exists.
func KillSwitchEngaged(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
