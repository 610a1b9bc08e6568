package ledger

import (
	"os"
	"runtime"
)

// hostFingerprint describes the process and desktop session the ledger was
// opened in. It is collected once per session, read-only.
func hostFingerprint() map[string]any {
	fp := map[string]any{
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"runtime": runtime.Version(),
		"uid":     os.Getuid(),
		"euid":    os.Geteuid(),
		"is_root": os.Geteuid() == 0,
	}
	if h, err := os.Hostname(); err == nil {
		fp["hostname"] = h
	}
	for key, env := range map[string]string{
		"display":         "DISPLAY",
		"wayland_display": "WAYLAND_DISPLAY",
		"desktop_session": "XDG_SESSION_DESKTOP",
		"session_type":    "XDG_SESSION_TYPE",
		"shell":           "SHELL",
		"term":            "TERM",
	} {
		if v := os.Getenv(env); v != "" {
			fp[key] = v
		}
	}
	return fp
}
