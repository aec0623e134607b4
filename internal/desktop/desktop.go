// Package desktop shells out to optional desktop tools: notifications,
// clipboard, and synthetic typing. Every call is best-effort; a missing tool
// is never an error.
package desktop

import (
	"log/slog"
	"os/exec"
	"strings"
)

// Notify sends a desktop notification via notify-send.
func Notify(title, message string) {
	cmd := exec.Command("notify-send", title, message)
	if err := cmd.Run(); err != nil {
		slog.Debug("notify-send unavailable", "error", err)
	}
}

// CopyClipboard puts text on the clipboard, trying wl-copy (Wayland) first
// and xclip (X11) as the fallback. Returns false when neither worked.
func CopyClipboard(text string) bool {
	if text == "" {
		return false
	}
	for _, argv := range [][]string{
		{"wl-copy"},
		{"xclip", "-selection", "clipboard"},
	} {
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Stdin = strings.NewReader(text)
		if err := cmd.Run(); err == nil {
			return true
		}
	}
	slog.Warn("could not copy to clipboard (wl-copy or xclip not available)")
	return false
}

// TypeText types text into the focused window via ydotool. Returns false when
// the tool is unavailable so the caller can print the text instead.
func TypeText(text string) bool {
	if text == "" {
		return false
	}
	cmd := exec.Command("ydotool", "type", "--key-delay=1", text)
	if err := cmd.Run(); err != nil {
		slog.Debug("ydotool unavailable", "error", err)
		return false
	}
	return true
}
