package common

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// Default launch options.
const (
	DefaultLaunchTimeout     = 30 * time.Second
	DefaultNavigationTimeout = 20 * time.Second
)

// ErrExecutableNotFound is returned when no Chromium executable was given
// and none could be found.
var ErrExecutableNotFound = errors.New("chromium executable not found")

// LaunchOptions stores the options of a local browser and its sessions.
type LaunchOptions struct {
	// ExecutablePath is the browser binary. Looked up in PATH when empty.
	ExecutablePath string `json:"executablePath" yaml:"executablePath"`
	// Headless runs the browser without a window.
	Headless bool `json:"headless" yaml:"headless"`
	// Args are appended to the default browser flags.
	Args []string `json:"args" yaml:"args"`
	// Env is added to the browser process environment.
	Env []string `json:"env" yaml:"env"`
	// Timeout bounds launching and connecting to the browser.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// NavigationTimeout is the per-navigation timeout of new sessions.
	NavigationTimeout time.Duration `json:"navigationTimeout" yaml:"navigationTimeout"`
}

// NewLaunchOptions returns the default launch options.
func NewLaunchOptions() *LaunchOptions {
	return &LaunchOptions{
		Headless:          true,
		Timeout:           DefaultLaunchTimeout,
		NavigationTimeout: DefaultNavigationTimeout,
	}
}

// Validate validates the launch options.
func (l *LaunchOptions) Validate() error {
	if l.Timeout <= 0 {
		return fmt.Errorf("invalid launch timeout %s: must be positive", l.Timeout)
	}
	if l.NavigationTimeout <= 0 {
		return fmt.Errorf("invalid navigation timeout %s: must be positive", l.NavigationTimeout)
	}

	return nil
}

// BrowserArgs returns the command line flags to start the browser with,
// keeping its profile in userDataDir.
func (l *LaunchOptions) BrowserArgs(userDataDir string) []string {
	args := []string{
		"--disable-background-networking",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-breakpad",
		"--disable-default-apps",
		"--disable-dev-shm-usage",
		"--disable-hang-monitor",
		"--disable-popup-blocking",
		"--disable-prompt-on-repost",
		"--metrics-recording-only",
		"--no-default-browser-check",
		"--no-first-run",
		"--no-startup-window",
		"--password-store=basic",
		"--use-mock-keychain",
		"--remote-debugging-port=0",
		"--user-data-dir=" + userDataDir,
	}
	if l.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars", "--mute-audio")
	}
	return append(args, l.Args...)
}

// LookupExecutable returns ExecutablePath, or the first Chromium flavour
// found in PATH.
func (l *LaunchOptions) LookupExecutable() (string, error) {
	if l.ExecutablePath != "" {
		return l.ExecutablePath, nil
	}

	candidates := []string{
		"google-chrome",
		"google-chrome-stable",
		"chromium",
		"chromium-browser",
		"chrome",
	}
	switch runtime.GOOS {
	case "darwin":
		candidates = append(candidates,
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		)
	case "windows":
		candidates = append(candidates,
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		)
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}

	return "", ErrExecutableNotFound
}
