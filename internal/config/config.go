// Package config reads the user configuration file and locates the
// per-user configuration and data directories.
package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/patchbay/internal/graph"
)

const (
	AppName        = "patchbay"
	ConfigFileName = "patchbay.conf"
	StateFileName  = "patchbay.state"

	IconSource = "ImageSource"
	IconSink   = "ImageSink"
	IconView   = "ImageView"
)

var ErrNotFound = errors.New("config file not found")

type Config struct {
	Palette                []graph.Color
	Icons                  map[string]string
	DarkTheme              bool
	DarkThemeSet           bool
	VolumeControlsDisabled bool
}

func Default() Config {
	return Config{
		Palette: append([]graph.Color(nil), graph.DefaultColors...),
		Icons:   map[string]string{},
	}
}

// Parse reads key=value lines. Unknown keys and bad values are reported as
// warnings and otherwise ignored.
func Parse(data []byte) (Config, []string) {
	cfg := Default()
	var palette []graph.Color
	var warnings []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %d: missing '='", lineNo))
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "LineColour", "LineColor":
			c, err := graph.ParseColor(value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			palette = append(palette, c)
		case IconSource, IconSink, IconView:
			cfg.Icons[key] = value
		case "DarkTheme":
			b, err := parseFlag(value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			cfg.DarkTheme = b
			cfg.DarkThemeSet = true
		case "VolumeControlsDisabled":
			b, err := parseFlag(value)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("line %d: %v", lineNo, err))
				continue
			}
			cfg.VolumeControlsDisabled = b
		default:
			warnings = append(warnings, fmt.Sprintf("line %d: unknown key %q", lineNo, key))
		}
	}
	if len(palette) > 0 {
		cfg.Palette = palette
	}
	return cfg, warnings
}

func parseFlag(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "1", "y", "yes", "t", "true":
		return true, nil
	case "0", "n", "no", "f", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", value)
	}
}

// Load reads and parses path. A missing file yields the defaults together
// with ErrNotFound; missing icon overrides are dropped with a warning.
func Load(path string) (Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Default(), nil, err
	}
	cfg, warnings := Parse(data)
	base := filepath.Dir(path)
	for key, icon := range cfg.Icons {
		resolved := icon
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(base, resolved)
		}
		if _, err := os.Stat(resolved); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: icon %s unavailable: %v", key, icon, err))
			delete(cfg.Icons, key)
			continue
		}
		cfg.Icons[key] = resolved
	}
	return cfg, warnings, nil
}

// ConfigDir returns the per-user configuration directory, creating it with
// 0700 permissions. It falls back to the working directory.
func ConfigDir() string {
	base, err := os.UserConfigDir()
	return ensureDir(base, err)
}

// DataDir is the XDG data directory counterpart of ConfigDir.
func DataDir() string {
	base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME"))
	var err error
	if base == "" {
		var home string
		home, err = os.UserHomeDir()
		if err == nil {
			base = filepath.Join(home, ".local", "share")
		}
	}
	return ensureDir(base, err)
}

func ensureDir(base string, err error) string {
	if err == nil && base != "" {
		dir := filepath.Join(base, AppName)
		if mkErr := os.MkdirAll(dir, 0o700); mkErr == nil {
			return dir
		}
	}
	if cwd, cwdErr := os.Getwd(); cwdErr == nil {
		return cwd
	}
	return "."
}
