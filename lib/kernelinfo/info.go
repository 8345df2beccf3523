// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

// Package kernelinfo describes how to launch one kernel.
//
// An [Info] is what a front-end asks for: which interpreter, which GUI
// event loop to integrate, where to start, what to put on the module
// search path and what to run. Kernel definitions are stored as JSONC
// (JSON with comments and trailing commas) and read with [ReadFile].
//
// The broker never launches from the Info it was given. At each spawn
// it calls [Info.Effective] to resolve defaults and environment
// placeholders into a fresh copy, then derives the command line with
// [Info.Command] and the environment with [Info.ChildEnviron]. The original
// is kept unchanged so a restart can apply different overrides.
package kernelinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

// GUI selects the toolkit whose event loop the kernel integrates.
type GUI string

const (
	GUINone GUI = "none"
	GUIAuto GUI = "auto"
	GUITk   GUI = "tk"
	GUIWx   GUI = "wx"
	GUIQt   GUI = "qt"
	GUIFLTK GUI = "fltk"
	GUIGTK  GUI = "gtk"
)

// ErrInvalidGUI is returned for a gui value outside the known set.
var ErrInvalidGUI = errors.New("invalid gui toolkit")

// ParseGUI accepts any letter case. The empty string means auto.
func ParseGUI(name string) (GUI, error) {
	gui := GUI(strings.ToLower(strings.TrimSpace(name)))
	switch gui {
	case "":
		return GUIAuto, nil
	case GUINone, GUIAuto, GUITk, GUIWx, GUIQt, GUIFLTK, GUIGTK:
		return gui, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidGUI, name)
}

// Placeholders substituted from the broker's environment.
const (
	PythonPathPlaceholder    = "$PYTHONPATH"
	PythonStartupPlaceholder = "$PYTHONSTARTUP"
)

// Info is the launch configuration of one kernel.
type Info struct {
	// Name labels the kernel in listings.
	Name string `json:"name,omitempty"`

	// Exe is the interpreter. Empty means "python" on PATH; a value
	// starting with "." is relative to the broker executable.
	Exe string `json:"exe,omitempty"`

	GUI GUI `json:"gui,omitempty"`

	// StartDir is the initial working directory in interactive mode.
	StartDir string `json:"start_dir,omitempty"`

	// PythonPath is the ordered module search path. An entry equal to
	// $PYTHONPATH is replaced by the broker's own PYTHONPATH entries.
	PythonPath []string `json:"python_path,omitempty"`

	// StartupScript is empty, a file name, or inline source when it
	// spans several lines. $PYTHONSTARTUP names the file from the
	// broker's environment.
	StartupScript string `json:"startup_script,omitempty"`

	// ScriptFile switches the kernel into script mode.
	ScriptFile string `json:"script_file,omitempty"`

	// ProjectPath is prepended to the module search path.
	ProjectPath string `json:"project_path,omitempty"`

	// Argv holds extra arguments the kernel exposes as sys.argv.
	Argv []string `json:"argv,omitempty"`

	// Environ adds or replaces variables in the child environment.
	// Values may reference $VAR or ${VAR} from the broker's
	// environment.
	Environ map[string]string `json:"environ,omitempty"`
}

// Parse decodes a JSONC kernel definition.
func Parse(data []byte) (Info, error) {
	var info Info
	if err := json.Unmarshal(jsonc.ToJSON(data), &info); err != nil {
		return Info{}, fmt.Errorf("parsing kernel definition: %w", err)
	}
	if err := info.Validate(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// ReadFile reads and parses a JSONC kernel definition.
func ReadFile(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, err
	}
	info, err := Parse(data)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// Validate checks the fields that have a closed set of values.
func (info Info) Validate() error {
	if _, err := ParseGUI(string(info.GUI)); err != nil {
		return err
	}
	for key := range info.Environ {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("invalid environment variable name %q", key)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (info Info) Clone() Info {
	info.PythonPath = slices.Clone(info.PythonPath)
	info.Argv = slices.Clone(info.Argv)
	info.Environ = maps.Clone(info.Environ)
	return info
}

// WithScriptFile returns a copy that runs path in script mode.
func (info Info) WithScriptFile(path string) Info {
	clone := info.Clone()
	clone.ScriptFile = path
	return clone
}

// Merge returns a copy with every field present in the JSONC object
// overrides replacing the corresponding field of info. Fields absent
// from overrides keep their value; an explicit empty value clears.
func (info Info) Merge(overrides []byte) (Info, error) {
	merged := info.Clone()
	if err := json.Unmarshal(jsonc.ToJSON(overrides), &merged); err != nil {
		return Info{}, fmt.Errorf("parsing kernel overrides: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return Info{}, err
	}
	return merged, nil
}
