// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernelinfo

import (
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// DefaultExe is the interpreter used when Info.Exe is empty.
const DefaultExe = "python"

// Host is the broker-side context needed to resolve an Info.
type Host struct {
	// Getenv reads the broker's environment.
	Getenv func(string) string

	// Environ is the broker's environment in KEY=VALUE form, the base
	// of the child environment.
	Environ []string

	// ExeDir resolves interpreters given relative to the broker.
	ExeDir string

	// BrokerDir is where the kernel entry script and its support
	// modules live. It always leads the child's module search path.
	BrokerDir string
}

// CurrentHost describes the running broker process.
func CurrentHost(brokerDir string) Host {
	exeDir := ""
	if executable, err := os.Executable(); err == nil {
		exeDir = filepath.Dir(executable)
	}
	return Host{
		Getenv:    os.Getenv,
		Environ:   os.Environ(),
		ExeDir:    exeDir,
		BrokerDir: brokerDir,
	}
}

// Effective returns the copy of info the kernel is launched from:
// defaults applied, placeholders expanded, paths made absolute where
// the original names them relative to the broker.
func (info Info) Effective(host Host) Info {
	effective := info.Clone()
	getenv := host.Getenv
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	if effective.Exe == "" {
		effective.Exe = DefaultExe
	} else if strings.HasPrefix(effective.Exe, ".") && host.ExeDir != "" {
		effective.Exe = filepath.Clean(filepath.Join(host.ExeDir, effective.Exe))
	}

	gui, err := ParseGUI(string(effective.GUI))
	if err != nil {
		gui = GUIAuto
	}
	effective.GUI = gui

	searchPath := effective.PythonPath
	if effective.ProjectPath != "" {
		searchPath = append([]string{effective.ProjectPath}, searchPath...)
	}
	effective.PythonPath = expandSearchPath(searchPath, getenv("PYTHONPATH"))

	if effective.StartupScript == PythonStartupPlaceholder {
		effective.StartupScript = getenv("PYTHONSTARTUP")
	}

	if effective.ScriptFile != "" {
		effective.StartDir = filepath.Dir(effective.ScriptFile)
	}

	for key, value := range effective.Environ {
		effective.Environ[key] = os.Expand(value, getenv)
	}
	return effective
}

// expandSearchPath replaces the first $PYTHONPATH entry with the
// broker's PYTHONPATH entries, drops later placeholders and blanks,
// splits entries that themselves hold several directories, and
// removes duplicates keeping the first occurrence.
func expandSearchPath(entries []string, inherited string) []string {
	var out []string
	expanded := false
	add := func(value string) {
		for _, part := range splitPathList(value) {
			if !slices.Contains(out, part) {
				out = append(out, part)
			}
		}
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry) == PythonPathPlaceholder {
			if !expanded {
				add(inherited)
				expanded = true
			}
			continue
		}
		add(entry)
	}
	return out
}

func splitPathList(value string) []string {
	var parts []string
	for _, part := range strings.FieldsFunc(value, func(r rune) bool {
		return r == '\n' || r == '\r' || r == os.PathListSeparator
	}) {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// Command returns the argv that launches the kernel: the interpreter,
// the entry script, and the port the kernel connects back to.
func (info Info) Command(entryScript string, port int) []string {
	exe := info.Exe
	if exe == "" {
		exe = DefaultExe
	}
	return []string{exe, entryScript, strconv.Itoa(port)}
}
