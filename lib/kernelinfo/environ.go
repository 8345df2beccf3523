// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernelinfo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Variables through which the kernel entry script learns its launch
// parameters. The same values are also published on the stat-startup
// channel once the kernel connects.
const (
	EnvPort          = "KBROKER_PORT"
	EnvGUI           = "KBROKER_GUI"
	EnvStartDir      = "KBROKER_START_DIR"
	EnvStartupScript = "KBROKER_STARTUP_SCRIPT"
	EnvScriptFile    = "KBROKER_SCRIPT_FILE"
	EnvProjectPath   = "KBROKER_PROJECT_PATH"
	EnvArgv          = "KBROKER_ARGV"
)

// Variables removed from the inherited environment. A frozen broker
// points them at its own bundled Tcl/Tk, which is wrong for the
// kernel's interpreter.
var strippedVariables = []string{"TK_LIBRARY", "TCL_LIBRARY"}

// interpreterDirs are the directories next to an interpreter that
// conda-style installs expect on PATH.
var interpreterDirs = []string{"", "Library/usr/bin", "Library/bin", "bin"}

// ChildEnviron returns the child environment in KEY=VALUE form, sorted by
// key. info should be the effective copy.
func (info Info) ChildEnviron(host Host, port int) []string {
	env := make(map[string]string, len(host.Environ)+len(info.Environ)+8)
	for _, entry := range host.Environ {
		if key, value, ok := strings.Cut(entry, "="); ok && key != "" {
			env[key] = value
		}
	}
	for _, key := range strippedVariables {
		delete(env, key)
	}

	searchPath := info.PythonPath
	if host.BrokerDir != "" {
		searchPath = append([]string{host.BrokerDir}, searchPath...)
	}
	env["PYTHONPATH"] = strings.Join(searchPath, string(os.PathListSeparator))

	env["TERM"] = "dumb"
	env[EnvPort] = strconv.Itoa(port)
	env[EnvGUI] = string(info.GUI)
	env[EnvStartDir] = info.StartDir
	env[EnvStartupScript] = info.StartupScript
	env[EnvScriptFile] = info.ScriptFile
	env[EnvProjectPath] = info.ProjectPath
	if len(info.Argv) > 0 {
		encoded, _ := json.Marshal(info.Argv)
		env[EnvArgv] = string(encoded)
	}

	if strings.ContainsRune(info.Exe, filepath.Separator) {
		prefix := filepath.Dir(info.Exe)
		dirs := make([]string, 0, len(interpreterDirs)+1)
		for _, dir := range interpreterDirs {
			dirs = append(dirs, filepath.Join(prefix, dir))
		}
		if current := strings.Trim(env["PATH"], string(os.PathListSeparator)); current != "" {
			dirs = append(dirs, current)
		}
		env["PATH"] = strings.Join(dirs, string(os.PathListSeparator))
	}

	for key, value := range info.Environ {
		env[key] = value
	}

	result := make([]string, 0, len(env))
	for key, value := range env {
		result = append(result, key+"="+value)
	}
	slices.Sort(result)
	return result
}
