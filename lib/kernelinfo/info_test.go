// Copyright 2026 The kbroker Authors
// SPDX-License-Identifier: Apache-2.0

package kernelinfo

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

const definition = `{
	// Scientific stack with the Qt loop.
	"name": "py3-qt",
	"exe": "/opt/conda/bin/python3",
	"gui": "Qt",
	"python_path": ["/work/lib", "$PYTHONPATH", "/work/lib"],
	"startup_script": "$PYTHONSTARTUP",
	"environ": {"MPLBACKEND": "$HOME/backend"},
}`

func fakeHost(env map[string]string) Host {
	var environ []string
	for key, value := range env {
		environ = append(environ, key+"="+value)
	}
	return Host{
		Getenv:    func(key string) string { return env[key] },
		Environ:   environ,
		ExeDir:    "/opt/kbroker/bin",
		BrokerDir: "/opt/kbroker/kernel",
	}
}

func TestParseJSONC(t *testing.T) {
	info, err := Parse([]byte(definition))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.Name != "py3-qt" || info.GUI != "Qt" {
		t.Fatalf("parsed %+v", info)
	}
	if len(info.PythonPath) != 3 {
		t.Fatalf("python_path = %v", info.PythonPath)
	}
}

func TestParseRejectsUnknownGUI(t *testing.T) {
	_, err := Parse([]byte(`{"gui": "cocoa"}`))
	if !errors.Is(err, ErrInvalidGUI) {
		t.Fatalf("Parse error = %v, want ErrInvalidGUI", err)
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.jsonc")
	if err := os.WriteFile(path, []byte(definition), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	info, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if info.Exe != "/opt/conda/bin/python3" {
		t.Fatalf("exe = %q", info.Exe)
	}
}

func TestEffectiveResolvesPlaceholders(t *testing.T) {
	info, err := Parse([]byte(definition))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	host := fakeHost(map[string]string{
		"PYTHONPATH":    "/site/a" + string(os.PathListSeparator) + "/work/lib",
		"PYTHONSTARTUP": "/home/u/.startup.py",
		"HOME":          "/home/u",
	})

	effective := info.Effective(host)
	if effective.GUI != GUIQt {
		t.Errorf("gui = %q, want qt", effective.GUI)
	}
	if want := []string{"/work/lib", "/site/a"}; !slices.Equal(effective.PythonPath, want) {
		t.Errorf("python_path = %v, want %v", effective.PythonPath, want)
	}
	if effective.StartupScript != "/home/u/.startup.py" {
		t.Errorf("startup_script = %q", effective.StartupScript)
	}
	if effective.Environ["MPLBACKEND"] != "/home/u/backend" {
		t.Errorf("environ = %v", effective.Environ)
	}
	if info.StartupScript != PythonStartupPlaceholder || info.Environ["MPLBACKEND"] != "$HOME/backend" {
		t.Error("Effective modified the original")
	}
}

func TestEffectiveDefaults(t *testing.T) {
	effective := Info{}.Effective(fakeHost(nil))
	if effective.Exe != DefaultExe || effective.GUI != GUIAuto {
		t.Fatalf("defaults: exe=%q gui=%q", effective.Exe, effective.GUI)
	}

	relative := Info{Exe: "./python/bin/python3"}.Effective(fakeHost(nil))
	if relative.Exe != "/opt/kbroker/bin/python/bin/python3" {
		t.Fatalf("relative exe resolved to %q", relative.Exe)
	}
}

func TestEffectiveScriptModeAndProject(t *testing.T) {
	info := Info{
		StartDir:    "/home/u",
		ProjectPath: "/home/u/project",
		PythonPath:  []string{"/extra"},
	}.WithScriptFile("/home/u/project/tools/run.py")

	effective := info.Effective(fakeHost(nil))
	if effective.StartDir != "/home/u/project/tools" {
		t.Errorf("start_dir = %q, want the script directory", effective.StartDir)
	}
	if want := []string{"/home/u/project", "/extra"}; !slices.Equal(effective.PythonPath, want) {
		t.Errorf("python_path = %v, want %v", effective.PythonPath, want)
	}
}

func TestMergeOverrides(t *testing.T) {
	base := Info{Name: "base", Exe: "python3", ScriptFile: "old.py", Argv: []string{"-v"}}
	merged, err := base.Merge([]byte(`{"script_file": "new.py", "gui": "tk"}`))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if merged.ScriptFile != "new.py" || merged.GUI != GUITk || merged.Exe != "python3" {
		t.Fatalf("merged %+v", merged)
	}
	if base.ScriptFile != "old.py" {
		t.Fatal("Merge modified the original")
	}
	if _, err := base.Merge([]byte(`{"gui": "cocoa"}`)); err == nil {
		t.Fatal("Merge accepted an invalid gui")
	}
}

func TestCommand(t *testing.T) {
	got := Info{Exe: "/usr/bin/python3"}.Command("/opt/kbroker/kernel/start.py", 62268)
	want := []string{"/usr/bin/python3", "/opt/kbroker/kernel/start.py", "62268"}
	if !slices.Equal(got, want) {
		t.Fatalf("Command = %v, want %v", got, want)
	}
}

func TestChildEnviron(t *testing.T) {
	host := fakeHost(map[string]string{
		"PATH":        "/usr/bin",
		"TK_LIBRARY":  "/frozen/tk",
		"TCL_LIBRARY": "/frozen/tcl",
		"HOME":        "/home/u",
	})
	info := Info{
		Exe:        "/opt/conda/bin/python3",
		GUI:        GUINone,
		PythonPath: []string{"/work/lib"},
		StartDir:   "/work",
		Argv:       []string{"--fast"},
		Environ:    map[string]string{"OMP_NUM_THREADS": "2"},
	}.Effective(host)

	env := map[string]string{}
	for _, entry := range info.ChildEnviron(host, 62268) {
		key, value, _ := strings.Cut(entry, "=")
		env[key] = value
	}

	if _, ok := env["TK_LIBRARY"]; ok {
		t.Error("TK_LIBRARY not removed")
	}
	if _, ok := env["TCL_LIBRARY"]; ok {
		t.Error("TCL_LIBRARY not removed")
	}
	sep := string(os.PathListSeparator)
	checks := map[string]string{
		"PYTHONPATH":      "/opt/kbroker/kernel" + sep + "/work/lib",
		"TERM":            "dumb",
		"HOME":            "/home/u",
		EnvPort:           "62268",
		EnvGUI:            "none",
		EnvStartDir:       "/work",
		EnvArgv:           `["--fast"]`,
		"OMP_NUM_THREADS": "2",
	}
	for key, want := range checks {
		if env[key] != want {
			t.Errorf("%s = %q, want %q", key, env[key], want)
		}
	}
	if !strings.HasPrefix(env["PATH"], "/opt/conda/bin"+sep+"/opt/conda/bin/Library/usr/bin") {
		t.Errorf("PATH = %q, want interpreter dirs first", env["PATH"])
	}
	if !strings.HasSuffix(env["PATH"], sep+"/usr/bin") {
		t.Errorf("PATH = %q, want inherited PATH last", env["PATH"])
	}
}
