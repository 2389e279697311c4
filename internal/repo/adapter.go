package repo

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

type Adapter struct {
	lookPath func(string) (string, error)
}

func NewAdapter() *Adapter {
	return &Adapter{lookPath: exec.LookPath}
}

// Profile describes a CTest build tree.
type Profile struct {
	BuildDir         string
	HasDartConfig    bool
	HasCTestTestfile bool
	HasTestingDir    bool
}

// Submittable reports whether ctest -D can submit from this tree.
func (p Profile) Submittable() bool {
	return p.HasDartConfig
}

func (a *Adapter) Detect(buildDir string) (Profile, error) {
	abs, err := filepath.Abs(buildDir)
	if err != nil {
		return Profile{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Profile{}, fmt.Errorf("build dir: %w", err)
	}
	if !info.IsDir() {
		return Profile{}, fmt.Errorf("build dir %s is not a directory", abs)
	}

	return Profile{
		BuildDir:         abs,
		HasDartConfig:    exists(filepath.Join(abs, "DartConfiguration.tcl")),
		HasCTestTestfile: exists(filepath.Join(abs, "CTestTestfile.cmake")),
		HasTestingDir:    isDir(filepath.Join(abs, "Testing")),
	}, nil
}

// ResolveCTest returns the path of the ctest binary, searching PATH for bare
// names.
func (a *Adapter) ResolveCTest(name string) (string, error) {
	path, err := a.lookPath(name)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", name, err)
	}
	// ctest runs from the build dir, so a relative path must not survive.
	return filepath.Abs(path)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
