package repo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectBuildTree(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "DartConfiguration.tcl"), []byte("Site: ci\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CTestTestfile.cmake"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Testing"), 0o755))

	profile, err := NewAdapter().Detect(dir)
	require.NoError(t, err)
	require.Equal(t, Profile{
		BuildDir:         dir,
		HasDartConfig:    true,
		HasCTestTestfile: true,
		HasTestingDir:    true,
	}, profile)
	require.True(t, profile.Submittable())
}

func TestDetectEmptyDir(t *testing.T) {
	profile, err := NewAdapter().Detect(t.TempDir())
	require.NoError(t, err)
	require.False(t, profile.Submittable())
	require.False(t, profile.HasTestingDir)
}

func TestDetectMissingDir(t *testing.T) {
	_, err := NewAdapter().Detect(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = NewAdapter().Detect(file)
	require.Error(t, err)
}

func TestResolveCTest(t *testing.T) {
	a := NewAdapter()

	path, err := a.ResolveCTest("sh")
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(path))

	_, err = a.ResolveCTest("ctestci-no-such-binary")
	require.Error(t, err)
}
