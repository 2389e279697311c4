package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	result, err := NewGenericRunner(dir).Run(context.Background(), Command{
		Args:       []string{"sh", "-c", "echo out; echo err >&2"},
		StdoutPath: filepath.Join(dir, "update", "stdout.log"),
		StderrPath: filepath.Join(dir, "update", "stderr.log"),
		Console:    &console,
	})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)

	stdout, err := os.ReadFile(result.StdoutPath)
	require.NoError(t, err)
	require.Equal(t, "out\n", string(stdout))

	stderr, err := os.ReadFile(result.StderrPath)
	require.NoError(t, err)
	require.Equal(t, "err\n", string(stderr))

	require.Contains(t, console.String(), "out\n")
	require.Contains(t, console.String(), "err\n")
}

func TestRunReportsExitCode(t *testing.T) {
	dir := t.TempDir()
	r := NewGenericRunner(dir)

	for _, code := range []int{0, 1, 8, 42} {
		result, err := r.Run(context.Background(), Command{
			Args: []string{"sh", "-c", "exit " + strconv.Itoa(code)},
		})
		require.NoError(t, err)
		require.Equal(t, code, result.ExitCode)
	}
}

func TestRunUsesCwd(t *testing.T) {
	dir := t.TempDir()
	work := t.TempDir()

	result, err := NewGenericRunner(dir).Run(context.Background(), Command{
		Args: []string{"sh", "-c", "pwd"},
		Cwd:  work,
	})
	require.NoError(t, err)

	out, err := os.ReadFile(result.StdoutPath)
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(work)
	require.NoError(t, err)
	require.Contains(t, []string{work + "\n", resolved + "\n"}, string(out))
}

func TestRunMissingBinary(t *testing.T) {
	_, err := NewGenericRunner(t.TempDir()).Run(context.Background(), Command{
		Args: []string{"ctestci-no-such-binary"},
	})
	require.ErrorContains(t, err, "start ctestci-no-such-binary")
}

func TestRunTimeout(t *testing.T) {
	_, err := NewGenericRunner(t.TempDir()).Run(context.Background(), Command{
		Args:           []string{"sleep", "5"},
		TimeoutSeconds: 1,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunRequiresArgs(t *testing.T) {
	_, err := NewGenericRunner(t.TempDir()).Run(context.Background(), Command{})
	require.Error(t, err)
}

func TestCommandString(t *testing.T) {
	cmd := Command{Args: []string{"ctest", "-D", "Experimental", "--track", "Pull Request", "it's"}}
	require.Equal(t, `ctest -D Experimental --track 'Pull Request' 'it'"'"'s'`, cmd.String())
}
