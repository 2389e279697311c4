package main

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"ctestci/internal/app"
	"ctestci/internal/revision"
)

var patchFlags struct {
	file     string
	revision string
}

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Stamp a revision into a CTest update document without running ctest",
	Args:  cobra.NoArgs,
	RunE:  runPatch,
}

func init() {
	f := patchCmd.Flags()
	f.StringVarP(&patchFlags.file, "file", "f", "", "Document path (default: the configured document in the build dir)")
	f.StringVar(&patchFlags.revision, "revision", "", "Revision to write (default: the configured environment variable)")
}

func runPatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	path := patchFlags.file
	if path == "" {
		path = cfg.DocumentPath()
	}
	rev := patchFlags.revision
	if rev == "" {
		rev = os.Getenv(cfg.RevisionEnv)
	}
	if rev == "" {
		return fmt.Errorf("%w: pass --revision or set $%s", app.ErrMissingRevision, cfg.RevisionEnv)
	}

	patcher := &revision.Patcher{Fs: afero.NewOsFs(), Element: cfg.RevisionElement}
	result, err := patcher.Patch(path, rev)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !result.Changed {
		fmt.Fprintf(out, "%s: %s already %s\n", result.Path, cfg.RevisionElement, result.Current)
		return nil
	}
	fmt.Fprintf(out, "%s: %s %s -> %s\n", result.Path, cfg.RevisionElement, result.Previous, result.Current)
	return nil
}
