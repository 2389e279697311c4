// ctestci submits a CTest experimental dashboard for the commit under test.
//
// Usage:
//
//	ctestci [--config=<path>] [--log-level=<level>]
//	ctestci patch [--file=<path>] [--revision=<id>]
//	ctestci history [--limit=<n>]
//	ctestci version
package main

import (
	"errors"
	"fmt"
	"os"

	"ctestci/internal/app"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func execute(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil {
			fmt.Fprintf(os.Stderr, "ctestci: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "ctestci: %v\n", err)
	return app.ExitCode(err)
}

// exitError carries an exit code out of a command. err is nil when the code
// is ctest's own status and there is nothing more to report.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }
