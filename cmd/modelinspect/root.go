package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Exit codes.
const (
	exitOK    = 0
	exitFail  = 1 // At least one artifact failed policy.
	exitUsage = 2 // Bad flags, config or policy.
)

// exitError carries an exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "modelinspect",
		Short: "Static integrity and safety inspection of model artifacts",
		Long: `modelinspect checks SafeTensors, GGUF and ONNX artifacts for structural
corruption, tampering and hidden payloads without loading or executing them.

Commands:
  scan      Inspect one or more artifacts and report a verdict
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("config", "", "config file (default: ./modelinspect.yaml if present)")

	root.AddCommand(newScanCmd(), newVersionCmd())
	return root
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", ee.err)
		}
		return ee.code
	}
	// Flag parsing and argument validation errors.
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitUsage
}
