package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/born-ml/modelinspect/inspect"
	"github.com/born-ml/modelinspect/internal/config"
	"github.com/born-ml/modelinspect/internal/logging"
	"github.com/born-ml/modelinspect/internal/policy"
)

func newScanCmd() *cobra.Command {
	var (
		policyPath   string
		noHeuristics bool
	)

	cmd := &cobra.Command{
		Use:   "scan FILE...",
		Short: "Inspect model artifacts",
		Long: `Inspect one or more model artifacts and print every finding the policy
keeps, followed by a verdict per artifact.

Exit status is 1 when any artifact fails and 2 on usage, config or policy
errors.`,
		Example: `  modelinspect scan model.safetensors
  modelinspect scan --policy policy.yaml *.gguf`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if noHeuristics {
				cfg.Heuristic.Enabled = false
			}

			log, closer, err := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			defer closer.Close() //nolint:errcheck

			engine, err := loadPolicy(policyPath)
			if err != nil {
				return err
			}

			results, err := inspect.New(cfg, engine, log).InspectFiles(cmd.Context(), args)
			if err != nil {
				return err
			}
			if failed := report(cmd.OutOrStdout(), results, log); failed {
				return &exitError{code: exitFail}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyPath, "policy", "", "policy file (YAML or JSON)")
	cmd.Flags().BoolVar(&noHeuristics, "no-heuristics", false, "skip entropy and signature scanning")
	return cmd
}

// loadConfig loads the configuration. An invalid configuration falls back to
// the defaults with a warning; an unreadable file is a usage error.
func loadConfig(path string, stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, nil
	case errors.Is(err, config.ErrInvalidConfig):
		fmt.Fprintf(stderr, "Warning: %v; using defaults\n", err)
		return config.Default(), nil
	default:
		return nil, &exitError{code: exitUsage, err: err}
	}
}

func loadPolicy(path string) (*policy.Engine, error) {
	if path == "" {
		return policy.NewEngine(nil)
	}
	doc, err := policy.LoadFile(path)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	engine, err := policy.NewEngine(doc)
	if err != nil {
		return nil, &exitError{code: exitUsage, err: err}
	}
	return engine, nil
}

// report prints one line per effective finding and a verdict line per
// artifact. It reports whether any artifact failed.
func report(w io.Writer, results []*inspect.Result, log logrus.FieldLogger) bool {
	failed := false
	for i, res := range results {
		if i == 0 {
			for _, d := range res.Diagnostics {
				log.WithField("code", d.Code).Warn(d.Message)
			}
		}

		effective := res.Effective()
		for _, ev := range effective {
			f := ev.Finding
			f.Severity = ev.Effective
			fmt.Fprintf(w, "%s: %s\n", res.Path, f)
		}
		fmt.Fprintf(w, "%s: %s (%s, %d findings, %d suppressed)\n",
			res.Path, res.Verdict, res.Format, len(effective), len(res.Evaluations)-len(effective))

		if res.Verdict == inspect.Fail {
			failed = true
		}
	}
	return failed
}
