package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/curriculum"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

var (
	suiteFlag   string
	langFlag    string
	projectFlag bool
	timeoutFlag int
)

var runCmd = &cobra.Command{
	Use:   "run <file> [file...]",
	Short: "Run a local solution against a suite file",
	Long: `Run local source files against a YAML or TOML test suite in the same
sandbox the server uses. A single file runs as a challenge; several files (or
--project) run as a project with paths relative to the current directory.

Examples:
  runbox run --suite add.yaml solution.py
  runbox run --suite calc.toml --lang java --project src/Main.java src/Calc.java`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocal,
}

func init() {
	runCmd.Flags().StringVarP(&suiteFlag, "suite", "s", "", "Suite file (.yaml, .yml or .toml)")
	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "", "Language (default: from the first file's extension)")
	runCmd.Flags().BoolVar(&projectFlag, "project", false, "Run as a project even with a single file")
	runCmd.Flags().IntVar(&timeoutFlag, "timeout-ms", 0, "Override the language timeout")
	runCmd.MarkFlagRequired("suite")
	rootCmd.AddCommand(runCmd)
}

func runLocal(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	lang, err := languageFor(langFlag, args[0])
	if err != nil {
		return err
	}
	spec, err := curriculum.LoadSuiteFile(suiteFlag)
	if err != nil {
		return err
	}
	suite, err := spec.Build(lang)
	if err != nil {
		return fmt.Errorf("building suite: %w", err)
	}

	req := sandbox.Request{Language: lang, Kind: model.KindChallenge, Suite: suite}
	if projectFlag || len(args) > 1 {
		req.Kind = model.KindProject
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			req.Files = append(req.Files, model.File{Path: filepath.ToSlash(filepath.Clean(path)), Content: string(data)})
		}
	} else {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		req.Code = string(data)
	}
	if timeoutFlag > 0 {
		req.Overrides = &model.LimitOverrides{TimeoutMs: &timeoutFlag}
	}

	exec, closeRuntime, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer closeRuntime()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := exec.Execute(ctx, req)
	if err != nil {
		return err
	}

	printReport(cmd.OutOrStdout(), res)
	if !res.Passed {
		return fmt.Errorf("%d of %d tests failed", res.FailedCount(), len(res.Tests))
	}
	return nil
}

// languageFor prefers an explicit name and falls back to the file extension.
func languageFor(name, file string) (model.Language, error) {
	if name != "" {
		return model.ParseLanguage(name)
	}
	ext := strings.TrimPrefix(filepath.Ext(file), ".")
	for _, lang := range model.Languages {
		if lang.Extension() == ext {
			return lang, nil
		}
	}
	return "", fmt.Errorf("cannot infer language from %q, use --lang", file)
}

func printReport(w io.Writer, res *model.ExecutionResult) {
	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	if !res.Compile.OK {
		fmt.Fprintf(w, "%s\n", fail("COMPILE FAILED"))
		if res.Compile.Stderr != "" {
			fmt.Fprintln(w, indent(res.Compile.Stderr))
		}
	}

	for _, t := range res.Tests {
		if t.Passed {
			fmt.Fprintf(w, "  %s %s\n", pass("PASS"), t.Name)
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", fail("FAIL"), t.Name)
		fmt.Fprintf(w, "       expected: %s\n", inlineValue(t.Expected))
		fmt.Fprintf(w, "       actual:   %s\n", inlineValue(t.Actual))
		if t.Stderr != "" {
			fmt.Fprintln(w, dim(indent(t.Stderr)))
		}
	}

	if res.Stdout != "" {
		fmt.Fprintf(w, "\n%s\n%s\n", dim("stdout:"), indent(res.Stdout))
	}
	if res.Stderr != "" && res.Compile.OK {
		fmt.Fprintf(w, "\n%s\n%s\n", dim("stderr:"), indent(res.Stderr))
	}

	verdict := pass("PASSED")
	if !res.Passed {
		verdict = fail("FAILED")
	}
	fmt.Fprintf(w, "\n%s  %d/%d tests  %dms", verdict, len(res.Tests)-res.FailedCount(), len(res.Tests), res.TimingMs)
	if res.OutputTruncated {
		fmt.Fprint(w, dim("  (output truncated)"))
	}
	fmt.Fprintln(w)
}

func inlineValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}
