package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/logger"
	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/validate"
)

// maxReportChars bounds the text returned to the calling agent.
const maxReportChars = 8000

func main() {
	cfg, err := config.Load(os.Getenv("RUNBOX_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol; logs must go to stderr.
	cfg.Log.OutputPath = "stderr"
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	rt, err := sandbox.NewDockerRuntime(cfg.Sandbox.DockerHost, log)
	if err != nil {
		log.Fatal("connecting to docker", zap.Error(err))
	}
	defer rt.Close()

	strategies := make(map[model.Language]sandbox.Strategy, len(model.Languages))
	for _, lang := range model.Languages {
		rc := cfg.Runner(lang)
		s, err := sandbox.NewStrategy(lang, sandbox.Commands{Image: rc.Image, Build: rc.Build, Run: rc.Run})
		if err != nil {
			log.Fatal("runner config", zap.String("language", string(lang)), zap.Error(err))
		}
		strategies[lang] = s
	}

	r := &runner{exec: sandbox.NewExecutor(sandbox.Options{
		Runtime:    rt,
		Strategies: strategies,
		Limits:     cfg.LimitsTable(),
		Ceiling:    cfg.Limits.Max,
		Rules: validate.Rules{
			MaxCodeChars:  cfg.Validate.MaxCodeChars,
			MaxFiles:      cfg.Validate.MaxFiles,
			MaxTotalBytes: cfg.Validate.MaxTotalBytes,
		},
		WorkspaceDir:  cfg.Sandbox.WorkspaceDir,
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		Logger:        log,
	})}

	if err := server.ServeStdio(newServer(r)); err != nil {
		log.Error("server error", zap.Error(err))
	}
}

func newServer(r *runner) *server.MCPServer {
	s := server.NewMCPServer("runbox-code-runner", "0.1.0")
	s.AddTool(runTestsTool(), r.handleRunTests)
	return s
}

func runTestsTool() mcp.Tool {
	langs := make([]string, len(model.Languages))
	for i, l := range model.Languages {
		langs[i] = string(l)
	}
	return mcp.Tool{
		Name: "run_tests",
		Description: fmt.Sprintf("Run a solution against a test suite in a Docker sandbox and report per-test results. "+
			"Supported languages: %s.", strings.Join(langs, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(langs, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Single-file solution source (challenge)",
				},
				"files": map[string]any{
					"type":        "array",
					"description": "Project files as {path, content} objects; used instead of code",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"path":    map[string]any{"type": "string"},
							"content": map[string]any{"type": "string"},
						},
						"required": []string{"path", "content"},
					},
				},
				"suite": map[string]any{
					"type":        "object",
					"description": "Test suite: {function or method, entrypoint (optional), tests: [{input: [...], output: ...}]}",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Timeout override in milliseconds (optional, capped by server limits)",
				},
			},
			Required: []string{"language", "suite"},
		},
	}
}

type runner struct {
	exec sandbox.Sandbox
}

// toolArgs is the decoded argument object of a run_tests call.
type toolArgs struct {
	Language  string          `json:"language"`
	Code      string          `json:"code"`
	Files     []model.File    `json:"files"`
	Suite     model.TestSuite `json:"suite"`
	TimeoutMs int             `json:"timeout_ms"`
}

func (r *runner) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}
	req, err := parseArgs(args)
	if err != nil {
		return errResult("error: " + err.Error()), nil
	}

	res, err := r.exec.Execute(ctx, req)
	if err != nil {
		return errResult(fmt.Sprintf("error: %v", err)), nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: formatResult(res)}},
		IsError: !res.Passed,
	}, nil
}

// parseArgs round-trips the raw argument map through JSON so the suite keeps
// its raw values.
func parseArgs(raw map[string]any) (sandbox.Request, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return sandbox.Request{}, err
	}
	var a toolArgs
	if err := json.Unmarshal(data, &a); err != nil {
		return sandbox.Request{}, fmt.Errorf("invalid arguments: %w", err)
	}
	lang, err := model.ParseLanguage(a.Language)
	if err != nil {
		return sandbox.Request{}, err
	}
	if a.Code == "" && len(a.Files) == 0 {
		return sandbox.Request{}, fmt.Errorf("'code' or 'files' is required")
	}

	req := sandbox.Request{Language: lang, Kind: model.KindChallenge, Code: a.Code, Suite: a.Suite}
	if len(a.Files) > 0 {
		req.Kind = model.KindProject
		req.Code = ""
		req.Files = a.Files
	}
	if a.TimeoutMs > 0 {
		req.Overrides = &model.LimitOverrides{TimeoutMs: &a.TimeoutMs}
	}
	return req, nil
}

func formatResult(res *model.ExecutionResult) string {
	var b strings.Builder
	if !res.Compile.OK {
		b.WriteString("compile failed\n")
		if res.Compile.Stderr != "" {
			b.WriteString(res.Compile.Stderr + "\n")
		}
	}
	passed := 0
	for _, t := range res.Tests {
		if t.Passed {
			passed++
			fmt.Fprintf(&b, "PASS %s\n", t.Name)
			continue
		}
		exp, _ := json.Marshal(t.Expected)
		act, _ := json.Marshal(t.Actual)
		fmt.Fprintf(&b, "FAIL %s: expected %s, got %s\n", t.Name, exp, act)
		if t.Stderr != "" {
			b.WriteString("  " + strings.TrimSpace(t.Stderr) + "\n")
		}
	}
	if res.Stdout != "" {
		b.WriteString("STDOUT:\n" + res.Stdout + "\n")
	}
	fmt.Fprintf(&b, "%d/%d tests passed in %dms", passed, len(res.Tests), res.TimingMs)
	if res.OutputTruncated {
		b.WriteString(" (output truncated)")
	}

	text := b.String()
	if len(text) > maxReportChars {
		text = text[:maxReportChars] + "\n... (report truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
