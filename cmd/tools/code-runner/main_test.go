package main

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/runbox/internal/model"
	"github.com/michaelbrown/runbox/internal/sandbox"
)

type sandboxFunc func(context.Context, sandbox.Request) (*model.ExecutionResult, error)

func (f sandboxFunc) Execute(ctx context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
	return f(ctx, req)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = "run_tests"
	req.Params.Arguments = args
	return req
}

func TestParseArgs(t *testing.T) {
	req, err := parseArgs(map[string]any{
		"language": "python",
		"code":     "def add(a, b): return a + b",
		"suite": map[string]any{
			"function": "add",
			"tests":    []any{map[string]any{"input": []any{1, 2}, "output": 3}},
		},
		"timeout_ms": 2500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Language != model.Python || req.Kind != model.KindChallenge {
		t.Errorf("req = %+v", req)
	}
	if req.Suite.Function != "add" || len(req.Suite.Tests) != 1 || string(req.Suite.Tests[0].Output) != "3" {
		t.Errorf("suite = %+v", req.Suite)
	}
	if req.Overrides == nil || *req.Overrides.TimeoutMs != 2500 {
		t.Errorf("overrides = %+v", req.Overrides)
	}
}

func TestParseArgsProject(t *testing.T) {
	req, err := parseArgs(map[string]any{
		"language": "java",
		"files":    []any{map[string]any{"path": "Main.java", "content": "class Main {}"}},
		"suite":    map[string]any{"method": "add", "tests": []any{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Kind != model.KindProject || len(req.Files) != 1 || req.Files[0].Path != "Main.java" {
		t.Errorf("req = %+v", req)
	}
}

func TestParseArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
	}{
		{"unknown language", map[string]any{"language": "ruby", "code": "x"}},
		{"no code", map[string]any{"language": "go"}},
		{"bad suite", map[string]any{"language": "go", "code": "x", "suite": "add"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseArgs(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHandleRunTests(t *testing.T) {
	r := &runner{exec: sandboxFunc(func(_ context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
		return &model.ExecutionResult{
			Compile: model.CompileResult{OK: true},
			Tests: []model.TestResult{
				{Name: "test_1", Passed: true},
				{Name: "test_2", Passed: false, Expected: 4, Actual: 5},
			},
			TimingMs: 120,
		}, nil
	})}

	res, err := r.handleRunTests(context.Background(), call(map[string]any{
		"language": "go",
		"code":     "package main",
		"suite":    map[string]any{"function": "Add", "tests": []any{}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Error("a failing run is reported as an error result")
	}
	text := res.Content[0].(mcp.TextContent).Text
	for _, want := range []string{"PASS test_1", "FAIL test_2: expected 4, got 5", "1/2 tests passed in 120ms"} {
		if !strings.Contains(text, want) {
			t.Errorf("missing %q in:\n%s", want, text)
		}
	}
}

func TestHandleRunTestsInvalidArguments(t *testing.T) {
	r := &runner{exec: sandboxFunc(func(context.Context, sandbox.Request) (*model.ExecutionResult, error) {
		t.Fatal("executor must not run")
		return nil, nil
	})}
	res, _ := r.handleRunTests(context.Background(), call(map[string]any{"language": "go"}))
	if !res.IsError {
		t.Error("expected error result")
	}
}

func TestServerOverMCP(t *testing.T) {
	var got sandbox.Request
	r := &runner{exec: sandboxFunc(func(_ context.Context, req sandbox.Request) (*model.ExecutionResult, error) {
		got = req
		return &model.ExecutionResult{
			Passed:  true,
			Compile: model.CompileResult{OK: true},
			Tests:   []model.TestResult{{Name: "small", Passed: true}},
		}, nil
	})}

	c, err := client.NewInProcessClient(newServer(r))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "runbox-test", Version: "0.1.0"},
		},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "run_tests" {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	res, err := c.CallTool(ctx, call(map[string]any{
		"language": "python",
		"code":     "def add(a, b): return a + b",
		"suite":    map[string]any{"function": "add", "tests": []any{map[string]any{"name": "small", "input": []any{1, 2}, "output": 3}}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Errorf("result = %+v", res)
	}
	if got.Language != model.Python || got.Suite.CaseName(0) != "small" {
		t.Errorf("executor saw %+v", got)
	}
}
