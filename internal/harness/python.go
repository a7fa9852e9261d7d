package harness

import (
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/michaelbrown/runbox/internal/model"
)

var pythonTmpl = template.Must(template.New("python harness").Parse(`import json
import sys

_CASES = json.loads({{ .Cases }})


def _describe(exc):
    return "%s: %s" % (type(exc).__name__, exc)


def _run():
    results = []
    try:
        from {{ .Module }} import {{ .Function }} as _target
    except BaseException as exc:
        message = _describe(exc)
        for case in _CASES:
            results.append({"name": case["name"], "passed": False,
                            "expected": case["output"], "actual": None,
                            "stderr": message})
        return results

    for case in _CASES:
        entry = {"name": case["name"], "passed": False,
                 "expected": case["output"], "actual": None}
        try:
            actual = _target(*case["input"])
            entry["actual"] = actual
            entry["passed"] = bool(actual == case["output"])
        except BaseException as exc:
            entry["stderr"] = _describe(exc)
        results.append(entry)
    return results


if __name__ == "__main__":
    _results = _run()
    _report = json.dumps({"passed": all(r["passed"] for r in _results),
                          "tests": _results}, default=repr)
    sys.stdout.write("\n" + _report + "\n")
    sys.stdout.flush()
`))

// Python renders the harness for a Python solution. module is the dotted
// module that defines the function under test.
func Python(suite model.TestSuite, module string) (model.File, error) {
	if module == "" {
		module = DefaultPythonModule
	}
	fn := suite.Callable()
	if fn == "" {
		return model.File{}, fmt.Errorf("python harness: no function name")
	}

	data, err := casesJSON(suite)
	if err != nil {
		return model.File{}, err
	}
	// A JSON string literal is also a valid Python string literal.
	literal, err := json.Marshal(data)
	if err != nil {
		return model.File{}, fmt.Errorf("python harness: %w", err)
	}

	src, err := render(pythonTmpl, struct {
		Cases    string
		Module   string
		Function string
	}{string(literal), module, fn})
	if err != nil {
		return model.File{}, err
	}
	return model.File{Path: PythonFile, Content: src}, nil
}

// PythonModulePath converts a dotted module name into its source path.
func PythonModulePath(module string) string {
	if module == "" {
		module = DefaultPythonModule
	}
	path := []byte(module)
	for i, c := range path {
		if c == '.' {
			path[i] = '/'
		}
	}
	return string(path) + ".py"
}
