package harness

import (
	"fmt"
	"regexp"
	"strconv"
	"text/template"

	"github.com/michaelbrown/runbox/internal/model"
)

var goTmpl = template.Must(template.New("go harness").Parse(`// Code generated by runbox. DO NOT EDIT.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
)

const runboxCasesJSON = {{ .Cases }}

var runboxErrorType = reflect.TypeOf((*error)(nil)).Elem()

type runboxCase struct {
	Name   string
	Input  []json.RawMessage
	Output json.RawMessage
}

{{ if .HasMain -}}
func init() {
	runboxRun()
	os.Exit(0)
}
{{- else -}}
func main() {
	runboxRun()
}
{{- end }}

func runboxRun() {
	var cases []runboxCase
	if err := json.Unmarshal([]byte(runboxCasesJSON), &cases); err != nil {
		fmt.Fprintln(os.Stderr, "harness: decoding cases:", err)
		os.Exit(2)
	}

	fn := reflect.ValueOf({{ .Function }})
	all := true
	results := make([]map[string]any, 0, len(cases))
	for _, c := range cases {
		r := runboxCall(fn, c)
		all = all && r["passed"].(bool)
		results = append(results, r)
	}

	out, err := json.Marshal(map[string]any{"passed": all, "tests": results})
	if err != nil {
		fmt.Fprintln(os.Stderr, "harness: encoding report:", err)
		os.Exit(2)
	}
	os.Stdout.Write(append(append([]byte("\n"), out...), '\n'))
}

func runboxCall(fn reflect.Value, c runboxCase) (r map[string]any) {
	expected := json.RawMessage("null")
	if len(c.Output) > 0 && json.Valid(c.Output) {
		expected = c.Output
	}
	r = map[string]any{"name": c.Name, "passed": false, "expected": expected, "actual": nil}

	defer func() {
		if p := recover(); p != nil {
			r["passed"] = false
			r["stderr"] = fmt.Sprintf("panic: %v", p)
		}
	}()

	t := fn.Type()
	if t.Kind() != reflect.Func {
		r["stderr"] = fmt.Sprintf("%s is not a function", t)
		return r
	}
	if (!t.IsVariadic() && len(c.Input) != t.NumIn()) || (t.IsVariadic() && len(c.Input) < t.NumIn()-1) {
		r["stderr"] = fmt.Sprintf("function takes %d arguments, test supplies %d", t.NumIn(), len(c.Input))
		return r
	}

	args := make([]reflect.Value, len(c.Input))
	for i, raw := range c.Input {
		pt := runboxParamType(t, i)
		ptr := reflect.New(pt)
		if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
			r["stderr"] = fmt.Sprintf("decoding argument %d: %v", i+1, err)
			return r
		}
		args[i] = ptr.Elem()
	}

	outs := fn.Call(args)
	if n := len(outs); n > 0 && t.Out(n-1) == runboxErrorType {
		if !outs[n-1].IsNil() {
			r["stderr"] = "returned error: " + outs[n-1].Interface().(error).Error()
			return r
		}
		outs = outs[:n-1]
	}

	switch len(outs) {
	case 0:
		r["passed"] = string(expected) == "null"
	case 1:
		r["actual"] = runboxJSON(outs[0])
		r["passed"] = runboxMatches(outs[0], expected)
	default:
		actual := make([]any, len(outs))
		for i, o := range outs {
			actual[i] = runboxJSON(o)
		}
		r["actual"] = actual
		var want []json.RawMessage
		if err := json.Unmarshal(expected, &want); err != nil || len(want) != len(outs) {
			return r
		}
		passed := true
		for i, o := range outs {
			passed = passed && runboxMatches(o, want[i])
		}
		r["passed"] = passed
	}
	return r
}

func runboxParamType(t reflect.Type, i int) reflect.Type {
	if t.IsVariadic() && i >= t.NumIn()-1 {
		return t.In(t.NumIn() - 1).Elem()
	}
	return t.In(i)
}

// runboxJSON makes v safe to embed in the report.
func runboxJSON(v reflect.Value) any {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	data, err := json.Marshal(v.Interface())
	if err != nil {
		return fmt.Sprintf("%v", v.Interface())
	}
	return json.RawMessage(data)
}

func runboxMatches(actual reflect.Value, expected json.RawMessage) bool {
	if string(expected) == "null" {
		switch actual.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map:
			return actual.IsNil() || (actual.Kind() != reflect.Pointer && actual.Kind() != reflect.Interface && actual.Len() == 0)
		}
		return false
	}
	want := reflect.New(actual.Type())
	if err := json.Unmarshal(expected, want.Interface()); err != nil {
		return false
	}
	return runboxEqual(actual, want.Elem())
}

// runboxEqual is reflect.DeepEqual except that nil and empty slices and maps
// are equal and numbers held in interfaces compare by value.
func runboxEqual(a, b reflect.Value) bool {
	if !a.IsValid() || !b.IsValid() {
		return a.IsValid() == b.IsValid()
	}
	if a.Type() != b.Type() {
		if runboxIsNumber(a) && runboxIsNumber(b) {
			return runboxFloat(a) == runboxFloat(b)
		}
		return false
	}

	switch a.Kind() {
	case reflect.Slice, reflect.Array:
		if a.Len() != b.Len() {
			return false
		}
		for i := 0; i < a.Len(); i++ {
			if !runboxEqual(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if a.Len() != b.Len() {
			return false
		}
		iter := a.MapRange()
		for iter.Next() {
			bv := b.MapIndex(iter.Key())
			if !bv.IsValid() || !runboxEqual(iter.Value(), bv) {
				return false
			}
		}
		return true
	case reflect.Pointer, reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		return runboxEqual(a.Elem(), b.Elem())
	case reflect.Struct:
		for i := 0; i < a.NumField(); i++ {
			if !runboxEqual(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Bool:
		return a.Bool() == b.Bool()
	case reflect.String:
		return a.String() == b.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return a.Int() == b.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return a.Uint() == b.Uint()
	case reflect.Float32, reflect.Float64:
		return a.Float() == b.Float()
	case reflect.Complex64, reflect.Complex128:
		return a.Complex() == b.Complex()
	}
	if a.CanInterface() && b.CanInterface() {
		return reflect.DeepEqual(a.Interface(), b.Interface())
	}
	return false
}

func runboxIsNumber(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func runboxFloat(v reflect.Value) float64 {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint())
	}
	return v.Float()
}
`))

var mainFuncRe = regexp.MustCompile(`(?m)^func\s+main\s*\(\s*\)`)

// HasMain reports whether Go source declares func main.
func HasMain(src string) bool {
	return mainFuncRe.MatchString(src)
}

// Go renders the harness for a Go solution in package main. When the
// solution already declares main, the harness runs from init and exits
// before the solution's main starts.
func Go(suite model.TestSuite, hasMain bool) (model.File, error) {
	fn := suite.Callable()
	if fn == "" {
		return model.File{}, fmt.Errorf("go harness: no function name")
	}
	data, err := casesJSON(suite)
	if err != nil {
		return model.File{}, err
	}
	src, err := render(goTmpl, struct {
		Cases    string
		Function string
		HasMain  bool
	}{strconv.Quote(data), fn, hasMain})
	if err != nil {
		return model.File{}, err
	}
	return model.File{Path: GoFile, Content: src}, nil
}

var packageRe = regexp.MustCompile(`(?m)^package\s+\w+`)

// AsMainPackage rewrites the package clause of a single-file Go solution to
// package main.
func AsMainPackage(src string) string {
	loc := packageRe.FindStringIndex(src)
	if loc == nil {
		return "package main\n\n" + src
	}
	return src[:loc[0]] + "package main" + src[loc[1]:]
}

// GoMod is the module file written when a Go submission does not ship one.
const GoMod = "module solution\n\ngo 1.22\n"
