package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a submission and its result as a markdown document.
func ExportMarkdown(sub *Submission) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Submission %s\n\n", sub.ID))
	b.WriteString(fmt.Sprintf("- **User:** %s\n", sub.UserID))
	b.WriteString(fmt.Sprintf("- **Kind:** %s\n", sub.Kind))
	if t := sub.Target(); t != "" {
		b.WriteString(fmt.Sprintf("- **Item:** %s\n", t))
	}
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", sub.Language))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", sub.CreatedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", sub.Status))
	if sub.ErrorMessage != "" {
		b.WriteString(fmt.Sprintf("- **Error:** %s\n", sub.ErrorMessage))
	}
	b.WriteString("\n---\n\n")

	lang := string(sub.Language)
	if sub.Code != "" {
		b.WriteString(fmt.Sprintf("## Code\n\n```%s\n%s\n```\n\n", lang, strings.TrimRight(sub.Code, "\n")))
	}
	for _, f := range sub.Files {
		b.WriteString(fmt.Sprintf("## %s\n\n```%s\n%s\n```\n\n", f.Path, lang, strings.TrimRight(f.Content, "\n")))
	}

	r := sub.Result
	if r == nil {
		return b.String()
	}

	b.WriteString(fmt.Sprintf("## Result\n\n- **Passed:** %t\n- **Compiled:** %t\n- **Time:** %d ms\n\n", r.Passed, r.Compile.OK, r.TimingMs))
	if !r.Compile.OK && r.Compile.Stderr != "" {
		b.WriteString(fmt.Sprintf("```\n%s\n```\n\n", strings.TrimRight(r.Compile.Stderr, "\n")))
	}
	if len(r.Tests) > 0 {
		b.WriteString("| Test | Result | Expected | Actual |\n|---|---|---|---|\n")
		for _, t := range r.Tests {
			mark := "pass"
			if !t.Passed {
				mark = "FAIL"
			}
			b.WriteString(fmt.Sprintf("| %s | %s | `%s` | `%s` |\n", t.Name, mark, inline(t.Expected), inline(t.Actual)))
		}
		b.WriteString("\n")
	}
	if r.Stdout != "" {
		b.WriteString(fmt.Sprintf("<details>\n<summary>stdout</summary>\n\n```\n%s\n```\n</details>\n\n", r.Stdout))
	}
	if r.Stderr != "" {
		b.WriteString(fmt.Sprintf("<details>\n<summary>stderr</summary>\n\n```\n%s\n```\n</details>\n\n", r.Stderr))
	}

	return b.String()
}

// ExportJSON renders submissions as formatted JSON.
func ExportJSON(subs ...*Submission) ([]byte, error) {
	export := struct {
		Submissions []*Submission `json:"submissions"`
	}{
		Submissions: subs,
	}
	return json.MarshalIndent(export, "", "  ")
}

func inline(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return strings.ReplaceAll(string(data), "|", `\|`)
}
