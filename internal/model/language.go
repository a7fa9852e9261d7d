package model

import (
	"fmt"
	"strings"
)

// Language is a supported submission language.
type Language string

const (
	Java   Language = "java"
	Python Language = "python"
	Go     Language = "go"
)

// Languages lists every supported language in a stable order.
var Languages = []Language{Java, Python, Go}

// ParseLanguage accepts the canonical names plus a few common aliases.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "java":
		return Java, nil
	case "python", "python3", "py":
		return Python, nil
	case "go", "golang":
		return Go, nil
	}
	return "", fmt.Errorf("unsupported language %q", s)
}

// Extension is the source file extension without the dot.
func (l Language) Extension() string {
	switch l {
	case Java:
		return "java"
	case Python:
		return "py"
	case Go:
		return "go"
	}
	return ""
}

// Kind distinguishes single-file challenges from multi-file projects.
type Kind string

const (
	KindChallenge Kind = "challenge"
	KindProject   Kind = "project"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindChallenge:
		return KindChallenge, nil
	case KindProject:
		return KindProject, nil
	}
	return "", fmt.Errorf("unsupported kind %q", s)
}

// File is one source file of a project submission.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
