package template

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSyntax             = errors.New("template syntax error")
	ErrUnbalancedBraces   = errors.New("unbalanced braces")
	ErrEmptyAlternatives  = errors.New("empty alternatives")
	ErrNestedAlternatives = errors.New("nested alternatives")
)

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

type Code string

const (
	CodeUnbalancedBraces   Code = "unbalanced_braces"
	CodeEmptyAlternatives  Code = "empty_alternatives"
	CodeNestedAlternatives Code = "nested_alternatives"
	CodeUnknownVariable    Code = "unknown_variable"
)

// Issue is one validation finding. Pos is a byte offset into the template.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     Code     `json:"code"`
	Pos      int      `json:"pos"`
	Name     string   `json:"name,omitempty"`
	Message  string   `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s at %d: %s", i.Severity, i.Pos, i.Message)
}

type Issues []Issue

func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (is Issues) Errors() Issues   { return is.filter(SeverityError) }
func (is Issues) Warnings() Issues { return is.filter(SeverityWarning) }

func (is Issues) filter(sev Severity) Issues {
	var out Issues
	for _, i := range is {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// Err returns a *SyntaxError if any issue is an error, nil otherwise.
// Warnings never produce an error.
func (is Issues) Err() error {
	errs := is.Errors()
	if len(errs) == 0 {
		return nil
	}
	return &SyntaxError{Issues: errs}
}

// SyntaxError reports template problems that block sending.
//
// errors.Is matches ErrSyntax and the sentinel for each contained issue code.
type SyntaxError struct {
	Issues Issues
}

func (e *SyntaxError) Error() string {
	if len(e.Issues) == 1 {
		return "template: " + e.Issues[0].String()
	}
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return fmt.Sprintf("template: %d errors: %s", len(e.Issues), strings.Join(parts, "; "))
}

func (e *SyntaxError) Unwrap() []error {
	out := []error{ErrSyntax}
	seen := map[Code]bool{}
	for _, i := range e.Issues {
		if seen[i.Code] {
			continue
		}
		seen[i.Code] = true
		switch i.Code {
		case CodeUnbalancedBraces:
			out = append(out, ErrUnbalancedBraces)
		case CodeEmptyAlternatives:
			out = append(out, ErrEmptyAlternatives)
		case CodeNestedAlternatives:
			out = append(out, ErrNestedAlternatives)
		}
	}
	return out
}
