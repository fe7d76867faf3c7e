package template

import (
	"strings"
)

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeAlt
)

// node is one piece of a compiled template.
//
// Alternative options only ever hold text and variable nodes: a nested
// alternative group is rejected at parse time.
type node struct {
	kind    nodeKind
	pos     int
	text    string // literal text or variable name
	options [][]node
}

// parse turns src into nodes and collects every syntax problem it finds.
// The returned nodes are only meaningful when no error-severity issue exists.
func parse(src string) ([]node, Issues) {
	var (
		nodes  []node
		issues Issues
		lit    strings.Builder
		litPos = 0
	)
	flush := func() {
		if lit.Len() > 0 {
			nodes = append(nodes, node{kind: nodeText, pos: litPos, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(src); {
		switch src[i] {
		case '}':
			issues = append(issues, Issue{Severity: SeverityError, Code: CodeUnbalancedBraces, Pos: i, Message: "unexpected '}' without matching '{'"})
			i++
		case '{':
			end := matchBrace(src, i)
			if end < 0 {
				issues = append(issues, Issue{Severity: SeverityError, Code: CodeUnbalancedBraces, Pos: i, Message: "unclosed '{'"})
				if lit.Len() == 0 {
					litPos = i
				}
				lit.WriteString(src[i:])
				i = len(src)
				continue
			}
			flush()
			n, gi := parseGroup(src[i+1:end], i+1)
			issues = append(issues, gi...)
			if len(gi) == 0 {
				n.pos = i
				nodes = append(nodes, n)
			}
			i = end + 1
			litPos = i
		default:
			if lit.Len() == 0 {
				litPos = i
			}
			lit.WriteByte(src[i])
			i++
		}
	}
	flush()
	return nodes, issues
}

// matchBrace returns the index of the '}' closing the '{' at open, or -1.
func matchBrace(src string, open int) int {
	depth := 0
	for j := open; j < len(src); j++ {
		switch src[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return j
			}
		}
	}
	return -1
}

// splitTop splits inner on '|' that are not inside a nested brace pair.
func splitTop(inner string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for j := 0; j < len(inner); j++ {
		switch inner[j] {
		case '{':
			depth++
		case '}':
			depth--
		case '|':
			if depth == 0 {
				parts = append(parts, inner[start:j])
				start = j + 1
			}
		}
	}
	return append(parts, inner[start:])
}

func parseGroup(inner string, off int) (node, Issues) {
	parts := splitTop(inner)
	if len(parts) == 1 {
		name := strings.TrimSpace(inner)
		switch {
		case name == "":
			return node{}, Issues{{Severity: SeverityError, Code: CodeEmptyAlternatives, Pos: off - 1, Message: "empty group '{}'"}}
		case strings.ContainsAny(name, "{}"):
			return node{}, Issues{{Severity: SeverityError, Code: CodeNestedAlternatives, Pos: off - 1, Message: "variable name may not contain braces"}}
		}
		return node{kind: nodeVar, text: name}, nil
	}

	var (
		issues  Issues
		options [][]node
		cursor  = off
	)
	for _, raw := range parts {
		optPos := cursor
		cursor += len(raw) + 1

		lead := len(raw) - len(strings.TrimLeft(raw, " \t\r\n"))
		opt := strings.TrimSpace(raw)
		if opt == "" {
			continue
		}
		on, oi := parseOption(opt, optPos+lead)
		issues = append(issues, oi...)
		options = append(options, on)
	}
	if len(options) == 0 {
		issues = append(issues, Issue{Severity: SeverityError, Code: CodeEmptyAlternatives, Pos: off - 1, Message: "alternative group has no non-empty option"})
	}
	if len(issues) > 0 {
		return node{}, issues
	}
	return node{kind: nodeAlt, options: options}, nil
}

// parseOption parses one alternative: literal text plus plain {variable}
// references. Any group carrying '|' here is a nested alternative.
func parseOption(opt string, off int) ([]node, Issues) {
	var (
		out    []node
		issues Issues
		lit    strings.Builder
	)
	for i := 0; i < len(opt); {
		if opt[i] != '{' {
			lit.WriteByte(opt[i])
			i++
			continue
		}
		end := matchBrace(opt, i)
		// The outer matchBrace already proved the option is balanced.
		inner := opt[i+1 : end]
		name := strings.TrimSpace(inner)
		switch {
		case strings.ContainsAny(inner, "{}|"):
			issues = append(issues, Issue{Severity: SeverityError, Code: CodeNestedAlternatives, Pos: off + i, Message: "alternative groups cannot be nested"})
		case name == "":
			issues = append(issues, Issue{Severity: SeverityError, Code: CodeEmptyAlternatives, Pos: off + i, Message: "empty group '{}'"})
		default:
			if lit.Len() > 0 {
				out = append(out, node{kind: nodeText, text: lit.String()})
				lit.Reset()
			}
			out = append(out, node{kind: nodeVar, pos: off + i, text: name})
		}
		i = end + 1
	}
	if lit.Len() > 0 {
		out = append(out, node{kind: nodeText, text: lit.String()})
	}
	return out, issues
}
