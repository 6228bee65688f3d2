package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

// parseYAML decodes a YAML or JSON document. Unknown fields are rejected.
func (p *Parser) parseYAML(file string, data []byte) (Document, []ValidationError) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Document{}, yamlErrors(file, err)
	}
	if root.Kind == 0 {
		return Document{}, []ValidationError{{File: file, Message: "document is empty", Severity: SeverityError}}
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return Document{}, yamlErrors(file, err)
	}

	locate := func(path string) (int, int) {
		return locateYAML(&root, path)
	}
	return doc, p.validateDocument(file, doc, locate)
}

// parseJSON decodes a JSON document. Positions come from a YAML view of the
// same bytes when it parses, since JSON without tabs is valid YAML.
func (p *Parser) parseJSON(file string, data []byte) (Document, []ValidationError) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		ve := ValidationError{File: file, Message: err.Error(), Severity: SeverityError}
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			ve.Line, ve.Column = offsetPosition(data, syntaxErr.Offset)
		}
		return Document{}, []ValidationError{ve}
	}

	var locate func(string) (int, int)
	var root yaml.Node
	if yaml.Unmarshal(data, &root) == nil {
		locate = func(path string) (int, int) { return locateYAML(&root, path) }
	}
	return doc, p.validateDocument(file, doc, locate)
}

func offsetPosition(data []byte, offset int64) (int, int) {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	before := data[:offset]
	line := bytes.Count(before, []byte("\n")) + 1
	col := int(offset) - bytes.LastIndexByte(before, '\n')
	return line, col
}

// yamlErrors splits a yaml.v3 error into located validation errors.
func yamlErrors(file string, err error) []ValidationError {
	var messages []string
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		messages = typeErr.Errors
	} else {
		messages = []string{strings.TrimPrefix(err.Error(), "yaml: ")}
	}

	out := make([]ValidationError, 0, len(messages))
	for _, msg := range messages {
		ve := ValidationError{File: file, Message: msg, Severity: SeverityError}
		if m := yamlLinePattern.FindStringSubmatch(msg); m != nil {
			ve.Line, _ = strconv.Atoi(m[1])
		}
		out = append(out, ve)
	}
	return out
}

// locateYAML returns the position of the deepest node on path, such as
// "nodes[1].tasks[0].type". Unresolvable tails fall back to their parent.
func locateYAML(root *yaml.Node, path string) (int, int) {
	node := root
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	line, col := node.Line, node.Column

	for _, seg := range splitPath(path) {
		next := stepYAML(node, seg)
		if next == nil {
			break
		}
		node = next
		line, col = node.Line, node.Column
	}
	return line, col
}

func stepYAML(node *yaml.Node, seg pathSegment) *yaml.Node {
	if seg.index >= 0 {
		if node.Kind != yaml.SequenceNode || seg.index >= len(node.Content) {
			return nil
		}
		return node.Content[seg.index]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == seg.key {
			return node.Content[i+1]
		}
	}
	return nil
}

type pathSegment struct {
	key   string
	index int
}

// splitPath turns "nodes[1].tasks[0].type" into key and index steps.
func splitPath(path string) []pathSegment {
	var out []pathSegment
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				out = append(out, pathSegment{key: part, index: -1})
				break
			}
			if open > 0 {
				out = append(out, pathSegment{key: part[:open], index: -1})
			}
			end := strings.IndexByte(part, ']')
			if end < open {
				break
			}
			idx, err := strconv.Atoi(part[open+1 : end])
			if err != nil {
				out = append(out, pathSegment{key: part[open+1 : end], index: -1})
			} else {
				out = append(out, pathSegment{index: idx})
			}
			part = part[end+1:]
		}
	}
	return out
}

// joinPath is the inverse of splitPath for CUE selector lists.
func joinPath(selectors []string) string {
	var b strings.Builder
	for _, s := range selectors {
		if _, err := strconv.Atoi(s); err == nil {
			fmt.Fprintf(&b, "[%s]", s)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s)
	}
	return b.String()
}
