package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// envExpander substitutes $VAR and ${VAR} references in the scalar values of
// a YAML document before it is decoded. Unset variables expand to the empty
// string and are collected so the loader can warn about them.
type envExpander struct {
	lookup  func(string) (string, bool)
	missing map[string]struct{}
}

func expandCatalogEnv(raw []byte) (string, []string, error) {
	ex := &envExpander{lookup: os.LookupEnv}
	expanded, err := ex.expand(raw)
	if err != nil {
		return "", nil, err
	}
	return expanded, ex.missingNames(), nil
}

func (e *envExpander) expand(raw []byte) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("parse config: %w", err)
	}
	e.walk(&doc)
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("encode expanded config: %w", err)
	}
	return string(out), nil
}

func (e *envExpander) walk(node *yaml.Node) {
	switch node.Kind {
	case yaml.ScalarNode:
		e.rewriteScalar(node)
	case yaml.MappingNode:
		// Keys stay literal; only values are expanded.
		for i := 1; i < len(node.Content); i += 2 {
			e.walk(node.Content[i])
		}
	case yaml.AliasNode:
		// The anchored node is rewritten where it is defined.
	default:
		for _, child := range node.Content {
			e.walk(child)
		}
	}
}

func (e *envExpander) rewriteScalar(node *yaml.Node) {
	if node.Tag != "" && node.Tag != "!!str" {
		return
	}
	if !strings.Contains(node.Value, "$") {
		return
	}
	expanded := os.Expand(node.Value, e.resolve)
	if expanded == node.Value {
		return
	}

	// Quoted scalars keep their string type no matter what they expanded to.
	// Unquoted ones are re-typed, so an expanded "8080" still decodes as an
	// int and "true" as a bool.
	if node.Style != 0 {
		node.SetString(expanded)
		return
	}
	node.Tag = inferScalarTag(expanded)
	node.Value = expanded
}

func (e *envExpander) resolve(name string) string {
	if val, ok := e.lookup(name); ok {
		return val
	}
	if e.missing == nil {
		e.missing = make(map[string]struct{})
	}
	e.missing[name] = struct{}{}
	return ""
}

func (e *envExpander) missingNames() []string {
	if len(e.missing) == 0 {
		return nil
	}
	names := make([]string, 0, len(e.missing))
	for name := range e.missing {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inferScalarTag runs the expanded text back through the YAML resolver and
// keeps the tag it would receive as a plain scalar. Anything that does not
// come back as a single scalar stays a string.
func inferScalarTag(value string) string {
	if strings.TrimSpace(value) == "" {
		return "!!str"
	}
	var typed yaml.Node
	if err := yaml.Unmarshal([]byte(value), &typed); err != nil || len(typed.Content) != 1 {
		return "!!str"
	}
	if resolved := typed.Content[0]; resolved.Kind == yaml.ScalarNode && resolved.Value == value {
		return resolved.Tag
	}
	return "!!str"
}
