// Package extractor implements the data-driven token-count and model-name
// extraction DSL described in spec §4.8, compiled once per provider id and
// cached (§9 design note: "compile it once into a tree of sum-typed nodes").
package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// NodeType is the tagged variant of a compiled extractor node.
type NodeType int

const (
	NodeDirect NodeType = iota
	NodeExpression
	NodeDefault
)

// Node is one compiled extractor rule (§4.8 config shape), with an optional
// fallback tried when the primary evaluation yields no value.
type Node struct {
	Type     NodeType
	Path     string   // direct
	Terms    []string // expression: dotted-path terms summed with +
	Value    float64  // default
	Fallback *Node
}

type rawNode struct {
	Type    string          `json:"type"`
	Path    string          `json:"path"`
	Formula string          `json:"formula"`
	Value   json.Number     `json:"value"`
	Fallback json.RawMessage `json:"fallback"`
}

// Compile parses one field's rule (and its fallback chain) from raw JSON.
func Compile(raw json.RawMessage) (*Node, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var rn rawNode
	if err := json.Unmarshal(raw, &rn); err != nil {
		return nil, fmt.Errorf("extractor: decode node: %w", err)
	}
	n := &Node{}
	switch rn.Type {
	case "direct":
		n.Type = NodeDirect
		n.Path = rn.Path
	case "expression":
		n.Type = NodeExpression
		n.Terms = splitExpression(rn.Formula)
	case "default":
		n.Type = NodeDefault
		if rn.Value != "" {
			v, err := rn.Value.Float64()
			if err != nil {
				return nil, fmt.Errorf("extractor: default value: %w", err)
			}
			n.Value = v
		}
	default:
		return nil, fmt.Errorf("extractor: unknown node type %q", rn.Type)
	}
	if len(rn.Fallback) > 0 && string(rn.Fallback) != "null" {
		fb, err := Compile(rn.Fallback)
		if err != nil {
			return nil, err
		}
		n.Fallback = fb
	}
	return n, nil
}

// splitExpression parses a limited "+"-only arithmetic expression over
// dotted-path terms, e.g. "usage.input_tokens + usage.output_tokens".
func splitExpression(formula string) []string {
	parts := strings.Split(formula, "+")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			terms = append(terms, p)
		}
	}
	return terms
}

// Eval walks json for n, returning (value, true) on success or (0, false) if
// neither the primary nor any fallback produced a value.
func (n *Node) Eval(json gjson.Result) (float64, bool) {
	if n == nil {
		return 0, false
	}
	v, ok := n.evalSelf(json)
	if ok {
		return v, true
	}
	return n.Fallback.Eval(json)
}

func (n *Node) evalSelf(j gjson.Result) (float64, bool) {
	switch n.Type {
	case NodeDirect:
		return evalPath(j, n.Path)
	case NodeExpression:
		sum := 0.0
		any := false
		for _, term := range n.Terms {
			v, ok := evalPath(j, term)
			if !ok {
				continue
			}
			sum += v
			any = true
		}
		return sum, any
	case NodeDefault:
		return n.Value, true
	default:
		return 0, false
	}
}

// evalPath walks a dotted path. Integer components index arrays, string
// components index objects -- exactly gjson's own path semantics, so this is
// a thin wrapper that also distinguishes "missing" from "present but null".
func evalPath(j gjson.Result, path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	res := j.Get(path)
	if !res.Exists() || res.Type == gjson.Null {
		return 0, false
	}
	return res.Float(), true
}

// FieldNames are the five token-count fields a token_mappings_json blob may
// define (§4.8).
var FieldNames = []string{
	"tokens_prompt",
	"tokens_completion",
	"tokens_total",
	"cache_create_tokens",
	"cache_read_tokens",
}
