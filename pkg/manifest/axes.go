package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// AxisConfig is one matrix axis.
type AxisConfig struct {
	Name   string
	Values []string
}

// Axes is an ordered mapping of axis name to values.
//
// It decodes from a YAML or JSON object and keeps key order. Scalar values
// keep their literal text, so an unquoted 3.10 stays "3.10".
type Axes []AxisConfig

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Axes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*a = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: axes must be a mapping of axis name to values", node.Line)
	}
	out := make(Axes, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind == yaml.AliasNode {
			val = val.Alias
		}
		axis := AxisConfig{Name: key.Value}
		switch {
		case val.Kind == yaml.SequenceNode:
			axis.Values = make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: axis %q values must be scalars", item.Line, axis.Name)
				}
				axis.Values = append(axis.Values, item.Value)
			}
		case val.Kind == yaml.ScalarNode && val.Tag == "!!null":
			axis.Values = []string{}
		default:
			return fmt.Errorf("line %d: axis %q must be a list of values", val.Line, axis.Name)
		}
		out = append(out, axis)
	}
	*a = out
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a Axes) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, axis := range a {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Style: yaml.FlowStyle}
		for _, v := range axis.Values {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: axis.Name},
			seq)
	}
	return node, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Axes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("axes must be an object of axis name to values")
	}

	out := Axes{}
	seen := map[string]struct{}{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("axis %q declared twice", name)
		}
		seen[name] = struct{}{}

		var raw []json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("axis %q must be a list of values: %w", name, err)
		}
		values := make([]string, 0, len(raw))
		for _, r := range raw {
			v, err := scalarText(r)
			if err != nil {
				return fmt.Errorf("axis %q: %w", name, err)
			}
			values = append(values, v)
		}
		out = append(out, AxisConfig{Name: name, Values: values})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*a = out
	return nil
}

// MarshalJSON implements json.Marshaler, preserving axis order.
func (a Axes) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, axis := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		name, err := json.Marshal(axis.Name)
		if err != nil {
			return nil, err
		}
		values := axis.Values
		if values == nil {
			values = []string{}
		}
		vals, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		b.Write(name)
		b.WriteByte(':')
		b.Write(vals)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// StringMap is a string mapping whose JSON values may also be numbers or
// booleans; they are kept as their literal text.
type StringMap map[string]string

// UnmarshalJSON implements json.Unmarshaler.
func (m *StringMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*m = nil
		return nil
	}
	out := make(StringMap, len(raw))
	for k, r := range raw {
		v, err := scalarText(r)
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	*m = out
	return nil
}

func scalarText(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	text := strings.TrimSpace(string(raw))
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return text, nil
	}
	if text == "true" || text == "false" {
		return text, nil
	}
	return "", fmt.Errorf("value %s must be a string, number or boolean", text)
}
