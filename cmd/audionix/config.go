package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// yamlConfig loads flag values from a YAML document. Keys match flag names
// with either dashes or underscores. A section named after a command holds
// values that apply only to that command's flags, e.g.
//
//	store: filesystem
//	serve:
//	  address: ":9000"
func yamlConfig(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	return kong.ResolverFunc(func(kctx *kong.Context, parent *kong.Path, flag *kong.Flag) (any, error) {
		if cmd := commandName(kctx); cmd != "" {
			if section, ok := values[cmd].(map[string]any); ok {
				if v, ok := lookup(section, flag.Name); ok {
					return v, nil
				}
			}
		}
		if v, ok := lookup(values, flag.Name); ok {
			return v, nil
		}
		return nil, nil
	}), nil
}

func commandName(kctx *kong.Context) string {
	if kctx == nil {
		return ""
	}
	if node := kctx.Selected(); node != nil {
		return node.Name
	}
	return ""
}

func lookup(values map[string]any, name string) (string, bool) {
	v, ok := values[name]
	if !ok {
		v, ok = values[strings.ReplaceAll(name, "-", "_")]
	}
	if !ok || v == nil {
		return "", false
	}
	switch v := v.(type) {
	case map[string]any:
		return "", false
	case []any:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, ","), true
	default:
		return fmt.Sprint(v), true
	}
}
