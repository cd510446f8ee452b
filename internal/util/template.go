// Package util holds helpers shared by the engine packages that are not part
// of the public API.
package util

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

var funcs = template.FuncMap{
	"default": func(def, val any) any {
		if val == nil || val == "" {
			return def
		}

		return val
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join": func(sep string, items any) string {
		switch v := items.(type) {
		case []string:
			return strings.Join(v, sep)
		case []any:
			out := make([]string, len(v))
			for i, item := range v {
				out[i] = fmt.Sprint(item)
			}

			return strings.Join(out, sep)
		default:
			return fmt.Sprint(items)
		}
	},
}

// RenderTemplate executes text as a text/template over data. Text without
// template markers is returned unchanged.
func RenderTemplate(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("instructions").Funcs(funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
