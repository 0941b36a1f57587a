package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes {{.VAR}} references in raw YAML with environment
// variable values before parsing. The template syntax is deliberate: task
// constraints, path globs, and passwords routinely contain literal $, so
// shell-style expansion would mangle them. An unset variable renders as the
// empty string and is left for validation to reject where the field is
// required.
//
// Content that fails to parse or execute as a template is returned untouched,
// so YAML with no template markers (or with stray braces) passes through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, environMap()); err != nil {
		return data
	}
	return buf.Bytes()
}

// environMap snapshots the process environment as template data. Values may
// themselves contain '=', so only the first occurrence splits.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}
	return env
}
