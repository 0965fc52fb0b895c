// Package config loads mockproxy configuration files.
//
// A config file is YAML (JSON is accepted as a YAML subset). Environment
// references of the form ${VAR} or ${VAR:-default} are expanded before
// parsing, the document is checked against an embedded JSON Schema, and the
// result is validated field by field:
//
//	f, err := config.Load("mockproxy.yaml")
//	if err != nil {
//	    return err
//	}
//	rules, err := f.BuildRules()
//
// Rule definitions cover static and passthrough handlers. Callback rules
// are registered in code through pkg/rule.
package config
