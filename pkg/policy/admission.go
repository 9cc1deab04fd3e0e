// Package policy gates pipeline submissions through an embedded OPA
// instance. Operators express admission rules as Rego deny rules; a
// submission is rejected when any rule produces a message.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"github.com/papforge/pap/pkg/api"
)

// denyQuery is the decision path admission modules populate. Each element
// of the set is one human-readable rejection reason.
const denyQuery = "data.pap.admission.deny"

// Options configure the admission gate.
type Options struct {
	// Modules maps module names to Rego source. An empty map disables
	// admission control entirely.
	Modules map[string]string
}

// Admission evaluates submissions against the configured deny rules. The
// zero value admits everything.
type Admission struct {
	prepared rego.PreparedEvalQuery
	enabled  bool
}

// NewAdmission parses and compiles the configured modules. Compilation
// errors surface at construction so a misconfigured server refuses to
// start instead of denying every submission at runtime.
func NewAdmission(ctx context.Context, opts Options) (*Admission, error) {
	if len(opts.Modules) == 0 {
		return &Admission{}, nil
	}

	names := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(names)+1)
	regoOpts = append(regoOpts, rego.Query(denyQuery))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile admission modules: %w", err)
	}
	return &Admission{prepared: prepared, enabled: true}, nil
}

// Check evaluates one submission. A denial is returned as a
// ValidationError so the RPC layer reports it like any other rejection.
func (a *Admission) Check(ctx context.Context, sub *api.SubmitContext) error {
	if a == nil || !a.enabled {
		return nil
	}

	input, err := admissionInput(sub)
	if err != nil {
		return fmt.Errorf("build admission input: %w", err)
	}

	results, err := a.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluate admission policy: %w", err)
	}

	reasons := denyReasons(results)
	if len(reasons) == 0 {
		return nil
	}
	return &api.ValidationError{
		Kind:    api.ValidationPolicyDenied,
		Message: strings.Join(reasons, "; "),
	}
}

// admissionInput exposes the spec plus submission shape to the policy.
// The spec goes through JSON so Rego sees the same field names clients use.
func admissionInput(sub *api.SubmitContext) (map[string]any, error) {
	encoded, err := json.Marshal(sub.Spec)
	if err != nil {
		return nil, err
	}
	var spec map[string]any
	if err := json.Unmarshal(encoded, &spec); err != nil {
		return nil, err
	}

	files := make([]any, 0, len(sub.Files))
	sizes := make(map[string]any, len(sub.Files))
	for name, data := range sub.Files {
		files = append(files, name)
		sizes[name] = len(data)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].(string) < files[j].(string) })

	return map[string]any{
		"spec":       spec,
		"files":      files,
		"file_sizes": sizes,
	}, nil
}

func denyReasons(results rego.ResultSet) []string {
	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				if s, ok := v.(string); ok && s != "" {
					reasons = append(reasons, s)
				}
			}
		}
	}
	sort.Strings(reasons)
	return reasons
}
