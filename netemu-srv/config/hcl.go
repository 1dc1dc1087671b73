package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// envFunc exposes env("NAME") to HCL configuration files.
var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "name", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

// loadHCLConfig evaluates every top-level attribute of an HCL file and
// feeds the result through the same mapping as JSON files. Sections are
// written as object attributes (shaping = { ... }), not blocks.
func loadHCLConfig(configPath string, cfg *Config) error {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(cleanPath)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL config: %s", diags.Error())
	}

	attrs, diags := file.Body.JustAttributes()
	if diags.HasErrors() {
		return fmt.Errorf("failed to read HCL attributes: %s", diags.Error())
	}

	evalCtx := &hcl.EvalContext{
		Functions: map[string]function.Function{
			"env": envFunc,
		},
	}

	data := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return fmt.Errorf("failed to evaluate %s: %s", name, diags.Error())
		}
		decoded, err := ctyToGo(val)
		if err != nil {
			return fmt.Errorf("failed to convert %s: %w", name, err)
		}
		data[name] = decoded
	}

	return applyMap(data, cfg)
}

// ctyToGo converts a cty value into the shapes encoding/json produces.
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	if val.IsNull() {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(val, val.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
