package dedupe

import (
	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/prospector/pkg/contracts"
)

// EligibilityFilter evaluates a mandate profile's CEL expression against each
// candidate before a prospect row is created. The expression sees a single
// `prospect` map, e.g.:
//
//	prospect.hq_country in ["DE", "FR"] && prospect.confidence >= 0.5
type EligibilityFilter struct {
	program cel.Program
	expr    string
}

// CompileEligibility compiles the expression once at profile load time.
func CompileEligibility(expr string) (*EligibilityFilter, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(cel.Variable("prospect", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "build eligibility env")
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.WrapError(contracts.KindValidation, issues.Err(),
			"compile eligibility filter %q", expr).WithCode("BAD_ELIGIBILITY_FILTER")
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, contracts.NewError(contracts.KindValidation,
			"eligibility filter %q must yield bool, got %s", expr, ast.OutputType()).
			WithCode("BAD_ELIGIBILITY_FILTER")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, contracts.WrapError(contracts.KindValidation, err, "plan eligibility filter")
	}
	return &EligibilityFilter{program: program, expr: expr}, nil
}

// Expr returns the source expression.
func (f *EligibilityFilter) Expr() string { return f.expr }

// Eligible evaluates the filter for one candidate.
func (f *EligibilityFilter) Eligible(entity contracts.DiscoveredEntity) (bool, error) {
	out, _, err := f.program.Eval(map[string]any{
		"prospect": map[string]any{
			"name":        entity.Name,
			"website_url": entity.WebsiteURL,
			"hq_country":  entity.HQCountry,
			"hq_city":     entity.HQCity,
			"sector":      entity.Sector,
			"subsector":   entity.Subsector,
			"description": entity.Description,
			"confidence":  entity.Confidence,
		},
	})
	if err != nil {
		return false, contracts.WrapError(contracts.KindValidation, err,
			"evaluate eligibility filter %q", f.expr)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, contracts.NewError(contracts.KindValidation,
			"eligibility filter %q produced non-bool", f.expr)
	}
	return ok, nil
}
