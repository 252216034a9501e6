package ruleset

import (
	"fmt"
	"net/netip"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/conf"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/push"
	"github.com/apernet/ovpnkit/ruleset/builtins"
)

// ExprRule is the external representation of an expression rule.
type ExprRule struct {
	Name   string `yaml:"name"`
	Action string `yaml:"action"`
	Log    bool   `yaml:"log"`
	Expr   string `yaml:"expr"`
}

func ExprRulesFromYAML(file string) ([]ExprRule, error) {
	bs, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var rules []ExprRule
	err = yaml.Unmarshal(bs, &rules)
	return rules, err
}

// ExprRulesFromPullFilters turns the pull-filter lines of a profile into
// rules with the same prefix semantics.
func ExprRulesFromPullFilters(filters []config.PullFilter) []ExprRule {
	rules := make([]ExprRule, 0, len(filters))
	for i, f := range filters {
		rules = append(rules, ExprRule{
			Name:   fmt.Sprintf("pull-filter-%d", i+1),
			Action: f.Action,
			Expr:   fmt.Sprintf("line startsWith %s", strconv.Quote(f.Text)),
		})
	}
	return rules
}

// compiledExprRule is the internal, compiled representation of an expression rule.
type compiledExprRule struct {
	Name    string
	Action  Action
	Log     bool
	Program *vm.Program
}

var _ Ruleset = (*exprRuleset)(nil)

type exprRuleset struct {
	Rules  []compiledExprRule
	Logger Logger
}

func (r *exprRuleset) Match(info DirectiveInfo) MatchResult {
	env := directiveInfoToExprEnv(info)
	for _, rule := range r.Rules {
		v, err := vm.Run(rule.Program, env)
		if err != nil {
			if r.Logger != nil {
				r.Logger.MatchError(info, rule.Name, err)
			}
			continue
		}
		if vBool, ok := v.(bool); ok && vBool {
			if rule.Log && r.Logger != nil {
				r.Logger.Log(info, rule.Name)
			}
			return MatchResult{
				Action: rule.Action,
				Rule:   rule.Name,
			}
		}
	}
	return MatchResult{
		Action: ActionAccept,
	}
}

func (r *exprRuleset) Filter(d push.Directive) (push.Action, string) {
	res := r.Match(directiveInfo(d))
	return res.Action, res.Rule
}

// CompileExprRules compiles a list of expression rules into a ruleset.
// It returns an error if any of the rules are invalid.
func CompileExprRules(rules []ExprRule, config *BuiltinConfig) (Ruleset, error) {
	var compiledRules []compiledExprRule
	for _, rule := range rules {
		action, ok := actionStringToAction(rule.Action)
		if !ok {
			return nil, fmt.Errorf("rule %q has invalid action %q", rule.Name, rule.Action)
		}
		visitor := &idVisitor{Identifiers: make(map[string]bool)}
		patcher := &idPatcher{}
		program, err := expr.Compile(rule.Expr,
			func(c *conf.Config) {
				c.Strict = false
				c.Expect = reflect.Bool
				c.Visitors = append(c.Visitors, visitor, patcher)
				registerBuiltinFunctions(c.Functions)
			},
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q has invalid expression: %w", rule.Name, err)
		}
		if patcher.err != nil {
			return nil, fmt.Errorf("rule %q failed to patch expression: %w", rule.Name, patcher.err)
		}
		for name := range visitor.Identifiers {
			if !isBuiltInIdentifier(name) {
				return nil, fmt.Errorf("rule %q uses unknown identifier %q", rule.Name, name)
			}
		}
		compiledRules = append(compiledRules, compiledExprRule{
			Name:    rule.Name,
			Action:  action,
			Log:     rule.Log,
			Program: program,
		})
	}
	rs := &exprRuleset{Rules: compiledRules}
	if config != nil {
		rs.Logger = config.Logger
	}
	return rs, nil
}

func registerBuiltinFunctions(funcMap map[string]*ast.Function) {
	funcMap["cidr"] = &ast.Function{
		Name: "cidr",
		Func: func(params ...any) (any, error) {
			return builtins.MatchCIDR(params[0].(string), params[1].(netip.Prefix)), nil
		},
		Types: []reflect.Type{reflect.TypeOf((func(string, string) bool)(nil)), reflect.TypeOf(builtins.MatchCIDR)},
	}
	funcMap["arg"] = &ast.Function{
		Name: "arg",
		Func: func(params ...any) (any, error) {
			return builtins.Arg(params[0].([]string), params[1].(int)), nil
		},
		Types: []reflect.Type{reflect.TypeOf(builtins.Arg)},
	}
}

func directiveInfoToExprEnv(info DirectiveInfo) map[string]interface{} {
	return map[string]interface{}{
		"name":  info.Name,
		"args":  info.Args,
		"nargs": len(info.Args),
		"line":  info.Line,
	}
}

func isBuiltInIdentifier(name string) bool {
	switch name {
	case "name", "args", "nargs", "line", "cidr", "arg":
		return true
	default:
		return false
	}
}

func actionStringToAction(action string) (Action, bool) {
	switch strings.ToLower(action) {
	case "accept":
		return ActionAccept, true
	case "ignore":
		return ActionIgnore, true
	case "reject":
		return ActionReject, true
	default:
		return ActionAccept, false
	}
}

type idVisitor struct {
	Identifiers map[string]bool
}

func (v *idVisitor) Visit(node *ast.Node) {
	if idNode, ok := (*node).(*ast.IdentifierNode); ok {
		v.Identifiers[idNode.Value] = true
	}
}

type idPatcher struct {
	err error
}

func (p *idPatcher) Visit(node *ast.Node) {
	switch (*node).(type) {
	case *ast.CallNode:
		callNode := (*node).(*ast.CallNode)
		switch callNode.Func.Name {
		case "cidr":
			cidrStringNode, ok := callNode.Arguments[1].(*ast.StringNode)
			if !ok {
				return
			}
			cidr, err := builtins.CompileCIDR(cidrStringNode.Value)
			if err != nil {
				p.err = err
				return
			}
			callNode.Arguments[1] = &ast.ConstantNode{Value: cidr}
		default:
		}
	default:
	}
}
