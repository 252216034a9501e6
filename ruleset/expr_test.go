package ruleset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apernet/ovpnkit/config"
	"github.com/apernet/ovpnkit/push"
)

type testLogger struct {
	logged []string
	errors []string
}

func (l *testLogger) Log(info DirectiveInfo, name string) {
	l.logged = append(l.logged, name)
}

func (l *testLogger) MatchError(info DirectiveInfo, name string, err error) {
	l.errors = append(l.errors, name)
}

func TestExprRuleset(t *testing.T) {
	logger := &testLogger{}
	rs, err := CompileExprRules([]ExprRule{
		{Name: "no-private-dns", Action: "reject", Log: true, Expr: `name == "dhcp-option" && arg(args, 0) == "DNS" && cidr(arg(args, 1), "10.0.0.0/8")`},
		{Name: "no-redirect", Action: "ignore", Expr: `name == "redirect-gateway"`},
		{Name: "keep-routes", Action: "accept", Expr: `name == "route" && nargs >= 1`},
	}, &BuiltinConfig{Logger: logger})
	require.NoError(t, err)

	tests := []struct {
		line   string
		action Action
		rule   string
	}{
		{"dhcp-option DNS 10.1.2.3", ActionReject, "no-private-dns"},
		{"dhcp-option DNS 8.8.8.8", ActionAccept, ""},
		{"redirect-gateway def1", ActionIgnore, "no-redirect"},
		{"route 10.0.0.0 255.0.0.0", ActionAccept, "keep-routes"},
		{"ifconfig 10.8.0.2 255.255.255.0", ActionAccept, ""},
	}
	for _, tt := range tests {
		d := push.Directives("PUSH_REPLY," + tt.line)[0]
		action, rule := rs.Filter(d)
		assert.Equal(t, tt.action, action, tt.line)
		assert.Equal(t, tt.rule, rule, tt.line)
	}
	assert.Equal(t, []string{"no-private-dns"}, logger.logged)
}

func TestCompileErrors(t *testing.T) {
	_, err := CompileExprRules([]ExprRule{{Name: "a", Action: "block", Expr: "true"}}, nil)
	assert.Error(t, err)
	_, err = CompileExprRules([]ExprRule{{Name: "b", Action: "ignore", Expr: `cidr(line, "not a cidr")`}}, nil)
	assert.Error(t, err)
	_, err = CompileExprRules([]ExprRule{{Name: "c", Action: "ignore", Expr: `proto == "udp"`}}, nil)
	assert.Error(t, err)
	_, err = CompileExprRules([]ExprRule{{Name: "d", Action: "ignore", Expr: `name ==`}}, nil)
	assert.Error(t, err)
}

func TestPullFilters(t *testing.T) {
	rs, err := Load("", []config.PullFilter{
		{Action: "ignore", Text: "route "},
		{Action: "reject", Text: `dhcp-option "x`},
	}, nil)
	require.NoError(t, err)

	r, err := push.Parse("PUSH_REPLY,ifconfig 10.5.10.6 10.5.10.5,route 10.0.0.0 255.0.0.0,route-gateway 10.5.10.1", rs)
	require.NoError(t, err)
	assert.Empty(t, r.IPv4.Routes)
	assert.Len(t, r.Directives, 2)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- name: no-v6
  action: ignore
  expr: name startsWith "route-ipv6" || name == "ifconfig-ipv6"
`), 0o644))
	rs, err := Load(path, []config.PullFilter{{Action: "accept", Text: "ifconfig-ipv6"}}, nil)
	require.NoError(t, err)

	action, _ := rs.Filter(push.Directive{Name: "ifconfig-ipv6", Line: "ifconfig-ipv6 fd00::2/64 fd00::1"})
	assert.Equal(t, ActionAccept, action, "profile pull filters come first")
	action, rule := rs.Filter(push.Directive{Name: "route-ipv6", Line: "route-ipv6 2000::/3"})
	assert.Equal(t, ActionIgnore, action)
	assert.Equal(t, "no-v6", rule)
}
