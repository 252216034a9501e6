// Package ruleset decides which directives of a server push reply the
// client honors. Rules are expressions evaluated against each directive;
// the first rule that matches decides.
package ruleset

import (
	"github.com/apernet/ovpnkit/push"
)

type Action = push.Action

const (
	ActionAccept = push.ActionAccept
	ActionIgnore = push.ActionIgnore
	ActionReject = push.ActionReject
)

// DirectiveInfo is what rule expressions see.
type DirectiveInfo struct {
	Name string
	Args []string
	Line string
}

func directiveInfo(d push.Directive) DirectiveInfo {
	return DirectiveInfo{Name: d.Name, Args: d.Args, Line: d.Line}
}

type MatchResult struct {
	Action Action
	Rule   string
}

type Ruleset interface {
	push.Filter
	// Match matches a directive against the ruleset and returns the result.
	// It must be safe for concurrent use.
	Match(DirectiveInfo) MatchResult
}

// Logger is the logging interface for the ruleset.
type Logger interface {
	Log(info DirectiveInfo, name string)
	MatchError(info DirectiveInfo, name string, err error)
}

type BuiltinConfig struct {
	Logger Logger
}
