// Package policy implements the deny-by-default authorization gate that
// sits in front of every tool execution. Authorize is a pure function of
// its inputs: same context and capability always yield the same decision,
// which keeps the allow/deny matrix exhaustively testable.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harun/toolbridge/pkg/capability"
)

// ExecutionContext carries the per-call facts the gate decides on.
// Immutable after construction.
type ExecutionContext struct {
	Principal     string
	GrantedScopes []string
	Tool          string
	Arguments     map[string]interface{}
	TraceID       string
}

// Reason is the machine-readable explanation of a decision.
type Reason string

const (
	ReasonAllowed                Reason = "Allowed"
	ReasonNotAllowlisted         Reason = "NotAllowlisted"
	ReasonMissingSideEffectScope Reason = "MissingSideEffectScope"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Detail  string
}

// Scope grammar:
//
//	tool:<name>      exact tool grant
//	tool:<glob>      glob tool grant, e.g. tool:web.*
//	browser          side-effect class grant
//	database         side-effect class grant
const toolScopePrefix = "tool:"

// Authorize decides whether the given principal may execute the tool.
// Deny-by-default: the capability must be allowlisted in the registry AND
// a granted scope must name the tool; side-effecting classes additionally
// require their class scope.
func Authorize(ec ExecutionContext, cap capability.ToolCapability) Decision {
	if !cap.Allowlisted {
		return Decision{
			Reason: ReasonNotAllowlisted,
			Detail: fmt.Sprintf("tool %s is not allowlisted", cap.Name),
		}
	}

	if !scopesCoverTool(ec.GrantedScopes, cap.Name) {
		return Decision{
			Reason: ReasonNotAllowlisted,
			Detail: fmt.Sprintf("principal %s has no scope granting tool %s", ec.Principal, cap.Name),
		}
	}

	if required := sideEffectScope(cap.SideEffectClass); required != "" {
		if !hasScope(ec.GrantedScopes, required) {
			return Decision{
				Reason: ReasonMissingSideEffectScope,
				Detail: fmt.Sprintf("tool %s requires the %q scope", cap.Name, required),
			}
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}
}

// sideEffectScope returns the extra scope a side-effect class demands, or
// empty when the class needs none.
func sideEffectScope(class capability.SideEffectClass) string {
	switch class {
	case capability.SideEffectBrowser:
		return "browser"
	case capability.SideEffectDatabase:
		return "database"
	default:
		return ""
	}
}

func scopesCoverTool(scopes []string, tool string) bool {
	for _, scope := range scopes {
		if !strings.HasPrefix(scope, toolScopePrefix) {
			continue
		}
		pattern := scope[len(toolScopePrefix):]
		if pattern == tool {
			return true
		}
		if matched, err := filepath.Match(pattern, tool); err == nil && matched {
			return true
		}
	}
	return false
}

func hasScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}
