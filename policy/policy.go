// Package policy is the governance collaborator consulted before any write.
package policy

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/velmie/memgate/audit"
)

// ErrNoRules is returned when a rule checker is built without any rules.
var ErrNoRules = errors.New("policy: at least one rule is required")

// Decision is the result of a policy check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Reject returns a rejecting decision with reason.
func Reject(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Checker decides whether an actor may perform op in space.
type Checker interface {
	Check(ctx context.Context, actorUserID, space string, op audit.Operation) (Decision, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, actorUserID, space string, op audit.Operation) (Decision, error)

// Check implements Checker.
func (fn CheckerFunc) Check(ctx context.Context, actorUserID, space string, op audit.Operation) (Decision, error) {
	return fn(ctx, actorUserID, space, op)
}

// Rule allows or denies a (actor, space, operation) pattern. Actor and Space
// are path.Match patterns; empty means "*". Empty Operations matches all.
type Rule struct {
	Actor      string            `mapstructure:"actor" yaml:"actor"`
	Space      string            `mapstructure:"space" yaml:"space"`
	Operations []audit.Operation `mapstructure:"operations" yaml:"operations"`
	Deny       bool              `mapstructure:"deny" yaml:"deny"`
	Reason     string            `mapstructure:"reason" yaml:"reason"`
}

func (r Rule) matches(actor, space string, op audit.Operation) bool {
	if !globMatch(r.Actor, actor) || !globMatch(r.Space, space) {
		return false
	}
	if len(r.Operations) == 0 {
		return true
	}
	for _, candidate := range r.Operations {
		if candidate == op {
			return true
		}
	}

	return false
}

func globMatch(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	ok, err := path.Match(pattern, value)

	return err == nil && ok
}

// Rules evaluates an ordered rule list; the first matching rule decides and
// no match rejects.
type Rules struct {
	rules []Rule
}

var _ Checker = (*Rules)(nil)

// NewRules builds a first-match rule checker.
func NewRules(rules ...Rule) (*Rules, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}
	out := make([]Rule, len(rules))
	copy(out, rules)

	return &Rules{rules: out}, nil
}

// Check implements Checker.
func (r *Rules) Check(_ context.Context, actorUserID, space string, op audit.Operation) (Decision, error) {
	for _, rule := range r.rules {
		if !rule.matches(actorUserID, space, op) {
			continue
		}
		if rule.Deny {
			reason := rule.Reason
			if reason == "" {
				reason = "denied by rule"
			}

			return Reject(reason), nil
		}

		return Allow(), nil
	}

	return Reject("no matching rule"), nil
}

// OwnSpaces allows writes to team spaces and to the caller's own private
// space, rejecting writes into someone else's private space.
func OwnSpaces() Checker {
	return CheckerFunc(func(_ context.Context, actor, space string, _ audit.Operation) (Decision, error) {
		if owner, ok := strings.CutPrefix(space, "private:"); ok && owner != actor {
			return Reject("private space belongs to another user"), nil
		}

		return Allow(), nil
	})
}
