// Package resolver decides how a divergent local and remote entity are
// reconciled. Every function here is pure.
package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/types"
)

// Strategy is a whole-entity resolution rule.
type Strategy string

const (
	ServerWins    Strategy = "server_wins"
	ClientWins    Strategy = "client_wins"
	LastWriteWins Strategy = "last_write_wins"
	FieldMerge    Strategy = "field_merge"
)

// Winner names which side a resolution took.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Policy is the resolution rule for one entity kind. Fields and Default are
// only consulted for FieldMerge; their strategies must not be FieldMerge.
type Policy struct {
	Strategy Strategy            `json:"strategy" yaml:"strategy"`
	Fields   map[string]Strategy `json:"fields,omitempty" yaml:"fields,omitempty"`
	Default  Strategy            `json:"default,omitempty" yaml:"default,omitempty"`
}

// String renders the policy for audit records, e.g.
// "field_merge(default=server_wins,title=client_wins)".
func (p Policy) String() string {
	if p.Strategy != FieldMerge {
		return string(p.Strategy)
	}
	parts := []string{"default=" + string(p.defaultStrategy())}
	names := make([]string, 0, len(p.Fields))
	for name := range p.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+"="+string(p.Fields[name]))
	}
	return string(FieldMerge) + "(" + strings.Join(parts, ",") + ")"
}

func (p Policy) defaultStrategy() Strategy {
	if p.Default == "" {
		return ServerWins
	}
	return p.Default
}

// Validate reports a malformed policy.
func (p Policy) Validate() error {
	switch p.Strategy {
	case ServerWins, ClientWins, LastWriteWins:
		return nil
	case FieldMerge:
		if !simple(p.defaultStrategy()) {
			return fmt.Errorf("%w: field_merge default %q", ErrInvalidPolicy, p.Default)
		}
		for name, s := range p.Fields {
			if !simple(s) {
				return fmt.Errorf("%w: field %q uses %q", ErrInvalidPolicy, name, s)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, p.Strategy)
	}
}

func simple(s Strategy) bool {
	return s == ServerWins || s == ClientWins || s == LastWriteWins
}

// ParsePolicy builds a policy from configuration values.
func ParsePolicy(strategy string, fields map[string]string, def string) (Policy, error) {
	p := Policy{Strategy: Strategy(strings.ToLower(strings.TrimSpace(strategy)))}
	if p.Strategy == FieldMerge {
		p.Default = Strategy(strings.ToLower(strings.TrimSpace(def)))
		if len(fields) > 0 {
			p.Fields = make(map[string]Strategy, len(fields))
			for name, s := range fields {
				p.Fields[name] = Strategy(strings.ToLower(strings.TrimSpace(s)))
			}
		}
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Entity   types.Entity       `json:"entity"`
	Winner   Winner             `json:"winner"`
	Policy   Policy             `json:"policy"`
	Conflict types.DataConflict `json:"conflict"`
}

// Resolve reconciles local and remote under policy. It never mutates its
// inputs, and the same inputs always produce the same Resolution. An
// invalid policy falls back to ServerWins.
func Resolve(local, remote types.Entity, policy Policy) Resolution {
	if policy.Validate() != nil {
		policy = Policy{Strategy: ServerWins}
	}

	conflict := types.DataConflict{
		EntityID: remote.ID,
		Kind:     remote.Kind,
		Local:    local.Clone(),
		Remote:   remote.Clone(),
		Policy:   policy.String(),
	}
	if conflict.EntityID == "" {
		conflict.EntityID = local.ID
	}
	if conflict.Kind == "" {
		conflict.Kind = local.Kind
	}

	var entity types.Entity
	var winner Winner
	if policy.Strategy == FieldMerge {
		entity, winner = merge(local, remote, policy)
	} else if pick(policy.Strategy, local, remote) == WinnerLocal {
		entity, winner = local.Clone(), WinnerLocal
	} else {
		entity, winner = remote.Clone(), WinnerRemote
	}

	return Resolution{Entity: entity, Winner: winner, Policy: policy, Conflict: conflict}
}

// pick applies a whole-entity strategy.
func pick(s Strategy, local, remote types.Entity) Winner {
	switch s {
	case ClientWins:
		if local.LocalVersionAt.After(remote.SyncedAt) {
			return WinnerLocal
		}
		return WinnerRemote
	case LastWriteWins:
		if local.LocalVersionAt.After(remote.ServerUpdatedAt) {
			return WinnerLocal
		}
		return WinnerRemote
	default:
		return WinnerRemote
	}
}

// merge resolves each field independently. A remote tombstone is honored
// unless the default strategy picks the local side.
func merge(local, remote types.Entity, p Policy) (types.Entity, Winner) {
	def := pick(p.defaultStrategy(), local, remote)
	if remote.Deleted || local.Deleted {
		if def == WinnerLocal {
			return local.Clone(), WinnerLocal
		}
		return remote.Clone(), WinnerRemote
	}

	out := remote.Clone()
	out.Fields = make(map[string]json.RawMessage, len(local.Fields)+len(remote.Fields))

	names := make(map[string]struct{}, len(local.Fields)+len(remote.Fields))
	for name := range local.Fields {
		names[name] = struct{}{}
	}
	for name := range remote.Fields {
		names[name] = struct{}{}
	}

	tookLocal, tookRemote := false, false
	for name := range names {
		w := def
		if s, ok := p.Fields[name]; ok {
			w = pick(s, local, remote)
		}
		lv, inLocal := local.Fields[name]
		rv, inRemote := remote.Fields[name]
		if inLocal && inRemote && sameJSON(lv, rv) {
			out.Fields[name] = append(json.RawMessage(nil), rv...)
			continue
		}
		if w == WinnerLocal {
			tookLocal = true
			if inLocal {
				out.Fields[name] = append(json.RawMessage(nil), lv...)
			}
		} else {
			tookRemote = true
			if inRemote {
				out.Fields[name] = append(json.RawMessage(nil), rv...)
			}
		}
	}

	switch {
	case tookLocal && tookRemote:
		out.LocalVersionAt = latest(local.LocalVersionAt, remote.LocalVersionAt)
		return out, WinnerMerged
	case tookLocal:
		return local.Clone(), WinnerLocal
	default:
		return out, WinnerRemote
	}
}

func sameJSON(a, b json.RawMessage) bool {
	x := types.Entity{Fields: map[string]json.RawMessage{"v": a}}
	y := types.Entity{Fields: map[string]json.RawMessage{"v": b}}
	return x.SameContent(y)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
