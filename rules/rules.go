// Package rules holds the ordered reward → scene rule list and the lookup used
// when a Channel Points redemption arrives. The working table is replaced
// wholesale on every update so readers never observe a partially edited list.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

// AnyScene is the source-scene sentinel that matches every active scene.
const AnyScene = "Any"

// ErrInvalidRule is returned by Validate for rules that can never be stored.
var ErrInvalidRule = errors.New("invalid reward rule")

// Rule maps a Channel Points reward to a target scene.
type Rule struct {
	// SourceScene guards the rule; empty or "Any" matches every scene.
	SourceScene string `json:"source_scene" yaml:"source_scene" toml:"source_scene"`
	RewardID    string `json:"reward_id" yaml:"reward_id" toml:"reward_id"`
	// RewardTitle is display-only, kept so the editor can show a name.
	RewardTitle string `json:"reward_title,omitempty" yaml:"reward_title,omitempty" toml:"reward_title,omitempty"`
	TargetScene string `json:"target_scene" yaml:"target_scene" toml:"target_scene"`
	// RevertSeconds is the delay before the previous scene is restored; 0 disables revert.
	RevertSeconds int  `json:"revert_seconds" yaml:"revert_seconds" toml:"revert_seconds"`
	Enabled       bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Eligible reports whether the rule may take part in matching at all.
func (r Rule) Eligible() bool {
	return r.Enabled && r.RewardID != "" && r.TargetScene != "" && r.RevertSeconds >= 0
}

// MatchesSource reports whether the rule's source-scene guard passes for scene.
// Scene names compare exactly; only the wildcard sentinel ignores case.
func (r Rule) MatchesSource(scene string) bool {
	if r.SourceScene == "" || strings.EqualFold(r.SourceScene, AnyScene) {
		return true
	}
	return r.SourceScene == scene
}

// Validate rejects rule lists that cannot be stored. Blank rules are allowed
// (the editor creates them) but never match.
func Validate(list []Rule) error {
	for i, r := range list {
		if r.RevertSeconds < 0 {
			return fmt.Errorf("rule %d (%s): revert_seconds must be >= 0: %w", i, r.RewardID, ErrInvalidRule)
		}
	}
	return nil
}

// Table is a copy-on-write ordered rule list safe for concurrent use.
type Table struct {
	rules atomic.Pointer[[]Rule]
}

// NewTable returns a table holding a copy of list.
func NewTable(list []Rule) *Table {
	t := &Table{}
	t.Replace(list)
	return t
}

// Replace swaps in a private copy of list.
func (t *Table) Replace(list []Rule) {
	cp := make([]Rule, len(list))
	copy(cp, list)
	t.rules.Store(&cp)
}

// Snapshot returns a copy of the current list.
func (t *Table) Snapshot() []Rule {
	cur := t.load()
	out := make([]Rule, len(cur))
	copy(out, cur)
	return out
}

// Len returns the number of rules in the current list.
func (t *Table) Len() int { return len(t.load()) }

// Match returns the first eligible rule for rewardID whose source guard passes
// for currentScene.
func (t *Table) Match(rewardID, currentScene string) (Rule, bool) {
	if rewardID == "" {
		return Rule{}, false
	}
	for _, r := range t.load() {
		if !r.Eligible() || r.RewardID != rewardID {
			continue
		}
		if r.MatchesSource(currentScene) {
			return r, true
		}
	}
	return Rule{}, false
}

func (t *Table) load() []Rule {
	if p := t.rules.Load(); p != nil {
		return *p
	}
	return nil
}
