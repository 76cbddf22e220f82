// Package constraint manages the continuity constraints that keep a run's
// generated text consistent across scenes. Constraints are keyed facts:
// immutable scene-0 constraints are the anti-drift anchors and can never be
// overwritten, while every other key follows last-writer-wins ordered by
// scene number.
package constraint

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fablecraft/orchestrator/internal/domain"
)

// Seed builds an immutable scene-0 constraint established during the
// concept phase.
func Seed(key, value, reasoning string) domain.Constraint {
	return domain.Constraint{
		Key:         key,
		Value:       value,
		Source:      domain.RoleDirector,
		SceneNumber: 0,
		Timestamp:   time.Now().UTC(),
		Reasoning:   reasoning,
		Immutable:   true,
	}
}

// Consolidate merges candidate facts into the constraint list and returns
// the result. Immutable constraints always win: a fact asserting a
// conflicting value for an immutable key is dropped. Non-immutable keys
// take the value of the highest-scene-number assertion seen so far.
func Consolidate(constraints []domain.Constraint, facts []domain.Fact, source domain.AgentRole) []domain.Constraint {
	out := make([]domain.Constraint, len(constraints))
	copy(out, constraints)

	index := make(map[string]int, len(out))
	for i, c := range out {
		index[c.Key] = i
	}

	for _, f := range facts {
		if f.Key == "" || f.Value == "" {
			continue
		}
		if i, ok := index[f.Key]; ok {
			existing := out[i]
			if existing.Immutable {
				continue
			}
			if f.SceneNumber < existing.SceneNumber {
				continue
			}
			out[i].Value = f.Value
			out[i].Source = source
			out[i].SceneNumber = f.SceneNumber
			out[i].Timestamp = time.Now().UTC()
			out[i].Reasoning = f.Reasoning
			continue
		}
		index[f.Key] = len(out)
		out = append(out, domain.Constraint{
			Key:         f.Key,
			Value:       f.Value,
			Source:      source,
			SceneNumber: f.SceneNumber,
			Timestamp:   time.Now().UTC(),
			Reasoning:   f.Reasoning,
		})
	}
	return out
}

// FilterFacts drops candidate facts that reference entities outside the
// run's canonical name allow-list, so hallucinated characters never become
// continuity facts. Keys are dotted paths; entity-scoped keys look like
// "character.<name>.<attribute>". Facts scoped to a non-entity namespace
// (plot, world, style, ...) pass through.
func FilterFacts(facts []domain.Fact, allowedNames []string) []domain.Fact {
	allowed := make(map[string]bool, len(allowedNames))
	for _, n := range allowedNames {
		allowed[normalizeName(n)] = true
	}

	var out []domain.Fact
	for _, f := range facts {
		parts := strings.Split(f.Key, ".")
		if len(parts) >= 2 && parts[0] == "character" {
			if !allowed[normalizeName(parts[1])] {
				continue
			}
		}
		out = append(out, f)
	}
	return out
}

// RenderBlock renders the constraint list as a prompt block: immutable
// constraints first in their seed order, then the latest value of every
// other key sorted by key. Output is deterministic for a given list.
func RenderBlock(constraints []domain.Constraint) string {
	if len(constraints) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("ESTABLISHED STORY FACTS (do not contradict):\n")

	for _, c := range constraints {
		if c.Immutable {
			fmt.Fprintf(&b, "- [fixed] %s: %s\n", c.Key, c.Value)
		}
	}

	var mutable []domain.Constraint
	for _, c := range constraints {
		if !c.Immutable {
			mutable = append(mutable, c)
		}
	}
	sort.Slice(mutable, func(i, j int) bool { return mutable[i].Key < mutable[j].Key })
	for _, c := range mutable {
		fmt.Fprintf(&b, "- %s: %s (as of scene %d)\n", c.Key, c.Value, c.SceneNumber)
	}
	return b.String()
}

// CharacterNames returns the canonical character names present in the
// constraint list, the allow-list for fact extraction.
func CharacterNames(constraints []domain.Constraint) []string {
	seen := make(map[string]bool)
	var names []string
	for _, c := range constraints {
		parts := strings.Split(c.Key, ".")
		if len(parts) >= 2 && parts[0] == "character" {
			name := parts[1]
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// Slug returns the canonical key segment for a display name:
// lowercased, trimmed, spaces replaced with underscores.
func Slug(name string) string {
	return normalizeName(name)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, " ", "_")))
}
