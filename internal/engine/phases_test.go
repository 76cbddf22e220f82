package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fablecraft/orchestrator/internal/domain"
)

func TestEveryPhaseHasSpecAndPrompt(t *testing.T) {
	seenArtifacts := make(map[string]domain.Phase)
	for _, phase := range domain.PhaseOrder {
		spec := Spec(phase)
		assert.NotEmpty(t, spec.Primary, "phase %s has no primary agent", phase)
		assert.NotEmpty(t, spec.Artifact, "phase %s has no artifact type", phase)
		assert.NotEmpty(t, roleSystem[spec.Primary], "no system prompt for %s", spec.Primary)
		for _, role := range spec.Supporting {
			assert.NotEmpty(t, roleSystem[role], "no system prompt for supporting %s", role)
		}

		if prev, dup := seenArtifacts[spec.Artifact]; dup {
			t.Errorf("artifact %q produced by both %s and %s", spec.Artifact, prev, phase)
		}
		seenArtifacts[spec.Artifact] = phase
	}
}

func TestPhaseOrderIsClosedUnderNext(t *testing.T) {
	phase := domain.PhaseOrder[0]
	visited := []domain.Phase{phase}
	for {
		next, ok := domain.NextPhase(phase)
		if !ok {
			break
		}
		visited = append(visited, next)
		phase = next
	}
	assert.Equal(t, domain.PhaseOrder, visited)
	assert.Equal(t, domain.PhasePolish, phase)
}
