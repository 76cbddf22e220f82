package constraint

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fablecraft/orchestrator/internal/domain"
)

func TestConsolidateImmutableNeverOverwritten(t *testing.T) {
	constraints := []domain.Constraint{
		Seed("character.mara.name", "Mara Voss", "protagonist identity"),
		Seed("style.pov", "first person", "narration contract"),
	}

	// Repeated conflicting assertions from later scenes must all be dropped.
	for scene := 1; scene <= 3; scene++ {
		constraints = Consolidate(constraints, []domain.Fact{
			{Key: "character.mara.name", Value: "Marla Voss", SceneNumber: scene},
			{Key: "style.pov", Value: "third person", SceneNumber: scene},
		}, domain.RoleArchivist)
	}

	require.Len(t, constraints, 2)
	assert.Equal(t, "Mara Voss", constraints[0].Value)
	assert.Equal(t, "first person", constraints[1].Value)
	assert.True(t, constraints[0].Immutable)
	assert.Equal(t, domain.RoleDirector, constraints[0].Source)
}

func TestConsolidateLastWriterWinsByScene(t *testing.T) {
	constraints := Consolidate(nil, []domain.Fact{
		{Key: "character.mara.location", Value: "the archive", SceneNumber: 2},
	}, domain.RoleArchivist)

	// A higher scene number supersedes.
	constraints = Consolidate(constraints, []domain.Fact{
		{Key: "character.mara.location", Value: "the harbor", SceneNumber: 5},
	}, domain.RoleArchivist)

	// A stale assertion from an earlier scene does not.
	constraints = Consolidate(constraints, []domain.Fact{
		{Key: "character.mara.location", Value: "the rooftop", SceneNumber: 3},
	}, domain.RoleArchivist)

	require.Len(t, constraints, 1)
	assert.Equal(t, "the harbor", constraints[0].Value)
	assert.Equal(t, 5, constraints[0].SceneNumber)
}

func TestConsolidateSkipsEmptyFacts(t *testing.T) {
	constraints := Consolidate(nil, []domain.Fact{
		{Key: "", Value: "orphan", SceneNumber: 1},
		{Key: "plot.inciting_incident", Value: "", SceneNumber: 1},
		{Key: "plot.inciting_incident", Value: "the letter arrives", SceneNumber: 1},
	}, domain.RoleArchivist)

	require.Len(t, constraints, 1)
	assert.Equal(t, "the letter arrives", constraints[0].Value)
}

func TestConsolidateDoesNotMutateInput(t *testing.T) {
	original := []domain.Constraint{
		Seed("character.mara.name", "Mara Voss", ""),
	}
	_ = Consolidate(original, []domain.Fact{
		{Key: "character.mara.goal", Value: "find her brother", SceneNumber: 1},
	}, domain.RoleArchivist)

	assert.Len(t, original, 1)
}

func TestFilterFactsDropsUnknownCharacters(t *testing.T) {
	facts := []domain.Fact{
		{Key: "character.mara.injury", Value: "sprained wrist", SceneNumber: 2},
		{Key: "character.ghost_captain.name", Value: "Ilo", SceneNumber: 2},
		{Key: "plot.storm", Value: "breaks at dusk", SceneNumber: 2},
		{Key: "character.Mara Voss.secret", Value: "knows the route", SceneNumber: 2},
	}

	got := FilterFacts(facts, []string{"mara", "Mara Voss"})

	require.Len(t, got, 3)
	assert.Equal(t, "character.mara.injury", got[0].Key)
	assert.Equal(t, "plot.storm", got[1].Key)
	assert.Equal(t, "character.Mara Voss.secret", got[2].Key)
}

func TestCharacterNames(t *testing.T) {
	constraints := []domain.Constraint{
		Seed("character.mara.name", "Mara Voss", ""),
		Seed("character.mara.goal", "find her brother", ""),
		Seed("character.tomas.name", "Tomas Rees", ""),
		Seed("world.setting", "drowned city", ""),
	}

	assert.Equal(t, []string{"mara", "tomas"}, CharacterNames(constraints))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "mara_voss", Slug("  Mara Voss "))
}

func TestRenderBlockEmpty(t *testing.T) {
	assert.Equal(t, "", RenderBlock(nil))
}

func TestRenderBlockGolden(t *testing.T) {
	constraints := []domain.Constraint{
		Seed("character.mara.name", "Mara Voss", "protagonist identity"),
		Seed("style.pov", "first person", "narration contract"),
	}
	constraints = Consolidate(constraints, []domain.Fact{
		{Key: "character.mara.location", Value: "the harbor", SceneNumber: 3},
		{Key: "plot.storm", Value: "breaks at dusk", SceneNumber: 2},
	}, domain.RoleArchivist)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "render_block", []byte(RenderBlock(constraints)))
}
