package engine

import "github.com/fablecraft/orchestrator/internal/domain"

// PhaseSpec describes one pipeline stage: who runs it and what it produces.
type PhaseSpec struct {
	Primary    domain.AgentRole
	Supporting []domain.AgentRole
	Artifact   string
}

// phaseSpecs maps every phase to its agents and output artifact type.
var phaseSpecs = map[domain.Phase]PhaseSpec{
	domain.PhaseConcept:          {Primary: domain.RoleDirector, Artifact: "concept"},
	domain.PhaseCharacters:       {Primary: domain.RoleCharacterDesigner, Artifact: "character_bible"},
	domain.PhaseNarratorDesign:   {Primary: domain.RoleNarratorDesigner, Artifact: "narrator_profile"},
	domain.PhaseWorldbuilding:    {Primary: domain.RoleWorldbuilder, Artifact: "world_bible"},
	domain.PhaseOutlining:        {Primary: domain.RoleOutliner, Artifact: "outline"},
	domain.PhaseAdvancedPlanning: {Primary: domain.RoleOutliner, Supporting: []domain.AgentRole{domain.RoleDirector}, Artifact: "plan"},
	domain.PhaseDrafting:         {Primary: domain.RoleWriter, Supporting: []domain.AgentRole{domain.RoleCritic, domain.RoleArchivist}, Artifact: "draft_scenes"},
	domain.PhaseCritique:         {Primary: domain.RoleCritic, Artifact: "manuscript_critique"},
	domain.PhaseRevision:         {Primary: domain.RoleWriter, Supporting: []domain.AgentRole{domain.RoleCritic}, Artifact: "revised_scenes"},
	domain.PhaseOriginalityCheck: {Primary: domain.RoleEditor, Artifact: "originality_report"},
	domain.PhaseImpactAssessment: {Primary: domain.RoleEditor, Artifact: "impact_report"},
	domain.PhasePolish:           {Primary: domain.RoleEditor, Artifact: "final_manuscript"},
}

// Spec returns the phase table entry for p.
func Spec(p domain.Phase) PhaseSpec {
	return phaseSpecs[p]
}

// roleSystem holds the system prompt for each agent role.
var roleSystem = map[domain.AgentRole]string{
	domain.RoleDirector:          "You are the story director. You establish the creative vision: premise, genre, tone, themes, and protagonist. Reply in strict JSON when asked.",
	domain.RoleCharacterDesigner: "You design the cast of a long-form narrative: names, roles, motivations, and distinct voices. Reply in strict JSON when asked.",
	domain.RoleNarratorDesigner:  "You design the narrative voice: point of view, tense, distance, and stylistic register.",
	domain.RoleWorldbuilder:      "You build the story world: settings, rules, institutions, and history relevant to the plot. Reply in strict JSON when asked.",
	domain.RoleOutliner:          "You plan story structure. You produce scene-by-scene outlines with clear goals and target lengths. Reply in strict JSON when asked.",
	domain.RoleWriter:            "You write polished narrative prose. Follow the outline, respect every established story fact, and never break continuity. Output prose only.",
	domain.RoleCritic:            "You critique narrative prose against the outline and established facts. Be specific and actionable. Reply in strict JSON when asked.",
	domain.RoleArchivist:         "You extract canonical story facts from finished prose. Only report facts about known characters and entities. Reply in strict JSON when asked.",
	domain.RoleEditor:            "You are a line editor. You refine prose for rhythm and clarity without changing meaning, events, or length.",
}
