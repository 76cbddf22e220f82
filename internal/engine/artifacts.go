package engine

// Structured agent outputs. These are the shapes the invoker's CallJSON
// decodes; an output that fails to decode after the corrective re-prompt
// is a content-shape error and fails the phase.

// Concept is the Director's concept-phase output.
type Concept struct {
	Title       string   `json:"title"`
	Premise     string   `json:"premise"`
	Genre       string   `json:"genre"`
	Tone        string   `json:"tone"`
	Themes      []string `json:"themes,omitempty"`
	Protagonist struct {
		Name     string `json:"name"`
		Identity string `json:"identity"`
	} `json:"protagonist"`
}

// Character is one cast entry from the characters phase.
type Character struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
	Voice       string `json:"voice,omitempty"`
}

// CharacterBible is the character-designer output.
type CharacterBible struct {
	Characters []Character `json:"characters"`
}

// WorldFact is one worldbuilding entry.
type WorldFact struct {
	Key    string `json:"key"`
	Detail string `json:"detail"`
}

// WorldBible is the worldbuilder output.
type WorldBible struct {
	Facts []WorldFact `json:"facts"`
}

// SceneCritique is the Critic's verdict on one scene draft.
type SceneCritique struct {
	RevisionNeeded bool    `json:"revision_needed"`
	Feedback       string  `json:"feedback"`
	Score          float64 `json:"score,omitempty"`
}

// ManuscriptNote is one scene entry in the whole-manuscript critique.
type ManuscriptNote struct {
	Scene  int    `json:"scene"`
	Revise bool   `json:"revise"`
	Notes  string `json:"notes"`
}

// ManuscriptCritique is the critique-phase output.
type ManuscriptCritique struct {
	Overall string           `json:"overall"`
	Scenes  []ManuscriptNote `json:"scenes"`
}

// ExtractedFact is one Archivist fact candidate.
type ExtractedFact struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Extraction is the Archivist consolidation input.
type Extraction struct {
	Facts []ExtractedFact `json:"facts"`
}
