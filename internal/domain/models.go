package domain

import (
	"encoding/json"
	"time"
)

// RunState is the full mutable state of one generation run. It is owned by
// the lifecycle manager and mutated only by the engine goroutine executing
// that run (single writer per run).
type RunState struct {
	RunID     string `json:"run_id"`
	ProjectID string `json:"project_id"`

	Phase        Phase `json:"phase"`
	CurrentScene int   `json:"current_scene"`
	TotalScenes  int   `json:"total_scenes"`

	Drafts         map[int]Draft      `json:"drafts"`
	Critiques      map[int][]Critique `json:"critiques"`
	RevisionCount  map[int]int        `json:"revision_count"`
	KeyConstraints []Constraint       `json:"key_constraints"`
	RawFactsLog    []Fact             `json:"raw_facts_log"`

	LastArchivistScene int `json:"last_archivist_scene"`

	IsPaused    bool   `json:"is_paused"`
	IsCompleted bool   `json:"is_completed"`
	Error       string `json:"error,omitempty"`

	Model ModelConfig `json:"model"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRunState creates the initial state for a run.
func NewRunState(runID, projectID string, model ModelConfig) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:              runID,
		ProjectID:          projectID,
		Phase:              PhaseConcept,
		CurrentScene:       1,
		Drafts:             make(map[int]Draft),
		Critiques:          make(map[int][]Critique),
		RevisionCount:      make(map[int]int),
		LastArchivistScene: 0,
		Model:              model,
		StartedAt:          now,
		UpdatedAt:          now,
	}
}

// Status derives the lifecycle status from the state flags.
func (s *RunState) Status() RunStatus {
	switch {
	case s.IsCompleted:
		return RunStatusCompleted
	case s.Error != "":
		return RunStatusFailed
	case s.IsPaused:
		return RunStatusPaused
	default:
		return RunStatusRunning
	}
}

// Clone returns a deep copy of the state, safe to hand to readers while
// the engine goroutine keeps mutating the original.
func (s *RunState) Clone() *RunState {
	c := *s
	c.Drafts = make(map[int]Draft, len(s.Drafts))
	for k, v := range s.Drafts {
		c.Drafts[k] = v
	}
	c.Critiques = make(map[int][]Critique, len(s.Critiques))
	for k, v := range s.Critiques {
		cs := make([]Critique, len(v))
		copy(cs, v)
		c.Critiques[k] = cs
	}
	c.RevisionCount = make(map[int]int, len(s.RevisionCount))
	for k, v := range s.RevisionCount {
		c.RevisionCount[k] = v
	}
	c.KeyConstraints = make([]Constraint, len(s.KeyConstraints))
	copy(c.KeyConstraints, s.KeyConstraints)
	c.RawFactsLog = make([]Fact, len(s.RawFactsLog))
	copy(c.RawFactsLog, s.RawFactsLog)
	return &c
}

// ModelConfig selects the text-generation model for a run.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Draft is the latest accepted prose for one scene.
type Draft struct {
	Scene     int       `json:"scene"`
	Text      string    `json:"text"`
	WordCount int       `json:"word_count"`
	Approved  bool      `json:"approved"`
	Polished  bool      `json:"polished"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Critique is one Critic verdict for a scene draft.
type Critique struct {
	Scene          int       `json:"scene"`
	RevisionNeeded bool      `json:"revision_needed"`
	Feedback       string    `json:"feedback"`
	Score          float64   `json:"score,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Constraint is a canonical continuity fact about the story, keyed for
// deterministic supersession. Immutable scene-0 constraints can never be
// overwritten by later consolidation.
type Constraint struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Source      AgentRole `json:"source"`
	SceneNumber int       `json:"scene_number"`
	Timestamp   time.Time `json:"timestamp"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Immutable   bool      `json:"immutable"`
}

// Fact is an unvetted constraint candidate extracted from generated text.
type Fact struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	SceneNumber int       `json:"scene_number"`
	Reasoning   string    `json:"reasoning,omitempty"`
}

// Event is one entry in a run's ordered event log. IDs are assigned by the
// event bus, strictly increasing per run, never reused. Events are never
// mutated after publication.
type Event struct {
	ID        int64           `json:"id"`
	Type      EventType       `json:"type"`
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// AgentMessage is one entry in the per-run agent audit trail. It correlates
// agent turns within a phase and is not part of the control flow.
type AgentMessage struct {
	MessageID string          `json:"message_id"`
	RunID     string          `json:"run_id"`
	Sender    AgentRole       `json:"sender"`
	Recipient AgentRole       `json:"recipient,omitempty"` // empty = broadcast
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Artifact is a phase output persisted in the record store, keyed by
// (run_id, artifact_type).
type Artifact struct {
	RunID     string          `json:"run_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// RunRecord is the durable projection of a run, persisted at phase and
// lifecycle boundaries so runs remain listable after a restart.
type RunRecord struct {
	RunID     string    `json:"run_id"`
	ProjectID string    `json:"project_id"`
	Status    RunStatus `json:"status"`
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SceneOutline is one planned scene from the outlining phase.
type SceneOutline struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	TargetWords int    `json:"target_words"`
}

// Outline is the outlining phase artifact.
type Outline struct {
	Scenes []SceneOutline `json:"scenes"`
}
