// Package domain defines the core domain models for the narrative orchestrator.
package domain

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusCancelled RunStatus = "CANCELLED"
	RunStatusFailed    RunStatus = "FAILED"
)

// IsTerminal reports whether a run in this status can never advance again.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	}
	return false
}

// Phase is one stage of the fixed twelve-stage generation pipeline.
type Phase string

const (
	PhaseConcept          Phase = "concept"
	PhaseCharacters       Phase = "characters"
	PhaseNarratorDesign   Phase = "narrator_design"
	PhaseWorldbuilding    Phase = "worldbuilding"
	PhaseOutlining        Phase = "outlining"
	PhaseAdvancedPlanning Phase = "advanced_planning"
	PhaseDrafting         Phase = "drafting"
	PhaseCritique         Phase = "critique"
	PhaseRevision         Phase = "revision"
	PhaseOriginalityCheck Phase = "originality_check"
	PhaseImpactAssessment Phase = "impact_assessment"
	PhasePolish           Phase = "polish"
)

// PhaseOrder is the fixed total order of the pipeline.
var PhaseOrder = []Phase{
	PhaseConcept,
	PhaseCharacters,
	PhaseNarratorDesign,
	PhaseWorldbuilding,
	PhaseOutlining,
	PhaseAdvancedPlanning,
	PhaseDrafting,
	PhaseCritique,
	PhaseRevision,
	PhaseOriginalityCheck,
	PhaseImpactAssessment,
	PhasePolish,
}

// NextPhase returns the phase following p in the fixed order,
// or false if p is the last phase (or unknown).
func NextPhase(p Phase) (Phase, bool) {
	for i, cur := range PhaseOrder {
		if cur == p && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1], true
		}
	}
	return "", false
}

// AgentRole identifies one of the nine specialized agents.
type AgentRole string

const (
	RoleDirector          AgentRole = "director"
	RoleCharacterDesigner AgentRole = "character_designer"
	RoleNarratorDesigner  AgentRole = "narrator_designer"
	RoleWorldbuilder      AgentRole = "worldbuilder"
	RoleOutliner          AgentRole = "outliner"
	RoleWriter            AgentRole = "writer"
	RoleCritic            AgentRole = "critic"
	RoleArchivist         AgentRole = "archivist"
	RoleEditor            AgentRole = "editor"
)

// EventType represents the type of a run event.
type EventType string

const (
	EventTypePhaseStart           EventType = "phase_start"
	EventTypePhaseComplete        EventType = "phase_complete"
	EventTypeSceneDraftComplete   EventType = "scene_draft_complete"
	EventTypeSceneCritique        EventType = "scene_critique_complete"
	EventTypeSceneRevision        EventType = "scene_revision_complete"
	EventTypeSceneArchivist       EventType = "scene_archivist_complete"
	EventTypeScenePolishComplete  EventType = "scene_polish_complete"
	EventTypeSceneFinal           EventType = "scene_final"
	EventTypeRunPaused            EventType = "run_paused"
	EventTypeRunResumed           EventType = "run_resumed"
	EventTypeRunCancelled         EventType = "run_cancelled"
	EventTypeHeartbeat            EventType = "heartbeat"
	EventTypeError                EventType = "ERROR"
	EventTypeGenerationCompleted  EventType = "generation_completed"
)

// IsStreamTerminal reports whether delivery of this event ends a
// subscriber's stream.
func (t EventType) IsStreamTerminal() bool {
	return t == EventTypeError || t == EventTypeGenerationCompleted
}

// MessageType classifies an agent-to-agent message in the audit trail.
type MessageType string

const (
	MessageTypeArtifact        MessageType = "artifact"
	MessageTypeQuestion        MessageType = "question"
	MessageTypeResponse        MessageType = "response"
	MessageTypeObjection       MessageType = "objection"
	MessageTypeApproval        MessageType = "approval"
	MessageTypeRevisionRequest MessageType = "revision_request"
)
