// Package engine implements the phase state machine and the drafting loop
// that drive one generation run from concept to polished manuscript.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fablecraft/orchestrator/internal/config"
	"github.com/fablecraft/orchestrator/internal/constraint"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/invoker"
	"github.com/fablecraft/orchestrator/internal/search"
	"github.com/fablecraft/orchestrator/internal/store"
)

// Checkpoint sentinels. The engine samples pause/cancel only at checkpoint
// boundaries: start of phase, start of scene, before each agent call.
var (
	ErrPaused    = errors.New("engine: run paused")
	ErrCancelled = errors.New("engine: run cancelled")
)

// Controller is the engine's view of one active run, implemented by the
// lifecycle manager. State is owned by the single engine goroutine
// executing the run; Checkpoint surfaces cooperative pause/cancel.
type Controller interface {
	State() *domain.RunState
	Checkpoint() error
}

// Engine executes runs. It is stateless across runs and safe to share:
// all per-run state lives in the RunState behind the Controller.
type Engine struct {
	store    store.Store
	bus      *eventbus.Bus
	invoker  *invoker.Invoker
	searcher search.Searcher
	cfg      config.Pipeline
}

// New creates an engine.
func New(st store.Store, bus *eventbus.Bus, inv *invoker.Invoker, searcher search.Searcher, cfg config.Pipeline) *Engine {
	return &Engine{
		store:    st,
		bus:      bus,
		invoker:  inv,
		searcher: searcher,
		cfg:      cfg,
	}
}

// Execute advances the run through the remaining phases until completion,
// pause, cancellation, or failure. It resumes from the state's current
// phase and scene cursor, so a restored run picks up where it left off.
func (e *Engine) Execute(ctx context.Context, ctrl Controller) error {
	st := ctrl.State()
	for {
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		if err := e.runPhase(ctx, ctrl); err != nil {
			if errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled) {
				return err
			}
			e.publish(ctx, st.RunID, domain.EventTypeError, map[string]interface{}{
				"phase":   st.Phase,
				"message": err.Error(),
			})
			return err
		}
		next, ok := domain.NextPhase(st.Phase)
		if !ok {
			break
		}
		st.Phase = next
		st.UpdatedAt = time.Now().UTC()
	}

	st.IsCompleted = true
	st.UpdatedAt = time.Now().UTC()
	e.publish(ctx, st.RunID, domain.EventTypeGenerationCompleted, map[string]interface{}{
		"total_scenes": st.TotalScenes,
	})
	return nil
}

func (e *Engine) runPhase(ctx context.Context, ctrl Controller) error {
	st := ctrl.State()
	spec := Spec(st.Phase)

	e.publish(ctx, st.RunID, domain.EventTypePhaseStart, map[string]interface{}{
		"phase": st.Phase,
		"agent": spec.Primary,
	})

	var err error
	switch st.Phase {
	case domain.PhaseConcept:
		err = e.phaseConcept(ctx, st)
	case domain.PhaseCharacters:
		err = e.phaseCharacters(ctx, st)
	case domain.PhaseNarratorDesign:
		err = e.phaseNarratorDesign(ctx, st)
	case domain.PhaseWorldbuilding:
		err = e.phaseWorldbuilding(ctx, st)
	case domain.PhaseOutlining:
		err = e.phaseOutlining(ctx, st)
	case domain.PhaseAdvancedPlanning:
		err = e.phaseAdvancedPlanning(ctx, st)
	case domain.PhaseDrafting:
		err = e.runDrafting(ctx, ctrl)
	case domain.PhaseCritique:
		err = e.phaseCritique(ctx, st)
	case domain.PhaseRevision:
		err = e.phaseRevision(ctx, ctrl)
	case domain.PhaseOriginalityCheck:
		err = e.phaseReport(ctx, st, "originality_report",
			"Assess the originality of this manuscript: derivative elements, fresh angles, and genre expectations it subverts or fulfills.")
	case domain.PhaseImpactAssessment:
		err = e.phaseReport(ctx, st, "impact_report",
			"Assess the emotional and thematic impact of this manuscript: where it lands, where it falls flat, and why.")
	case domain.PhasePolish:
		err = e.phasePolish(ctx, st)
	default:
		err = fmt.Errorf("unknown phase %q", st.Phase)
	}
	if err != nil {
		return err
	}

	e.publish(ctx, st.RunID, domain.EventTypePhaseComplete, map[string]interface{}{
		"phase":    st.Phase,
		"artifact": spec.Artifact,
	})
	return nil
}

func (e *Engine) phaseConcept(ctx context.Context, st *domain.RunState) error {
	seed, err := e.store.GetArtifact(ctx, st.RunID, "seed")
	if err != nil {
		return fmt.Errorf("failed to load seed idea: %w", err)
	}

	var concept Concept
	pc := invoker.PromptContext{
		Role:   domain.RoleDirector,
		System: roleSystem[domain.RoleDirector],
		Model:  st.Model,
		User: "Develop this seed idea into a story concept.\n\nSEED IDEA:\n" + string(seed.Payload) +
			"\n\nReply as JSON: {\"title\", \"premise\", \"genre\", \"tone\", \"themes\": [], \"protagonist\": {\"name\", \"identity\"}}",
	}
	if err := e.invoker.CallJSON(ctx, pc, &concept); err != nil {
		return err
	}
	if concept.Premise == "" || concept.Protagonist.Name == "" {
		return fmt.Errorf("concept output missing premise or protagonist")
	}

	// Immutable scene-0 seeds: the anti-drift anchors for the whole run.
	slug := constraint.Slug(concept.Protagonist.Name)
	st.KeyConstraints = append(st.KeyConstraints,
		constraint.Seed("premise.core", concept.Premise, "established at concept"),
		constraint.Seed("premise.genre", concept.Genre, "established at concept"),
		constraint.Seed("premise.tone", concept.Tone, "established at concept"),
		constraint.Seed("character."+slug+".name", concept.Protagonist.Name, "protagonist identity"),
		constraint.Seed("character."+slug+".identity", concept.Protagonist.Identity, "protagonist identity"),
	)

	if _, err := e.searcher.Store(ctx, concept.Premise, map[string]string{"kind": "concept"}); err != nil {
		log.Printf("WARN: failed to index concept: %v", err)
	}
	e.recordMessage(ctx, st.RunID, domain.RoleDirector, concept)
	return e.persistArtifact(ctx, st.RunID, "concept", concept)
}

func (e *Engine) phaseCharacters(ctx context.Context, st *domain.RunState) error {
	var bible CharacterBible
	pc := invoker.PromptContext{
		Role:   domain.RoleCharacterDesigner,
		System: roleSystem[domain.RoleCharacterDesigner],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, "main characters cast") +
			"Design the cast for this story.\n\nReply as JSON: {\"characters\": [{\"name\", \"role\", \"description\", \"voice\"}]}",
	}
	if err := e.invoker.CallJSON(ctx, pc, &bible); err != nil {
		return err
	}
	if len(bible.Characters) == 0 {
		return fmt.Errorf("character designer returned an empty cast")
	}

	var facts []domain.Fact
	for _, ch := range bible.Characters {
		slug := constraint.Slug(ch.Name)
		facts = append(facts,
			domain.Fact{Key: "character." + slug + ".name", Value: ch.Name, SceneNumber: 0, Reasoning: "cast design"},
			domain.Fact{Key: "character." + slug + ".role", Value: ch.Role, SceneNumber: 0, Reasoning: "cast design"},
		)
		if _, err := e.searcher.Store(ctx, ch.Name+": "+ch.Description, map[string]string{"kind": "character", "name": ch.Name}); err != nil {
			log.Printf("WARN: failed to index character %s: %v", ch.Name, err)
		}
	}
	st.KeyConstraints = constraint.Consolidate(st.KeyConstraints, facts, domain.RoleCharacterDesigner)

	e.recordMessage(ctx, st.RunID, domain.RoleCharacterDesigner, bible)
	return e.persistArtifact(ctx, st.RunID, "character_bible", bible)
}

func (e *Engine) phaseNarratorDesign(ctx context.Context, st *domain.RunState) error {
	pc := invoker.PromptContext{
		Role:   domain.RoleNarratorDesigner,
		System: roleSystem[domain.RoleNarratorDesigner],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, "narrative voice point of view") +
			"Design the narrative voice for this story: point of view, tense, distance, and register.",
	}
	profile, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return err
	}
	if _, err := e.searcher.Store(ctx, profile, map[string]string{"kind": "narrator"}); err != nil {
		log.Printf("WARN: failed to index narrator profile: %v", err)
	}
	e.recordMessage(ctx, st.RunID, domain.RoleNarratorDesigner, profile)
	return e.persistArtifact(ctx, st.RunID, "narrator_profile", map[string]string{"profile": profile})
}

func (e *Engine) phaseWorldbuilding(ctx context.Context, st *domain.RunState) error {
	var world WorldBible
	pc := invoker.PromptContext{
		Role:   domain.RoleWorldbuilder,
		System: roleSystem[domain.RoleWorldbuilder],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, "story world setting rules") +
			"Build the story world.\n\nReply as JSON: {\"facts\": [{\"key\", \"detail\"}]} where key is a short dotted identifier like \"world.capital_city\".",
	}
	if err := e.invoker.CallJSON(ctx, pc, &world); err != nil {
		return err
	}

	var facts []domain.Fact
	for _, f := range world.Facts {
		key := f.Key
		if !strings.HasPrefix(key, "world.") {
			key = "world." + constraint.Slug(key)
		}
		facts = append(facts, domain.Fact{Key: key, Value: f.Detail, SceneNumber: 0, Reasoning: "worldbuilding"})
		if _, err := e.searcher.Store(ctx, f.Detail, map[string]string{"kind": "world", "key": key}); err != nil {
			log.Printf("WARN: failed to index world fact: %v", err)
		}
	}
	st.KeyConstraints = constraint.Consolidate(st.KeyConstraints, facts, domain.RoleWorldbuilder)

	e.recordMessage(ctx, st.RunID, domain.RoleWorldbuilder, world)
	return e.persistArtifact(ctx, st.RunID, "world_bible", world)
}

func (e *Engine) phaseOutlining(ctx context.Context, st *domain.RunState) error {
	var outline domain.Outline
	pc := invoker.PromptContext{
		Role:   domain.RoleOutliner,
		System: roleSystem[domain.RoleOutliner],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, "plot structure scenes") +
			"Outline the story scene by scene.\n\nReply as JSON: {\"scenes\": [{\"number\", \"title\", \"summary\", \"target_words\"}]} with numbers starting at 1.",
	}
	if err := e.invoker.CallJSON(ctx, pc, &outline); err != nil {
		return err
	}
	if len(outline.Scenes) == 0 {
		return fmt.Errorf("outliner returned no scenes")
	}
	for i := range outline.Scenes {
		outline.Scenes[i].Number = i + 1
		if outline.Scenes[i].TargetWords <= 0 {
			outline.Scenes[i].TargetWords = e.cfg.BeatTargetWords
		}
	}

	st.TotalScenes = len(outline.Scenes)
	e.recordMessage(ctx, st.RunID, domain.RoleOutliner, outline)
	return e.persistArtifact(ctx, st.RunID, "outline", outline)
}

func (e *Engine) phaseAdvancedPlanning(ctx context.Context, st *domain.RunState) error {
	outline, err := e.loadOutline(ctx, st.RunID)
	if err != nil {
		return err
	}
	outlineJSON, _ := json.Marshal(outline)

	pc := invoker.PromptContext{
		Role:   domain.RoleOutliner,
		System: roleSystem[domain.RoleOutliner],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, "pacing tension arcs") +
			"Given this outline, plan pacing, tension curves, and per-scene continuity hazards to watch for.\n\nOUTLINE:\n" + string(outlineJSON),
	}
	plan, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return err
	}
	e.recordMessage(ctx, st.RunID, domain.RoleOutliner, plan)
	return e.persistArtifact(ctx, st.RunID, "plan", map[string]string{"plan": plan})
}

func (e *Engine) phaseCritique(ctx context.Context, st *domain.RunState) error {
	var crit ManuscriptCritique
	pc := invoker.PromptContext{
		Role:   domain.RoleCritic,
		System: roleSystem[domain.RoleCritic],
		Model:  st.Model,
		User: constraint.RenderBlock(st.KeyConstraints) +
			"\nCritique this full manuscript scene by scene.\n\nMANUSCRIPT:\n" + e.assembleManuscript(st) +
			"\n\nReply as JSON: {\"overall\", \"scenes\": [{\"scene\", \"revise\", \"notes\"}]}",
	}
	if err := e.invoker.CallJSON(ctx, pc, &crit); err != nil {
		return err
	}
	e.recordMessage(ctx, st.RunID, domain.RoleCritic, crit)
	return e.persistArtifact(ctx, st.RunID, "manuscript_critique", crit)
}

func (e *Engine) phaseRevision(ctx context.Context, ctrl Controller) error {
	st := ctrl.State()
	art, err := e.store.GetArtifact(ctx, st.RunID, "manuscript_critique")
	if err != nil {
		return fmt.Errorf("failed to load manuscript critique: %w", err)
	}
	var crit ManuscriptCritique
	if err := json.Unmarshal(art.Payload, &crit); err != nil {
		return fmt.Errorf("corrupt manuscript critique: %w", err)
	}

	for _, note := range crit.Scenes {
		if !note.Revise {
			continue
		}
		draft, ok := st.Drafts[note.Scene]
		if !ok {
			log.Printf("WARN: critique flags unknown scene %d, skipping", note.Scene)
			continue
		}
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}

		pc := invoker.PromptContext{
			Role:   domain.RoleWriter,
			System: roleSystem[domain.RoleWriter],
			Model:  st.Model,
			User: constraint.RenderBlock(st.KeyConstraints) +
				"\nRevise this scene to address the notes. Keep everything that works.\n\nNOTES:\n" + note.Notes +
				"\n\nSCENE:\n" + draft.Text,
		}
		revised, err := e.invoker.Call(ctx, pc)
		if err != nil {
			return err
		}
		revised = StripWordCountNotes(revised)
		draft.Text = revised
		draft.WordCount = WordCount(revised)
		draft.UpdatedAt = time.Now().UTC()
		st.Drafts[note.Scene] = draft
		if err := e.persistArtifact(ctx, st.RunID, sceneArtifactType(note.Scene), draft); err != nil {
			return err
		}
		e.publish(ctx, st.RunID, domain.EventTypeSceneRevision, map[string]interface{}{
			"scene":      note.Scene,
			"word_count": draft.WordCount,
			"source":     "manuscript_critique",
		})
	}
	return e.persistArtifact(ctx, st.RunID, "revised_scenes", map[string]interface{}{"revised": len(crit.Scenes)})
}

func (e *Engine) phaseReport(ctx context.Context, st *domain.RunState, artifactType, instruction string) error {
	pc := invoker.PromptContext{
		Role:   domain.RoleEditor,
		System: roleSystem[domain.RoleEditor],
		Model:  st.Model,
		User:   instruction + "\n\nMANUSCRIPT:\n" + e.assembleManuscript(st),
	}
	report, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return err
	}
	e.recordMessage(ctx, st.RunID, domain.RoleEditor, report)
	return e.persistArtifact(ctx, st.RunID, artifactType, map[string]string{"report": report})
}

func (e *Engine) phasePolish(ctx context.Context, st *domain.RunState) error {
	concept, err := e.store.GetArtifact(ctx, st.RunID, "concept")
	if err != nil {
		return fmt.Errorf("failed to load concept: %w", err)
	}
	var c Concept
	if err := json.Unmarshal(concept.Payload, &c); err != nil {
		return fmt.Errorf("corrupt concept artifact: %w", err)
	}

	pc := invoker.PromptContext{
		Role:   domain.RoleEditor,
		System: roleSystem[domain.RoleEditor],
		Model:  st.Model,
		User:   "Write a one-paragraph back-cover blurb for this manuscript.\n\nTITLE: " + c.Title + "\n\nMANUSCRIPT:\n" + e.assembleManuscript(st),
	}
	blurb, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return err
	}

	final := map[string]interface{}{
		"title":        c.Title,
		"blurb":        blurb,
		"total_scenes": st.TotalScenes,
		"text":         e.assembleManuscript(st),
	}
	e.recordMessage(ctx, st.RunID, domain.RoleEditor, blurb)
	return e.persistArtifact(ctx, st.RunID, "final_manuscript", final)
}

// contextBlock renders the constraint block plus semantically retrieved
// prior material, the continuity grounding injected before agent calls.
func (e *Engine) contextBlock(ctx context.Context, st *domain.RunState, query string) string {
	var b strings.Builder
	if block := constraint.RenderBlock(st.KeyConstraints); block != "" {
		b.WriteString(block)
		b.WriteString("\n")
	}
	results, err := e.searcher.Search(ctx, query, e.cfg.RetrievalTopK)
	if err != nil {
		log.Printf("WARN: retrieval failed: %v", err)
	}
	if len(results) > 0 {
		b.WriteString("RELEVANT PRIOR MATERIAL:\n")
		for _, r := range results {
			b.WriteString("- ")
			b.WriteString(r.Text)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Engine) assembleManuscript(st *domain.RunState) string {
	var b strings.Builder
	for scene := 1; scene <= st.TotalScenes; scene++ {
		if draft, ok := st.Drafts[scene]; ok {
			fmt.Fprintf(&b, "[Scene %d]\n%s\n\n", scene, draft.Text)
		}
	}
	return b.String()
}

func (e *Engine) loadOutline(ctx context.Context, runID string) (*domain.Outline, error) {
	art, err := e.store.GetArtifact(ctx, runID, "outline")
	if err != nil {
		return nil, fmt.Errorf("failed to load outline: %w", err)
	}
	var outline domain.Outline
	if err := json.Unmarshal(art.Payload, &outline); err != nil {
		return nil, fmt.Errorf("corrupt outline artifact: %w", err)
	}
	return &outline, nil
}

func (e *Engine) persistArtifact(ctx context.Context, runID, artifactType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s artifact: %w", artifactType, err)
	}
	return e.store.PutArtifact(ctx, &domain.Artifact{
		RunID:     runID,
		Type:      artifactType,
		Payload:   raw,
		UpdatedAt: time.Now().UTC(),
	})
}

// publish appends an event. A publish failure is logged but never fails
// the run.
func (e *Engine) publish(ctx context.Context, runID string, eventType domain.EventType, payload interface{}) {
	if _, err := e.bus.Publish(ctx, runID, eventType, payload); err != nil {
		log.Printf("ERROR: failed to publish %s event: %v", eventType, err)
	}
}

// recordMessage appends to the agent audit trail. Storage failure here
// must not block the run.
func (e *Engine) recordMessage(ctx context.Context, runID string, sender domain.AgentRole, content interface{}) {
	var body string
	var artifact json.RawMessage
	switch v := content.(type) {
	case string:
		body = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			log.Printf("ERROR: failed to marshal agent message: %v", err)
			return
		}
		artifact = raw
		body = "structured artifact"
	}
	msg := &domain.AgentMessage{
		MessageID: "msg_" + uuid.New().String()[:8],
		RunID:     runID,
		Sender:    sender,
		Type:      domain.MessageTypeArtifact,
		Content:   body,
		Artifact:  artifact,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.CreateMessage(ctx, msg); err != nil {
		log.Printf("ERROR: failed to record agent message: %v", err)
	}
}

func sceneArtifactType(scene int) string {
	return fmt.Sprintf("scene_%d", scene)
}
