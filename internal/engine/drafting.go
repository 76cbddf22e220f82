package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fablecraft/orchestrator/internal/constraint"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/invoker"
)

// runDrafting iterates the per-scene drafting loop over all planned
// scenes. Scenes are strictly sequential: each scene's prompt depends on
// the prior scene's finalized text and consolidated constraints.
func (e *Engine) runDrafting(ctx context.Context, ctrl Controller) error {
	st := ctrl.State()
	outline, err := e.loadOutline(ctx, st.RunID)
	if err != nil {
		return err
	}
	if st.TotalScenes == 0 {
		st.TotalScenes = len(outline.Scenes)
	}

	for st.CurrentScene <= st.TotalScenes {
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		sc := outline.Scenes[st.CurrentScene-1]
		if err := e.draftScene(ctx, ctrl, sc); err != nil {
			return err
		}
		st.CurrentScene++
		st.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// draftScene runs the full per-scene state machine: draft (with beats and
// bounded expansion), critique, bounded revision, archivist consolidation,
// and polish for approved scenes. Exactly one canonical event is emitted
// per scene.
func (e *Engine) draftScene(ctx context.Context, ctrl Controller, sc domain.SceneOutline) error {
	st := ctrl.State()
	scene := sc.Number

	text, err := e.initialDraft(ctx, st, sc)
	if err != nil {
		return err
	}

	// Bounded expansion before critique. Expanding underlength prose here
	// avoids a Critic/Writer oscillation where the Critic keeps rejecting
	// for length alone.
	for attempt := 0; attempt < e.cfg.MaxExpandAttempts && WordCount(text) < sc.TargetWords; attempt++ {
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		text, err = e.expandDraft(ctx, st, sc, text)
		if err != nil {
			return err
		}
	}

	draft := domain.Draft{
		Scene:     scene,
		Text:      text,
		WordCount: WordCount(text),
		UpdatedAt: time.Now().UTC(),
	}
	st.Drafts[scene] = draft
	if err := e.persistArtifact(ctx, st.RunID, sceneArtifactType(scene), draft); err != nil {
		return err
	}
	e.publish(ctx, st.RunID, domain.EventTypeSceneDraftComplete, map[string]interface{}{
		"scene":      scene,
		"word_count": draft.WordCount,
	})

	// Critique / revise loop, bounded by the revision budget. When the
	// budget is exhausted the latest draft is accepted regardless of
	// approval.
	approved := false
	for {
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		crit, err := e.critiqueScene(ctx, st, sc, st.Drafts[scene].Text)
		if err != nil {
			return err
		}
		st.Critiques[scene] = append(st.Critiques[scene], domain.Critique{
			Scene:          scene,
			RevisionNeeded: crit.RevisionNeeded,
			Feedback:       crit.Feedback,
			Score:          crit.Score,
			CreatedAt:      time.Now().UTC(),
		})
		e.publish(ctx, st.RunID, domain.EventTypeSceneCritique, map[string]interface{}{
			"scene":           scene,
			"revision_needed": crit.RevisionNeeded,
			"attempt":         len(st.Critiques[scene]),
		})

		if !crit.RevisionNeeded {
			approved = true
			break
		}
		if st.RevisionCount[scene] >= e.cfg.MaxRevisions {
			log.Printf("INFO: scene %d revision budget exhausted, accepting latest draft", scene)
			break
		}

		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		revised, err := e.reviseScene(ctx, st, sc, st.Drafts[scene].Text, crit.Feedback)
		if err != nil {
			return err
		}
		st.RevisionCount[scene]++
		draft = st.Drafts[scene]
		draft.Text = revised
		draft.WordCount = WordCount(revised)
		draft.UpdatedAt = time.Now().UTC()
		st.Drafts[scene] = draft
		if err := e.persistArtifact(ctx, st.RunID, sceneArtifactType(scene), draft); err != nil {
			return err
		}
		e.publish(ctx, st.RunID, domain.EventTypeSceneRevision, map[string]interface{}{
			"scene":      scene,
			"revision":   st.RevisionCount[scene],
			"word_count": draft.WordCount,
		})
	}

	if err := e.archivistPass(ctx, st, scene); err != nil {
		return err
	}

	// Polish only approved scenes; a budget-exhausted rejection is never
	// polished.
	finalType := domain.EventTypeSceneFinal
	if approved {
		if err := ctrl.Checkpoint(); err != nil {
			return err
		}
		if err := e.polishScene(ctx, st, scene); err != nil {
			return err
		}
		finalType = domain.EventTypeScenePolishComplete
	}

	draft = st.Drafts[scene]
	draft.Approved = approved
	st.Drafts[scene] = draft
	if err := e.persistArtifact(ctx, st.RunID, sceneArtifactType(scene), draft); err != nil {
		return err
	}

	// The canonical per-scene event: downstream consumers read the final
	// text from here, never by stitching intermediate messages.
	e.publish(ctx, st.RunID, finalType, map[string]interface{}{
		"scene":      scene,
		"approved":   approved,
		"polished":   draft.Polished,
		"word_count": draft.WordCount,
		"text":       draft.Text,
	})

	if _, err := e.searcher.Store(ctx, sc.Summary+"\n"+tail(draft.Text, 120), map[string]string{
		"kind":  "scene",
		"scene": fmt.Sprintf("%d", scene),
	}); err != nil {
		log.Printf("WARN: failed to index scene %d: %v", scene, err)
	}
	return nil
}

// initialDraft produces the first full draft of a scene, in 3-4 sequential
// beats when the target length exceeds the single-call threshold.
func (e *Engine) initialDraft(ctx context.Context, st *domain.RunState, sc domain.SceneOutline) (string, error) {
	if sc.TargetWords <= e.cfg.BeatWordThreshold {
		text, err := e.invoker.Call(ctx, e.writerPrompt(ctx, st, sc,
			fmt.Sprintf("Write scene %d in full, targeting about %d words.\n\nSCENE OUTLINE:\n%s", sc.Number, sc.TargetWords, sc.Summary)))
		if err != nil {
			return "", err
		}
		return StripWordCountNotes(text), nil
	}

	beats := (sc.TargetWords + e.cfg.BeatTargetWords - 1) / e.cfg.BeatTargetWords
	if beats < 3 {
		beats = 3
	}
	if beats > 4 {
		beats = 4
	}
	perBeat := sc.TargetWords / beats

	var text string
	for beat := 1; beat <= beats; beat++ {
		var instruction string
		if beat == 1 {
			instruction = fmt.Sprintf("Write the opening of scene %d (part 1 of %d), about %d words. Do not conclude the scene.\n\nSCENE OUTLINE:\n%s",
				sc.Number, beats, perBeat, sc.Summary)
		} else {
			instruction = fmt.Sprintf("Continue scene %d (part %d of %d), about %d words. Continue directly from the text below without repeating it.\n\nSCENE OUTLINE:\n%s\n\nTEXT SO FAR (ending):\n%s",
				sc.Number, beat, beats, perBeat, sc.Summary, tail(text, 150))
		}
		part, err := e.invoker.Call(ctx, e.writerPrompt(ctx, st, sc, instruction))
		if err != nil {
			return "", err
		}
		part = StripWordCountNotes(part)
		if beat == 1 {
			text = part
		} else {
			part = StripOverlap(text, part)
			text = text + "\n\n" + part
		}
	}
	return text, nil
}

// expandDraft asks the Writer to continue the scene in place rather than
// regenerate it.
func (e *Engine) expandDraft(ctx context.Context, st *domain.RunState, sc domain.SceneOutline, text string) (string, error) {
	shortfall := sc.TargetWords - WordCount(text)
	instruction := fmt.Sprintf("This scene is about %d words short of its %d-word target. Continue it from where it ends, deepening what is already there. Do not repeat existing text, do not restart the scene.\n\nSCENE OUTLINE:\n%s\n\nTEXT SO FAR (ending):\n%s",
		shortfall, sc.TargetWords, sc.Summary, tail(text, 150))
	more, err := e.invoker.Call(ctx, e.writerPrompt(ctx, st, sc, instruction))
	if err != nil {
		return "", err
	}
	more = StripOverlap(text, StripWordCountNotes(more))
	if more == "" {
		return text, nil
	}
	return text + "\n\n" + more, nil
}

func (e *Engine) critiqueScene(ctx context.Context, st *domain.RunState, sc domain.SceneOutline, text string) (*SceneCritique, error) {
	var crit SceneCritique
	pc := invoker.PromptContext{
		Role:   domain.RoleCritic,
		System: roleSystem[domain.RoleCritic],
		Model:  st.Model,
		User: e.contextBlock(ctx, st, sc.Summary) +
			fmt.Sprintf("Critique this draft of scene %d against its outline.\n\nSCENE OUTLINE:\n%s\n\nDRAFT:\n%s\n\nReply as JSON: {\"revision_needed\": bool, \"feedback\", \"score\"}",
				sc.Number, sc.Summary, text),
	}
	if err := e.invoker.CallJSON(ctx, pc, &crit); err != nil {
		return nil, err
	}
	return &crit, nil
}

func (e *Engine) reviseScene(ctx context.Context, st *domain.RunState, sc domain.SceneOutline, text, feedback string) (string, error) {
	pc := e.writerPrompt(ctx, st, sc,
		fmt.Sprintf("Revise this draft of scene %d using the critique. Keep what works.\n\nCRITIQUE:\n%s\n\nDRAFT:\n%s", sc.Number, feedback, text))
	revised, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return "", err
	}
	return StripWordCountNotes(revised), nil
}

// archivistPass extracts constraint candidates from the finalized scene
// and consolidates them into the constraint list. The lastArchivistScene
// gate makes consolidation run at most once per scene.
func (e *Engine) archivistPass(ctx context.Context, st *domain.RunState, scene int) error {
	if st.LastArchivistScene >= scene {
		return nil
	}

	var extraction Extraction
	pc := invoker.PromptContext{
		Role:   domain.RoleArchivist,
		System: roleSystem[domain.RoleArchivist],
		Model:  st.Model,
		User: constraint.RenderBlock(st.KeyConstraints) +
			fmt.Sprintf("\nExtract new or changed story facts from this finished scene. Use dotted keys like \"character.<name>.<attribute>\" or \"plot.<topic>\".\n\nSCENE %d:\n%s\n\nReply as JSON: {\"facts\": [{\"key\", \"value\", \"reasoning\"}]}",
				scene, st.Drafts[scene].Text),
	}
	if err := e.invoker.CallJSON(ctx, pc, &extraction); err != nil {
		return err
	}

	var candidates []domain.Fact
	for _, f := range extraction.Facts {
		candidates = append(candidates, domain.Fact{
			Key:         f.Key,
			Value:       f.Value,
			SceneNumber: scene,
			Reasoning:   f.Reasoning,
		})
	}
	st.RawFactsLog = append(st.RawFactsLog, candidates...)

	// The allow-list of canonical names keeps hallucinated entities from
	// becoming facts.
	vetted := constraint.FilterFacts(candidates, constraint.CharacterNames(st.KeyConstraints))
	st.KeyConstraints = constraint.Consolidate(st.KeyConstraints, vetted, domain.RoleArchivist)
	st.LastArchivistScene = scene

	e.publish(ctx, st.RunID, domain.EventTypeSceneArchivist, map[string]interface{}{
		"scene":        scene,
		"candidates":   len(candidates),
		"consolidated": len(vetted),
	})
	return nil
}

// polishScene runs the final refinement pass and validates the result,
// falling back to the pre-polish draft when validation fails rather than
// risking silent truncation.
func (e *Engine) polishScene(ctx context.Context, st *domain.RunState, scene int) error {
	draft := st.Drafts[scene]

	pc := invoker.PromptContext{
		Role:   domain.RoleWriter,
		System: roleSystem[domain.RoleWriter],
		Model:  st.Model,
		User: constraint.RenderBlock(st.KeyConstraints) +
			"\nPolish this scene: tighten prose, sharpen dialogue, preserve every event and its full length. Output the complete polished scene.\n\nSCENE:\n" + draft.Text,
	}
	polished, err := e.invoker.Call(ctx, pc)
	if err != nil {
		return err
	}
	polished = StripWordCountNotes(polished)

	if reason := validatePolish(draft.Text, polished, e.cfg.PolishMinLengthRatio); reason != "" {
		log.Printf("WARN: scene %d polish rejected (%s), keeping pre-polish draft", scene, reason)
		return nil
	}

	draft.Text = polished
	draft.WordCount = WordCount(polished)
	draft.Polished = true
	draft.UpdatedAt = time.Now().UTC()
	st.Drafts[scene] = draft
	return nil
}

func (e *Engine) writerPrompt(ctx context.Context, st *domain.RunState, sc domain.SceneOutline, instruction string) invoker.PromptContext {
	return invoker.PromptContext{
		Role:   domain.RoleWriter,
		System: roleSystem[domain.RoleWriter],
		Model:  st.Model,
		User:   e.contextBlock(ctx, st, sc.Summary) + instruction,
	}
}
