// Package governance implements the CuriosityEngine's knowledge-base
// introspection and the GovernanceOrchestrator's self-improvement
// pipeline, grounded on the teacher's internal/memory query texture and
// internal/aider.Spawner's ticker/mutex supervisor shape.
package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// GapType enumerates the three knowledge-gap kinds.
type GapType string

const (
	GapLowConfidence GapType = "low_confidence"
	GapUnverified    GapType = "unverified"
	GapContradiction GapType = "contradiction"
)

// Gap is one finding from identifyKnowledgeGaps.
type Gap struct {
	Entity  string
	Type    GapType
	Details string
}

// Hotspot is one finding from identifyKnowledgeHotspots.
type Hotspot struct {
	Entity     string
	References float64
	FactCount  int
}

type knowledgeFact struct {
	id         string
	entity     string
	content    string
	confidence float64
	tags       []string
}

// CuriosityEngine reads the knowledge base and metrics tables to surface
// gaps, hotspots, questions and hypotheses (spec.md §4.12).
type CuriosityEngine struct {
	db *sql.DB
}

// NewCuriosityEngine constructs a CuriosityEngine.
func NewCuriosityEngine(db *sql.DB) *CuriosityEngine { return &CuriosityEngine{db: db} }

// IdentifyKnowledgeGaps implements spec.md §4.12's three gap kinds.
func (e *CuriosityEngine) IdentifyKnowledgeGaps(ctx context.Context) ([]Gap, error) {
	facts, err := e.loadFacts(ctx)
	if err != nil {
		return nil, err
	}

	var gaps []Gap
	for _, f := range facts {
		if f.confidence < 0.5 {
			gaps = append(gaps, Gap{Entity: f.entity, Type: GapLowConfidence, Details: f.content})
		}
		if f.confidence < 0.8 && !containsTag(f.tags, "verified") {
			gaps = append(gaps, Gap{Entity: f.entity, Type: GapUnverified, Details: f.content})
		}
	}

	byEntity := make(map[string][]knowledgeFact)
	for _, f := range facts {
		if f.confidence > 0.6 {
			byEntity[f.entity] = append(byEntity[f.entity], f)
		}
	}
	for entity, group := range byEntity {
		if len(group) < 2 {
			continue
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				sim := textSimilarity(group[i].content, group[j].content)
				if sim > 0.4 && sim < 0.95 {
					gaps = append(gaps, Gap{
						Entity: entity,
						Type:   GapContradiction,
						Details: fmt.Sprintf("possible contradiction between %q and %q (similarity %.2f)",
							group[i].content, group[j].content, sim),
					})
				}
			}
		}
	}

	return gaps, nil
}

// IdentifyKnowledgeHotspots reads the top 10 summed entity_hit_<name>
// metrics and flags entities with few facts but many references.
func (e *CuriosityEngine) IdentifyKnowledgeHotspots(ctx context.Context) ([]Hotspot, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT metric_name, SUM(metric_value) AS total FROM agent_metrics
		 WHERE metric_name LIKE 'entity_hit_%'
		 GROUP BY metric_name ORDER BY total DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("query entity hit metrics: %w", err)
	}
	defer rows.Close()

	var hotspots []Hotspot
	for rows.Next() {
		var metricName string
		var total float64
		if err := rows.Scan(&metricName, &total); err != nil {
			return nil, err
		}
		entity := strings.TrimPrefix(metricName, "entity_hit_")

		var factCount int
		if err := e.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM agent_knowledge_base WHERE entity = ?`, entity).Scan(&factCount); err != nil {
			return nil, fmt.Errorf("count facts for %s: %w", entity, err)
		}

		if factCount < 3 && total > 5 {
			hotspots = append(hotspots, Hotspot{Entity: entity, References: total, FactCount: factCount})
		}
	}
	return hotspots, rows.Err()
}

// SuggestQuestions returns canned cold-start questions when entity has no
// knowledge rows, otherwise tailored questions plus contradiction and
// verification prompts.
func (e *CuriosityEngine) SuggestQuestions(ctx context.Context, entity string) ([]string, error) {
	facts, err := e.loadFactsForEntity(ctx, entity)
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return []string{
			fmt.Sprintf("What is %s?", entity),
			fmt.Sprintf("Why does %s matter?", entity),
			fmt.Sprintf("Who or what relates to %s?", entity),
		}, nil
	}

	var questions []string
	tagSet := map[string]bool{}
	for _, f := range facts {
		for _, t := range f.tags {
			tagSet[t] = true
		}
	}
	for _, tag := range []string{"database", "performance", "security"} {
		if tagSet[tag] {
			questions = append(questions, fmt.Sprintf("What %s characteristics of %s need attention?", tag, entity))
		}
	}

	hasContradiction := false
	for i := 0; i < len(facts) && !hasContradiction; i++ {
		for j := i + 1; j < len(facts); j++ {
			sim := textSimilarity(facts[i].content, facts[j].content)
			if sim > 0.4 && sim < 0.95 {
				hasContradiction = true
				break
			}
		}
	}
	if hasContradiction {
		questions = append(questions, fmt.Sprintf("Which fact about %s is correct — do any conflict?", entity))
	}

	hasUnverified := false
	for _, f := range facts {
		if f.confidence < 0.8 && !containsTag(f.tags, "verified") {
			hasUnverified = true
			break
		}
	}
	if hasUnverified {
		questions = append(questions, fmt.Sprintf("Can the unverified claims about %s be confirmed?", entity))
	}

	return questions, nil
}

// GenerateHypotheses clusters high-confidence entities sharing tags and
// emits pairwise HYPOTHESIS strings, capped at 5.
func (e *CuriosityEngine) GenerateHypotheses(ctx context.Context) ([]string, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT entity, tags FROM agent_knowledge_base WHERE confidence > 0.8`)
	if err != nil {
		return nil, fmt.Errorf("query high-confidence facts: %w", err)
	}
	defer rows.Close()

	byTag := make(map[string]map[string]bool)
	for rows.Next() {
		var entity string
		var tagsBlob sql.NullString
		if err := rows.Scan(&entity, &tagsBlob); err != nil {
			return nil, err
		}
		for _, tag := range decodeTags(tagsBlob.String) {
			if byTag[tag] == nil {
				byTag[tag] = map[string]bool{}
			}
			byTag[tag][entity] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tags []string
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var hypotheses []string
	for _, tag := range tags {
		var entities []string
		for entity := range byTag[tag] {
			entities = append(entities, entity)
		}
		sort.Strings(entities)
		for i := 0; i < len(entities); i++ {
			for j := i + 1; j < len(entities); j++ {
				hypotheses = append(hypotheses, fmt.Sprintf(
					"HYPOTHESIS: %s and %s are related via shared tag %q", entities[i], entities[j], tag))
				if len(hypotheses) >= 5 {
					return hypotheses, nil
				}
			}
		}
	}
	return hypotheses, nil
}

// ProposeResearch concatenates the above surfaces, plus a publication
// ritual suggestion when evolution_applied events have been frequent.
func (e *CuriosityEngine) ProposeResearch(ctx context.Context) ([]string, error) {
	var proposals []string

	gaps, err := e.IdentifyKnowledgeGaps(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range gaps {
		proposals = append(proposals, fmt.Sprintf("investigate %s gap on %s: %s", g.Type, g.Entity, g.Details))
	}

	hotspots, err := e.IdentifyKnowledgeHotspots(ctx)
	if err != nil {
		return nil, err
	}
	for _, h := range hotspots {
		proposals = append(proposals, fmt.Sprintf("deepen coverage of hotspot entity %s (%d facts, %.0f references)", h.Entity, h.FactCount, h.References))
	}

	hypotheses, err := e.GenerateHypotheses(ctx)
	if err != nil {
		return nil, err
	}
	proposals = append(proposals, hypotheses...)

	since := time.Now().UTC().Add(-7 * 24 * time.Hour)
	var count int
	if err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_metrics WHERE metric_name = 'evolution_applied' AND created_at >= ?`,
		since).Scan(&count); err != nil {
		return nil, fmt.Errorf("count evolution_applied events: %w", err)
	}
	if count > 5 {
		proposals = append(proposals, "Sovereign Publication Ritual: recent evolution activity warrants a published summary")
	}

	return proposals, nil
}

func (e *CuriosityEngine) loadFacts(ctx context.Context) ([]knowledgeFact, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, entity, content, confidence, tags FROM agent_knowledge_base`)
	if err != nil {
		return nil, fmt.Errorf("query knowledge base: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (e *CuriosityEngine) loadFactsForEntity(ctx context.Context, entity string) ([]knowledgeFact, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, entity, content, confidence, tags FROM agent_knowledge_base WHERE entity = ?`, entity)
	if err != nil {
		return nil, fmt.Errorf("query knowledge base for entity: %w", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

func scanFacts(rows *sql.Rows) ([]knowledgeFact, error) {
	var facts []knowledgeFact
	for rows.Next() {
		var f knowledgeFact
		var tagsBlob sql.NullString
		if err := rows.Scan(&f.id, &f.entity, &f.content, &f.confidence, &tagsBlob); err != nil {
			return nil, err
		}
		f.tags = decodeTags(tagsBlob.String)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func decodeTags(blob string) []string {
	if blob == "" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(blob), &tags); err == nil {
		return tags
	}
	return strings.Split(blob, ",")
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// textSimilarity is a Jaccard word-overlap score in [0,1], used to flag
// contradictions: distinct-but-related facts score in the middle of the
// range, near-duplicates score close to 1, unrelated facts close to 0.
func textSimilarity(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}
	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[strings.Trim(w, ".,!?;:\"'")] = true
	}
	return set
}
