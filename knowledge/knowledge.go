// Package knowledge implements the practical-knowledge index: a
// read-only, YAML-sourced set of surveyor-curated commentary entries,
// loaded once at boot into keyword/regulation inverted indexes and matched
// against a query by additive scoring.
package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is a single practical-knowledge YAML record.
type Entry struct {
	ID                    string   `yaml:"id"`
	Title                 string   `yaml:"title"`
	Keywords              []string `yaml:"keywords"`
	EnglishTerms          []string `yaml:"english_terms"`
	RegulationIDs         []string `yaml:"regulation_ids"`
	ShipTypes             []string `yaml:"ship_types"`
	CommonMistake         string   `yaml:"common_mistake"`
	CorrectInterpretation string   `yaml:"correct_interpretation"`
	TypicalConfigurations []string `yaml:"typical_configurations"`
	DecisionTree          []string `yaml:"decision_tree"`
}

// scored pairs an entry with its match score, for sorting before truncation.
type scored struct {
	entry Entry
	score int
}

// Index is the in-memory, boot-loaded practical-knowledge index. Load
// builds it once and nothing mutates it afterwards, so it is read-only at
// serving time.
type Index struct {
	byID         map[string]Entry
	byKeyword    map[string][]string // lowercase keyword -> entry ids
	byRegulation map[string][]string // uppercased regulation id -> entry ids
	order        []string            // entry ids in load order, for deterministic iteration
}

// Load reads every *.yaml/*.yml file in dir and builds the inverted
// indexes. Each file may contain one entry or a YAML list of entries.
func Load(dir string) (*Index, error) {
	idx := &Index{
		byID:         make(map[string]Entry),
		byKeyword:    make(map[string][]string),
		byRegulation: make(map[string][]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading knowledge directory %s: %w", dir, err)
	}

	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		fileEntries, err := parseEntries(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, e := range fileEntries {
			idx.add(e)
		}
	}

	return idx, nil
}

// parseEntries accepts either a single Entry document or a YAML list.
func parseEntries(data []byte) ([]Entry, error) {
	var list []Entry
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var single Entry
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	if single.ID == "" {
		return nil, nil
	}
	return []Entry{single}, nil
}

func (idx *Index) add(e Entry) {
	if e.ID == "" {
		return
	}
	if _, exists := idx.byID[e.ID]; !exists {
		idx.order = append(idx.order, e.ID)
	}
	idx.byID[e.ID] = e

	for _, kw := range e.Keywords {
		k := strings.ToLower(kw)
		idx.byKeyword[k] = appendUnique(idx.byKeyword[k], e.ID)
	}
	for _, kw := range e.EnglishTerms {
		k := strings.ToLower(kw)
		idx.byKeyword[k] = appendUnique(idx.byKeyword[k], e.ID)
	}
	for _, rid := range e.RegulationIDs {
		k := strings.ToUpper(rid)
		idx.byRegulation[k] = appendUnique(idx.byRegulation[k], e.ID)
	}
}

func appendUnique(list []string, id string) []string {
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}

// Len reports how many entries are loaded.
func (idx *Index) Len() int {
	return len(idx.order)
}

var regulationIDPattern = regexp.MustCompile(
	`(?i)\b(SOLAS|MARPOL|MSC|MEPC|ISM|ISPS|LSA|FSS|FTP|STCW|COLREG|Resolution)\b[\s,]*([IVXLCDM]+[-/.]?\d*(?:[./]\d+)*|\d+(?:[./]\d+)*)?`)

// explicitRegulationIDs returns every distinct regulation identifier named
// literally in the text (e.g. "SOLAS III/31.1.4"), uppercased for lookup.
func explicitRegulationIDs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range regulationIDPattern.FindAllString(text, -1) {
		u := strings.ToUpper(strings.TrimSpace(m))
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

// Match scores every loaded entry against the query and returns at most 3,
// sorted by descending score. Scoring is additive:
//
//	keyword hit                                      +2
//	explicit regulation id in query AND in entry     +3 (both sides)
//	entry regulation id in the enhancer's hints      +2
//	matched-term hit (from the enhancer)             +1
//	ship-type match                                  +2
func (idx *Index) Match(query string, shipType string, matchedTerms []string, regulationHints []string) []Entry {
	lowerQuery := strings.ToLower(query)
	queryRegIDs := explicitRegulationIDs(query)
	queryRegIDSet := make(map[string]bool, len(queryRegIDs))
	for _, id := range queryRegIDs {
		queryRegIDSet[id] = true
	}

	lowerMatchedTerms := make([]string, len(matchedTerms))
	for i, t := range matchedTerms {
		lowerMatchedTerms[i] = strings.ToLower(t)
	}
	hintRegIDSet := make(map[string]bool, len(regulationHints))
	for _, h := range regulationHints {
		hintRegIDSet[strings.ToUpper(h)] = true
	}

	scores := make(map[string]int)
	for id, e := range idx.byID {
		score := 0

		for _, kw := range e.Keywords {
			if strings.Contains(lowerQuery, strings.ToLower(kw)) {
				score += 2
			}
		}
		for _, kw := range e.EnglishTerms {
			if strings.Contains(lowerQuery, strings.ToLower(kw)) {
				score += 2
			}
		}

		entryRegIDSet := make(map[string]bool, len(e.RegulationIDs))
		for _, rid := range e.RegulationIDs {
			entryRegIDSet[strings.ToUpper(rid)] = true
		}
		for rid := range entryRegIDSet {
			if queryRegIDSet[rid] {
				score += 3 // explicit match on both sides
			} else if hintRegIDSet[rid] {
				score += 2 // entry regulation id is among the enhancer's hints
			}
		}
		for _, t := range lowerMatchedTerms {
			if strings.Contains(strings.ToLower(e.Title), t) {
				score += 1
				continue
			}
			for _, kw := range e.Keywords {
				if strings.EqualFold(kw, t) {
					score += 1
					break
				}
			}
		}

		if shipType != "" {
			for _, st := range e.ShipTypes {
				if strings.EqualFold(st, shipType) {
					score += 2
					break
				}
			}
		}

		if score > 0 {
			scores[id] = score
		}
	}

	ranked := make([]scored, 0, len(scores))
	for _, id := range idx.order {
		if s, ok := scores[id]; ok {
			ranked = append(ranked, scored{entry: idx.byID[id], score: s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}

	out := make([]Entry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

// RenderMarkdown renders matched entries as a Markdown block for injection
// into the generator's context.
func RenderMarkdown(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Practical knowledge (surveyor commentary, not a regulatory source):\n\n")
	for _, e := range entries {
		b.WriteString("### ")
		b.WriteString(e.Title)
		b.WriteString("\n")
		if len(e.RegulationIDs) > 0 {
			b.WriteString("Applicable regulations: ")
			b.WriteString(strings.Join(e.RegulationIDs, ", "))
			b.WriteString("\n")
		}
		if e.CorrectInterpretation != "" {
			b.WriteString("Correct interpretation: ")
			b.WriteString(e.CorrectInterpretation)
			b.WriteString("\n")
		}
		if e.CommonMistake != "" {
			b.WriteString("Common mistake: ")
			b.WriteString(e.CommonMistake)
			b.WriteString("\n")
		}
		if len(e.TypicalConfigurations) > 0 {
			b.WriteString("Typical configurations:\n")
			for _, c := range e.TypicalConfigurations {
				b.WriteString("- ")
				b.WriteString(c)
				b.WriteString("\n")
			}
		}
		if len(e.DecisionTree) > 0 {
			b.WriteString("Decision tree:\n")
			for _, d := range e.DecisionTree {
				b.WriteString("- ")
				b.WriteString(d)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
