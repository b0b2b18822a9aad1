// Package qa answers messages from the curated question and answer catalog.
package qa

import (
	"sort"
	"strings"
	"unicode/utf8"

	"delegate-assistant/internal/domain"
	"delegate-assistant/internal/textmatch"
)

const (
	// Threshold is the minimum confidence for a catalog answer to be used.
	Threshold = 0.6
	// MinQueryLength is the shortest trimmed query that is matched at all.
	MinQueryLength = 3
)

type Match struct {
	Question   domain.Question
	Answer     domain.Answer
	Confidence float64
}

type scored struct {
	question domain.Question
	score    float64
}

// MatchQuery runs the keyword pass and then the similarity pass over the
// active questions. The first pass whose best candidate reaches Threshold
// wins. A winning question without answers is no match.
func MatchQuery(query string, questions []domain.Question) (Match, bool) {
	if utf8.RuneCountInString(strings.TrimSpace(query)) < MinQueryLength {
		return Match{}, false
	}
	normalized := textmatch.Normalize(query)

	best, ok := top(byKeywords(normalized, questions))
	if !ok {
		best, ok = top(bySimilarity(normalized, questions))
	}
	if !ok {
		return Match{}, false
	}
	answer, ok := resolveAnswer(best.question)
	if !ok {
		return Match{}, false
	}
	return Match{Question: best.question, Answer: answer, Confidence: best.score}, true
}

func byKeywords(query string, questions []domain.Question) []scored {
	queryLen := utf8.RuneCountInString(query)
	if queryLen == 0 {
		return nil
	}
	var out []scored
	for _, q := range questions {
		if !q.Active || strings.TrimSpace(q.Keywords) == "" {
			continue
		}
		maxScore := 0.0
		for _, kw := range strings.Split(q.Keywords, ",") {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" || !strings.Contains(query, kw) {
				continue
			}
			score := float64(utf8.RuneCountInString(kw)) / float64(queryLen)
			if score > 1 {
				score = 1
			}
			if score > maxScore {
				maxScore = score
			}
		}
		if maxScore > 0 {
			out = append(out, scored{question: q, score: maxScore})
		}
	}
	return out
}

func bySimilarity(query string, questions []domain.Question) []scored {
	var out []scored
	for _, q := range questions {
		if !q.Active {
			continue
		}
		if sim := textmatch.Similarity(query, q.Text); sim > 0 {
			out = append(out, scored{question: q, score: sim})
		}
	}
	return out
}

func top(candidates []scored) (scored, bool) {
	if len(candidates) == 0 {
		return scored{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if candidates[0].score < Threshold {
		return scored{}, false
	}
	return candidates[0], true
}

// resolveAnswer prefers the default answer, then the first one stored.
func resolveAnswer(q domain.Question) (domain.Answer, bool) {
	for _, a := range q.Answers {
		if a.IsDefault {
			return a, true
		}
	}
	if len(q.Answers) > 0 {
		return q.Answers[0], true
	}
	return domain.Answer{}, false
}
