package dialogue

import (
	"regexp"
	"strings"
	"unicode"
)

type Intent string

const (
	IntentGreeting       Intent = "greeting"
	IntentPharmacySearch Intent = "pharmacy_search"
	IntentVisitInfo      Intent = "visit_info"
	IntentFeedback       Intent = "feedback"
	IntentReport         Intent = "report"
	IntentHelp           Intent = "help"
	IntentUnknown        Intent = "unknown"
)

// wordPattern matches any of words as whole words. RE2's \b only knows ASCII
// letters, so boundaries are spelled out over Unicode letters and digits.
func wordPattern(words ...string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\p{L}\p{N}_])(?:` + strings.Join(words, "|") + `)(?:[^\p{L}\p{N}_]|$)`)
}

// Checked in priority order; the first match wins.
var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentGreeting, wordPattern("hola", "buenos días", "buenas tardes", "saludos", "hey")},
	{IntentPharmacySearch, wordPattern("farmacia", "farmacias", "botica", "droguería")},
	{IntentVisitInfo, wordPattern("visita", "visitar", "visitando", "visitado")},
	{IntentFeedback, wordPattern("feedback", "comentario", "opinión", "valoración", "retroalimentación")},
	{IntentReport, wordPattern("informe", "reporte", "resumen")},
	{IntentHelp, wordPattern("ayuda", "ayúdame", "como", "cómo", "instrucciones", "opciones")},
}

var searchNoise = wordPattern("farmacia", "farmacias", "botica", "droguería")

func DetectIntent(text string) Intent {
	lower := strings.ToLower(text)
	for _, p := range intentPatterns {
		if p.pattern.MatchString(lower) {
			return p.intent
		}
	}
	return IntentUnknown
}

// searchTerm strips the pharmacy keywords from a search request.
func searchTerm(text string) string {
	lower := strings.ToLower(text)
	// Adjacent keywords share a separator, so one pass may leave some behind.
	for searchNoise.MatchString(lower) {
		lower = searchNoise.ReplaceAllString(lower, " ")
	}
	return strings.Join(strings.Fields(lower), " ")
}

var affirmatives = map[string]bool{"si": true, "sí": true, "generar": true, "continue": true, "ok": true}

// affirmative reports whether any word of text is a confirmation.
func affirmative(text string) bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if affirmatives[w] {
			return true
		}
	}
	return false
}
