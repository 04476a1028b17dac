package llm

import (
	"strings"

	"github.com/pemistahl/lingua-go"
)

// LanguageDetector guesses the dominant language of a window
type LanguageDetector struct {
	detector lingua.LanguageDetector
}

var detectableLanguages = []lingua.Language{
	lingua.English,
	lingua.Spanish,
	lingua.Portuguese,
	lingua.French,
	lingua.German,
	lingua.Italian,
	lingua.Dutch,
	lingua.Russian,
	lingua.Ukrainian,
	lingua.Turkish,
	lingua.Arabic,
	lingua.Persian,
	lingua.Hindi,
	lingua.Indonesian,
}

// NewLanguageDetector builds the detector. Building loads language models,
// so create one per process.
func NewLanguageDetector() *LanguageDetector {
	return &LanguageDetector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(detectableLanguages...).
			WithMinimumRelativeDistance(0.25).
			Build(),
	}
}

// Detect returns the ISO 639-1 code of the text's language, or "" when unsure
func (d *LanguageDetector) Detect(text string) string {
	if d == nil {
		return ""
	}
	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return ""
	}
	language, exists := d.detector.DetectLanguageOf(text)
	if !exists {
		return ""
	}
	return strings.ToLower(language.IsoCode639_1().String())
}
