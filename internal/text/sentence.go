// Package text holds small pure-text helpers shared by the retrieval and
// conversation layers.
package text

import "strings"

// DefaultSentenceEnders is the terminator set used when splitting answers
// for incremental synthesis. Includes the Arabic question mark, the
// fullwidth exclamation mark, and the Urdu full stop alongside the Latin
// enders.
const DefaultSentenceEnders = ".!?؟！۔"

// SplitSentences splits text into sentences at the default terminator set.
// Each returned sentence keeps its terminator; trailing non-terminated text
// becomes the final sentence. Empty segments are dropped.
func SplitSentences(text string) []string {
	return SplitSentencesBy(text, DefaultSentenceEnders)
}

// SplitSentencesBy splits text at any rune in enders. Deterministic and
// side-effect free.
func SplitSentencesBy(text, enders string) []string {
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	for _, r := range text {
		current.WriteRune(r)
		if strings.ContainsRune(enders, r) {
			if s := trimSentence(current.String(), enders); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}

	if s := trimSentence(current.String(), enders); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}

// trimSentence trims whitespace and rejects segments made of nothing but
// terminators, so stray punctuation never reaches synthesis.
func trimSentence(s, enders string) string {
	s = strings.TrimSpace(s)
	if strings.Trim(s, enders+" \t\n") == "" {
		return ""
	}
	return s
}
