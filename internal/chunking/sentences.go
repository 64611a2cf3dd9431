package chunking

import (
	"strings"
	"unicode"
)

// EstimateTokens approximates the token count of text at 4 characters per
// token, the ratio assumed by the chunk budget.
func EstimateTokens(text string) int {
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

var sentenceAbbrevs = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"st": true, "vs": true, "etc": true, "eg": true, "ie": true,
	"e.g": true, "i.e": true, "approx": true, "fig": true, "no": true,
}

// SplitSentences breaks text into sentences on terminal punctuation,
// skipping common abbreviations and decimal points.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// Decimal point or versioned token ("3.14", "v1.2").
		if r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
			continue
		}
		if r == '.' && isAbbreviation(runes[start:i]) {
			continue
		}
		// Consume trailing closers and punctuation runs ("?!", `.")`).
		end := i + 1
		for end < len(runes) && (runes[end] == '.' || runes[end] == '!' || runes[end] == '?' || runes[end] == '"' || runes[end] == '\'' || runes[end] == ')') {
			end++
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		i = end - 1
		start = end
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isAbbreviation(before []rune) bool {
	// Word immediately preceding the period.
	i := len(before)
	for i > 0 && !unicode.IsSpace(before[i-1]) {
		i--
	}
	word := strings.ToLower(strings.Trim(string(before[i:]), ".,;:"))
	if word == "" {
		return false
	}
	if len(word) == 1 {
		// Single initials like "J." in names.
		return true
	}
	return sentenceAbbrevs[word]
}
