package detect

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// Pattern pairs a compiled expression with the prompt type it indicates and
// a base score. Expressions are RE2 and match against single stripped lines.
type Pattern struct {
	Type  types.PromptType
	Re    *regexp.Regexp
	Score float64
}

// Base scores by family. Pattern matches score high per the combiner's
// thresholds; a stall signal alone stays below them. Adapters use these
// when contributing tool-specific patterns.
const (
	ScoreStrong = 0.95
	ScoreSolid  = 0.90
	ScoreLoose  = 0.86
	scoreStall  = 0.60
	stallBonus  = 0.04
)

// Confidence thresholds used by the combiner.
const (
	highThreshold   = 0.80
	mediumThreshold = 0.70
)

func defaultPatterns() []Pattern {
	return []Pattern{
		// yes_no
		{types.PromptYesNo, regexp.MustCompile(`(?i)\((?:y/n|yes/no)\)\s*[:?]?\s*$`), ScoreStrong},
		{types.PromptYesNo, regexp.MustCompile(`(?i)\[(?:y/n|yes/no)\]\s*[:?]?\s*$`), ScoreStrong},
		{types.PromptYesNo, regexp.MustCompile(`\((?:y/N|Y/n)\)\s*[:?]?\s*$`), ScoreStrong},
		{types.PromptYesNo, regexp.MustCompile(`(?i)\b(?:proceed|continue|overwrite|apply|confirm)\??\s*\(?(?:y/n|yes/no)\)?\s*$`), ScoreSolid},

		// confirm_enter
		{types.PromptConfirmEnter, regexp.MustCompile(`(?i)press\s+(?:enter|return)\s+to\s+\w+`), ScoreSolid},
		{types.PromptConfirmEnter, regexp.MustCompile(`(?i)(?:\[|\()press enter(?:\]|\))`), ScoreSolid},
		{types.PromptConfirmEnter, regexp.MustCompile(`(?i)press any key to continue`), ScoreSolid},
		{types.PromptConfirmEnter, regexp.MustCompile(`(?i)hit\s+(?:enter|return)\b`), ScoreLoose},
		{types.PromptConfirmEnter, regexp.MustCompile(`--\s?[Mm]ore\s?--`), ScoreLoose},

		// free_text
		{types.PromptFreeText, regexp.MustCompile(`(?i)(?:password|passphrase|token|api[ -]?key)\s*:\s*$`), ScoreStrong},
		{types.PromptFreeText, regexp.MustCompile(`(?i)^enter .{0,60}:\s*$`), ScoreLoose},
		{types.PromptFreeText, regexp.MustCompile(`(?i)^(?:username|email|name|host|url|path)\s*:\s*$`), ScoreLoose},
	}
}

// optionLineRe recognises one numbered menu line. A leading selector glyph
// marks interactive pickers.
var optionLineRe = regexp.MustCompile(`^\s*(?:[❯>]\s*)?([1-9])[.):]\s+(\S.*?)\s*$`)

// parseChoices extracts a numbered menu from the most recent lines. At least
// two consecutively numbered options make a multiple_choice candidate.
func parseChoices(lines []string) []types.Choice {
	var choices []types.Choice
	seen := map[string]bool{}
	for _, line := range lines {
		m := optionLineRe.FindStringSubmatch(line)
		if m == nil {
			// a non-option line between options restarts the menu
			if len(choices) > 0 && len(choices) < 2 {
				choices = choices[:0]
				seen = map[string]bool{}
			}
			continue
		}
		if seen[m[1]] {
			// a repeated key means a fresh menu started
			choices = choices[:0]
			seen = map[string]bool{}
		}
		seen[m[1]] = true
		choices = append(choices, types.Choice{Key: m[1], Label: m[2]})
		if len(choices) == 9 {
			break
		}
	}
	if len(choices) < 2 {
		return nil
	}
	return choices
}
