package adapter

import (
	"path/filepath"
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// claudeAdapter covers the Claude Code CLI. Its permission dialogs are
// numbered pickers under a question line, selected by pressing the bare
// option digit, so digit replies are mapped without a trailing return.
func claudeAdapter() *Adapter {
	return &Adapter{
		name:   "claude",
		binary: "claude",
		searchDirs: append([]string{
			filepath.Join(".claude", "local"),
			".claude",
		}, commonBinDirs()...),
		patterns: []detect.Pattern{
			{Type: types.PromptMultipleChoice, Re: regexp.MustCompile(`(?i)^do you want to .{0,120}\?$`), Score: detect.ScoreSolid},
			{Type: types.PromptMultipleChoice, Re: regexp.MustCompile(`(?i)^do you trust the files in this folder\?$`), Score: detect.ScoreStrong},
			{Type: types.PromptFreeText, Re: regexp.MustCompile(`(?i)paste .{0,40}(?:code|token).{0,20}:\s*$`), Score: detect.ScoreSolid},
		},
		values: map[string]string{
			"1": "1", "2": "2", "3": "3", "4": "4", "5": "5",
			"6": "6", "7": "7", "8": "8", "9": "9",
		},
	}
}
