package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// codexAdapter covers the OpenAI Codex CLI, whose approval prompts are
// plain y/N questions.
func codexAdapter() *Adapter {
	return &Adapter{
		name:       "codex",
		binary:     "codex",
		searchDirs: commonBinDirs(),
		patterns: []detect.Pattern{
			{Type: types.PromptYesNo, Re: regexp.MustCompile(`(?i)^allow command\?`), Score: detect.ScoreStrong},
			{Type: types.PromptYesNo, Re: regexp.MustCompile(`(?i)approve this (?:command|edit|change)\?`), Score: detect.ScoreSolid},
		},
	}
}
