package adapter

import (
	"regexp"

	"github.com/atlasbridge/atlasbridge/internal/detect"
	"github.com/atlasbridge/atlasbridge/internal/types"
)

// opencodeAdapter covers the opencode CLI.
func opencodeAdapter() *Adapter {
	return &Adapter{
		name:       "opencode",
		binary:     "opencode",
		searchDirs: commonBinDirs(),
		patterns: []detect.Pattern{
			{Type: types.PromptYesNo, Re: regexp.MustCompile(`(?i)^share this session\?`), Score: detect.ScoreSolid},
		},
	}
}
