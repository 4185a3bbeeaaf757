package command

import (
	"errors"

	"github.com/atlasbridge/atlasbridge/internal/types"
)

// ErrInterrupted marks a run torn down by SIGINT or SIGTERM.
var ErrInterrupted = errors.New("interrupted")

// ExitCode maps an Execute error onto the documented process codes:
// 0 success, 1 general error, 2 configuration, 3 environment,
// 4 network, 130 interrupted.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrInterrupted) {
		return 130
	}
	switch types.KindOf(err) {
	case types.KindConfig:
		return 2
	case types.KindEnvironment:
		return 3
	case types.KindTransient:
		return 4
	}
	return 1
}
