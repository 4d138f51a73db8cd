package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := [3]string{Version, GitCommit, BuildDate}
	t.Cleanup(func() { Version, GitCommit, BuildDate = old[0], old[1], old[2] })

	Version, GitCommit, BuildDate = "v0.3.0", "abc1234", "2024-05-01"
	assert.Equal(t, "v0.3.0 (commit: abc1234, built: 2024-05-01)", String())
	assert.Equal(t, Info{Version: "v0.3.0", GitCommit: "abc1234", BuildDate: "2024-05-01", GoVersion: runtime.Version()}, GetInfo())
}
