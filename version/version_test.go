package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-01-01", Version: "dev"}
	assert.Equal(t, "agentpulse dev (commit 0123456789abcdef, built 2026-01-01)", info.String())
	assert.Equal(t, "0123456", info.Short())

	info.Version = "0.4.0"
	assert.Equal(t, "agentpulse 0.4.0 (commit 0123456789abcdef, built 2026-01-01)", info.String())
}

func TestShortKeepsShortHashes(t *testing.T) {
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestGetFillsRuntime(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
