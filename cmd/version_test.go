package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/attachebot/attache/attache"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := attache.Version
	originalCommitSHA := attache.CommitSHA
	originalBuildTime := attache.BuildTime

	t.Cleanup(
		func() {
			attache.Version = originalVersion
			attache.CommitSHA = originalCommitSHA
			attache.BuildTime = originalBuildTime
		},
	)

	attache.Version = "1.0.0"
	attache.CommitSHA = "abc123"
	attache.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		attache.Version,
		attache.CommitSHA,
		attache.BuildTime,
	)
	assert.Equal(t, expected, string(out))
}
