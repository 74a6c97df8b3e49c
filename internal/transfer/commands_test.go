package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandsQuotePaths(t *testing.T) {
	assert.Equal(t, "mkdir -p '/home/u/my batch'", CmdMkdirAll("/home/u/my batch"))
	assert.Equal(t, "rm -f /a/b.tar.gz /a/b.failed", CmdRemoveFile("/a/b.tar.gz", "/a/b.failed"))
	assert.Equal(t, "rm -rf '/a/run dir'", CmdRemoveTree("/a/run dir"))
}

func TestCmdExtractArchiveOrdersMarkerLast(t *testing.T) {
	cmd := CmdExtractArchive("/r/bundle.tar.gz", "/r", "/r/.installed")
	assert.Equal(t,
		"tar -xzf /r/bundle.tar.gz -C /r && rm -f /r/bundle.tar.gz && touch /r/.installed",
		cmd)
}

func TestCmdDetached(t *testing.T) {
	cmd := CmdDetached("/r/bssbatch-agent", "--run", "/r/b/b_run_1_x")
	assert.Equal(t, "nohup /r/bssbatch-agent --run /r/b/b_run_1_x >/dev/null 2>&1 &", cmd)
}
