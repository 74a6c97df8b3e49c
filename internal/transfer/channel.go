package transfer

import "context"

// RunResult is the outcome of a remote command. ExitCode is meaningful even
// when err is nil but the command failed remotely.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel is the command/file channel to the remote host. All operations
// block, dial their own connection, and may fail with a connectivity error;
// callers decide whether to retry. Nothing here is atomic across files: a
// crash mid-Push of a tree can leave a partial remote copy, and higher layers
// detect that by marker absence, not file counts.
type Channel interface {
	Push(ctx context.Context, localPath, remotePath string) error
	Pull(ctx context.Context, remotePath, localPath string) error
	Exists(ctx context.Context, remotePath string) (bool, error)
	Run(ctx context.Context, command string) (RunResult, error)
}
