package transfer

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// The fixed catalog of shell commands this system runs on the remote host.
// Paths are always quoted; only the operators between quoted words are ours.

func CmdResolveHome() string {
	return "readlink -f ~"
}

func CmdMkdirAll(dir string) string {
	return "mkdir -p " + shellquote.Join(dir)
}

func CmdRemoveFile(paths ...string) string {
	return "rm -f " + shellquote.Join(paths...)
}

func CmdRemoveTree(dir string) string {
	return "rm -rf " + shellquote.Join(dir)
}

// CmdExtractArchive unpacks archive into dir, removes the archive, and writes
// marker last so a partial extraction never looks installed.
func CmdExtractArchive(archive, dir, marker string) string {
	return strings.Join([]string{
		"tar -xzf " + shellquote.Join(archive) + " -C " + shellquote.Join(dir),
		"rm -f " + shellquote.Join(archive),
		"touch " + shellquote.Join(marker),
	}, " && ")
}

// CmdDetached launches argv on the remote host detached from the session, so
// it survives the connection closing.
func CmdDetached(argv ...string) string {
	return fmt.Sprintf("nohup %s >/dev/null 2>&1 &", shellquote.Join(argv...))
}

func CmdChmodExec(paths ...string) string {
	return "chmod +x " + shellquote.Join(paths...)
}
