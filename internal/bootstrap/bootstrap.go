// Package bootstrap installs the remote support bundle (the agent binary, the
// submission template and the simulator executable) under the remote root the
// first time a batch is submitted to a host.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/tastythames/bssbatch/internal/archive"
	"github.com/tastythames/bssbatch/internal/transfer"
)

const (
	marker      = ".installed"
	bundleName  = "bundle.tar.gz"
	AgentBinary = "bssbatch-agent"
)

type Bootstrap struct {
	Channel    transfer.Channel
	BundleDir  string // local directory packaged and pushed
	RemoteRoot string // absolute remote install dir
	Log        *logrus.Entry
}

// EnsurePresent makes sure the support bundle is installed remotely. It is
// called on every submission: when the install marker exists it does nothing,
// otherwise it pushes the bundle and extracts it, writing the marker last so a
// crash mid-install is indistinguishable from "not installed" and the next
// call repairs it.
func (b *Bootstrap) EnsurePresent(ctx context.Context) error {
	markerPath := path.Join(b.RemoteRoot, marker)
	ok, err := b.Channel.Exists(ctx, markerPath)
	if err != nil {
		return fmt.Errorf("check %s: %w", markerPath, err)
	}
	if ok {
		b.Log.Debug("support bundle already installed")
		return nil
	}
	b.Log.Infof("support bundle missing, installing to %s", b.RemoteRoot)

	tmp, err := os.CreateTemp("", "bssbatch-bundle-*.tar.gz")
	if err != nil {
		return err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := archive.Pack(b.BundleDir, tmp.Name(), nil); err != nil {
		return fmt.Errorf("pack bundle %s: %w", b.BundleDir, err)
	}

	if res, err := b.Channel.Run(ctx, transfer.CmdMkdirAll(b.RemoteRoot)); err != nil {
		return fmt.Errorf("mkdir %s: %w", b.RemoteRoot, err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %s", b.RemoteRoot, res.Stderr)
	}

	remoteArchive := path.Join(b.RemoteRoot, bundleName)
	if err := b.Channel.Push(ctx, tmp.Name(), remoteArchive); err != nil {
		return fmt.Errorf("push bundle: %w", err)
	}

	extract := transfer.CmdExtractArchive(remoteArchive, b.RemoteRoot, path.Join(b.RemoteRoot, marker))
	res, err := b.Channel.Run(ctx, extract)
	if err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("extract bundle: exit %d: %s", res.ExitCode, res.Stderr)
	}

	// tar preserves modes, but the bundle may have been staged on a
	// filesystem that dropped them.
	if b.agentInBundle() {
		res, err = b.Channel.Run(ctx, transfer.CmdChmodExec(path.Join(b.RemoteRoot, AgentBinary)))
		if err != nil {
			return fmt.Errorf("chmod agent: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("chmod agent: exit %d: %s", res.ExitCode, res.Stderr)
		}
	}

	b.Log.Info("support bundle installed")
	return nil
}

func (b *Bootstrap) agentInBundle() bool {
	_, err := os.Stat(filepath.Join(b.BundleDir, AgentBinary))
	return err == nil
}
