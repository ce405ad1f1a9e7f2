package sshexec

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/edvin/podlab/internal/model"
)

// Upload streams localPath as a tar archive into the endpoint. Like scp -r,
// an existing remote directory receives the artifact under its local base
// name; any other remotePath is the artifact's new name.
func (e *SSHExecutor) Upload(ctx context.Context, ep model.Endpoint, localPath, remotePath string) (bool, error) {
	if _, err := os.Stat(localPath); err != nil {
		e.logger.Error().Err(err).Str("path", localPath).Msg("local upload source missing")
		return false, fmt.Errorf("upload %s: %w", localPath, err)
	}

	isDir, err := e.Execute(ctx, ep, Cmd("test -d "+ShellQuote(remotePath)).Silent())
	if err != nil {
		return false, err
	}

	destDir, rootName := remotePath, filepath.Base(localPath)
	if !isDir.Success() {
		destDir, rootName = path.Dir(remotePath), path.Base(remotePath)
	}

	line := fmt.Sprintf("mkdir -p %s && tar -xf - -C %s", ShellQuote(destDir), ShellQuote(destDir))
	e.logger.Debug().Str("endpoint", ep.Alias).Str("local", localPath).Str("remote", remotePath).Msg("uploading")

	// The archive is streamed into the session as it is written.
	pr, pw := io.Pipe()
	archived := make(chan error, 1)
	go func() {
		err := writeTar(pw, localPath, rootName)
		pw.CloseWithError(err)
		archived <- err
	}()

	var stdout, stderr bytes.Buffer
	code, err := e.run(ctx, ep, false, line, pr, &stdout, &stderr)
	// Unblocks the writer when the session ended before reading everything.
	pr.Close()
	if archErr := <-archived; archErr != nil && !errors.Is(archErr, io.ErrClosedPipe) {
		return false, fmt.Errorf("archive %s: %w", localPath, archErr)
	}
	if err != nil {
		return false, err
	}
	if code != 0 {
		e.logger.Warn().Str("endpoint", ep.Alias).Int("exit_code", code).Str("stderr", stderr.String()).Msg("upload failed")
		return false, nil
	}

	final := path.Join(destDir, rootName)
	ok, err := e.Exists(ctx, ep, final)
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.Warn().Str("endpoint", ep.Alias).Str("remote", final).Msg("uploaded artifact not found on endpoint")
		return false, nil
	}
	e.logger.Info().Str("endpoint", ep.Alias).Str("remote", final).Msg("upload complete")
	return true, nil
}

// writeTar archives src (file or directory tree) with its top entry renamed
// to root.
func writeTar(w io.Writer, src, root string) error {
	tw := tar.NewWriter(w)

	err := filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = path.Join(root, filepath.ToSlash(rel))
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(p); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
