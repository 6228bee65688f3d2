package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/ScriptonBasestar/sb-kube-app-manager-sub001/pkg/engine"
)

// Stage uploads every local manifest path referenced by nodes into remoteDir
// and returns a copy of nodes whose manifest tasks point at the uploaded
// copies. Rollback actions are staged too. Each distinct local path is
// uploaded once.
func (c *Client) Stage(ctx context.Context, nodes []engine.Node, remoteDir string) ([]engine.Node, error) {
	client, err := c.sshClient(ctx)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	s := &stager{sftp: sftpClient, remoteDir: remoteDir, staged: make(map[string]string)}

	out := make([]engine.Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Tasks, err = s.stageTasks(ctx, n.Tasks)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	log.Info().
		Str("host", c.config.Host).
		Str("dir", remoteDir).
		Int("paths", len(s.staged)).
		Msg("manifests staged")

	return out, nil
}

type stager struct {
	sftp      *sftp.Client
	remoteDir string
	staged    map[string]string
}

func (s *stager) stageTasks(ctx context.Context, tasks []engine.Task) ([]engine.Task, error) {
	if tasks == nil {
		return nil, nil
	}
	out := make([]engine.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		if spec, ok := t.Spec.(engine.ManifestSpec); ok {
			paths := make([]string, len(spec.Paths))
			for j, p := range spec.Paths {
				remote, err := s.stagePath(ctx, p)
				if err != nil {
					return nil, fmt.Errorf("task %s: %w", t.ID, err)
				}
				paths[j] = remote
			}
			spec.Paths = paths
			out[i].Spec = spec
		}
		if t.Rollback != nil && len(t.Rollback.Actions) > 0 {
			actions, err := s.stageTasks(ctx, t.Rollback.Actions)
			if err != nil {
				return nil, err
			}
			rb := *t.Rollback
			rb.Actions = actions
			out[i].Rollback = &rb
		}
	}
	return out, nil
}

// stagePath uploads a file or directory and returns its remote path. Remote
// names are prefixed with a digest of the absolute local path so that equal
// base names from different directories don't collide.
func (s *stager) stagePath(ctx context.Context, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	if remote, ok := s.staged[abs]; ok {
		return remote, nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", &TransportError{Op: "stage", Err: fmt.Errorf("failed to stat %s: %w", localPath, err)}
	}

	sum := sha256.Sum256([]byte(abs))
	remote := path.Join(s.remoteDir, hex.EncodeToString(sum[:6])+"-"+filepath.Base(abs))

	if info.IsDir() {
		err = s.uploadDirectory(ctx, abs, remote)
	} else {
		err = s.uploadFile(ctx, abs, remote, info.Mode().Perm())
	}
	if err != nil {
		return "", err
	}

	s.staged[abs] = remote
	return remote, nil
}

// uploadFile uploads a single file to the remote host.
func (s *stager) uploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := s.sftp.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := s.sftp.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return nil
}

// uploadDirectory recursively uploads a directory.
func (s *stager) uploadDirectory(ctx context.Context, localPath, remotePath string) error {
	return filepath.WalkDir(localPath, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		target := path.Join(remotePath, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := s.sftp.MkdirAll(target); err != nil {
				return &TransportError{Op: "upload-dir", Err: fmt.Errorf("failed to create directory %s: %w", target, err)}
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return s.uploadFile(ctx, p, target, info.Mode().Perm())
	})
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
