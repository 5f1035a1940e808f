// Package retrieval pulls result files off devices after a task sequence has
// run. Every artifact is verified on the device before any bytes move; a
// missing or empty artifact is reported and skipped, never retried.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/andrej220/ampctl/internal/lg"
	"github.com/andrej220/ampctl/internal/profile"
)

// ErrMissing marks a stat of a path that does not exist on the device.
var ErrMissing = errors.New("artifact not found on device")

// RemoteFS is the minimal view of a device filesystem.
type RemoteFS interface {
	Stat(ctx context.Context, path string) (int64, error)
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// ExecConn runs one-shot commands on the device. transport.Session satisfies
// this.
type ExecConn interface {
	Exec(ctx context.Context, cmd string) ([]byte, error)
}

// execFS implements RemoteFS over plain shell commands, since amplifier
// images ship no SFTP subsystem.
type execFS struct {
	conn ExecConn
}

func NewRemoteFS(conn ExecConn) RemoteFS {
	return &execFS{conn: conn}
}

func (f *execFS) Stat(ctx context.Context, path string) (int64, error) {
	out, err := f.conn.Exec(ctx, fmt.Sprintf("wc -c < '%s'", path))
	if err != nil {
		if strings.Contains(string(out), "No such file") || strings.Contains(err.Error(), "No such file") {
			return 0, fmt.Errorf("%s: %w", path, ErrMissing)
		}
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	trimmed := strings.TrimSpace(string(out))
	if strings.Contains(trimmed, "No such file") {
		return 0, fmt.Errorf("%s: %w", path, ErrMissing)
	}
	size, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("stat %s: unexpected output %q", path, trimmed)
	}
	return size, nil
}

func (f *execFS) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := f.conn.Exec(ctx, fmt.Sprintf("cat '%s'", path))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	return out, nil
}

// ArtifactStatus is the per-artifact result of a retrieval pass.
type ArtifactStatus int

const (
	ArtifactOK ArtifactStatus = iota
	ArtifactMissing
	ArtifactEmpty
	ArtifactFailed
)

func (s ArtifactStatus) String() string {
	switch s {
	case ArtifactOK:
		return "ok"
	case ArtifactMissing:
		return "missing"
	case ArtifactEmpty:
		return "empty"
	case ArtifactFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome records what happened to one expected artifact.
type Outcome struct {
	Spec   profile.ArtifactSpec
	Status ArtifactStatus
	Size   int64
	Local  string
	Err    error
}

// Verifier checks and transfers artifacts for one device session.
type Verifier struct {
	fs  RemoteFS
	log lg.Logger
}

func NewVerifier(fs RemoteFS, log lg.Logger) *Verifier {
	if log == nil {
		log = lg.Discard
	}
	return &Verifier{fs: fs, log: log}
}

// Retrieve verifies each spec and transfers only the ones that pass. The
// verification happens strictly first per artifact: no bytes are fetched for
// a path that is missing or below its size floor.
func (v *Verifier) Retrieve(ctx context.Context, specs []profile.ArtifactSpec, destDir string) ([]Outcome, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(destDir, 0750); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", destDir, err)
	}

	outcomes := make([]Outcome, 0, len(specs))
	for _, spec := range specs {
		outcomes = append(outcomes, v.retrieveOne(ctx, spec, destDir))
	}
	return outcomes, nil
}

func (v *Verifier) retrieveOne(ctx context.Context, spec profile.ArtifactSpec, destDir string) Outcome {
	out := Outcome{Spec: spec}

	size, err := v.fs.Stat(ctx, spec.Path)
	if err != nil {
		if errors.Is(err, ErrMissing) {
			v.log.Warn("artifact missing", lg.String("path", spec.Path))
			out.Status = ArtifactMissing
		} else {
			out.Status = ArtifactFailed
		}
		out.Err = err
		return out
	}
	out.Size = size

	minBytes := spec.MinBytes
	if minBytes <= 0 {
		minBytes = 1
	}
	if size < minBytes {
		v.log.Warn("artifact below size floor",
			lg.String("path", spec.Path),
			lg.Int("size", int(size)))
		out.Status = ArtifactEmpty
		out.Err = fmt.Errorf("%s: %d bytes, expected at least %d", spec.Path, size, minBytes)
		return out
	}

	data, err := v.fs.Fetch(ctx, spec.Path)
	if err != nil {
		out.Status = ArtifactFailed
		out.Err = err
		return out
	}

	local := filepath.Join(destDir, filepath.Base(spec.Path))
	if err := os.WriteFile(local, data, 0640); err != nil {
		out.Status = ArtifactFailed
		out.Err = fmt.Errorf("write %s: %w", local, err)
		return out
	}
	out.Local = local
	out.Status = ArtifactOK
	return out
}
