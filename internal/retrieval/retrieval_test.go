package retrieval_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/ampctl/internal/profile"
	"github.com/andrej220/ampctl/internal/retrieval"
)

type fakeFS struct {
	sizes   map[string]int64
	content map[string][]byte
	fetched []string
}

func (f *fakeFS) Stat(_ context.Context, path string) (int64, error) {
	size, ok := f.sizes[path]
	if !ok {
		return 0, fmt.Errorf("%s: %w", path, retrieval.ErrMissing)
	}
	return size, nil
}

func (f *fakeFS) Fetch(_ context.Context, path string) ([]byte, error) {
	f.fetched = append(f.fetched, path)
	return f.content[path], nil
}

func TestRetrieveTransfersVerifiedArtifacts(t *testing.T) {
	fs := &fakeFS{
		sizes:   map[string]int64{"/tmp/capture.bin": 128},
		content: map[string][]byte{"/tmp/capture.bin": []byte("payload")},
	}
	v := retrieval.NewVerifier(fs, nil)
	dest := t.TempDir()

	outcomes, err := v.Retrieve(context.Background(),
		[]profile.ArtifactSpec{{Path: "/tmp/capture.bin", MinBytes: 64}}, dest)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	out := outcomes[0]
	assert.Equal(t, retrieval.ArtifactOK, out.Status)
	assert.Equal(t, int64(128), out.Size)

	data, err := os.ReadFile(filepath.Join(dest, "capture.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestRetrieveMissingArtifactIsNotFetched(t *testing.T) {
	fs := &fakeFS{}
	v := retrieval.NewVerifier(fs, nil)

	outcomes, err := v.Retrieve(context.Background(),
		[]profile.ArtifactSpec{{Path: "/tmp/gone.bin"}}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	assert.Equal(t, retrieval.ArtifactMissing, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err, retrieval.ErrMissing)
	assert.Empty(t, fs.fetched, "no bytes may move for an unverified artifact")
}

func TestRetrieveEmptyArtifactIsNotFetched(t *testing.T) {
	fs := &fakeFS{sizes: map[string]int64{"/tmp/empty.bin": 0}}
	v := retrieval.NewVerifier(fs, nil)

	outcomes, err := v.Retrieve(context.Background(),
		[]profile.ArtifactSpec{{Path: "/tmp/empty.bin"}}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, retrieval.ArtifactEmpty, outcomes[0].Status)
	assert.Empty(t, fs.fetched)
}

func TestRetrieveBelowSizeFloorIsEmpty(t *testing.T) {
	fs := &fakeFS{sizes: map[string]int64{"/tmp/short.bin": 10}}
	v := retrieval.NewVerifier(fs, nil)

	outcomes, err := v.Retrieve(context.Background(),
		[]profile.ArtifactSpec{{Path: "/tmp/short.bin", MinBytes: 64}}, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, retrieval.ArtifactEmpty, outcomes[0].Status)
	assert.Empty(t, fs.fetched)
}

func TestRetrieveMixedSpecs(t *testing.T) {
	fs := &fakeFS{
		sizes:   map[string]int64{"/tmp/a.bin": 100},
		content: map[string][]byte{"/tmp/a.bin": []byte("aaa")},
	}
	v := retrieval.NewVerifier(fs, nil)

	outcomes, err := v.Retrieve(context.Background(), []profile.ArtifactSpec{
		{Path: "/tmp/a.bin"},
		{Path: "/tmp/b.bin"},
	}, t.TempDir())
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	assert.Equal(t, retrieval.ArtifactOK, outcomes[0].Status)
	assert.Equal(t, retrieval.ArtifactMissing, outcomes[1].Status)
	assert.Equal(t, []string{"/tmp/a.bin"}, fs.fetched)
}

type fakeExec struct {
	outputs map[string]string
	err     error
}

func (f *fakeExec) Exec(_ context.Context, cmd string) ([]byte, error) {
	if f.err != nil {
		return []byte(f.outputs[cmd]), f.err
	}
	return []byte(f.outputs[cmd]), nil
}

func TestExecFSStat(t *testing.T) {
	fs := retrieval.NewRemoteFS(&fakeExec{outputs: map[string]string{
		"wc -c < '/tmp/x'": " 1234\n",
	}})
	size, err := fs.Stat(context.Background(), "/tmp/x")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), size)
}

func TestExecFSStatMissing(t *testing.T) {
	fs := retrieval.NewRemoteFS(&fakeExec{
		outputs: map[string]string{"wc -c < '/tmp/x'": "sh: /tmp/x: No such file or directory"},
		err:     fmt.Errorf("exit status 1"),
	})
	_, err := fs.Stat(context.Background(), "/tmp/x")
	assert.ErrorIs(t, err, retrieval.ErrMissing)
}
