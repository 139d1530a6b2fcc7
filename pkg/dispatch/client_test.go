package dispatch_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ffenv/pkg/dispatch"
	"github.com/3leaps/ffenv/pkg/execenv"
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
	"github.com/3leaps/ffenv/pkg/probe"
	"github.com/3leaps/ffenv/pkg/router"
	"github.com/3leaps/ffenv/pkg/wire"
)

type scriptedRuntime struct {
	stderr []string
	runErr error
}

func (scriptedRuntime) Bootstrap(context.Context) error { return nil }

func (s scriptedRuntime) Run(context.Context, []string, string) ([]string, []string, error) {
	return []string{}, s.stderr, s.runErr
}

// newWireClient connects a client to a router through the JSONL transport.
func newWireClient(t *testing.T, rt execenv.Runtime) *dispatch.Client {
	t.Helper()

	env, err := execenv.New(execenv.Config{
		Runtime:   rt,
		Ephemeral: afero.NewMemMapFs(),
		Permanent: afero.NewMemMapFs(),
	})
	require.NoError(t, err)
	r, err := router.New(router.Config{Env: env})
	require.NoError(t, err)

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	worker := wire.NewWorkerConn(reqR, respW, wire.Options{Session: "test"})
	caller := wire.NewCallerConn(respR, reqW, wire.Options{Session: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = r.Serve(ctx, worker)
	}()

	d := dispatch.New(caller, nil)
	t.Cleanup(func() {
		_ = d.Close()
		cancel()
		<-served
		_ = worker.Close()
	})
	return dispatch.NewClient(d)
}

func TestClient_PushPullBinaryOverWire(t *testing.T) {
	c := newWireClient(t, scriptedRuntime{})
	ctx := context.Background()

	payload := []byte{0x00, 0x0a, 0xff, '\n', 0x7f, 0x00}
	require.NoError(t, c.FPush(ctx, "/ephemeral/raw.bin", payload[:3]))
	require.NoError(t, c.FPush(ctx, "/ephemeral/raw.bin", payload[3:]))

	got, err := c.FPull(ctx, "/ephemeral/raw.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	got, err = c.FPullRange(ctx, "/ephemeral/raw.bin", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, payload[2:5], got)

	got, err = c.FPullRange(ctx, "/ephemeral/raw.bin", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_MvThenLs(t *testing.T) {
	c := newWireClient(t, scriptedRuntime{})
	ctx := context.Background()

	require.NoError(t, c.FPush(ctx, "/ephemeral/a.mp4", []byte("clip")))
	require.NoError(t, c.Mv(ctx, "/ephemeral/a.mp4", "/permanent/b.mp4"))

	entries, err := c.Ls(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, []message.Entry{{Path: "/permanent/b.mp4", Size: 4}}, entries)

	require.NoError(t, c.Rm(ctx, "/permanent/b.mp4"))
	entries, err = c.Ls(ctx, "permanent", "")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClient_FailuresBecomeErrors(t *testing.T) {
	c := newWireClient(t, scriptedRuntime{})
	ctx := context.Background()

	err := c.Rm(ctx, "/etc/passwd")
	require.Error(t, err)

	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.KindUnsupportedPath, fe.Kind)
	assert.Equal(t, "/etc/passwd", fe.Path)
	assert.True(t, failure.IsUnsupportedPath(err))

	_, err = c.FPull(ctx, "/permanent/missing")
	assert.True(t, failure.IsStorage(err))
}

func TestClient_FileAndFFmpeg(t *testing.T) {
	c := newWireClient(t, scriptedRuntime{
		stderr: []string{
			"Input #0, wav, from '/ephemeral/tone.wav':",
			"  Duration: 00:00:02.00, bitrate: 1411 kb/s",
			"    Stream #0:0: Audio: pcm_s16le, 44100 Hz, stereo",
		},
		runErr: errors.New("exit status 1"),
	})
	ctx := context.Background()

	d, err := c.File(ctx, "/ephemeral/tone.wav")
	require.NoError(t, err)
	assert.Equal(t, "/ephemeral/tone.wav", d.Path)
	assert.Equal(t, []string{"wav"}, d.Container.Format)
	assert.InDelta(t, 2.0, d.Container.Duration, 1e-9)
	assert.Equal(t, []probe.Track{{Type: probe.TrackAudio, Codec: "pcm_s16le"}}, d.Tracks)

	out, err := c.FFmpeg(ctx, "-i", "/ephemeral/tone.wav")
	require.NoError(t, err)
	assert.Equal(t, "exit status 1", out.Thrown)
	assert.Len(t, out.Stderr, 3)
}

func TestClient_LoadAndConfigure(t *testing.T) {
	c := newWireClient(t, scriptedRuntime{})
	ctx := context.Background()

	assert.NoError(t, c.Load(ctx, ""))
	assert.NoError(t, c.Configure(ctx, "debug"))
}
