package wire

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
)

// connPair wires a caller and worker back to back over two io.Pipes.
func connPair(t *testing.T) (*CallerConn, *WorkerConn) {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()

	caller := NewCallerConn(respR, reqW, Options{Session: "test"})
	worker := NewWorkerConn(reqR, respW, Options{Session: "test"})
	t.Cleanup(func() {
		_ = caller.Close()
		_ = worker.Close()
	})
	return caller, worker
}

func TestConn_RoundTripWithPayloads(t *testing.T) {
	caller, worker := connPair(t)
	ctx := context.Background()

	push := []byte{0x00, '\n', 0x7f, 0xff}
	go func() {
		_ = caller.Send(ctx, &message.Request{Job: 5, Command: message.Command{
			Op: message.OpFPush, FilePath: "/ephemeral/a.bin", Buffer: push,
		}})
	}()

	var req *message.Request
	select {
	case req = <-worker.Requests():
	case <-time.After(2 * time.Second):
		t.Fatal("request not delivered")
	}
	assert.Equal(t, int64(5), req.Job)
	assert.Equal(t, message.OpFPush, req.Op)
	assert.Equal(t, "/ephemeral/a.bin", req.FilePath)
	assert.Equal(t, push, req.Buffer)

	pulled := []byte("pulled bytes")
	go func() {
		_ = worker.Reply(ctx, &message.Response{Job: 5, Result: message.Result{FPull: pulled}})
	}()

	select {
	case resp := <-caller.Responses():
		assert.Equal(t, int64(5), resp.Job)
		assert.Equal(t, pulled, resp.FPull)
		assert.False(t, resp.Failed())
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestConn_FailureSurvivesTransport(t *testing.T) {
	caller, worker := connPair(t)
	ctx := context.Background()

	go func() {
		_ = worker.Reply(ctx, &message.Response{Job: 9, Result: message.Result{
			Err: failure.New(failure.KindUnsupportedPath, "fpull", "bad path").WithPath("/tmp/x"),
		}})
	}()

	select {
	case resp := <-caller.Responses():
		require.True(t, resp.Failed())
		assert.Equal(t, failure.KindUnsupportedPath, resp.Err.Kind)
		assert.Equal(t, "/tmp/x", resp.Err.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("response not delivered")
	}
}

func TestWorkerConn_RejectsUndecodableRequest(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	worker := NewWorkerConn(reqR, respW, Options{Session: "test"})
	caller := NewCallerConn(respR, io.Discard, Options{Session: "test"})
	t.Cleanup(func() {
		_ = caller.Close()
		_ = worker.Close()
		_ = reqW.Close()
	})

	raw := NewWriter(reqW, "test")
	ctx := context.Background()
	go func() {
		// No job id: dropped without a reply.
		_ = raw.Write(ctx, TypeRequest, json.RawMessage(`{"job":"x","exec":"ls"}`), nil)
		_ = raw.Write(ctx, TypeRequest, json.RawMessage(`{"job":3,"exec":"fpull","offset":"x"}`), nil)
		_ = raw.Write(ctx, TypeRequest, json.RawMessage(`{"job":4,"exec":"ls","directory":"/permanent"}`), nil)
	}()

	select {
	case resp := <-caller.Responses():
		assert.Equal(t, int64(3), resp.Job)
		require.True(t, resp.Failed())
		assert.Equal(t, failure.KindDecode, resp.Err.Kind)
		assert.Equal(t, "fpull", resp.Err.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("rejection not delivered")
	}

	select {
	case req := <-worker.Requests():
		assert.Equal(t, int64(4), req.Job)
		assert.Equal(t, message.OpLs, req.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("later request not delivered")
	}
}

func TestConn_PeerCloseMarksDone(t *testing.T) {
	caller, worker := connPair(t)

	require.NoError(t, caller.Close())

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe caller close")
	}

	err := caller.Send(context.Background(), &message.Request{Job: 1})
	assert.ErrorIs(t, err, message.ErrChannelClosed)
}

func TestConn_DefaultSession(t *testing.T) {
	c := NewCallerConn(&io.LimitedReader{}, io.Discard, Options{})
	defer func() { _ = c.Close() }()

	assert.NotEmpty(t, c.Session())
	assert.Len(t, c.Session(), 36)
}
