package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/ffenv/internal/errors"
	"github.com/3leaps/ffenv/pkg/dispatch"
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
)

type submitFunc func(ctx context.Context, cmd message.Command) (message.Result, error)

func (f submitFunc) Submit(ctx context.Context, cmd message.Command) (message.Result, error) {
	return f(ctx, cmd)
}

func postJob(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	return rec
}

func TestJobsHandler_BuffersTravelAsBase64(t *testing.T) {
	var got message.Command
	h := JobsHandler(submitFunc(func(_ context.Context, cmd message.Command) (message.Result, error) {
		got = cmd
		return message.Result{FPull: []byte{0x00, 0xff}}, nil
	}), 0)

	// "AAr/" is base64 for 00 0a ff.
	rec := postJob(t, h, `{"exec":"fpush","filePath":"/ephemeral/a.bin","buffer":"AAr/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, message.OpFPush, got.Op)
	assert.Equal(t, "/ephemeral/a.bin", got.FilePath)
	assert.Equal(t, []byte{0x00, 0x0a, 0xff}, got.Buffer)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, []byte{0x00, 0xff}, resp.FPull)
}

func TestJobsHandler_EmptyPullKeepsKey(t *testing.T) {
	h := JobsHandler(submitFunc(func(context.Context, message.Command) (message.Result, error) {
		return message.Result{}, nil
	}), 0)

	tests := []struct {
		name    string
		body    string
		wantKey bool
	}{
		{"zero length pull", `{"exec":"fpull","filePath":"/ephemeral/a.bin","length":0}`, true},
		{"other op", `{"exec":"rm","filePath":"/ephemeral/a.bin"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJob(t, h, tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			var raw map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
			got, ok := raw["fpull"]
			assert.Equal(t, tt.wantKey, ok, rec.Body.String())
			if tt.wantKey {
				assert.JSONEq(t, `""`, string(got))
			}
		})
	}
}

func TestJobsHandler_FailureIsAResult(t *testing.T) {
	h := JobsHandler(submitFunc(func(context.Context, message.Command) (message.Result, error) {
		return message.Result{Err: failure.New(failure.KindUnsupportedPath, "rm", "outside tiers")}, nil
	}), 0)

	rec := postJob(t, h, `{"exec":"rm","filePath":"/etc/passwd"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotNil(t, resp.Err)
	assert.Equal(t, failure.KindUnsupportedPath, resp.Err.Kind)
}

func TestJobsHandler_BadRequests(t *testing.T) {
	called := false
	h := JobsHandler(submitFunc(func(context.Context, message.Command) (message.Result, error) {
		called = true
		return message.Result{}, nil
	}), 64)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"exec":`},
		{"missing exec", `{"filePath":"/ephemeral/a"}`},
		{"too large", `{"exec":"fpush","buffer":"` + strings.Repeat("A", 128) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJob(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, apperrors.CodeBadRequest, body.Error.Code)
		})
	}
	assert.False(t, called)
}

func TestJobsHandler_TransportErrorUsesResponder(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusBadGateway)
	})

	h := JobsHandler(submitFunc(func(context.Context, message.Command) (message.Result, error) {
		return message.Result{}, dispatch.ErrClosed
	}), 0)

	rec := postJob(t, h, `{"exec":"ls"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.ErrorIs(t, captured, dispatch.ErrClosed)
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.4.0", "abc123", "2026-01-02")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", bytes.NewReader(nil)))

	require.Equal(t, http.StatusOK, rec.Code)
	var info VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}
