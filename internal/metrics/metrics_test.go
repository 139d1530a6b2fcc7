package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/ffenv/pkg/execenv"
	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
	"github.com/3leaps/ffenv/pkg/router"
)

var (
	_ router.Observer  = (*Collector)(nil)
	_ execenv.Observer = (*Collector)(nil)
)

func TestNewCollector(t *testing.T) {
	// Each collector owns its registry, so two can coexist.
	assert.NotPanics(t, func() {
		NewCollector()
		NewCollector()
	})
}

func TestObserveJob(t *testing.T) {
	c := NewCollector()

	c.ObserveJob(message.OpLs, 10*time.Millisecond, "")
	c.ObserveJob(message.OpLs, 20*time.Millisecond, "")
	c.ObserveJob(message.OpRm, time.Millisecond, failure.KindUnsupportedPath)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobs.WithLabelValues("ls", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobs.WithLabelValues("rm", "UNSUPPORTED_PATH")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.jobLatency))
}

func TestObserveBootstrapAndSync(t *testing.T) {
	c := NewCollector()

	c.ObserveBootstrap(time.Second, nil)
	c.ObserveBootstrap(time.Second, errors.New("no tool"))
	c.ObserveSync(time.Millisecond, 3, 1, nil)
	c.ObserveSync(time.Millisecond, 0, 0, errors.New("denied"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.bootstraps.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bootstraps.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncs.WithLabelValues("error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.syncObjects.WithLabelValues("upload")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.syncObjects.WithLabelValues("delete")))
}

func TestHandler(t *testing.T) {
	c := NewCollector()
	c.ObserveJob(message.OpFFmpeg, time.Second, "")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ffenv_jobs_total{op="ffmpeg",result="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
