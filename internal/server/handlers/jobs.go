package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "github.com/3leaps/ffenv/internal/errors"
	"github.com/3leaps/ffenv/pkg/dispatch"
	"github.com/3leaps/ffenv/pkg/message"
)

// DefaultMaxJobBytes caps the size of a job request body.
const DefaultMaxJobBytes int64 = 512 << 20

// JobRequest is the body of POST /v1/jobs. Buffer is base64 in JSON.
type JobRequest struct {
	message.Command
	Buffer []byte `json:"buffer,omitempty"`
}

// JobResponse is the body answered by POST /v1/jobs. FPull is base64 in JSON.
//
// Operation failures are results: they arrive with status 200 and Err set.
type JobResponse struct {
	message.Result
	FPull []byte `json:"fpull,omitempty"`
}

// fpullResponse is JobResponse for a successful fpull, where the key is
// present even when nothing was read.
type fpullResponse struct {
	message.Result
	FPull []byte `json:"fpull"`
}

// JobsHandler submits one command per request through s.
func JobsHandler(s dispatch.Submitter, maxBytes int64) http.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxJobBytes
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

		var req JobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest,
				fmt.Sprintf("decode job: %v", err), nil)
			return
		}
		if req.Op == "" {
			apperrors.Respond(w, r, http.StatusBadRequest, apperrors.CodeBadRequest,
				`job is missing "exec"`, nil)
			return
		}

		cmd := req.Command
		cmd.Buffer = req.Buffer
		res, err := s.Submit(r.Context(), cmd)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if cmd.Op == message.OpFPull && !res.Failed() {
			buf := res.FPull
			if buf == nil {
				buf = []byte{}
			}
			writeJSON(w, http.StatusOK, fpullResponse{Result: res, FPull: buf})
			return
		}
		writeJSON(w, http.StatusOK, JobResponse{Result: res, FPull: res.FPull})
	}
}
