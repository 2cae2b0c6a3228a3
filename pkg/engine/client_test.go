package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrenflow/pkg/task"
)

func TestClientRunDecodesStage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stages/generate", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "top 10 customers by revenue", req.Question)
		json.NewEncoder(w).Encode(Response{
			QueryID:    "q-1",
			Candidates: []task.Candidate{{Type: task.CandidateLLM, SQL: "select 1"}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)
	resp, err := c.Run(context.Background(), &Request{Stage: StageGenerate, Question: "top 10 customers by revenue"})
	require.NoError(t, err)
	assert.Equal(t, "q-1", resp.QueryID)
	require.Len(t, resp.Candidates, 1)
}

func TestClientRunErrors(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		recoverable bool
		message     string
	}{
		{"structured fatal", 422, `{"code":"NO_RELEVANT_DATA","message":"no relevant tables","recoverable":false}`, false, "no relevant tables"},
		{"structured recoverable", 400, `{"code":"INVALID_SQL","message":"bad sql","recoverable":true}`, true, "bad sql"},
		{"plain 503", 503, "overloaded", true, "overloaded"},
		{"plain 400", 400, "nope", false, "nope"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Run(context.Background(), &Request{Stage: StagePlan})
			var ee *Error
			require.True(t, errors.As(err, &ee), "want *Error, got %v", err)
			assert.Equal(t, tc.recoverable, Recoverable(err))
			assert.Equal(t, tc.message, ee.Message)
		})
	}
}

func TestRecoverableClassification(t *testing.T) {
	assert.True(t, Recoverable(context.DeadlineExceeded))
	assert.False(t, Recoverable(context.Canceled))
	assert.False(t, Recoverable(errors.New("boom")))

	te := AsTaskError(&Error{Code: "X", Message: "verbatim text"})
	assert.Equal(t, "verbatim text", te.Message)
	assert.Equal(t, "TIMEOUT", AsTaskError(context.DeadlineExceeded).Code)
}

func TestClientStreamEmitsChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stages/answer/stream", r.URL.Path)
		w.Write([]byte("{\"chunk\":\"Acme leads \"}\n\n{\"chunk\":\"with 100.\"}\n"))
		w.Write([]byte(`{"response":{"query_id":"q-2","content":"Acme leads with 100."}}` + "\n"))
	}))
	defer srv.Close()

	var chunks []string
	resp, err := NewClient(srv.URL, time.Second).Stream(context.Background(), &Request{Stage: StageAnswer},
		func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	assert.Equal(t, []string{"Acme leads ", "with 100."}, chunks)
	assert.Equal(t, "q-2", resp.QueryID)
	assert.Equal(t, "Acme leads with 100.", resp.Content)
}

func TestClientStreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chunk":"partial"}` + "\n"))
		w.Write([]byte(`{"error":{"code":"CONTEXT_TOO_LONG","message":"too many rows"}}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).Stream(context.Background(), &Request{Stage: StageAnswer}, func(string) {})
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "CONTEXT_TOO_LONG", ee.Code)
	assert.False(t, Recoverable(err))

	cut := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chunk":"partial"}` + "\n"))
	}))
	defer cut.Close()
	_, err = NewClient(cut.URL, time.Second).Stream(context.Background(), &Request{Stage: StageAnswer}, func(string) {})
	assert.True(t, Recoverable(err))
}
