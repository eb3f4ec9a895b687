package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/spark/pkg/config"
)

// encodeAssignment stands in for the Lighthouse side of an assignment
func encodeAssignment(payload string) string {
	return payload
}

func TestEncodeRequest(t *testing.T) {
	identity := &config.Identity{MachineID: "0123abcd", MachineName: "builder-07"}

	got := EncodeRequest(identity)
	assert.Equal(t,
		`{"request":"job","machine_name":"builder-07","machine_id":"0123abcd","accepts":["*"]}`,
		got)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got), &doc))
	assert.Equal(t, "job", doc["request"])
	assert.Equal(t, []interface{}{"*"}, doc["accepts"])
}

func TestEncodeRequestDeterministic(t *testing.T) {
	names := []string{"a", "builder-07", "späť", `quote"name`, ""}
	for _, name := range names {
		a := EncodeRequest(&config.Identity{MachineID: "id-" + name, MachineName: name})
		b := EncodeRequest(&config.Identity{MachineID: "id-" + name, MachineName: name})
		assert.Equal(t, a, b)

		var req JobRequest
		require.NoError(t, json.Unmarshal([]byte(a), &req))
		assert.Equal(t, RequestJob, req.Request)
		assert.Equal(t, name, req.MachineName)
		assert.Equal(t, AcceptAll, req.Accepts)
	}
}

func TestDecodeAssignmentRoundTrip(t *testing.T) {
	payloads := []string{
		`{"uuid":"1","kind":"package-build"}`,
		"x",
		"not json at all",
		" ",
		`{}`,
	}
	for i := 0; i < 50; i++ {
		payloads = append(payloads, fmt.Sprintf(`{"uuid":"%d","data":{"n":%d}}`, i, i*i))
	}

	for _, p := range payloads {
		got, err := DecodeAssignment(encodeAssignment(p))
		require.NoError(t, err)
		assert.Equal(t, JobPayload(p), got)
	}
}

func TestDecodeAssignmentEmpty(t *testing.T) {
	_, err := DecodeAssignment("")
	assert.ErrorIs(t, err, ErrEmptyReply)
}

func TestInspect(t *testing.T) {
	malformed := func(t *testing.T, err error) {
		var m *MalformedReplyError
		assert.True(t, errors.As(err, &m), "expected MalformedReplyError, got %v", err)
	}
	noJob := func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrNoJob) }

	tests := []struct {
		name    string
		payload JobPayload
		want    *JobInfo
		check   func(t *testing.T, err error)
	}{
		{
			name:    "job",
			payload: `{"uuid":"42","kind":"package-build","module":"debian","architecture":"amd64","data":{}}`,
			want:    &JobInfo{UUID: "42", Kind: "package-build", Module: "debian"},
		},
		{
			name:    "array valued field",
			payload: `{"uuid":"2b1d9c7a-64e5-4f1b-9a55-0c8e7f3d2a19","kind":"package-build","module":"core","architecture":["amd64","all"]}`,
			want:    &JobInfo{UUID: "2b1d9c7a-64e5-4f1b-9a55-0c8e7f3d2a19", Kind: "package-build", Module: "core"},
		},
		{
			name:    "non-string uuid",
			payload: `{"uuid":42,"kind":"package-build"}`,
			want:    &JobInfo{Kind: "package-build"},
		},
		{
			name:    "object valued fields",
			payload: `{"uuid":{"v":1},"kind":null,"module":true}`,
			want:    &JobInfo{},
		},
		{
			name:    "array of jobs",
			payload: `[{"kind":"package-build"}]`,
			want:    &JobInfo{},
		},
		{
			name:    "unset error member",
			payload: `{"error":null,"kind":"os-image"}`,
			want:    &JobInfo{Kind: "os-image"},
		},
		{name: "empty object", payload: `{}`, check: noJob},
		{name: "null", payload: `null`, check: noJob},
		{name: "empty array", payload: `[]`, check: noJob},
		{name: "zero", payload: `0`, check: noJob},
		{name: "false", payload: `false`, check: noJob},
		{name: "empty string", payload: `""`, check: noJob},
		{
			name:    "server error",
			payload: `{"error":"unknown machine"}`,
			check: func(t *testing.T, err error) {
				var srvErr *ServerError
				require.True(t, errors.As(err, &srvErr))
				assert.Equal(t, "unknown machine", srvErr.Message)
			},
		},
		{
			name:    "structured server error",
			payload: `{"error":{"code":3}}`,
			check: func(t *testing.T, err error) {
				var srvErr *ServerError
				require.True(t, errors.As(err, &srvErr))
				assert.Equal(t, `{"code":3}`, srvErr.Message)
			},
		},
		{name: "not json", payload: `<html>`, check: malformed},
		{name: "truncated json", payload: `{"uuid":"1"`, check: malformed},
		{
			name:    "blank",
			payload: "  ",
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrEmptyReply) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Inspect(tt.payload)
			if tt.check != nil {
				tt.check(t, err)
				assert.Nil(t, info)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestEncodeJobStatus(t *testing.T) {
	identity := &config.Identity{MachineID: "0123abcd", MachineName: "builder-07"}

	tests := []struct {
		status JobStatus
		want   string
	}{
		{StatusAccepted, "job-accepted"},
		{StatusRejected, "job-rejected"},
		{StatusSuccess, "job-success"},
		{StatusFailed, "job-failed"},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := EncodeJobStatus(identity, "2b1d9c7a", tt.status)
			assert.Equal(t,
				`{"request":"`+tt.want+`","machine_name":"builder-07","machine_id":"0123abcd","uuid":"2b1d9c7a"}`,
				got)
		})
	}
}

func TestEncodeLogExcerpt(t *testing.T) {
	identity := &config.Identity{MachineID: "0123abcd", MachineName: "builder-07"}

	got := EncodeLogExcerpt(identity, "2b1d9c7a", "make <all>\nok\n")
	assert.NotContains(t, got, "\\u003c")
	assert.False(t, got[len(got)-1] == '\n')

	var msg LogExcerpt
	require.NoError(t, json.Unmarshal([]byte(got), &msg))
	assert.Equal(t, RequestJobStatus, msg.Request)
	assert.Equal(t, "builder-07", msg.MachineName)
	assert.Equal(t, "2b1d9c7a", msg.JobID)
	assert.Equal(t, "make <all>\nok\n", msg.Excerpt)
}
