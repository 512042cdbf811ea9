package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vessel.level/internal/control"
	"github.com/banshee-data/vessel.level/internal/httputil"
)

func TestRun_Requests(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"state"}, http.MethodGet, "/api/state"},
		{[]string{"enable"}, http.MethodPost, "/api/enable"},
		{[]string{"disable"}, http.MethodPost, "/api/disable"},
		{[]string{"ack"}, http.MethodPost, "/api/ack"},
		{[]string{"setpoint", "40", "60", "fill"}, http.MethodPost, "/api/setpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			m := &httputil.MockHTTPClient{Body: `{"state":"HOLDING","tick":4}`}
			var out bytes.Buffer
			require.NoError(t, run(context.Background(), m, "http://vessel:8080/", tt.args, &out))
			require.Len(t, m.Requests, 1)
			assert.Equal(t, tt.method, m.Requests[0].Method)
			assert.Equal(t, tt.path, m.Requests[0].URL.Path)
			assert.Contains(t, out.String(), `"state": "HOLDING"`)
		})
	}
}

func TestRun_SetpointBody(t *testing.T) {
	m := &httputil.MockHTTPClient{Body: `{}`}
	require.NoError(t, run(context.Background(), m, "http://vessel", []string{"setpoint", "20", "30.5"}, io.Discard))
	body, err := io.ReadAll(m.Requests[0].Body)
	require.NoError(t, err)
	var sp control.Setpoint
	require.NoError(t, json.Unmarshal(body, &sp))
	assert.Equal(t, control.Setpoint{MinMM: 20, MaxMM: 30.5, Mode: control.ModeHold}, sp)
}

func TestRun_Errors(t *testing.T) {
	m := &httputil.MockHTTPClient{StatusCode: http.StatusConflict, Body: `{"error":"fault condition still active"}`}
	err := run(context.Background(), m, "http://vessel", []string{"ack"}, io.Discard)
	assert.ErrorContains(t, err, "fault condition still active")

	for _, args := range [][]string{nil, {"spin"}, {"setpoint", "60"}, {"setpoint", "60", "40"}, {"setpoint", "a", "b"}} {
		err := run(context.Background(), &httputil.MockHTTPClient{}, "http://vessel", args, io.Discard)
		assert.Error(t, err, "%v", args)
	}
}
