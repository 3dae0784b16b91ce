package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/babelcloud/adaptive-stream/internal/netquality"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetQualityPostsToServer(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/set-quality/high", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","quality":"high","bitrate":3000}`))
	}))
	defer server.Close()

	out, err := execute(t, NewSetCommand(), "quality", "high", "--url", server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "bitrate=3000 quality=high\n", out)
}

func TestSetRejectsUnknownValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer server.Close()

	_, err := execute(t, NewSetCommand(), "quality", "ultra", "--url", server.URL)
	require.Error(t, err)
	_, err = execute(t, NewSetCommand(), "source", "screen", "--url", server.URL)
	require.Error(t, err)
}

func TestSetReportsServerErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","message":"engine stopped"}`))
	}))
	defer server.Close()

	_, err := execute(t, NewSetCommand(), "mode", "adaptive", "--url", server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine stopped")
}

func TestHistoryRendersTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/quality-history", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			{"timestamp":"2024-05-01T10:00:00Z","from":"medium","to":"high","reason":"adaptive"},
			{"timestamp":"2024-05-01T10:00:07Z","from":"high","to":"low","reason":"manual"}
		]`))
	}))
	defer server.Close()

	out, err := execute(t, NewHistoryCommand(), "--url", server.URL, "--limit", "5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "TIME"))
	assert.Contains(t, lines[2], "adaptive")
	assert.Contains(t, lines[3], "manual")

	out, err = execute(t, NewHistoryCommand(), "--url", server.URL, "--limit", "5", "-o", "json")
	require.NoError(t, err)
	var changes []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &changes))
	assert.Len(t, changes, 2)
}

func TestProbeReportsSample(t *testing.T) {
	var reported netquality.Sample
	mux := http.NewServeMux()
	mux.Handle(netquality.PingPath, netquality.PingHandler())
	mux.Handle(netquality.BandwidthPath, netquality.BandwidthHandler())
	mux.HandleFunc("/api/manual-metrics", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reported))
		w.Write([]byte(`{"status":"success","suggested_quality":"high"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	out, err := execute(t, NewProbeCommand(), "--url", server.URL, "--report", "-o", "json")
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "high", result["server_suggested_quality"])
	assert.Contains(t, []string{"low", "medium", "high"}, result["suggested_quality"])
	assert.Equal(t, false, result["degraded"])
	assert.Greater(t, reported.BandwidthMbps, 0.0)
}

func TestServerStatusWhenStopped(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	out, err := execute(t, newServerStatusCmd(), "--url", url)
	require.NoError(t, err)
	assert.Contains(t, out, "Server is not running")
}

func TestCheckServerStatusRecognizesService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy","service":"something-else"}`))
	}))
	defer server.Close()
	assert.Equal(t, ServerMismatchedError, checkServerStatus(server.URL))
}

func TestViewOptionsPlan(t *testing.T) {
	tests := []struct {
		name    string
		opts    ViewOptions
		wantErr string
	}{
		{"defaults", ViewOptions{Speed: 1, WebRTC: "off"}, ""},
		{"manual quality", ViewOptions{Quality: "high", Speed: 1.5, WebRTC: "http"}, ""},
		{"adaptive with quality", ViewOptions{Mode: "adaptive", Quality: "low", Speed: 1, WebRTC: "off"}, "--quality"},
		{"bad speed", ViewOptions{Speed: 3, WebRTC: "off"}, "speed"},
		{"bad webrtc", ViewOptions{Speed: 1, WebRTC: "udp"}, "--webrtc"},
		{"bad source", ViewOptions{Source: "screen", Speed: 1, WebRTC: "off"}, "source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.opts.plan()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:5000", dialAddr("0.0.0.0:5000"))
	assert.Equal(t, "127.0.0.1:5000", dialAddr(":5000"))
	assert.Equal(t, "10.0.0.5:80", dialAddr("10.0.0.5:80"))
}

func TestRootHelpGroupsCommands(t *testing.T) {
	root := &cobra.Command{Use: "astream", Short: "Adaptive video streaming"}
	for _, name := range []string{"history", "view", "server", "extra"} {
		root.AddCommand(&cobra.Command{Use: name, Short: name + " short", Run: func(*cobra.Command, []string) {}})
	}
	setupHelpCommand(root)

	out, err := execute(t, root, "--help")
	require.NoError(t, err)

	viewing := strings.Index(out, "Viewing Commands:")
	srv := strings.Index(out, "Server Commands:")
	other := strings.Index(out, "Other Commands:")
	require.True(t, viewing >= 0 && srv > viewing && other > srv, out)
	assert.Greater(t, strings.Index(out, "  view "), viewing)
	assert.Less(t, strings.Index(out, "  view "), srv)
	assert.Greater(t, strings.Index(out, "  extra "), other)
}
