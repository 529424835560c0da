package statsd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderLine(t *testing.T) {
	enc := newEncoder(" .orchestrator. ", map[string]string{"env": "test", " ": "dropped"})

	tests := []struct {
		name  string
		value string
		typ   metricType
		tags  map[string]string
		want  string
	}{
		{
			name: "job.transition", value: "1", typ: typeCount,
			tags: map[string]string{"transition": "created"},
			want: "orchestrator.job.transition:1|c|#env:test,transition:created",
		},
		{
			name: "supervisor..running.", value: "3", typ: typeGauge,
			want: "orchestrator.supervisor.running:3|g|#env:test",
		},
		{
			name: "job:transition|c@0.5", value: "12.5", typ: typeTiming,
			tags: map[string]string{"env": " prod "},
			want: "orchestrator.job_transition_c_0.5:12.5|ms|#env:prod",
		},
		{name: "  ", value: "1", typ: typeCount, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, enc.line(tt.name, tt.value, tt.typ, tt.tags))
		})
	}

	bare := newEncoder("", nil)
	assert.Equal(t, "reaper.runs:1|c", bare.line("reaper.runs", "1", typeCount, nil))
}

func TestCloneTagsReturnsCopy(t *testing.T) {
	src := map[string]string{" queue ": " extract "}
	cp := cloneTags(src)
	cp["queue"] = "backup"
	assert.Equal(t, " extract ", src[" queue "])
	assert.Equal(t, map[string]string{"queue": "backup"}, cp)
}

func TestClientEnabledAndClose(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer peerConn.Close()

	client := &Client{conn: clientConn}
	assert.True(t, client.Enabled())
	require.NoError(t, client.Close())
	assert.False(t, client.Enabled())
	require.NoError(t, client.Close(), "second close is a no-op")

	client.Count("dropped", 1, nil)

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	require.NoError(t, nilClient.Close())
	nilClient.Gauge("noop", 1, nil)
}

func TestNewClient(t *testing.T) {
	client, err := NewClient(Config{Enabled: true, Address: "   "})
	require.NoError(t, err)
	assert.False(t, client.Enabled(), "blank address disables the client")

	client, err = NewClient(Config{Address: "127.0.0.1:8125"})
	require.NoError(t, err)
	assert.False(t, client.Enabled(), "disabled config never dials")

	_, err = NewClient(Config{Enabled: true, Address: "bad address"})
	require.ErrorContains(t, err, "statsd dial")
}

func TestClientWritesLineProtocol(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("udp listener unavailable: %v", err)
	}
	defer pc.Close()

	client, err := NewClient(Config{
		Enabled:     true,
		Address:     pc.LocalAddr().String(),
		Prefix:      "orchestrator",
		GlobalTags:  map[string]string{"env": "test"},
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	defer client.Close()

	client.Timing("job.duration", 1500*time.Millisecond, map[string]string{"type": "extract"})

	buf := make([]byte, 512)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "orchestrator.job.duration:1500|ms|#env:test,type:extract", string(buf[:n]))
}

func TestRecorderAndTagged(t *testing.T) {
	rec := &Recorder{}
	sink := Tagged(rec, map[string]string{"worker_id": "host-a", "result": "default"})

	sink.Count("job.transition", 2, map[string]string{"result": "success"})
	sink.Gauge("supervisor.running", 3, nil)
	sink.Timing("job.duration", 1500*time.Millisecond, nil)

	got := rec.Find("job.transition")
	require.Len(t, got, 1)
	assert.InDelta(t, 2, got[0].Value, 0)
	assert.Equal(t, "success", got[0].Tags["result"])
	assert.Equal(t, "host-a", got[0].Tags["worker_id"])

	timing := rec.Find("job.duration")
	require.Len(t, timing, 1)
	assert.InDelta(t, 1500, timing[0].Value, 0)
	assert.Len(t, rec.Metrics(), 3)

	assert.Equal(t, Sink(rec), Tagged(rec, nil), "no tags returns the sink unchanged")
}
