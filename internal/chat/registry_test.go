package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addresses(devs []Device) []string {
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.Address)
	}
	return out
}

func TestUpsertDiscoveredUnique(t *testing.T) {
	r := NewRegistry(RetainHistory)

	seq := []string{"A1", "A2", "A1", "A3", "A2", "A1"}
	for _, a := range seq {
		r.UpsertDiscovered(a, "")
	}

	assert.Equal(t, []string{"A1", "A2", "A3"}, addresses(r.Snapshot()))
}

func TestUpsertDiscoveredConcurrentUnique(t *testing.T) {
	r := NewRegistry(RetainHistory)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.UpsertDiscovered(fmt.Sprintf("AA:%02d", j%10), "peer")
			}
		}()
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap, 10)
	seen := map[string]bool{}
	for _, d := range snap {
		assert.False(t, seen[d.Address], "duplicate %s", d.Address)
		seen[d.Address] = true
	}
}

func TestFirstSeenNameWins(t *testing.T) {
	r := NewRegistry(RetainHistory)

	assert.True(t, r.UpsertDiscovered("A1", "Pixel"))
	assert.False(t, r.UpsertDiscovered("A1", "Renamed"))

	d, ok := r.Device("A1")
	require.True(t, ok)
	assert.Equal(t, "Pixel", d.Name)
	assert.Equal(t, Discovered, d.State)
}

func TestUpsertDiscoveredKeepsState(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertDiscovered("A1", "")
	r.MarkConnected("A1")

	r.UpsertDiscovered("A1", "late")

	d, _ := r.Device("A1")
	assert.Equal(t, Connected, d.State)
	assert.Empty(t, d.Name)
}

func TestUpsertConnected(t *testing.T) {
	r := NewRegistry(RetainHistory)

	r.UpsertConnected("B1", "central")
	d, ok := r.Device("B1")
	require.True(t, ok)
	assert.Equal(t, Connected, d.State)

	r.UpsertDiscovered("B2", "")
	r.UpsertConnected("B2", "named later")
	d, _ = r.Device("B2")
	assert.Equal(t, Connected, d.State)
	assert.Equal(t, "named later", d.Name)
}

func TestStateTransitionsUnknownDevice(t *testing.T) {
	r := NewRegistry(RetainHistory)
	assert.False(t, r.MarkConnecting("nope"))
	assert.False(t, r.MarkConnected("nope"))
	assert.False(t, r.MarkDisconnected("nope"))
	assert.Empty(t, r.Snapshot())
}

func TestAppendMessageRequiresDevice(t *testing.T) {
	r := NewRegistry(RetainHistory)

	err := r.AppendMessage("A1", NewInbound("A1", "hi"))
	require.ErrorIs(t, err, ErrUnknownDevice)

	r.UpsertDiscovered("A1", "")
	require.NoError(t, r.AppendMessage("A1", NewInbound("A1", "hi")))
}

func TestAppendMessageRejectsForeign(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertDiscovered("A1", "")
	r.UpsertDiscovered("A2", "")

	err := r.AppendMessage("A1", NewInbound("A2", "hi"))
	require.ErrorIs(t, err, ErrForeignMessage)

	// Every message in every log belongs to that log's device.
	require.NoError(t, r.AppendMessage("A1", NewOutbound("LOCAL", "A1", "out")))
	require.NoError(t, r.AppendMessage("A2", NewInbound("A2", "in")))
	for _, d := range r.Snapshot() {
		for _, m := range d.Messages {
			assert.Equal(t, d.Address, m.PeerAddress)
		}
	}
}

func TestAppendPreservesArrivalOrder(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertConnected("A1", "")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.AppendMessage("A1", NewInbound("A1", fmt.Sprint(i))))
	}

	d, _ := r.Device("A1")
	require.Len(t, d.Messages, 5)
	for i, m := range d.Messages {
		assert.Equal(t, fmt.Sprint(i), m.Text)
	}
}

func TestPruneDiscovered(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertDiscovered("A1", "")
	r.UpsertDiscovered("A2", "")
	r.UpsertDiscovered("A3", "")
	r.MarkConnected("A2")
	r.MarkConnecting("A3")

	assert.Equal(t, 1, r.PruneDiscovered())
	first := addresses(r.Snapshot())
	assert.Equal(t, []string{"A2", "A3"}, first)

	assert.Equal(t, 0, r.PruneDiscovered())
	assert.Equal(t, first, addresses(r.Snapshot()))
}

func TestFailedConnectReturnsToDiscovered(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertDiscovered("A1", "")
	r.MarkConnecting("A1")
	r.MarkDisconnected("A1")

	d, ok := r.Device("A1")
	require.True(t, ok)
	assert.Equal(t, Discovered, d.State)
	assert.Equal(t, 1, r.PruneDiscovered())
	assert.Empty(t, r.Snapshot())
}

func TestFailedConnectSurvivesPurge(t *testing.T) {
	r := NewRegistry(PurgeHistory)
	r.UpsertDiscovered("A1", "")
	r.MarkConnecting("A1")
	r.MarkDisconnected("A1")

	d, ok := r.Device("A1")
	require.True(t, ok)
	assert.Equal(t, Discovered, d.State)
}

func TestDisconnectRetainsHistory(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertConnected("A1", "")
	require.NoError(t, r.AppendMessage("A1", NewInbound("A1", "keep me")))

	r.MarkDisconnected("A1")

	d, ok := r.Device("A1")
	require.True(t, ok)
	assert.Equal(t, Disconnected, d.State)
	assert.Len(t, d.Messages, 1)

	// A disconnected device is no longer Discovered, so a scan stop keeps it.
	r.PruneDiscovered()
	_, ok = r.Device("A1")
	assert.True(t, ok)
}

func TestDisconnectPurgesHistory(t *testing.T) {
	r := NewRegistry(PurgeHistory)
	r.UpsertConnected("A1", "")
	require.NoError(t, r.AppendMessage("A1", NewInbound("A1", "gone")))

	r.MarkDisconnected("A1")

	_, ok := r.Device("A1")
	assert.False(t, ok)
	assert.Empty(t, r.Connected())
}

func TestConnectedView(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertDiscovered("A1", "")
	r.UpsertConnected("A2", "")
	r.UpsertConnected("A3", "")
	r.MarkDisconnected("A3")

	assert.Equal(t, []string{"A2"}, addresses(r.Connected()))
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertConnected("A1", "one")
	require.NoError(t, r.AppendMessage("A1", NewInbound("A1", "hi")))

	snap := r.Snapshot()
	snap[0].Name = "mutated"
	snap[0].Messages[0].Text = "mutated"

	d, _ := r.Device("A1")
	assert.Equal(t, "one", d.Name)
	assert.Equal(t, "hi", d.Messages[0].Text)
}

func TestSubscribersGetIndependentSnapshots(t *testing.T) {
	r := NewRegistry(RetainHistory)
	r.UpsertConnected("A1", "one")
	first, cancelFirst := r.Subscribe()
	defer cancelFirst()
	second, cancelSecond := r.Subscribe()
	defer cancelSecond()
	<-first
	<-second

	require.NoError(t, r.AppendMessage("A1", NewInbound("A1", "hi")))
	a := <-first
	b := <-second
	a[0].Name = "mutated"
	a[0].Messages[0].Text = "mutated"

	assert.Equal(t, "one", b[0].Name)
	assert.Equal(t, "hi", b[0].Messages[0].Text)
}

func TestSubscribeReceivesLatestSnapshot(t *testing.T) {
	r := NewRegistry(RetainHistory)
	ch, cancel := r.Subscribe()
	defer cancel()

	initial := <-ch
	assert.Empty(t, initial)

	r.UpsertDiscovered("A1", "")
	r.UpsertDiscovered("A2", "")

	select {
	case snap := <-ch:
		// Conflated: only the state after both mutations remains.
		assert.Equal(t, []string{"A1", "A2"}, addresses(snap))
	case <-time.After(time.Second):
		t.Fatal("no snapshot after mutation")
	}
}

func TestSubscribeCancelCloses(t *testing.T) {
	r := NewRegistry(RetainHistory)
	ch, cancel := r.Subscribe()
	<-ch
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// Mutations after cancel must not panic on the closed channel.
	r.UpsertDiscovered("A1", "")
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in      string
		want    Retention
		wantErr bool
	}{
		{"", RetainHistory, false},
		{"retain", RetainHistory, false},
		{"purge", PurgeHistory, false},
		{"forever", RetainHistory, true},
	}
	for _, tt := range tests {
		got, err := ParseRetention(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
