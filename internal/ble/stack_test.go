package ble_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/blechat/internal/ble"
	"github.com/chaz8081/blechat/internal/ble/sim"
	"github.com/chaz8081/blechat/internal/chat"
)

type phone struct {
	radio *sim.Radio
	stack *ble.Stack
}

func newPhone(t *testing.T, air *sim.Air, name string) *phone {
	t.Helper()
	radio := air.NewRadio(name)
	router := chat.NewRouter(chat.NewRegistry(chat.RetainHistory), radio.Address(), 0)
	stack := ble.NewStack(radio, radio, ble.AllPermissions(), router, ble.StackOptions{
		LocalName: name,
		Scan:      ble.ScanOptions{FilterService: true},
		Client:    ble.ClientOptions{ConnectTimeout: time.Second},
	})
	t.Cleanup(stack.Release)
	return &phone{radio: radio, stack: stack}
}

// connectPair has x serve and y discover and connect to it.
func connectPair(t *testing.T, x, y *phone) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, x.stack.Server.Start(ctx))

	require.NoError(t, y.stack.Scanner.Start(ctx))
	require.Eventually(t, func() bool {
		_, ok := y.stack.Registry().Device(x.radio.Address())
		return ok
	}, time.Second, time.Millisecond)

	found, _ := y.stack.Registry().Device(x.radio.Address())
	assert.Equal(t, "phone-x", found.Name)

	require.NoError(t, y.stack.Client.Connect(ctx, x.radio.Address()))
	require.Equal(t, ble.StateReady, y.stack.Client.State())
	y.stack.Scanner.Stop()
}

func TestWriteFromCentralReachesServer(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	d, ok := x.stack.Registry().Device(y.radio.Address())
	require.True(t, ok)
	assert.Equal(t, chat.Connected, d.State)

	_, err := y.stack.Client.Send(context.Background(), x.radio.Address(), "hi")
	require.NoError(t, err)

	msgs := x.stack.Router().MessagesFor(y.radio.Address())
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.False(t, msgs[0].IsFromLocalUser)
	assert.Equal(t, y.radio.Address(), msgs[0].SenderAddress)
}

func TestNotifyFromServerReachesCentral(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	_, err := x.stack.Server.Send(context.Background(), y.radio.Address(), "hello")
	require.NoError(t, err)

	got := y.stack.Router().MessagesFor(x.radio.Address())
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
	assert.False(t, got[0].IsFromLocalUser)
	assert.Equal(t, x.radio.Address(), got[0].SenderAddress)

	own := x.stack.Router().MessagesFor(y.radio.Address())
	require.Len(t, own, 1)
	assert.Equal(t, "hello", own[0].Text)
	assert.True(t, own[0].IsFromLocalUser)
}

func TestStopScanPrunesUnconnectedDevices(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	a1 := newPhone(t, air, "phone-a1")
	a2 := newPhone(t, air, "phone-a2")
	ctx := context.Background()
	require.NoError(t, a1.stack.Advertiser.Start())
	require.NoError(t, a2.stack.Advertiser.Start())

	require.NoError(t, y.stack.Scanner.Start(ctx))
	require.Eventually(t, func() bool { return len(y.stack.Registry().Snapshot()) == 2 }, time.Second, time.Millisecond)

	y.stack.Scanner.Stop()
	assert.Empty(t, y.stack.Registry().Snapshot())
}

func TestStopScanPrunesFailedConnectAttempts(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	a1 := newPhone(t, air, "phone-a1")
	ctx := context.Background()
	require.NoError(t, a1.stack.Advertiser.Start())

	require.NoError(t, y.stack.Scanner.Start(ctx))
	require.Eventually(t, func() bool { return len(y.stack.Registry().Snapshot()) == 1 }, time.Second, time.Millisecond)

	y.radio.SetFaults(sim.Faults{Connect: errors.New("gatt 133")})
	require.Error(t, y.stack.Client.Connect(ctx, a1.radio.Address()))
	d, ok := y.stack.Registry().Device(a1.radio.Address())
	require.True(t, ok)
	assert.Equal(t, chat.Discovered, d.State)

	y.stack.Scanner.Stop()
	assert.Empty(t, y.stack.Registry().Snapshot())
}

func TestScanFailureReachesStackErrors(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	y.radio.SetFaults(sim.Faults{Scan: errors.New("radio busy")})

	require.NoError(t, y.stack.Scanner.Start(context.Background()))
	select {
	case err := <-y.stack.Errors():
		var terr *ble.TransportError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, "scan", terr.Op)
	case <-time.After(time.Second):
		t.Fatal("scan failure was not reported")
	}
	require.Eventually(t, func() bool { return !y.stack.Scanner.Scanning() }, time.Second, time.Millisecond)
}

func TestMalformedTextIsLoggedAsSent(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	msg, err := y.stack.Client.Send(context.Background(), x.radio.Address(), "a\xffb")
	require.NoError(t, err)
	assert.Equal(t, "a\uFFFDb", msg.Text)

	require.Eventually(t, func() bool {
		return len(x.stack.Router().MessagesFor(y.radio.Address())) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, msg.Text, x.stack.Router().MessagesFor(y.radio.Address())[0].Text)
	assert.Equal(t, msg.Text, y.stack.Router().MessagesFor(x.radio.Address())[0].Text)
}

func TestSendWithoutSessionFails(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	require.True(t, y.stack.BluetoothEnabled())
	before := y.stack.Registry().Snapshot()

	_, err := y.stack.Client.Send(context.Background(), "C0:FF:EE:00:00:01", "hi")
	require.ErrorIs(t, err, ble.ErrNotReady)
	assert.Equal(t, before, y.stack.Registry().Snapshot())
}

func TestScanFilterSkipsOtherServices(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	other := air.NewRadio("beacon")
	require.NoError(t, other.StartAdvertising(ble.AdvertiseOptions{
		LocalName:         "beacon",
		ServiceUUIDs:      []string{"0000180f-0000-1000-8000-00805f9b34fb"},
		IncludeDeviceName: true,
	}))
	x := newPhone(t, air, "phone-x")
	require.NoError(t, x.stack.Advertiser.Start())

	require.NoError(t, y.stack.Scanner.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := y.stack.Registry().Device(x.radio.Address())
		return ok
	}, time.Second, time.Millisecond)

	_, ok := y.stack.Registry().Device(other.Address())
	assert.False(t, ok)
}

func TestPeerWithoutChatServiceFails(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	x := newPhone(t, air, "phone-x")
	// Advertising alone, no GATT server published.
	require.NoError(t, x.stack.Advertiser.Start())

	err := y.stack.Client.Connect(context.Background(), x.radio.Address())
	require.ErrorIs(t, err, ble.ErrProtocolMismatch)
	assert.Equal(t, ble.StateFailed, y.stack.Client.State())
}

func TestLinkLossMarksBothSidesDisconnected(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	y.radio.Drop(x.radio.Address())

	assert.Equal(t, ble.StateDisconnected, y.stack.Client.State())
	dx, _ := y.stack.Registry().Device(x.radio.Address())
	assert.Equal(t, chat.Disconnected, dx.State)
	dy, _ := x.stack.Registry().Device(y.radio.Address())
	assert.Equal(t, chat.Disconnected, dy.State)

	_, err := x.stack.Server.Send(context.Background(), y.radio.Address(), "anyone?")
	assert.ErrorIs(t, err, ble.ErrNotConnected)
}

func TestServerStopDisconnectsClient(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	x.stack.Server.Stop()

	assert.False(t, x.radio.Advertising())
	assert.Equal(t, ble.StateDisconnected, y.stack.Client.State())
	d, _ := x.stack.Registry().Device(y.radio.Address())
	assert.Equal(t, chat.Disconnected, d.State)
}

func TestInjectedWriteFailure(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)

	y.radio.SetFaults(sim.Faults{Write: assert.AnError})
	_, err := y.stack.Client.Send(context.Background(), x.radio.Address(), "hi")
	require.ErrorIs(t, err, assert.AnError)

	assert.Empty(t, y.stack.Router().MessagesFor(x.radio.Address()))
	assert.Empty(t, x.stack.Router().MessagesFor(y.radio.Address()))
	assert.Equal(t, ble.StateDisconnected, y.stack.Client.State())

	select {
	case err := <-y.stack.Errors():
		var terr *ble.TransportError
		assert.ErrorAs(t, err, &terr)
	case <-time.After(time.Second):
		t.Fatal("write failure was not reported")
	}
}

func TestReleaseStopsEveryRole(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	y := newPhone(t, air, "phone-y")
	connectPair(t, x, y)
	require.NoError(t, y.stack.Scanner.Start(context.Background()))

	y.stack.Release()
	x.stack.Release()

	assert.False(t, y.stack.Scanner.Scanning())
	assert.Equal(t, ble.StateDisconnected, y.stack.Client.State())
	assert.Equal(t, ble.ServerStopped, x.stack.Server.State())
	assert.False(t, x.stack.Advertiser.Advertising())
	assert.Empty(t, x.stack.Registry().Connected())
	assert.Empty(t, y.stack.Registry().Connected())
}

func TestRadioOffSoftFails(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	y := newPhone(t, air, "phone-y")
	y.radio.PowerOff()

	assert.False(t, y.stack.BluetoothEnabled())
	assert.ErrorIs(t, y.stack.Scanner.Start(context.Background()), ble.ErrRadioUnavailable)
	assert.ErrorIs(t, y.stack.Server.Start(context.Background()), ble.ErrRadioUnavailable)
	assert.ErrorIs(t, y.stack.Client.Connect(context.Background(), "C0:FF:EE:00:00:01"), ble.ErrRadioUnavailable)
	assert.False(t, y.stack.Scanner.Scanning())
	assert.Equal(t, ble.ServerStopped, y.stack.Server.State())
}

func TestPurgeRetentionDropsHistory(t *testing.T) {
	air := sim.NewAir(sim.DefaultConfig())
	x := newPhone(t, air, "phone-x")
	radio := air.NewRadio("phone-y")
	router := chat.NewRouter(chat.NewRegistry(chat.PurgeHistory), radio.Address(), 0)
	stack := ble.NewStack(radio, radio, ble.AllPermissions(), router, ble.StackOptions{LocalName: "phone-y"})
	t.Cleanup(stack.Release)
	y := &phone{radio: radio, stack: stack}

	require.NoError(t, x.stack.Server.Start(context.Background()))
	require.NoError(t, y.stack.Client.Connect(context.Background(), x.radio.Address()))
	_, err := y.stack.Client.Send(context.Background(), x.radio.Address(), "bye")
	require.NoError(t, err)
	require.Len(t, y.stack.Router().MessagesFor(x.radio.Address()), 1)

	y.stack.Client.Close()
	_, ok := y.stack.Registry().Device(x.radio.Address())
	assert.False(t, ok)
	assert.Empty(t, y.stack.Router().MessagesFor(x.radio.Address()))
}
