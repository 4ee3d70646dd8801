package microservice

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchlt/cosmos/errors"
	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
)

// containsSubsequence reports whether want appears in got in order,
// allowing other elements in between
func containsSubsequence(got, want []string) bool {
	i := 0
	for _, v := range got {
		if i < len(want) && v == want[i] {
			i++
		}
	}
	return i == len(want)
}

func TestCleanDisconnectWithAutoReconnect(t *testing.T) {
	h := newHarness(link.Options{
		AutoReconnect:  true,
		ReadAllowed:    true,
		ReconnectDelay: 20 * time.Millisecond,
	})
	h.dict.identify = func(buffer []byte, _ []string) (*packet.Packet, error) {
		return packet.New("INST", "HEALTH", buffer), nil
	}

	// First read is a clean disconnect, second delivers a packet
	h.link.reads <- readResult{nil, nil}
	h.link.reads <- readResult{packet.New("", "", []byte{1}), nil}

	runErr := make(chan error, 1)
	go func() { runErr <- h.sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.store.writes()) >= 1
	}, 2*time.Second, 5*time.Millisecond, "telemetry was never published")

	require.NoError(t, h.sup.Stop(2*time.Second))
	require.NoError(t, <-runErr)

	assert.Equal(t, 2, h.link.connects())

	writes := h.store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH", writes[0].topic)

	seq := h.store.stateSequence()
	assert.True(t, containsSubsequence(seq, []string{
		"ATTEMPTING", "CONNECTED", "DISCONNECTED", "ATTEMPTING", "CONNECTED",
	}), "state sequence %v", seq)
}

func TestNoConnectAfterStop(t *testing.T) {
	h := newHarness(link.Options{
		AutoReconnect:  true,
		ReadAllowed:    true,
		ReconnectDelay: 5 * time.Millisecond,
	})
	h.link.connectErr = syscall.ECONNREFUSED

	runErr := make(chan error, 1)
	go func() { runErr <- h.sup.Run(context.Background()) }()

	// Let the loop churn through a few failed attempts
	require.Eventually(t, func() bool {
		return h.link.connects() >= 2
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, h.sup.Stop(2*time.Second))
	require.NoError(t, <-runErr)

	after := h.link.connects()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, h.link.connects(), "Link.Connect called after Stop returned")

	// A commanded connect after stop skips the link entirely
	require.NoError(t, h.sup.Connect(context.Background()))
	assert.Equal(t, after, h.link.connects())
}

func TestStopBeforeRun(t *testing.T) {
	h := newHarness(link.Options{})
	require.NoError(t, h.sup.Stop(time.Second))
	require.NoError(t, h.sup.Connect(context.Background()))
	assert.Equal(t, 0, h.link.connects())
}

func TestExceptionDeduplication(t *testing.T) {
	h := newHarness(link.Options{})

	weird := errors.New("unmapped register fault")
	h.sup.classify("connection_lost", weird, h.sup.lostMsgs)
	h.sup.classify("connection_lost", weird, h.sup.lostMsgs)
	h.sup.classify("connection_lost", weird, h.sup.lostMsgs)
	assert.Equal(t, 1, h.exc.count())

	h.sup.classify("connection_lost", errors.New("different fault"), h.sup.lostMsgs)
	assert.Equal(t, 2, h.exc.count())

	// Same message under the other category is a distinct pair
	h.sup.classify("connect_failed", weird, h.sup.failedMsgs)
	assert.Equal(t, 3, h.exc.count())
}

func TestTransientErrorsAreNotPersisted(t *testing.T) {
	h := newHarness(link.Options{})

	h.sup.classify("connection_lost", syscall.ECONNRESET, h.sup.lostMsgs)
	h.sup.classify("connection_lost", errors.New("read timeout on socket"), h.sup.lostMsgs)
	h.sup.classify("connection_lost", errors.New("operation canceled"), h.sup.lostMsgs)
	assert.Equal(t, 0, h.exc.count())
	assert.False(t, h.sup.cancelled())
}

func TestInterruptLatchesCancel(t *testing.T) {
	h := newHarness(link.Options{})

	h.sup.classify("connection_lost", errors.ErrInterrupt, h.sup.lostMsgs)
	assert.True(t, h.sup.cancelled())
	assert.Equal(t, 0, h.exc.count())
	assert.True(t, h.sup.sleeper.Cancelled())
}

func TestConnectionFailedDisconnectsAndDelays(t *testing.T) {
	h := newHarness(link.Options{AutoReconnect: true, ReconnectDelay: time.Millisecond})

	start := time.Now()
	h.sup.handleConnectionFailed(context.Background(), syscall.ECONNREFUSED)
	assert.GreaterOrEqual(t, time.Since(start), time.Millisecond)
	assert.Equal(t, Disconnected, h.info.State())
	assert.GreaterOrEqual(t, h.link.disconnects, 1)
	assert.False(t, h.sup.isIdle(), "auto-reconnect loss must not park the loop")
}

func TestLossWithoutAutoReconnectParksIdle(t *testing.T) {
	h := newHarness(link.Options{AutoReconnect: false})

	h.sup.handleConnectionLost(context.Background(), nil)
	assert.True(t, h.sup.isIdle())
	assert.Equal(t, Disconnected, h.info.State())
}

func TestFatalHandlerErrorStopsLoop(t *testing.T) {
	h := newHarness(link.Options{ReadAllowed: true})
	h.dict.identify = func(_ []byte, _ []string) (*packet.Packet, error) {
		return nil, errors.New("dictionary corrupted")
	}
	h.link.reads <- readResult{packet.New("", "", []byte{1}), nil}

	err := h.sup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dictionary corrupted")
	assert.True(t, h.sup.cancelled())
}

func TestInjectTlm(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.template = func(target, name string) (*packet.Packet, error) {
		pkt := packet.New(target, name, []byte{0})
		pkt.AddItem(&packet.Item{Name: "TEMP", Value: float64(0)})
		return pkt, nil
	}

	msg := map[string]any{
		"target_name": "INST",
		"packet_name": "HEALTH",
		"item_hash":   `{"TEMP": 33}`,
		"value_type":  "RAW",
	}
	require.NoError(t, h.sup.InjectTlm(context.Background(), msg))

	writes := h.store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH", writes[0].topic)
}

func TestInjectTlmUnknownTemplate(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.template = func(_, _ string) (*packet.Packet, error) {
		return nil, errors.New("no packet named BOGUS")
	}

	err := h.sup.InjectTlm(context.Background(), map[string]any{
		"target_name": "INST",
		"packet_name": "BOGUS",
	})
	require.Error(t, err)
	assert.Empty(t, h.store.writes())
}
