package microservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchlt/cosmos/link"
	"github.com/finchlt/cosmos/packet"
	"github.com/finchlt/cosmos/store"
)

func abortCommand() *packet.Packet {
	cmd := packet.New("INST", "ABORT", []byte{0xDE, 0xAD})
	cmd.AddItem(&packet.Item{Name: "CCSDSVER", Value: 0})
	cmd.AddItem(&packet.Item{Name: "PKTID", Value: 10, FormatString: "0x%X"})
	return cmd
}

func abortMessage() store.Message {
	return store.Message{
		"target_name":     "INST",
		"cmd_name":        "ABORT",
		"cmd_params":      "{}",
		"range_check":     "true",
		"raw":             "false",
		"hazardous_check": "true",
	}
}

func TestSuccessfulCommand(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, rangeCheck, raw bool) (*packet.Packet, error) {
		assert.True(t, rangeCheck)
		assert.False(t, raw)
		return abortCommand(), nil
	}

	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), abortMessage())
	require.Equal(t, ReplySuccess, reply)

	assert.Equal(t, 1, h.link.writeCount())

	writes := h.store.writes()
	require.Len(t, writes, 2)

	raw := writes[0]
	assert.Equal(t, "DEFAULT__COMMAND__INST__ABORT", raw.topic)
	for _, key := range []string{"time", "target_name", "packet_name", "received_count", "buffer"} {
		assert.True(t, raw.msg.Has(key), key)
	}
	assert.Equal(t, "INST", raw.msg.StringField("target_name"))
	assert.Equal(t, "ABORT", raw.msg.StringField("packet_name"))
	assert.Equal(t, int64(1), raw.msg["received_count"])

	decom := writes[1]
	assert.Equal(t, "DEFAULT__DECOMCMD__INST__ABORT", decom.topic)
	assert.False(t, decom.msg.Has("buffer"))
	require.True(t, decom.msg.Has("json_data"))

	var values map[string]any
	require.NoError(t, json.Unmarshal([]byte(decom.msg.StringField("json_data")), &values))
	want := map[string]any{
		"CCSDSVER": float64(0),
		"PKTID":    float64(10),
		"PKTID__F": "0xA",
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Errorf("decom values mismatch (-want +got):\n%s", diff)
	}

	// Interface state was refreshed after the echoes
	assert.NotEmpty(t, h.store.stateSequence())
}

func TestHazardousVeto(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
		return abortCommand(), nil
	}
	h.dict.hazardous = func(_ *packet.Packet) (bool, string, error) {
		return true, "aborts the sequence", nil
	}

	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), abortMessage())
	assert.Equal(t, ReplyHazardous, reply)
	assert.Equal(t, 0, h.link.writeCount())
	assert.Empty(t, h.store.writes())
}

func TestHazardousCheckSkippedWhenNotRequested(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
		return abortCommand(), nil
	}
	h.dict.hazardous = func(_ *packet.Packet) (bool, string, error) {
		return true, "would veto", nil
	}

	msg := abortMessage()
	msg["hazardous_check"] = "false"
	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), msg)
	assert.Equal(t, ReplySuccess, reply)
	assert.Equal(t, 1, h.link.writeCount())
}

func TestCommandBuildFailure(t *testing.T) {
	h := newHarness(link.Options{})

	msg := abortMessage()
	msg["cmd_params"] = "{not json"
	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), msg)

	// The reply is the parser's error message verbatim
	var expected map[string]any
	parseErr := json.Unmarshal([]byte("{not json"), &expected)
	require.Error(t, parseErr)
	assert.Equal(t, parseErr.Error(), reply)

	assert.Equal(t, 0, h.link.writeCount())
	assert.Empty(t, h.store.writes())
}

func TestCommandWriteFailure(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
		return abortCommand(), nil
	}
	writeErr := assert.AnError
	h.link.writeErr = writeErr

	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), abortMessage())
	assert.Equal(t, writeErr.Error(), reply)
	assert.Empty(t, h.store.writes())
}

func TestCommandReceivedCountIncrements(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
		return abortCommand(), nil
	}

	topic := store.CmdTopic("DEFAULT", "INST_INT")
	require.Equal(t, ReplySuccess, h.worker.dispatch(context.Background(), topic, abortMessage()))
	require.Equal(t, ReplySuccess, h.worker.dispatch(context.Background(), topic, abortMessage()))

	writes := h.store.writes()
	require.Len(t, writes, 4)
	assert.Equal(t, int64(1), writes[0].msg["received_count"])
	assert.Equal(t, int64(2), writes[2].msg["received_count"])
}

func TestLifecycleConnect(t *testing.T) {
	h := newHarness(link.Options{})

	topic := store.CmdInterfaceTopic("DEFAULT", "INST_INT")
	reply := h.worker.dispatch(context.Background(), topic, store.Message{"connect": "true"})
	assert.Equal(t, ReplySuccess, reply)
	assert.Equal(t, 1, h.link.connects())
	assert.Equal(t, Connected, h.info.State())
}

func TestLifecycleDisconnect(t *testing.T) {
	h := newHarness(link.Options{AutoReconnect: true})
	require.NoError(t, h.sup.Connect(context.Background()))

	topic := store.CmdInterfaceTopic("DEFAULT", "INST_INT")
	reply := h.worker.dispatch(context.Background(), topic, store.Message{"disconnect": "true"})
	assert.Equal(t, ReplySuccess, reply)
	assert.Equal(t, Disconnected, h.info.State())
	assert.False(t, h.link.Connected())

	// Commanded disconnect parks the loop idle even with auto-reconnect
	assert.True(t, h.sup.isIdle())
}

func TestLifecycleRawWrite(t *testing.T) {
	h := newHarness(link.Options{})
	require.NoError(t, h.sup.Connect(context.Background()))

	topic := store.CmdInterfaceTopic("DEFAULT", "INST_INT")
	reply := h.worker.dispatch(context.Background(), topic, store.Message{"raw": "AQID"})
	assert.Equal(t, ReplySuccess, reply)
	require.Equal(t, 1, h.link.writeCount())
	assert.Equal(t, []byte{1, 2, 3}, h.link.writes[0])
}

func TestLifecycleInjectTlm(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.template = func(target, name string) (*packet.Packet, error) {
		pkt := packet.New(target, name, []byte{0, 0})
		pkt.AddItem(&packet.Item{Name: "TEMP", Value: float64(0)})
		return pkt, nil
	}

	topic := store.CmdInterfaceTopic("DEFAULT", "INST_INT")
	msg := store.Message{
		"inject_tlm":  "true",
		"target_name": "INST",
		"packet_name": "HEALTH",
		"item_hash":   map[string]any{"TEMP": float64(21.5)},
		"value_type":  "RAW",
	}
	reply := h.worker.dispatch(context.Background(), topic, msg)
	assert.Equal(t, ReplySuccess, reply)

	writes := h.store.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "DEFAULT__TELEMETRY__INST__HEALTH", writes[0].topic)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	h := newHarness(link.Options{})
	h.dict.buildCmd = func(_, _ string, _ map[string]any, _, _ bool) (*packet.Packet, error) {
		panic("dictionary exploded")
	}

	reply := h.worker.dispatch(context.Background(), store.CmdTopic("DEFAULT", "INST_INT"), abortMessage())
	assert.Equal(t, "internal error", reply)
}

func TestTruthy(t *testing.T) {
	for input, want := range map[string]bool{
		"true": true, "TRUE": true, "Yes": true, "1": true,
		"false": false, "no": false, "0": false, "": false, "bogus": false,
	} {
		assert.Equal(t, want, truthy(input), input)
	}
}
