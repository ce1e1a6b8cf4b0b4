package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kamui "github.com/lambdaS-zh/kamui"
)

func TestDecodeCtrlRecordFromJSONTypes(t *testing.T) {
	// A record read back from disk carries float64 numbers.
	rec := kamui.Record{
		"F_SND":     true,
		"F_SND_ACK": false,
		"SEQ":       float64(3),
		"SEQ_ACK":   float64(2),
		"CHECKSUM":  "352441c2",
		"F_FIN":     false,
		"F_FIN_ACK": false,
	}
	var ctrl ctrlRecord
	require.Nil(t, decode(rec, &ctrl))
	assert.Equal(t, int64(3), ctrl.Seq)
	assert.Equal(t, int64(2), ctrl.SeqAck)
	assert.Equal(t, "352441c2", ctrl.Checksum)
	assert.Equal(t, sndStageRequesting, ctrl.sndStage())
}

func TestDecodeMissingKeysDefault(t *testing.T) {
	var ctrl ctrlRecord
	require.Nil(t, decode(kamui.Record{}, &ctrl))
	assert.Equal(t, sndStageIdle, ctrl.sndStage())
	assert.Equal(t, finStageIdle, ctrl.finStage())
	assert.False(t, ctrl.finishing())
	assert.Equal(t, int64(0), ctrl.Seq)
}

func TestDecodeMalformedRecordIsAgain(t *testing.T) {
	rec := kamui.Record{"SEQ": []any{"not", "a", "number"}}
	var ctrl ctrlRecord
	err := decode(rec, &ctrl)
	assert.True(t, isAgainErr(err), "decode: %v", err)
}

func TestStageTables(t *testing.T) {
	cases := []struct {
		snd, sndAck bool
		want        sndStage
	}{
		{false, false, sndStageIdle},
		{false, true, sndStageIdle},
		{true, false, sndStageRequesting},
		{true, true, sndStageReplying},
	}
	for _, c := range cases {
		ctrl := ctrlRecord{Snd: c.snd, SndAck: c.sndAck}
		assert.Equal(t, c.want, ctrl.sndStage())
	}

	finCases := []struct {
		fin, finAck bool
		want        finStage
		finishing   bool
	}{
		{false, false, finStageIdle, false},
		{true, false, finStageRequesting, true},
		{true, true, finStageReplying, false},
	}
	for _, c := range finCases {
		ctrl := ctrlRecord{Fin: c.fin, FinAck: c.finAck}
		assert.Equal(t, c.want, ctrl.finStage())
		assert.Equal(t, c.finishing, ctrl.finishing())
	}
}

func TestCtrlRecordRoundTrip(t *testing.T) {
	ctrl := ctrlRecord{Snd: true, Seq: 4, Checksum: "abc123", Fin: true}
	var back ctrlRecord
	require.Nil(t, decode(ctrl.record(), &back))
	assert.Equal(t, ctrl, back)
}
