package stream

import (
	"fmt"

	kamui "github.com/lambdaS-zh/kamui"
	"github.com/mitchellh/mapstructure"
)

// Typed views of the dynamic zone records. Each zone kind carries a fixed,
// known key set; decoding validates the types at read time so a malformed
// record surfaces as a retry instead of a crash further in.

// ctrlRecord is the control record of one direction of a connection.
type ctrlRecord struct {
	Snd      bool   `mapstructure:"F_SND"`
	SndAck   bool   `mapstructure:"F_SND_ACK"`
	Seq      int64  `mapstructure:"SEQ"`
	SeqAck   int64  `mapstructure:"SEQ_ACK"`
	Checksum string `mapstructure:"CHECKSUM"`
	Fin      bool   `mapstructure:"F_FIN"`
	FinAck   bool   `mapstructure:"F_FIN_ACK"`
}

// requestRecord is one pending connect attempt in a listen backlog.
type requestRecord struct {
	ClientAddress string `mapstructure:"CLIENT_ADDRESS"`
	Conn          bool   `mapstructure:"F_CONN"`
	ConnAck       bool   `mapstructure:"F_CONN_ACK"`
	ConnNum       int    `mapstructure:"CONN_NUM"`
}

// backlogRecord is the synthesised directory view of a listen backlog.
type backlogRecord struct {
	Pending       int      `mapstructure:"PENDING"`
	RequestTokens []string `mapstructure:"REQUEST_TOKENS"`
}

// decode fills out from the dynamic record. JSON numbers arrive as float64,
// hence the weakly typed input.
func decode(rec kamui.Record, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(map[string]any(rec)); err != nil {
		// Someone may be writing this zone, or it predates this protocol
		// revision. Either way the caller polls.
		return fmt.Errorf("%w: malformed record: %v", kamui.ErrAgain, err)
	}
	return nil
}

func (c ctrlRecord) record() kamui.Record {
	return kamui.Record{
		"F_SND":     c.Snd,
		"F_SND_ACK": c.SndAck,
		"SEQ":       c.Seq,
		"SEQ_ACK":   c.SeqAck,
		"CHECKSUM":  c.Checksum,
		"F_FIN":     c.Fin,
		"F_FIN_ACK": c.FinAck,
	}
}

func (r requestRecord) record() kamui.Record {
	return kamui.Record{
		"CLIENT_ADDRESS": r.ClientAddress,
		"F_CONN":         r.Conn,
		"F_CONN_ACK":     r.ConnAck,
		"CONN_NUM":       r.ConnNum,
	}
}

// Stages of the send state machine, named by (F_SND, F_SND_ACK).
type sndStage uint8

const (
	sndStageIdle       sndStage = iota // no payload outstanding
	sndStageRequesting                 // payload placed, waiting for ack
	sndStageReplying                   // payload consumed, sender must clear
)

func (c ctrlRecord) sndStage() sndStage {
	switch {
	case c.Snd && !c.SndAck:
		return sndStageRequesting
	case c.Snd && c.SndAck:
		return sndStageReplying
	default:
		return sndStageIdle
	}
}

// Stages of the half-close state machine, named by (F_FIN, F_FIN_ACK).
type finStage uint8

const (
	finStageIdle finStage = iota
	finStageRequesting
	finStageReplying
)

func (c ctrlRecord) finStage() finStage {
	switch {
	case c.Fin && !c.FinAck:
		return finStageRequesting
	case c.Fin && c.FinAck:
		return finStageReplying
	default:
		return finStageIdle
	}
}

// finishing reports a FIN pending but not yet acknowledged.
func (c ctrlRecord) finishing() bool {
	return c.finStage() == finStageRequesting
}
