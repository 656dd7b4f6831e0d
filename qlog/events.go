package qlog

import "github.com/francoispqt/gojay"

// UnitSent records a unit handed to the transport.
type UnitSent struct {
	BlockSeq       uint64
	Index          uint32
	Kind           string
	Size           int
	Retransmission bool
}

func (e UnitSent) Name() string { return "unit_sent" }
func (e UnitSent) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("block", e.BlockSeq)
	enc.Uint64Key("index", uint64(e.Index))
	enc.StringKey("kind", e.Kind)
	enc.IntKey("size", e.Size)
	enc.BoolKeyOmitEmpty("retransmission", e.Retransmission)
}
func (e UnitSent) IsNil() bool { return false }

// UnitReceived records a unit accepted off the wire.
type UnitReceived struct {
	BlockSeq uint64
	Index    uint32
	Kind     string
	Size     int
}

func (e UnitReceived) Name() string { return "unit_received" }
func (e UnitReceived) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("block", e.BlockSeq)
	enc.Uint64Key("index", uint64(e.Index))
	enc.StringKey("kind", e.Kind)
	enc.IntKey("size", e.Size)
}
func (e UnitReceived) IsNil() bool { return false }

// AckSent records an acknowledgment summary emitted to the peer.
type AckSent struct {
	BlockSeq uint64
	Held     int
	Total    int
}

func (e AckSent) Name() string { return "ack_sent" }
func (e AckSent) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("block", e.BlockSeq)
	enc.IntKey("held", e.Held)
	enc.IntKey("total", e.Total)
}
func (e AckSent) IsNil() bool { return false }

// BlockDelivered records an in-order delivery to the application.
type BlockDelivered struct {
	BlockSeq  uint64
	Recovered bool
}

func (e BlockDelivered) Name() string { return "block_delivered" }
func (e BlockDelivered) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("block", e.BlockSeq)
	enc.BoolKeyOmitEmpty("recovered", e.Recovered)
}
func (e BlockDelivered) IsNil() bool { return false }

// BlockExpired records a block abandoned by either side.
type BlockExpired struct {
	BlockSeq uint64
	Sender   bool
}

func (e BlockExpired) Name() string { return "block_expired" }
func (e BlockExpired) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Uint64Key("block", e.BlockSeq)
	enc.BoolKeyOmitEmpty("sender", e.Sender)
}
func (e BlockExpired) IsNil() bool { return false }

// ProfileChanged records an adjustment of the redundancy profile.
type ProfileChanged struct {
	K int
	R int
}

func (e ProfileChanged) Name() string { return "profile_changed" }
func (e ProfileChanged) MarshalJSONObject(enc *gojay.Encoder) {
	enc.IntKey("k", e.K)
	enc.IntKey("r", e.R)
}
func (e ProfileChanged) IsNil() bool { return false }
