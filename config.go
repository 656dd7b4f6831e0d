package gust

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/gustwire/gust/internal/protocol"
	"github.com/gustwire/gust/qlog"
)

// Scheme selects the erasure code used for parity units.
type Scheme string

const (
	// SchemeReedSolomon recovers any k of k+r units. The default.
	SchemeReedSolomon Scheme = "reed-solomon"
	// SchemeXOR is single-parity: r is pinned to 1 and exactly one lost
	// unit per block is recoverable without retransmission.
	SchemeXOR Scheme = "xor"
)

// maxConfigurablePayload leaves headroom for the unit header and checksum
// within one packet buffer.
const maxConfigurablePayload = protocol.MaxPacketBufferSize - 64

// Config tunes a connection. The zero value is not usable; call Open with
// a nil *Config or fill in only the fields you care about and the rest is
// defaulted.
type Config struct {
	// StreamID identifies this stream in every unit frame.
	StreamID uint64 `toml:"stream_id"`

	// Scheme selects the erasure code.
	Scheme Scheme `toml:"scheme"`

	// InitialK and InitialR seed the redundancy profile. The adaptive
	// controller moves the profile within [MinK, MaxK] x [MinR, MaxR];
	// MaxK+MaxR may not exceed 256.
	InitialK int `toml:"initial_k"`
	InitialR int `toml:"initial_r"`
	MinK     int `toml:"min_k"`
	MaxK     int `toml:"max_k"`
	MinR     int `toml:"min_r"`
	MaxR     int `toml:"max_r"`

	// UnitPayloadSize is the data unit capacity in bytes. With
	// AdaptUnitPayload set, the controller varies the capacity between
	// MinUnitPayload and MaxUnitPayload as link quality moves.
	UnitPayloadSize  int  `toml:"unit_payload_size"`
	AdaptUnitPayload bool `toml:"adapt_unit_payload"`
	MinUnitPayload   int  `toml:"min_unit_payload"`
	MaxUnitPayload   int  `toml:"max_unit_payload"`

	// RecoverDeadline is how long the receiver waits for a block to become
	// recoverable before requesting retransmission.
	RecoverDeadline time.Duration `toml:"-"`

	// MaxRetransmitRequests bounds how many times the receiver asks for a
	// block's missing units before declaring the block expired.
	MaxRetransmitRequests int `toml:"max_retransmit_requests"`

	// MaxUnitRetransmissions bounds how many times the sender resends one
	// unit before abandoning its block.
	MaxUnitRetransmissions int `toml:"max_unit_retransmissions"`

	// GraceRTTs is the fraction of the smoothed RTT a unit must have been
	// in flight before it is considered missing.
	GraceRTTs float64 `toml:"grace_rtts"`

	// HysteresisWindow is the number of consecutive low-loss
	// acknowledgments required before redundancy may shrink.
	HysteresisWindow int `toml:"hysteresis_window"`

	// LossUpFactor and LossDownFactor scale the recovery threshold
	// r/(k+r) for profile growth and decay.
	LossUpFactor   float64 `toml:"loss_up_factor"`
	LossDownFactor float64 `toml:"loss_down_factor"`

	// RTTInflationFactor marks the link congested once the smoothed RTT
	// exceeds this multiple of the minimum RTT.
	RTTInflationFactor float64 `toml:"rtt_inflation_factor"`

	// PacingRate caps outgoing datagrams per second; zero disables pacing.
	PacingRate  float64 `toml:"pacing_rate"`
	PacingBurst int     `toml:"pacing_burst"`

	// Logger receives connection events. Defaults to a disabled logger.
	Logger zerolog.Logger `toml:"-"`

	// QLogWriter, if set, receives an NDJSON event trace.
	QLogWriter io.Writer `toml:"-"`

	// OnDeliveryFailure, if set, is called when a sent block exhausts its
	// retransmission budget and is abandoned. It runs on the connection's
	// internal goroutines and must not call back into the connection.
	OnDeliveryFailure func(BlockExpiredError) `toml:"-"`
}

// fileConfig mirrors the TOML-settable fields of Config, with durations as
// strings.
type fileConfig struct {
	Config
	RecoverDeadline duration `toml:"recover_deadline"`
}

type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// LoadConfig reads a TOML connection configuration from path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg := fc.Config
	cfg.RecoverDeadline = time.Duration(fc.RecoverDeadline)
	return &cfg, nil
}

// populated returns a copy of cfg with every unset field defaulted. A nil
// cfg yields the full default configuration.
func populated(cfg *Config) *Config {
	c := &Config{}
	if cfg != nil {
		*c = *cfg
	}
	if c.Scheme == "" {
		c.Scheme = SchemeReedSolomon
	}
	if c.InitialK == 0 {
		c.InitialK = protocol.DefaultK
	}
	if c.InitialR == 0 {
		c.InitialR = protocol.DefaultR
	}
	if c.MinK == 0 {
		c.MinK = protocol.MinK
	}
	if c.MaxK == 0 {
		c.MaxK = 64
	}
	if c.MinR == 0 {
		c.MinR = protocol.MinR
	}
	if c.MaxR == 0 {
		c.MaxR = 16
	}
	if c.Scheme == SchemeXOR {
		c.MinR = 1
		c.MaxR = 1
		if c.InitialR > 1 {
			c.InitialR = 1
		}
	}
	if c.UnitPayloadSize == 0 {
		c.UnitPayloadSize = int(protocol.DefaultUnitPayloadSize)
	}
	if c.MinUnitPayload == 0 {
		c.MinUnitPayload = 500
	}
	if c.MaxUnitPayload == 0 {
		c.MaxUnitPayload = maxConfigurablePayload
	}
	if c.RecoverDeadline == 0 {
		c.RecoverDeadline = 250 * time.Millisecond
	}
	if c.MaxRetransmitRequests == 0 {
		c.MaxRetransmitRequests = 3
	}
	if c.MaxUnitRetransmissions == 0 {
		c.MaxUnitRetransmissions = 5
	}
	if c.GraceRTTs == 0 {
		c.GraceRTTs = 0.75
	}
	if c.HysteresisWindow == 0 {
		c.HysteresisWindow = 8
	}
	if c.LossUpFactor == 0 {
		c.LossUpFactor = 0.8
	}
	if c.LossDownFactor == 0 {
		c.LossDownFactor = 0.5
	}
	if c.RTTInflationFactor == 0 {
		c.RTTInflationFactor = 2.0
	}
	if c.PacingBurst == 0 {
		c.PacingBurst = 32
	}
	if cfg == nil {
		// the zero Logger discards everything already
		c.Logger = zerolog.Nop()
	}
	return c
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Scheme != SchemeReedSolomon && c.Scheme != SchemeXOR {
		return fmt.Errorf("unknown scheme %q", c.Scheme)
	}
	if c.MinK < protocol.MinK {
		return fmt.Errorf("min_k %d below %d", c.MinK, protocol.MinK)
	}
	if c.MinR < protocol.MinR {
		return fmt.Errorf("min_r %d below %d", c.MinR, protocol.MinR)
	}
	if c.MaxK < c.MinK || c.MaxR < c.MinR {
		return fmt.Errorf("profile bounds inverted: k [%d, %d], r [%d, %d]", c.MinK, c.MaxK, c.MinR, c.MaxR)
	}
	if c.MaxK+c.MaxR > protocol.MaxUnitsPerBlock {
		return fmt.Errorf("max_k+max_r %d exceeds %d units per block", c.MaxK+c.MaxR, protocol.MaxUnitsPerBlock)
	}
	if c.InitialK < c.MinK || c.InitialK > c.MaxK {
		return fmt.Errorf("initial_k %d outside [%d, %d]", c.InitialK, c.MinK, c.MaxK)
	}
	if c.InitialR < c.MinR || c.InitialR > c.MaxR {
		return fmt.Errorf("initial_r %d outside [%d, %d]", c.InitialR, c.MinR, c.MaxR)
	}
	if c.UnitPayloadSize <= 0 || c.UnitPayloadSize > maxConfigurablePayload {
		return fmt.Errorf("unit_payload_size %d outside (0, %d]", c.UnitPayloadSize, maxConfigurablePayload)
	}
	if c.AdaptUnitPayload {
		if c.MinUnitPayload <= 0 || c.MaxUnitPayload > maxConfigurablePayload || c.MinUnitPayload > c.MaxUnitPayload {
			return fmt.Errorf("unit payload bounds [%d, %d] invalid", c.MinUnitPayload, c.MaxUnitPayload)
		}
	}
	if c.RecoverDeadline <= 0 {
		return fmt.Errorf("recover_deadline must be positive")
	}
	if c.GraceRTTs < 0 {
		return fmt.Errorf("grace_rtts must not be negative")
	}
	if c.PacingRate < 0 {
		return fmt.Errorf("pacing_rate must not be negative")
	}
	return nil
}

func (c *Config) tracer() *qlog.Tracer {
	if c.QLogWriter == nil {
		return nil
	}
	return qlog.NewTracer(c.QLogWriter)
}
