package indicator

import (
	"encoding/json"
	"fmt"

	"marketcore/internal/model"
)

// State is the serializable statistics of one recurrence. Kind selects
// which payload is set; exactly one is non-nil. Kinds registered outside
// this package carry their payload in Custom.
type State struct {
	Kind string `json:"kind"`

	SMA       *SMAState       `json:"sma,omitempty"`
	EMA       *EMAState       `json:"ema,omitempty"`
	RSI       *RSIState       `json:"rsi,omitempty"`
	ATR       *ATRState       `json:"atr,omitempty"`
	MACD      *MACDState      `json:"macd,omitempty"`
	Bollinger *BollingerState `json:"bollinger,omitempty"`
	ORB       *ORBState       `json:"orb,omitempty"`

	Custom json.RawMessage `json:"custom,omitempty"`
}

// SMAState is a rolling window and its running sum.
type SMAState struct {
	Period int       `json:"period"`
	Buf    []float64 `json:"buf"`
	Idx    int       `json:"idx"`
	Count  int       `json:"count"`
	Sum    float64   `json:"sum"`
}

// EMAState carries the SMA seed accumulator until the first value exists.
type EMAState struct {
	Period  int     `json:"period"`
	Count   int     `json:"count"`
	Sum     float64 `json:"sum"`
	Current float64 `json:"current"`
}

// WilderState is a Wilder-smoothed average seeded by a simple mean.
type WilderState struct {
	Count   int     `json:"count"`
	Sum     float64 `json:"sum"`
	Current float64 `json:"current"`
}

// RSIState tracks average gain and loss.
type RSIState struct {
	Period    int         `json:"period"`
	Seen      int         `json:"seen"`
	PrevClose float64     `json:"prev_close"`
	Gain      WilderState `json:"gain"`
	Loss      WilderState `json:"loss"`
}

// ATRState tracks the smoothed true range.
type ATRState struct {
	Period    int         `json:"period"`
	Seen      int         `json:"seen"`
	PrevClose float64     `json:"prev_close"`
	TR        WilderState `json:"tr"`
}

// MACDState nests the three EMAs.
type MACDState struct {
	Fast   EMAState `json:"fast"`
	Slow   EMAState `json:"slow"`
	Signal EMAState `json:"signal"`
}

// BollingerState is a rolling window with Welford mean and M2.
type BollingerState struct {
	Period int       `json:"period"`
	K      float64   `json:"k"`
	Buf    []float64 `json:"buf"`
	Idx    int       `json:"idx"`
	Count  int       `json:"count"`
	Mean   float64   `json:"mean"`
	M2     float64   `json:"m2"`
}

// ORBState is the opening range of the current session.
type ORBState struct {
	Start    int     `json:"start"`    // minutes after midnight
	Duration int     `json:"duration"` // minutes
	BodyPct  float64 `json:"body_pct"`
	Session  string  `json:"session"` // YYYY-MM-DD in the engine location
	HasRange bool    `json:"has_range"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Closed   bool    `json:"closed"`
	Fired    bool    `json:"fired"`
}

// payloads reports how many per-kind payloads are set.
func (s State) payloads() int {
	n := 0
	for _, set := range []bool{
		s.SMA != nil, s.EMA != nil, s.RSI != nil, s.ATR != nil,
		s.MACD != nil, s.Bollinger != nil, s.ORB != nil, len(s.Custom) > 0,
	} {
		if set {
			n++
		}
	}
	return n
}

func stateMismatch(kind string, s State) error {
	return model.NewStateError("restore "+kind, fmt.Errorf("state of kind %q does not fit", s.Kind))
}

func paramMismatch(kind, what string, got, want any) error {
	return model.NewStateError("restore "+kind, fmt.Errorf("%s mismatch: state has %v, indicator has %v", what, got, want))
}

// checkRing validates a persisted rolling window against its period.
func checkRing(kind string, period int, buf []float64, idx, count int) error {
	if len(buf) != period || idx < 0 || idx >= period || count < 0 {
		return model.NewStateError("restore "+kind, fmt.Errorf("window of %d values (idx %d, count %d) does not fit period %d", len(buf), idx, count, period))
	}
	return nil
}
