package indicator

import (
	"errors"
	"reflect"
	"testing"

	"marketcore/internal/model"
)

func TestParseSpec_Signature(t *testing.T) {
	cases := map[string]string{
		"ema":                       "ema(length=20)",
		"EMA( length = 020 )":       "ema(length=20)",
		"rsi()":                     "rsi(length=14)",
		"bollinger(k=2.0)":          "bbands(k=2,length=20)",
		"bbands(length=10,k=1.5)":   "bbands(k=1.5,length=10)",
		"macd(signal=5)":            "macd(fast=12,signal=5,slow=26)",
		"orb(start=9:45,body_pct=1)": "orb(body_pct=1,duration=30,start=09:45)",
	}
	for in, want := range cases {
		spec, err := ParseSpec(in)
		if err != nil {
			t.Errorf("ParseSpec(%q): %v", in, err)
			continue
		}
		if got := spec.Signature(); got != want {
			t.Errorf("ParseSpec(%q).Signature() = %q, want %q", in, got, want)
		}
	}
}

func TestParseSpec_Errors(t *testing.T) {
	for _, in := range []string{
		"",
		"(length=3)",
		"ema(length=3",
		"ema(length)",
		"ema(length=3,length=4)",
		"ema(length=abc)",
		"ema(size=3)",
		"ema(length=0)",
		"vwap",
		"macd(fast=30)",
		"bbands(k=-1)",
		"orb(start=25:00)",
		"orb(body_pct=2)",
		"sma as a,b",
	} {
		if _, err := ParseSpec(in); !errors.Is(err, model.ErrConfig) {
			t.Errorf("ParseSpec(%q): got %v, want ConfigError", in, err)
		}
	}
}

func TestParseSpecs(t *testing.T) {
	specs, err := ParseSpecs("ema(length=20); ;rsi(length=14);macd as m,s,h")
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}
	if !reflect.DeepEqual(specs[2].Columns, []string{"m", "s", "h"}) {
		t.Errorf("columns = %v", specs[2].Columns)
	}

	if _, err := ParseSpecs("ema;bogus"); !errors.Is(err, model.ErrConfig) {
		t.Errorf("bad list: %v", err)
	}
}

func TestSpec_OutputColumns(t *testing.T) {
	cases := map[string][]string{
		"sma":                     {"sma_20"},
		"atr":                     {"atr_14"},
		"macd":                    {"macd_12_26_9", "macd_signal_12_26_9", "macd_hist_12_26_9"},
		"bbands":                  {"bb_upper_20_2", "bb_middle_20_2", "bb_lower_20_2"},
		"bbands(k=2.5)":           {"bb_upper_20_2.5", "bb_middle_20_2.5", "bb_lower_20_2.5"},
		"orb":                     {"orb_high", "orb_low", "orb_breakout"},
		"ema(length=9) as signal": {"signal"},
	}
	for in, want := range cases {
		spec, err := ParseSpec(in)
		if err != nil {
			t.Fatalf("ParseSpec(%q): %v", in, err)
		}
		got, err := spec.OutputColumns()
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s: columns %v, want %v", in, got, want)
		}
	}
}

func TestKinds(t *testing.T) {
	want := []string{"atr", "bbands", "ema", "macd", "orb", "rsi", "sma"}
	if got := Kinds(); !reflect.DeepEqual(got, want) {
		t.Errorf("Kinds() = %v, want %v", got, want)
	}
}

func TestSignature_DistinctParamsDistinctState(t *testing.T) {
	e := NewEngine()
	f := frameOf(sessionBars(1, 40))
	if _, err := e.Update(f, 0, mustSpecs(t, "ema(length=5);ema(length=8)"), "TEST", "5m"); err != nil {
		t.Fatal(err)
	}
	if n := len(e.Keys()); n != 2 {
		t.Errorf("expected 2 keys, got %d", n)
	}
}
