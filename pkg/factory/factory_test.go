package factory

import (
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("info:\n  version: 1.0.0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Carrier.ShortName != "Cubacel" || cfg.Carrier.MenuUssdCode != "*133*1#" || cfg.Carrier.BuyMode != "ussd" {
		t.Fatalf("carrier defaults not applied:\n%s", spew.Sdump(cfg.Carrier))
	}
	if cfg.Storage.Driver != "memory" || cfg.Events.Sink != "none" || cfg.Transport.UssdCodePrefix != "*133*1" {
		t.Fatalf("defaults not applied:\n%s", spew.Sdump(cfg))
	}
	if len(cfg.Sims) != 1 || !cfg.Sims[0].DefaultVoice || !cfg.Sims[0].DefaultData {
		t.Fatalf("default sim not applied:\n%s", spew.Sdump(cfg.Sims))
	}
	if cfg.Compaction.IntervalHours != 24 || cfg.Southbound.ListenAddr != "127.0.0.1:8088" {
		t.Fatalf("compaction or listener defaults not applied:\n%s", spew.Sdump(cfg))
	}
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"buy mode":           "carrier:\n  buyMode: pigeon\n",
		"menu code":          "carrier:\n  menuUssdCode: \"133\"\n",
		"sqlite without dsn": "storage:\n  driver: sqlite\n",
		"redis without url":  "events:\n  sink: redis\n",
		"slot":               "sims:\n  - id: a\n    slot: 3\n",
		"duplicated slot":    "sims:\n  - id: a\n    slot: 1\n  - id: b\n    slot: 1\n",
		"two voice defaults": "sims:\n  - id: a\n    slot: 1\n    defaultVoice: true\n  - id: b\n    slot: 2\n    defaultVoice: true\n",
		"network":            "sims:\n  - id: a\n    slot: 1\n    network: 5G\n",
		"log level":          "logging:\n  level: loud\n",
		"gateway url":        "transport:\n  ussdGatewayUrl: \"not a url\"\n",
	}
	for name, document := range cases {
		if _, err := Parse([]byte(document)); err == nil {
			t.Fatalf("%s: expected a validation error", name)
		} else if !strings.Contains(err.Error(), "validate config") {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
	}
}

func TestParseRejectsBrokenYaml(t *testing.T) {
	if _, err := Parse([]byte("carrier: [")); err == nil {
		t.Fatalf("expected an unmarshal error")
	}
}

func TestReadShippedConfig(t *testing.T) {
	cfg, err := ReadConfig("../../config/datwallcfg.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != "sqlite" || len(cfg.Sims) != 2 || cfg.Compaction.MonthlyAfterDays != 90 {
		t.Fatalf("unexpected config:\n%s", spew.Sdump(cfg))
	}
}

func TestReadMissingConfig(t *testing.T) {
	if _, err := ReadConfig("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected a read error")
	}
}
