package app

import (
	stdctx "context"
	"testing"
	"time"

	"github.com/smartsolutions/datwall/pkg/factory"
)

func testConfig(t *testing.T) *factory.Config {
	t.Helper()
	cfg, err := factory.Parse([]byte("logging:\n  level: warn\n"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Southbound.ListenAddr = "127.0.0.1:0"
	cfg.Northbound.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestStartStop(t *testing.T) {
	datwallApp, err := NewApp(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := datwallApp.Start(stdctx.Background()); err != nil {
		t.Fatal(err)
	}
	// A second Start is ignored.
	if err := datwallApp.Start(stdctx.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), 5*time.Second)
	defer cancel()
	if err := datwallApp.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := datwallApp.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestNewAppRejectsNilConfig(t *testing.T) {
	if _, err := NewApp(nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestNewSimProvider(t *testing.T) {
	provider, err := newSimProvider([]factory.SimConfig{
		{ID: "a", Slot: 1, Network: "3g"},
		{ID: "b", Slot: 2, Network: "4G", DefaultVoice: true, DefaultData: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	generation, err := provider.ActiveNetworkGeneration("a")
	if err != nil || generation != "3G" {
		t.Fatalf("generation %q (%v)", generation, err)
	}
	if voice, _ := provider.DefaultSim("VOICE"); voice.ID != "b" {
		t.Fatalf("default voice %s", voice.ID)
	}
}
