package factory

import (
	"fmt"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Config is the top-level configuration loaded from config/datwallcfg.yaml.
type Config struct {
	Info       InfoSection       `yaml:"info"`
	Carrier    CarrierSection    `yaml:"carrier"`
	Sims       []SimConfig       `yaml:"sims"`
	Storage    StorageConfig     `yaml:"storage"`
	Events     EventsSection     `yaml:"events"`
	Transport  TransportSection  `yaml:"transport"`
	Compaction CompactionSection `yaml:"compaction"`
	Southbound SouthboundSection `yaml:"southbound"`
	Northbound NorthboundSection `yaml:"northbound"`
	Logging    LoggingSection    `yaml:"logging"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- carrier ----------

type CarrierSection struct {
	ShortName          string `yaml:"shortName"`          // SMS sender of purchase confirmations, e.g. "Cubacel"
	MenuUssdCode       string `yaml:"menuUssdCode"`       // e.g. "*133*1#"
	BuyMode            string `yaml:"buyMode"`            // "ussd" | "micubacel"
	PromoBonusMB       int    `yaml:"promoBonusMb"`       // quota granted by a promotional recharge
	PurchaseMergeMin   int    `yaml:"purchaseMergeMin"`   // SMS/transport purchase merge window
	DiscountHours      bool   `yaml:"discountHours"`      // do not debit traffic between 01:00 and 06:00
	FirewallEnabled    bool   `yaml:"firewallEnabled"`    // runtime feature flag, exposed read-only
	BubbleFloatEnabled bool   `yaml:"bubbleFloatEnabled"` // runtime feature flag, exposed read-only
	ProbeMenuOnRun     bool   `yaml:"probeMenuOnRun"`     // re-read the package menu on every maintenance run
}

// ---------- sims ----------

type SimConfig struct {
	ID           string `yaml:"id"`
	Slot         int    `yaml:"slot"`    // 1 or 2
	Network      string `yaml:"network"` // "3G" | "4G"
	DefaultVoice bool   `yaml:"defaultVoice"`
	DefaultData  bool   `yaml:"defaultData"`
}

// ---------- storage ----------

type StorageConfig struct {
	Driver         string `yaml:"driver"`         // "memory" | "sqlite" | "postgres"
	DSN            string `yaml:"dsn"`            // file path for sqlite, connection string for postgres
	MaxTrafficRows int    `yaml:"maxTrafficRows"` // memory driver only; 0 means no limit
	SQLLogLevel    string `yaml:"sqlLogLevel"`    // gorm logger: "silent" | "error" | "warn" | "info"
}

// ---------- events ----------

type EventsSection struct {
	Sink         string `yaml:"sink"`         // "none" | "http" | "redis"
	WebhookURL   string `yaml:"webhookUrl"`   // http sink
	RedisURL     string `yaml:"redisUrl"`     // redis sink
	RedisChannel string `yaml:"redisChannel"` // redis sink
}

// ---------- transport ----------

type TransportSection struct {
	UssdGatewayURL string `yaml:"ussdGatewayUrl"`
	MiCubacelURL   string `yaml:"miCubacelUrl"`
	TimeoutSec     int    `yaml:"timeoutSec"`
	UssdCodePrefix string `yaml:"ussdCodePrefix"` // e.g. "*133*1"
}

// ---------- compaction ----------

type CompactionSection struct {
	RunAtHour        int `yaml:"runAtHour"`        // local hour of the first run
	IntervalHours    int `yaml:"intervalHours"`    // period between runs
	MonthlyAfterDays int `yaml:"monthlyAfterDays"` // 0 disables day→month merging
}

// ---------- southbound (handset agent → datwall) ----------

type SouthboundSection struct {
	ListenAddr string `yaml:"listenAddr"`
}

// ---------- northbound (UI → datwall) ----------

type NorthboundSection struct {
	ListenAddr string `yaml:"listenAddr"`
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"`
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// carrier
	if strings.TrimSpace(cfg.Carrier.ShortName) == "" {
		cfg.Carrier.ShortName = "Cubacel"
	}
	if strings.TrimSpace(cfg.Carrier.MenuUssdCode) == "" {
		cfg.Carrier.MenuUssdCode = "*133*1#"
	}
	if strings.TrimSpace(cfg.Carrier.BuyMode) == "" {
		cfg.Carrier.BuyMode = "ussd"
	}
	if cfg.Carrier.PromoBonusMB <= 0 {
		cfg.Carrier.PromoBonusMB = 300
	}
	if cfg.Carrier.PurchaseMergeMin <= 0 {
		cfg.Carrier.PurchaseMergeMin = 30
	}
	// sims
	if len(cfg.Sims) == 0 {
		cfg.Sims = []SimConfig{{ID: "sim1", Slot: 1, Network: "4G", DefaultVoice: true, DefaultData: true}}
	}
	for i := range cfg.Sims {
		if strings.TrimSpace(cfg.Sims[i].Network) == "" {
			cfg.Sims[i].Network = "3G"
		}
	}
	// storage
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "memory"
	}
	if strings.TrimSpace(cfg.Storage.SQLLogLevel) == "" {
		cfg.Storage.SQLLogLevel = "silent"
	}
	// events
	if strings.TrimSpace(cfg.Events.Sink) == "" {
		cfg.Events.Sink = "none"
	}
	if strings.TrimSpace(cfg.Events.RedisChannel) == "" {
		cfg.Events.RedisChannel = "datwall:events"
	}
	// transport
	if cfg.Transport.TimeoutSec <= 0 {
		cfg.Transport.TimeoutSec = 30
	}
	if strings.TrimSpace(cfg.Transport.UssdCodePrefix) == "" {
		cfg.Transport.UssdCodePrefix = "*133*1"
	}
	// compaction
	if cfg.Compaction.RunAtHour < 0 || cfg.Compaction.RunAtHour > 23 {
		cfg.Compaction.RunAtHour = 3
	}
	if cfg.Compaction.IntervalHours <= 0 {
		cfg.Compaction.IntervalHours = 24
	}
	if cfg.Compaction.MonthlyAfterDays < 0 {
		cfg.Compaction.MonthlyAfterDays = 0
	}
	// listeners
	if strings.TrimSpace(cfg.Southbound.ListenAddr) == "" {
		cfg.Southbound.ListenAddr = "127.0.0.1:8088"
	}
	if strings.TrimSpace(cfg.Northbound.ListenAddr) == "" {
		cfg.Northbound.ListenAddr = "127.0.0.1:8090"
	}
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	// carrier
	if !govalidator.IsIn(cfg.Carrier.BuyMode, "ussd", "micubacel") {
		return fmt.Errorf("carrier.buyMode unsupported: %q", cfg.Carrier.BuyMode)
	}
	if !strings.HasPrefix(cfg.Carrier.MenuUssdCode, "*") || !strings.HasSuffix(cfg.Carrier.MenuUssdCode, "#") {
		return fmt.Errorf("carrier.menuUssdCode is not a USSD code: %q", cfg.Carrier.MenuUssdCode)
	}

	// sims
	seen := make(map[string]struct{}, len(cfg.Sims))
	seenSlots := make(map[int]struct{}, len(cfg.Sims))
	defaultVoices, defaultDatas := 0, 0
	for i, sim := range cfg.Sims {
		if strings.TrimSpace(sim.ID) == "" {
			return fmt.Errorf("sims[%d].id is empty", i)
		}
		if _, ok := seen[sim.ID]; ok {
			return fmt.Errorf("sims[%d].id duplicated: %q", i, sim.ID)
		}
		seen[sim.ID] = struct{}{}

		if sim.Slot != 1 && sim.Slot != 2 {
			return fmt.Errorf("sims[%d].slot must be 1 or 2", i)
		}
		if _, ok := seenSlots[sim.Slot]; ok {
			return fmt.Errorf("sims[%d].slot duplicated: %d", i, sim.Slot)
		}
		seenSlots[sim.Slot] = struct{}{}

		if !govalidator.IsIn(strings.ToUpper(sim.Network), "3G", "4G") {
			return fmt.Errorf("sims[%d].network unsupported: %q", i, sim.Network)
		}
		if sim.DefaultVoice {
			defaultVoices++
		}
		if sim.DefaultData {
			defaultDatas++
		}
	}
	if defaultVoices > 1 || defaultDatas > 1 {
		return fmt.Errorf("sims: at most one defaultVoice and one defaultData sim")
	}

	// storage
	switch cfg.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn required for driver %q", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	if !govalidator.IsIn(cfg.Storage.SQLLogLevel, "silent", "error", "warn", "info") {
		return fmt.Errorf("storage.sqlLogLevel unsupported: %q", cfg.Storage.SQLLogLevel)
	}

	// events
	switch cfg.Events.Sink {
	case "none":
	case "http":
		if !govalidator.IsURL(cfg.Events.WebhookURL) {
			return fmt.Errorf("events.webhookUrl invalid (sink=http): %q", cfg.Events.WebhookURL)
		}
	case "redis":
		if !govalidator.IsRequestURL(cfg.Events.RedisURL) {
			return fmt.Errorf("events.redisUrl invalid (sink=redis): %q", cfg.Events.RedisURL)
		}
	default:
		return fmt.Errorf("events.sink unsupported: %q", cfg.Events.Sink)
	}

	// transport
	if cfg.Transport.UssdGatewayURL != "" && !govalidator.IsURL(cfg.Transport.UssdGatewayURL) {
		return fmt.Errorf("transport.ussdGatewayUrl is invalid: %q", cfg.Transport.UssdGatewayURL)
	}
	if cfg.Transport.MiCubacelURL != "" && !govalidator.IsURL(cfg.Transport.MiCubacelURL) {
		return fmt.Errorf("transport.miCubacelUrl is invalid: %q", cfg.Transport.MiCubacelURL)
	}

	// listeners
	if !govalidator.IsDialString(cfg.Southbound.ListenAddr) {
		return fmt.Errorf("southbound.listenAddr is invalid: %q", cfg.Southbound.ListenAddr)
	}
	if !govalidator.IsDialString(cfg.Northbound.ListenAddr) {
		return fmt.Errorf("northbound.listenAddr is invalid: %q", cfg.Northbound.ListenAddr)
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
