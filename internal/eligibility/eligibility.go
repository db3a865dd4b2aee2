// Package eligibility decides which catalog packages can be bought from each
// SIM slot. The carrier menu reached through USSD lists the package groups
// offered to a line; parsing it yields the menu index table and the per-slot
// active flags, which are the only gate before a purchase code is dialed.
package eligibility

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/smartsolutions/datwall/internal/catalog"
	datwallctx "github.com/smartsolutions/datwall/internal/context"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
)

var (
	// ErrPackagesNotConfigured means the menu index of the package group was
	// never discovered for the current slot.
	ErrPackagesNotConfigured = errors.New("packages not configured for this sim")
	// ErrPackageNotActive means the carrier does not offer the package to the
	// current slot.
	ErrPackageNotActive = errors.New("package not active for this sim")
	// ErrPackageNotFound means the package id is not in the catalog.
	ErrPackageNotFound = errors.New("package not found")
	// ErrProductNotFound means the MiCubacel shop does not list the package.
	ErrProductNotFound = errors.New("micubacel product not found")
	// ErrTransportUnavailable means the transport of the current buy mode is
	// not configured.
	ErrTransportUnavailable = errors.New("purchase transport not configured")
)

// UssdTransport dials USSD codes on the handset.
type UssdTransport interface {
	SendUssd(ctx context.Context, code string) (string, error)
}

// MiCubacelTransport talks to the carrier web shop.
type MiCubacelTransport interface {
	Products(ctx context.Context) ([]model.Product, error)
	BuyProduct(ctx context.Context, url string) error
}

// Options configure the USSD codes and the clock.
type Options struct {
	// MenuUssdCode opens the package menu, e.g. "*133*1#".
	MenuUssdCode string
	// UssdCodePrefix starts every purchase code, e.g. "*133*1".
	UssdCodePrefix string
	Now            func() time.Time
}

// Resolver is the PackageEligibilityResolver.
type Resolver struct {
	store     storage.Store
	runtime   datwallctx.RuntimeContext
	sims      sim.Provider
	ussd      UssdTransport
	micubacel MiCubacelTransport
	publisher northbound.Publisher
	options   Options

	mutexForConfiguration sync.Mutex
}

// NewResolver creates a Resolver. Either transport may be nil; purchases
// through a nil transport fail with ErrTransportUnavailable.
func NewResolver(
	store storage.Store,
	runtime datwallctx.RuntimeContext,
	sims sim.Provider,
	ussd UssdTransport,
	micubacel MiCubacelTransport,
	publisher northbound.Publisher,
	options Options,
) *Resolver {
	if publisher == nil {
		publisher = northbound.NopPublisher{}
	}
	if options.MenuUssdCode == "" {
		options.MenuUssdCode = "*133*1#"
	}
	if options.UssdCodePrefix == "" {
		options.UssdCodePrefix = "*133*1"
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Resolver{
		store:     store,
		runtime:   runtime,
		sims:      sims,
		ussd:      ussd,
		micubacel: micubacel,
		publisher: publisher,
		options:   options,
	}
}

// SeedCatalog stores the static catalog. Active flags already persisted
// are kept.
func (resolver *Resolver) SeedCatalog(ctx context.Context) error {
	if err := resolver.store.UpsertDataPackages(ctx, catalog.Packages()); err != nil {
		return errors.Wrap(err, "seed catalog")
	}
	logger.EligibilityLog.Infof("catalog v%d seeded", catalog.Version)
	resolver.publishPackages(ctx)
	return nil
}

// ProbeAndConfigure opens the carrier package menu and configures the
// current slot from the reply.
func (resolver *Resolver) ProbeAndConfigure(ctx context.Context) (model.SimsIndex, error) {
	if resolver.ussd == nil {
		return model.SimsIndex{}, ErrTransportUnavailable
	}
	menuText, err := resolver.ussd.SendUssd(ctx, resolver.options.MenuUssdCode)
	if err != nil {
		return model.SimsIndex{}, errors.Wrapf(err, "send menu code %s", resolver.options.MenuUssdCode)
	}
	return resolver.ConfigureFromMenu(ctx, menuText)
}

// ConfigureFromMenu parses the package menu text of the default voice SIM.
// The slot is reconfigured from scratch: groups missing from the menu end
// up unconfigured and their packages inactive. Flags and index are
// persisted together.
func (resolver *Resolver) ConfigureFromMenu(ctx context.Context, menuText string) (model.SimsIndex, error) {
	voiceSim, err := resolver.sims.DefaultSim(model.SimTypeVoice)
	if err != nil {
		return model.SimsIndex{}, errors.Wrap(err, "resolve voice sim")
	}
	slot := voiceSim.Slot

	resolver.mutexForConfiguration.Lock()
	defer resolver.mutexForConfiguration.Unlock()

	packages, err := resolver.store.ListDataPackages(ctx)
	if err != nil {
		return model.SimsIndex{}, errors.Wrap(err, "list packages")
	}
	index := resolver.simsIndex(ctx)

	index.SetDailyBag(slot, model.UnconfiguredIndex)
	index.SetPackages(slot, model.NetworkAll, model.UnconfiguredIndex)
	index.SetPackages(slot, model.Network4G, model.UnconfiguredIndex)
	for i := range packages {
		packages[i].SetActiveInSlot(slot, false)
	}

	for _, line := range strings.Split(menuText, "\n") {
		menuIndex, label, ok := parseMenuLine(line)
		if !ok {
			continue
		}
		lowered := strings.ToLower(label)

		switch {
		case strings.Contains(lowered, "bolsa diaria"):
			index.SetDailyBag(slot, menuIndex)
			activate(packages, slot, func(dataPackage model.DataPackage) bool {
				return dataPackage.IsDailyBag()
			})
		case strings.Contains(lowered, "paquetes lte"):
			index.SetPackages(slot, model.Network4G, menuIndex)
			activate(packages, slot, func(dataPackage model.DataPackage) bool {
				return !dataPackage.IsDailyBag() && dataPackage.Network == model.Network4G
			})
		case strings.Contains(lowered, "paquetes"):
			index.SetPackages(slot, model.NetworkAll, menuIndex)
			activate(packages, slot, func(dataPackage model.DataPackage) bool {
				return !dataPackage.IsDailyBag() && dataPackage.Network == model.NetworkAll
			})
		default:
			logger.EligibilityLog.Debugf("menu line ignored: %q", line)
		}
	}

	if err := resolver.store.SaveEligibility(ctx, packages, index); err != nil {
		return model.SimsIndex{}, errors.Wrapf(err, "save eligibility of slot %d", slot)
	}
	resolver.runtime.RecordEligibilityRefresh(slot, resolver.options.Now())

	logger.EligibilityLog.WithFields(logrus.Fields{
		"sim":      voiceSim.ID,
		"slot":     slot,
		"dailyBag": index.DailyBag(slot),
		"packages": index.Packages(slot, model.NetworkAll),
		"lte":      index.Packages(slot, model.Network4G),
	}).Info("eligibility configured")
	resolver.publisher.Publish(northbound.TopicPackages, packages)
	return index, nil
}

// Packages returns the packages that can be bought from the default voice SIM.
func (resolver *Resolver) Packages(ctx context.Context) ([]model.DataPackage, error) {
	voiceSim, err := resolver.sims.DefaultSim(model.SimTypeVoice)
	if err != nil {
		return nil, errors.Wrap(err, "resolve voice sim")
	}
	packages, err := resolver.AllPackages(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.DataPackage, 0, len(packages))
	for _, dataPackage := range packages {
		if dataPackage.ActiveInSlot(voiceSim.Slot) {
			active = append(active, dataPackage)
		}
	}
	return active, nil
}

// AllPackages returns every stored package with its flags.
func (resolver *Resolver) AllPackages(ctx context.Context) ([]model.DataPackage, error) {
	packages, err := resolver.store.ListDataPackages(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list packages")
	}
	return packages, nil
}

// SimsIndex returns the stored menu index table.
func (resolver *Resolver) SimsIndex(ctx context.Context) model.SimsIndex {
	return resolver.simsIndex(ctx)
}

// BuyDataPackage buys packageID from the default voice SIM through the
// current buy mode. A history row is written only after the transport
// succeeded.
func (resolver *Resolver) BuyDataPackage(ctx context.Context, packageID string) (model.PurchasedPackage, error) {
	dataPackage, err := resolver.store.GetDataPackage(ctx, packageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.PurchasedPackage{}, errors.Wrapf(ErrPackageNotFound, "%s", packageID)
		}
		return model.PurchasedPackage{}, errors.Wrap(err, "read package")
	}
	voiceSim, err := resolver.sims.DefaultSim(model.SimTypeVoice)
	if err != nil {
		return model.PurchasedPackage{}, errors.Wrap(err, "resolve voice sim")
	}

	var origin model.Origin
	switch resolver.runtime.GetFlags().BuyMode {
	case datwallctx.BuyModeMiCubacel:
		origin = model.OriginMiCubacel
		err = resolver.buyWithMiCubacel(ctx, voiceSim, dataPackage)
	default:
		origin = model.OriginUSSD
		err = resolver.buyWithUssd(ctx, voiceSim, dataPackage)
	}
	if err != nil {
		logger.EligibilityLog.WithFields(logrus.Fields{
			"sim":     voiceSim.ID,
			"package": dataPackage.Name,
			"origin":  origin,
		}).Warnf("purchase failed: %v", err)
		return model.PurchasedPackage{}, err
	}

	purchase := model.PurchasedPackage{
		Date:          resolver.options.Now(),
		Origin:        origin,
		DataPackageID: dataPackage.ID,
		SimID:         voiceSim.ID,
	}
	if err := resolver.store.CreatePurchasedPackage(ctx, &purchase); err != nil {
		return model.PurchasedPackage{}, errors.Wrap(err, "record purchase")
	}

	logger.EligibilityLog.WithFields(logrus.Fields{
		"sim":     voiceSim.ID,
		"package": dataPackage.Name,
		"origin":  origin,
	}).Info("package bought")
	resolver.publisher.Publish(northbound.TopicHistory, model.HistoryChange{Added: &purchase})
	return purchase, nil
}

func (resolver *Resolver) buyWithUssd(ctx context.Context, voiceSim model.Sim, dataPackage model.DataPackage) error {
	code, err := resolver.PurchaseCode(ctx, voiceSim.Slot, dataPackage)
	if err != nil {
		return err
	}
	if resolver.ussd == nil {
		return ErrTransportUnavailable
	}
	if _, err := resolver.ussd.SendUssd(ctx, code); err != nil {
		return errors.Wrapf(err, "send purchase code %s", code)
	}
	return nil
}

// PurchaseCode builds the USSD code that buys dataPackage from slot:
// "<prefix>*<daily bag index>#" for the daily bag and
// "<prefix>*<group index>*<package index>#" otherwise.
func (resolver *Resolver) PurchaseCode(ctx context.Context, slot int, dataPackage model.DataPackage) (string, error) {
	menuIndex := resolver.simsIndex(ctx).IndexFor(slot, dataPackage)
	if menuIndex == model.UnconfiguredIndex {
		return "", ErrPackagesNotConfigured
	}
	if !dataPackage.ActiveInSlot(slot) {
		return "", ErrPackageNotActive
	}
	if dataPackage.IsDailyBag() {
		return fmt.Sprintf("%s*%d#", resolver.options.UssdCodePrefix, menuIndex), nil
	}
	if dataPackage.Index == model.UnconfiguredIndex {
		return "", ErrPackagesNotConfigured
	}
	return fmt.Sprintf("%s*%d*%d#", resolver.options.UssdCodePrefix, menuIndex, dataPackage.Index), nil
}

func (resolver *Resolver) buyWithMiCubacel(ctx context.Context, voiceSim model.Sim, dataPackage model.DataPackage) error {
	if !dataPackage.ActiveInSlot(voiceSim.Slot) {
		return ErrPackageNotActive
	}
	if resolver.micubacel == nil {
		return ErrTransportUnavailable
	}
	products, err := resolver.micubacel.Products(ctx)
	if err != nil {
		return errors.Wrap(err, "list micubacel products")
	}
	for _, product := range products {
		if product.DataPackageID != dataPackage.ID {
			continue
		}
		if err := resolver.micubacel.BuyProduct(ctx, product.URL); err != nil {
			return errors.Wrapf(err, "buy micubacel product %s", product.ID)
		}
		return nil
	}
	return errors.Wrapf(ErrProductNotFound, "%s", dataPackage.Name)
}

// History returns matching purchases, newest first.
func (resolver *Resolver) History(ctx context.Context, query storage.PurchaseQuery) ([]model.PurchasedPackage, error) {
	purchases, err := resolver.store.ListPurchasedPackages(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "list purchases")
	}
	return purchases, nil
}

// ClearHistory deletes every purchase record.
func (resolver *Resolver) ClearHistory(ctx context.Context) (int, error) {
	purchases, err := resolver.store.ListPurchasedPackages(ctx, storage.PurchaseQuery{})
	if err != nil {
		return 0, errors.Wrap(err, "list purchases")
	}
	ids := make([]uint64, 0, len(purchases))
	for _, purchase := range purchases {
		ids = append(ids, purchase.ID)
	}
	deleted, err := resolver.store.DeletePurchasedPackages(ctx, ids)
	if err != nil {
		return 0, errors.Wrap(err, "delete purchases")
	}
	resolver.publisher.Publish(northbound.TopicHistory, model.HistoryChange{Cleared: deleted})
	return deleted, nil
}

// simsIndex reads the menu index table, degrading to an unconfigured table.
func (resolver *Resolver) simsIndex(ctx context.Context) model.SimsIndex {
	index, err := resolver.store.GetSimsIndex(ctx)
	if err != nil {
		logger.EligibilityLog.Warnf("read sims index, using defaults: %v", err)
		return model.DefaultSimsIndex()
	}
	return index
}

func (resolver *Resolver) publishPackages(ctx context.Context) {
	packages, err := resolver.store.ListDataPackages(ctx)
	if err != nil {
		logger.EligibilityLog.Warnf("list packages for publication: %v", err)
		return
	}
	resolver.publisher.Publish(northbound.TopicPackages, packages)
}

func activate(packages []model.DataPackage, slot int, matches func(model.DataPackage) bool) {
	for i := range packages {
		if matches(packages[i]) {
			packages[i].SetActiveInSlot(slot, true)
		}
	}
}

// parseMenuLine splits "2-Paquetes LTE" into (2, "Paquetes LTE"). Lines
// without a leading number are rejected.
func parseMenuLine(line string) (int, string, bool) {
	trimmed := strings.TrimSpace(line)
	end := 0
	for end < len(trimmed) && trimmed[end] >= '0' && trimmed[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, "", false
	}
	menuIndex, err := strconv.Atoi(trimmed[:end])
	if err != nil {
		return 0, "", false
	}
	label := strings.TrimLeftFunc(trimmed[end:], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return menuIndex, label, true
}
