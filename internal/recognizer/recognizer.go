// Package recognizer detects completed purchases in the confirmation SMS sent
// by the carrier and credits the ledger once per message.
package recognizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/smartsolutions/datwall/internal/catalog"
	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
	"github.com/smartsolutions/datwall/internal/northbound"
	"github.com/smartsolutions/datwall/internal/sim"
	"github.com/smartsolutions/datwall/internal/storage"
)

// Crediter is the part of the ledger the recognizer drives.
type Crediter interface {
	AddDataBytes(ctx context.Context, dataPackage model.DataPackage, simID string) error
	AddPromoBonus(ctx context.Context, simID string) error
}

// Result tells what a message produced.
type Result struct {
	Matched       bool   `json:"matched"`
	DataPackageID string `json:"dataPackageId,omitempty"`
	PromoBonus    bool   `json:"promoBonus,omitempty"`
	Duplicate     bool   `json:"duplicate,omitempty"`
	Recorded      bool   `json:"recorded,omitempty"`
}

// Options tune the recognizer.
type Options struct {
	// CarrierShortName is the sender of confirmation messages.
	CarrierShortName string
	// MergeWindow hides an SMS-detected purchase from the history when a
	// transport purchase of the same package was recorded this close to it.
	MergeWindow time.Duration
	// FingerprintTTL bounds how long delivered messages are remembered.
	FingerprintTTL time.Duration
	Now            func() time.Time
}

var fingerprintNamespace = uuid.MustParse("0b6b8a4e-35f6-4a5c-8d51-6c4f0e0b9a37")

// Recognizer is the PurchaseRecognizer.
type Recognizer struct {
	store     storage.Store
	ledger    Crediter
	sims      sim.Provider
	publisher northbound.Publisher
	options   Options

	mutexForFingerprints sync.Mutex
	fingerprints         map[uuid.UUID]time.Time
}

// NewRecognizer creates a Recognizer.
func NewRecognizer(
	store storage.Store,
	ledger Crediter,
	sims sim.Provider,
	publisher northbound.Publisher,
	options Options,
) *Recognizer {
	if publisher == nil {
		publisher = northbound.NopPublisher{}
	}
	if options.CarrierShortName == "" {
		options.CarrierShortName = "Cubacel"
	}
	if options.MergeWindow <= 0 {
		options.MergeWindow = 30 * time.Minute
	}
	if options.FingerprintTTL <= 0 {
		options.FingerprintTTL = 24 * time.Hour
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	return &Recognizer{
		store:        store,
		ledger:       ledger,
		sims:         sims,
		publisher:    publisher,
		options:      options,
		fingerprints: make(map[uuid.UUID]time.Time),
	}
}

// HandleMessage credits the package confirmed by message. Messages from
// other senders and unrecognized texts are ignored without error.
func (recognizer *Recognizer) HandleMessage(ctx context.Context, message model.InboundSms) (Result, error) {
	if !strings.EqualFold(strings.TrimSpace(message.Sender), recognizer.options.CarrierShortName) {
		logger.RecognizerLog.Debugf("message from %q ignored", message.Sender)
		return Result{}, nil
	}

	dataPackage, promo := recognize(message.Body)
	if dataPackage == nil && !promo {
		logger.RecognizerLog.Debugf("carrier message not recognized: %q", message.Body)
		return Result{}, nil
	}

	simID := message.SimID
	if simID == "" {
		dataSim, err := recognizer.sims.DefaultSim(model.SimTypeData)
		if err != nil {
			return Result{}, errors.Wrap(err, "resolve data sim")
		}
		simID = dataSim.ID
	}
	receivedAt := message.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = recognizer.options.Now()
	}

	fingerprint := uuid.NewSHA1(fingerprintNamespace, []byte(fmt.Sprintf(
		"%s|%s|%s|%d", simID, message.Sender, message.Body, receivedAt.UnixNano(),
	)))
	if !recognizer.remember(fingerprint) {
		logger.RecognizerLog.WithField("sim", simID).Info("duplicate carrier message ignored")
		return Result{Matched: true, Duplicate: true}, nil
	}

	if promo {
		if err := recognizer.ledger.AddPromoBonus(ctx, simID); err != nil {
			recognizer.forget(fingerprint)
			return Result{}, errors.Wrap(err, "credit promotional bonus")
		}
		logger.RecognizerLog.WithField("sim", simID).Info("promotional bonus recognized")
		return Result{Matched: true, PromoBonus: true}, nil
	}

	resolved := recognizer.resolve(ctx, *dataPackage)
	if err := recognizer.ledger.AddDataBytes(ctx, resolved, simID); err != nil {
		recognizer.forget(fingerprint)
		return Result{}, errors.Wrapf(err, "credit %s", resolved.Name)
	}

	result := Result{Matched: true, DataPackageID: resolved.ID}
	recorded, err := recognizer.recordPurchase(ctx, resolved.ID, simID, receivedAt)
	if err != nil {
		// Ledger already credited; history is display only.
		logger.RecognizerLog.Warnf("record sms purchase of %s: %v", resolved.Name, err)
	}
	result.Recorded = recorded

	logger.RecognizerLog.WithFields(logrus.Fields{
		"sim":      simID,
		"package":  resolved.Name,
		"recorded": recorded,
	}).Info("purchase recognized")
	return result, nil
}

// recognize scans the catalog in order; the first key found wins. The promo
// key is only checked when no package matched.
func recognize(body string) (*model.DataPackage, bool) {
	for _, dataPackage := range catalog.Packages() {
		if strings.Contains(body, dataPackage.RecognitionKey) {
			matched := dataPackage
			return &matched, false
		}
	}
	return nil, strings.Contains(body, catalog.PromoBonusKey)
}

// resolve prefers the stored copy of a catalog entry and falls back to the
// static one.
func (recognizer *Recognizer) resolve(ctx context.Context, dataPackage model.DataPackage) model.DataPackage {
	stored, err := recognizer.store.GetDataPackage(ctx, dataPackage.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.RecognizerLog.Warnf("read package %s: %v", dataPackage.ID, err)
		}
		return dataPackage
	}
	return stored
}

// recordPurchase adds an SMS history row unless a transport purchase of the
// same package and SIM lies within the merge window.
func (recognizer *Recognizer) recordPurchase(ctx context.Context, packageID string, simID string, at time.Time) (bool, error) {
	since := at.Add(-recognizer.options.MergeWindow)
	until := at.Add(recognizer.options.MergeWindow)
	existing, err := recognizer.store.ListPurchasedPackages(ctx, storage.PurchaseQuery{
		SimID:         simID,
		DataPackageID: packageID,
		Since:         &since,
		Until:         &until,
	})
	if err != nil {
		return false, errors.Wrap(err, "list recent purchases")
	}
	for _, purchase := range existing {
		if purchase.Origin != model.OriginSMS {
			return false, nil
		}
	}

	purchase := model.PurchasedPackage{
		Date:          at,
		Origin:        model.OriginSMS,
		DataPackageID: packageID,
		SimID:         simID,
	}
	if err := recognizer.store.CreatePurchasedPackage(ctx, &purchase); err != nil {
		return false, errors.Wrap(err, "create purchase")
	}
	recognizer.publisher.Publish(northbound.TopicHistory, model.HistoryChange{Added: &purchase})
	return true, nil
}

// remember returns false when fingerprint was already seen within the TTL.
func (recognizer *Recognizer) remember(fingerprint uuid.UUID) bool {
	now := recognizer.options.Now()

	recognizer.mutexForFingerprints.Lock()
	defer recognizer.mutexForFingerprints.Unlock()

	for known, seenAt := range recognizer.fingerprints {
		if now.Sub(seenAt) > recognizer.options.FingerprintTTL {
			delete(recognizer.fingerprints, known)
		}
	}
	if _, seen := recognizer.fingerprints[fingerprint]; seen {
		return false
	}
	recognizer.fingerprints[fingerprint] = now
	return true
}

func (recognizer *Recognizer) forget(fingerprint uuid.UUID) {
	recognizer.mutexForFingerprints.Lock()
	defer recognizer.mutexForFingerprints.Unlock()
	delete(recognizer.fingerprints, fingerprint)
}
