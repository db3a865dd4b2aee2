// Package model defines shared data structures for datwall:
//   - the purchasable data package catalog entries
//   - the per-SIM user data bytes ledger rows
//   - purchase history records
//   - per-app traffic samples and buckets
//   - the USSD menu index table per SIM slot.
//
// All types here are intentionally free of dependencies on other internal
// packages to avoid circular imports.
package model

import (
	"time"
)

// Network is the radio class a data package can be consumed on.
type Network string

const (
	// NetworkAll packages are consumable under 3G and 4G.
	NetworkAll Network = "3G_4G"
	// Network4G packages are consumable only under LTE.
	Network4G Network = "4G"
)

// NetworkGeneration is the radio generation a SIM is currently attached to.
type NetworkGeneration string

const (
	Generation3G NetworkGeneration = "3G"
	Generation4G NetworkGeneration = "4G"
)

// SimType selects the default SIM for a given usage.
type SimType string

const (
	SimTypeVoice SimType = "VOICE"
	SimTypeData  SimType = "DATA"
)

// Sim is a telephony subscription installed on the device.
type Sim struct {
	ID      string            `json:"id"`
	Slot    int               `json:"slot"`
	Network NetworkGeneration `json:"network"`
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

// DailyValidityDays marks a package whose validity is 24 hours from first use.
const DailyValidityDays = -1

// DataPackage is a purchasable package definition. Everything except the
// per-slot active flags is immutable once the catalog is built.
type DataPackage struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Description      string  `json:"description"`
	Price            float64 `json:"price"`
	BytesAllNetworks int64   `json:"bytesAllNetworks"`
	BytesLteOnly     int64   `json:"bytesLteOnly"`
	BonusBytes       int64   `json:"bonusBytes"`
	Network          Network `json:"network"`
	// Index is the position of the package inside its carrier menu group.
	// -1 means the package is not reached through a group position.
	Index          int    `json:"index"`
	ValidityDays   int    `json:"validityDays"`
	RecognitionKey string `json:"-"`
	ActiveInSim1   bool   `json:"activeInSim1"`
	ActiveInSim2   bool   `json:"activeInSim2"`
}

// Validity returns how long the package lasts after its first use.
func (dataPackage DataPackage) Validity() time.Duration {
	if dataPackage.ValidityDays == DailyValidityDays {
		return 24 * time.Hour
	}
	if dataPackage.ValidityDays <= 0 {
		return 0
	}
	return time.Duration(dataPackage.ValidityDays) * 24 * time.Hour
}

// IsDailyBag reports whether the package is bought through the daily bag
// menu entry instead of a package group.
func (dataPackage DataPackage) IsDailyBag() bool {
	return dataPackage.ValidityDays == DailyValidityDays
}

// ActiveInSlot reports whether the package can be bought from the given slot.
func (dataPackage DataPackage) ActiveInSlot(slot int) bool {
	switch slot {
	case 1:
		return dataPackage.ActiveInSim1
	case 2:
		return dataPackage.ActiveInSim2
	default:
		return false
	}
}

// SetActiveInSlot updates the per-slot active flag. Unknown slots are ignored.
func (dataPackage *DataPackage) SetActiveInSlot(slot int, active bool) {
	switch slot {
	case 1:
		dataPackage.ActiveInSim1 = active
	case 2:
		dataPackage.ActiveInSim2 = active
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

// DataType is the resource class of a ledger row.
type DataType string

const (
	DataTypeAllNetworks DataType = "ALL_NETWORKS"
	DataTypeLteOnly     DataType = "LTE_ONLY"
	DataTypeBonus       DataType = "BONUS"
)

// DataTypes lists every resource class in display order.
var DataTypes = []DataType{DataTypeAllNetworks, DataTypeLteOnly, DataTypeBonus}

// UserDataBytes is the byte counter of one resource class on one SIM.
// A zero StartTime means the validity clock has not started yet.
type UserDataBytes struct {
	SimID     string        `json:"simId"`
	Type      DataType      `json:"type"`
	Consumed  int64         `json:"consumed"`
	Quota     int64         `json:"quota"`
	StartTime time.Time     `json:"startTime"`
	Validity  time.Duration `json:"validity"`
}

// Exists reports whether the row currently grants any quota.
func (userDataBytes UserDataBytes) Exists() bool {
	return userDataBytes.Quota > 0
}

// IsExpired reports whether the validity window has elapsed at now. The
// instant StartTime+Validity itself is still valid.
func (userDataBytes UserDataBytes) IsExpired(now time.Time) bool {
	if userDataBytes.StartTime.IsZero() {
		return false
	}
	return now.After(userDataBytes.StartTime.Add(userDataBytes.Validity))
}

// ExpiresAt returns the last valid instant, or the zero time when the clock
// has not started.
func (userDataBytes UserDataBytes) ExpiresAt() time.Time {
	if userDataBytes.StartTime.IsZero() {
		return time.Time{}
	}
	return userDataBytes.StartTime.Add(userDataBytes.Validity)
}

// Remaining is the quota left, clamped at zero.
func (userDataBytes UserDataBytes) Remaining() int64 {
	consumed := userDataBytes.Consumed
	if consumed > userDataBytes.Quota {
		consumed = userDataBytes.Quota
	}
	return userDataBytes.Quota - consumed
}

// Reset clears the row back to the "no package" state, keeping its identity.
func (userDataBytes *UserDataBytes) Reset() {
	userDataBytes.Consumed = 0
	userDataBytes.Quota = 0
	userDataBytes.StartTime = time.Time{}
	userDataBytes.Validity = 0
}

// ---------------------------------------------------------------------------
// Purchase history
// ---------------------------------------------------------------------------

// Origin tells how a purchase reached the history.
type Origin string

const (
	OriginUSSD      Origin = "USSD"
	OriginMiCubacel Origin = "MICUBACEL"
	OriginSMS       Origin = "SMS"
)

// PurchasedPackage is an immutable purchase history record.
type PurchasedPackage struct {
	ID            uint64    `json:"id"`
	Date          time.Time `json:"date"`
	Origin        Origin    `json:"origin"`
	DataPackageID string    `json:"dataPackageId"`
	SimID         string    `json:"simId"`
}

// HistoryChange is published whenever the purchase history changes.
type HistoryChange struct {
	Added   *PurchasedPackage `json:"added,omitempty"`
	Cleared int               `json:"cleared,omitempty"`
}

// ---------------------------------------------------------------------------
// Traffic
// ---------------------------------------------------------------------------

// Traffic is a per-app traffic sample, or a merged bucket of samples.
type Traffic struct {
	ID         uint64    `json:"id"`
	UID        int       `json:"uid"`
	SimID      string    `json:"simId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	RxBytes    int64     `json:"rxBytes"`
	TxBytes    int64     `json:"txBytes"`
	TotalBytes int64     `json:"totalBytes"`
}

// Add merges other into a copy of traffic. Rx and tx are summed
// independently; the interval widens to cover both samples.
func (traffic Traffic) Add(other Traffic) Traffic {
	merged := traffic
	merged.RxBytes += other.RxBytes
	merged.TxBytes += other.TxBytes
	if !other.StartTime.IsZero() && (merged.StartTime.IsZero() || other.StartTime.Before(merged.StartTime)) {
		merged.StartTime = other.StartTime
	}
	if other.EndTime.After(merged.EndTime) {
		merged.EndTime = other.EndTime
	}
	merged.TotalBytes = merged.RxBytes + merged.TxBytes
	return merged
}

// RecalculateTotal refreshes the cached TotalBytes.
func (traffic *Traffic) RecalculateTotal() {
	traffic.TotalBytes = traffic.RxBytes + traffic.TxBytes
}

// ---------------------------------------------------------------------------
// USSD menu index table
// ---------------------------------------------------------------------------

// UnconfiguredIndex marks a menu entry that was never discovered.
const UnconfiguredIndex = -1

// SimsIndex stores the carrier menu positions discovered per SIM slot.
type SimsIndex struct {
	DailyBagSim1    int `json:"dailyBagSim1"`
	DailyBagSim2    int `json:"dailyBagSim2"`
	PackagesSim1    int `json:"packagesSim1"`
	PackagesSim2    int `json:"packagesSim2"`
	PackagesLteSim1 int `json:"packagesLteSim1"`
	PackagesLteSim2 int `json:"packagesLteSim2"`
}

// DefaultSimsIndex returns a table with every entry unconfigured.
func DefaultSimsIndex() SimsIndex {
	return SimsIndex{
		DailyBagSim1:    UnconfiguredIndex,
		DailyBagSim2:    UnconfiguredIndex,
		PackagesSim1:    UnconfiguredIndex,
		PackagesSim2:    UnconfiguredIndex,
		PackagesLteSim1: UnconfiguredIndex,
		PackagesLteSim2: UnconfiguredIndex,
	}
}

// IndexFor returns the menu index used to buy dataPackage from slot.
func (simsIndex SimsIndex) IndexFor(slot int, dataPackage DataPackage) int {
	if dataPackage.IsDailyBag() {
		return simsIndex.DailyBag(slot)
	}
	return simsIndex.Packages(slot, dataPackage.Network)
}

// DailyBag returns the daily bag index of slot.
func (simsIndex SimsIndex) DailyBag(slot int) int {
	switch slot {
	case 1:
		return simsIndex.DailyBagSim1
	case 2:
		return simsIndex.DailyBagSim2
	default:
		return UnconfiguredIndex
	}
}

// Packages returns the group index of network on slot.
func (simsIndex SimsIndex) Packages(slot int, network Network) int {
	switch {
	case slot == 1 && network == NetworkAll:
		return simsIndex.PackagesSim1
	case slot == 1 && network == Network4G:
		return simsIndex.PackagesLteSim1
	case slot == 2 && network == NetworkAll:
		return simsIndex.PackagesSim2
	case slot == 2 && network == Network4G:
		return simsIndex.PackagesLteSim2
	default:
		return UnconfiguredIndex
	}
}

// SetDailyBag records the daily bag index of slot.
func (simsIndex *SimsIndex) SetDailyBag(slot int, index int) {
	switch slot {
	case 1:
		simsIndex.DailyBagSim1 = index
	case 2:
		simsIndex.DailyBagSim2 = index
	}
}

// SetPackages records the group index of network on slot.
func (simsIndex *SimsIndex) SetPackages(slot int, network Network, index int) {
	switch {
	case slot == 1 && network == NetworkAll:
		simsIndex.PackagesSim1 = index
	case slot == 1 && network == Network4G:
		simsIndex.PackagesLteSim1 = index
	case slot == 2 && network == NetworkAll:
		simsIndex.PackagesSim2 = index
	case slot == 2 && network == Network4G:
		simsIndex.PackagesLteSim2 = index
	}
}

// ---------------------------------------------------------------------------
// Transports and southbound payloads
// ---------------------------------------------------------------------------

// Product is a data package offered by the MiCubacel web shop.
type Product struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Price         float64 `json:"price"`
	URL           string  `json:"url"`
	DataPackageID string  `json:"dataPackageId"`
}

// TrafficSample is one per-app byte counter delta reported by the handset.
type TrafficSample struct {
	UID       int       `json:"uid"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	RxBytes   int64     `json:"rxBytes"`
	TxBytes   int64     `json:"txBytes"`
}

// TrafficReport groups the samples of one polling round of a SIM. Network
// is optional and, when set, updates the SIM's active generation before
// the bytes are debited.
type TrafficReport struct {
	SimID   string            `json:"simId"`
	Network NetworkGeneration `json:"network,omitempty"`
	Samples []TrafficSample   `json:"samples"`
}

// InboundSms is a text message received by the handset.
type InboundSms struct {
	SimID      string    `json:"simId"`
	Sender     string    `json:"sender"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"receivedAt"`
}
