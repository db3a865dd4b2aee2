// Package sim exposes the SIM cards installed on the device and the default
// SIM per usage type.
package sim

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/logger"
	"github.com/smartsolutions/datwall/internal/model"
)

var (
	// ErrNoSim is returned when no SIM is installed or none matches.
	ErrNoSim = errors.New("no sim available")
	// ErrUnknownSim is returned for identifiers that are not installed.
	ErrUnknownSim = errors.New("unknown sim")
)

// Provider gives access to the installed SIMs.
type Provider interface {
	InstalledSims() []model.Sim
	Sim(simID string) (model.Sim, error)
	SimInSlot(slot int) (model.Sim, error)
	DefaultSim(simType model.SimType) (model.Sim, error)
	ActiveNetworkGeneration(simID string) (model.NetworkGeneration, error)
	SetActiveNetworkGeneration(simID string, generation model.NetworkGeneration) error
}

// StaticProvider serves a fixed SIM list, as configured. Only the active
// network generation changes at runtime, reported by the traffic probe.
type StaticProvider struct {
	mutex        sync.RWMutex
	simsByID     map[string]model.Sim
	order        []string
	defaultVoice string
	defaultData  string
}

// NewStaticProvider builds a provider. When a default is empty or unknown,
// the SIM in the lowest slot is used.
func NewStaticProvider(sims []model.Sim, defaultVoice string, defaultData string) (*StaticProvider, error) {
	provider := &StaticProvider{
		simsByID:     make(map[string]model.Sim, len(sims)),
		defaultVoice: defaultVoice,
		defaultData:  defaultData,
	}

	sorted := append([]model.Sim(nil), sims...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Slot < sorted[j].Slot })

	for _, item := range sorted {
		if item.ID == "" {
			return nil, errors.New("sim id must not be empty")
		}
		if _, duplicated := provider.simsByID[item.ID]; duplicated {
			return nil, errors.Errorf("sim %s configured twice", item.ID)
		}
		if item.Network == "" {
			item.Network = model.Generation4G
		}
		provider.simsByID[item.ID] = item
		provider.order = append(provider.order, item.ID)
	}

	if len(provider.order) > 0 {
		if _, ok := provider.simsByID[provider.defaultVoice]; !ok {
			provider.defaultVoice = provider.order[0]
		}
		if _, ok := provider.simsByID[provider.defaultData]; !ok {
			provider.defaultData = provider.order[0]
		}
	}

	logger.ContextLog.Infof("sims installed=%d defaultVoice=%s defaultData=%s",
		len(provider.order), provider.defaultVoice, provider.defaultData)
	return provider, nil
}

// InstalledSims returns the SIMs ordered by slot.
func (provider *StaticProvider) InstalledSims() []model.Sim {
	provider.mutex.RLock()
	defer provider.mutex.RUnlock()

	result := make([]model.Sim, 0, len(provider.order))
	for _, id := range provider.order {
		result = append(result, provider.simsByID[id])
	}
	return result
}

// Sim looks a SIM up by identifier.
func (provider *StaticProvider) Sim(simID string) (model.Sim, error) {
	provider.mutex.RLock()
	defer provider.mutex.RUnlock()

	item, ok := provider.simsByID[simID]
	if !ok {
		return model.Sim{}, errors.Wrapf(ErrUnknownSim, "id %q", simID)
	}
	return item, nil
}

// SimInSlot returns the SIM installed in slot.
func (provider *StaticProvider) SimInSlot(slot int) (model.Sim, error) {
	provider.mutex.RLock()
	defer provider.mutex.RUnlock()

	for _, id := range provider.order {
		if provider.simsByID[id].Slot == slot {
			return provider.simsByID[id], nil
		}
	}
	return model.Sim{}, errors.Wrapf(ErrNoSim, "slot %d", slot)
}

// DefaultSim returns the default SIM for simType.
func (provider *StaticProvider) DefaultSim(simType model.SimType) (model.Sim, error) {
	provider.mutex.RLock()
	defer provider.mutex.RUnlock()

	if len(provider.order) == 0 {
		return model.Sim{}, ErrNoSim
	}

	id := provider.defaultData
	if simType == model.SimTypeVoice {
		id = provider.defaultVoice
	}
	return provider.simsByID[id], nil
}

// ActiveNetworkGeneration returns the radio generation simID is attached to.
func (provider *StaticProvider) ActiveNetworkGeneration(simID string) (model.NetworkGeneration, error) {
	item, err := provider.Sim(simID)
	if err != nil {
		return "", err
	}
	return item.Network, nil
}

// SetActiveNetworkGeneration records the radio generation a SIM is attached to.
func (provider *StaticProvider) SetActiveNetworkGeneration(simID string, generation model.NetworkGeneration) error {
	if generation != model.Generation3G && generation != model.Generation4G {
		return errors.Errorf("unknown network generation %q", generation)
	}

	provider.mutex.Lock()
	defer provider.mutex.Unlock()

	item, ok := provider.simsByID[simID]
	if !ok {
		return errors.Wrapf(ErrUnknownSim, "id %q", simID)
	}
	if item.Network != generation {
		logger.ContextLog.Infof("sim %s network %s -> %s", simID, item.Network, generation)
	}
	item.Network = generation
	provider.simsByID[simID] = item
	return nil
}
