// Package catalog holds the static table of data packages sold by the
// carrier. Every entry carries the SMS recognition key used to detect a
// completed purchase; keys are scanned in table order.
package catalog

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartsolutions/datwall/internal/model"
)

// Version is bumped whenever the table below changes, so that persisted
// catalogs can be refreshed on start.
const Version = 1

// PromoBonusKey identifies the SMS sent after a promotional recharge.
const PromoBonusKey = "Su cuenta ha sido recargada en promocion"

// Fixed identity of the promotional bonus pseudo-package.
const (
	promoBonusName  = "Bono Promocional"
	promoBonusPrice = 0
)

// packageNamespace scopes the name-based package identifiers.
var packageNamespace = uuid.MustParse("6f1d3c1e-7a55-4c1b-9a5e-2f0b8d9c4e21")

type entry struct {
	recognitionKey   string
	name             string
	description      string
	price            float64
	bytesAllNetworks int64
	bytesLteOnly     int64
	bonusBytes       int64
	network          model.Network
	index            int
	validityDays     int
}

var table = []entry{
	{
		recognitionKey: "bolsa Diaria de 200MB",
		name:           "Bolsa Diaria",
		description:    "200MB to use within 24 hours from first use. LTE only.",
		price:          25,
		bytesLteOnly:   200 * model.MB,
		network:        model.Network4G,
		index:          model.UnconfiguredIndex,
		validityDays:   model.DailyValidityDays,
	},
	{
		recognitionKey:   "600MB +800MB LTE",
		name:             "Combinado básico",
		description:      "600MB for all networks plus 800MB LTE only. 30 days from first use.",
		price:            125,
		bytesAllNetworks: 600 * model.MB,
		bytesLteOnly:     800 * model.MB,
		bonusBytes:       300 * model.MB,
		network:          model.NetworkAll,
		index:            1,
		validityDays:     30,
	},
	{
		recognitionKey:   "1.5GB +2GB LTE",
		name:             "Combinado medio",
		description:      "1.5GB for all networks plus 2GB LTE only. 30 days from first use.",
		price:            250,
		bytesAllNetworks: 1536 * model.MB,
		bytesLteOnly:     2 * model.GB,
		bonusBytes:       300 * model.MB,
		network:          model.NetworkAll,
		index:            2,
		validityDays:     30,
	},
	{
		recognitionKey:   "3.5GB +4.5GB LTE",
		name:             "Combinado extra",
		description:      "3.5GB for all networks plus 4.5GB LTE only. 30 days from first use.",
		price:            500,
		bytesAllNetworks: 3584 * model.MB,
		bytesLteOnly:     4608 * model.MB,
		bonusBytes:       300 * model.MB,
		network:          model.NetworkAll,
		index:            3,
		validityDays:     30,
	},
	{
		recognitionKey: "1GB solo LTE",
		name:           "Paquete 1 GB LTE",
		description:    "1GB LTE only. 30 days from first use.",
		price:          100,
		bytesLteOnly:   1 * model.GB,
		bonusBytes:     300 * model.MB,
		network:        model.Network4G,
		index:          1,
		validityDays:   30,
	},
	{
		recognitionKey: "2.5GB solo LTE",
		name:           "Paquete 2.5 GB LTE",
		description:    "2.5GB LTE only. 30 days from first use.",
		price:          200,
		bytesLteOnly:   2560 * model.MB,
		bonusBytes:     300 * model.MB,
		network:        model.Network4G,
		index:          2,
		validityDays:   30,
	},
	{
		recognitionKey:   "12GB LTE",
		name:             "Paquete 16 GB",
		description:      "4GB for all networks plus 12GB LTE only. 30 days from first use.",
		price:            100,
		bytesAllNetworks: 4 * model.GB,
		bytesLteOnly:     12 * model.GB,
		bonusBytes:       300 * model.MB,
		network:          model.Network4G,
		index:            3,
		validityDays:     30,
	},
}

var (
	packages    []model.DataPackage
	packageByID map[string]int
)

// DailyBagID is the identifier of the daily bag entry.
var DailyBagID = PackageID("Bolsa Diaria", 25)

func init() {
	built, buildError := build(table)
	if buildError != nil {
		panic(buildError)
	}
	packages = built
	packageByID = make(map[string]int, len(built))
	for i, dataPackage := range built {
		packageByID[dataPackage.ID] = i
	}
}

// PackageID derives the stable identifier of a package from its name and
// price, so that description or quota edits keep the identifier.
func PackageID(name string, price float64) string {
	seed := fmt.Sprintf("%s|%.2f", strings.TrimSpace(name), price)
	return uuid.NewSHA1(packageNamespace, []byte(seed)).String()
}

// Packages returns a copy of the catalog in recognition order. Active flags
// are all false.
func Packages() []model.DataPackage {
	result := make([]model.DataPackage, len(packages))
	copy(result, packages)
	return result
}

// Find looks a package up by identifier.
func Find(id string) (model.DataPackage, bool) {
	index, ok := packageByID[id]
	if !ok {
		return model.DataPackage{}, false
	}
	return packages[index], true
}

// PromoBonus returns the pseudo-package credited by a promotional recharge.
func PromoBonus(bonusBytes int64) model.DataPackage {
	return model.DataPackage{
		ID:             PackageID(promoBonusName, promoBonusPrice),
		Name:           promoBonusName,
		Price:          promoBonusPrice,
		BonusBytes:     bonusBytes,
		Network:        model.NetworkAll,
		Index:          model.UnconfiguredIndex,
		ValidityDays:   30,
		RecognitionKey: PromoBonusKey,
	}
}

func build(entries []entry) ([]model.DataPackage, error) {
	result := make([]model.DataPackage, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for i, item := range entries {
		if item.bytesAllNetworks < 0 || item.bytesLteOnly < 0 || item.bonusBytes < 0 {
			return nil, errors.Errorf("catalog entry %q has a negative quota", item.name)
		}
		if strings.TrimSpace(item.recognitionKey) == "" {
			return nil, errors.Errorf("catalog entry %q has no recognition key", item.name)
		}
		for j := 0; j < i; j++ {
			if strings.Contains(item.recognitionKey, entries[j].recognitionKey) ||
				strings.Contains(entries[j].recognitionKey, item.recognitionKey) {
				return nil, errors.Errorf("recognition keys of %q and %q overlap", entries[j].name, item.name)
			}
		}

		id := PackageID(item.name, item.price)
		if _, duplicated := seen[id]; duplicated {
			return nil, errors.Errorf("catalog entry %q duplicates an identifier", item.name)
		}
		seen[id] = struct{}{}

		result = append(result, model.DataPackage{
			ID:               id,
			Name:             item.name,
			Description:      item.description,
			Price:            item.price,
			BytesAllNetworks: item.bytesAllNetworks,
			BytesLteOnly:     item.bytesLteOnly,
			BonusBytes:       item.bonusBytes,
			Network:          item.network,
			Index:            item.index,
			ValidityDays:     item.validityDays,
			RecognitionKey:   item.recognitionKey,
		})
	}
	return result, nil
}
