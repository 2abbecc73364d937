package validation

import (
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/aggregate"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// BatchReport describes how complete a batch of reads is
type BatchReport struct {
	Markets  int `json:"markets"`
	Expected int `json:"expected"`
	Received int `json:"received"`
	Missing  int `json:"missing"`
	// Skipped counts scheduled calls that were never sent
	Skipped int `json:"skipped"`
	// MissingByProperty counts missing results per schedule property
	MissingByProperty map[string]int `json:"missingByProperty"`
}

// MissingRatio is the share of expected results that are missing
func (r BatchReport) MissingRatio() float64 {
	if r.Expected == 0 {
		return 0
	}
	return float64(r.Missing) / float64(r.Expected)
}

// Report counts the missing results of batch against the calls it was read
// for. Skipped calls are neither expected nor missing. Results short of the
// schedule count as missing; extra results are ignored.
func Report(calls []model.Call, batch []any) BatchReport {
	report := BatchReport{
		Markets:           len(calls) / aggregate.PropertyCount,
		Received:          len(batch),
		MissingByProperty: make(map[string]int),
	}

	for i, call := range calls {
		if call.Skip {
			report.Skipped++
			continue
		}
		report.Expected++
		if i < len(batch) && aggregate.Normalize(batch[i]).Kind != aggregate.KindMissing {
			continue
		}
		_, prop := aggregate.Locate(i)
		report.Missing++
		report.MissingByProperty[prop.String()]++
	}

	if report.Missing > 0 {
		logrus.WithFields(logrus.Fields{
			"markets":  report.Markets,
			"missing":  report.Missing,
			"expected": report.Expected,
		}).Debug("Batch has missing results")
	}
	return report
}
