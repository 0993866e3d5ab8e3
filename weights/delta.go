// Package weights implements the Weights / Priority Engine (C6): delta
// computation with reset detection, kurtosis-shaped scoring, threshold
// penalties, and score-weighted priority list derivation.
package weights

import (
	"sort"

	"github.com/mattdev071/subnet-42/types"
)

// GetDeltaNodeData computes one DeltaRecord per hotkey from its telemetry
// series. seriesByHotkey need not be sorted. A hotkey with records takes its
// uid from its latest record; knownUIDs supplies the uid for hotkeys with no
// records at all, which are emitted with all zeros so every chain-known uid
// is still scored.
func GetDeltaNodeData(seriesByHotkey map[types.Hotkey][]types.TelemetryRecord, knownUIDs map[types.Hotkey]types.UID) []types.DeltaRecord {
	seen := make(map[types.Hotkey]bool, len(seriesByHotkey))
	out := make([]types.DeltaRecord, 0, len(knownUIDs))

	for hotkey, records := range seriesByHotkey {
		seen[hotkey] = true
		uid := knownUIDs[hotkey]
		if len(records) > 0 {
			uid = records[len(records)-1].UID
		}
		if len(records) < 2 {
			out = append(out, zeroDelta(hotkey, uid))
			continue
		}
		out = append(out, deltaForSeries(hotkey, uid, records))
	}

	for hotkey, uid := range knownUIDs {
		if !seen[hotkey] {
			out = append(out, zeroDelta(hotkey, uid))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

func zeroDelta(hotkey types.Hotkey, uid types.UID) types.DeltaRecord {
	return types.DeltaRecord{Hotkey: hotkey, UID: uid}
}

// deltaForSeries implements the baseline walk: sort by timestamp, start the
// baseline at the first record, and reset it to the current record whenever
// twitter_returned_tweets decreases — absorbing a process restart that
// zeroed the counters.
func deltaForSeries(hotkey types.Hotkey, uid types.UID, records []types.TelemetryRecord) types.DeltaRecord {
	sorted := make([]types.TelemetryRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	baseline := sorted[0]
	for _, rec := range sorted[1:] {
		if rec.Counters.TwitterReturnedTweets < baseline.Counters.TwitterReturnedTweets {
			baseline = rec
		}
	}
	latest := sorted[len(sorted)-1]

	delta := latest.Counters.Sub(baseline.Counters)
	timeSpan := latest.Timestamp.Sub(baseline.Timestamp).Seconds()
	if timeSpan < 0 {
		timeSpan = 0
	}

	return types.DeltaRecord{
		Hotkey:          hotkey,
		UID:             uid,
		Counters:        delta,
		TimeSpanSeconds: timeSpan,
		TotalErrors:     delta.TwitterAuthErrors + delta.TwitterErrors + delta.TwitterRatelimitErrors,
	}
}
