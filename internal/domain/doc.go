// Package domain models environmental and event signals and the anomalies
// derived from them.
//
// # Signals
//
// A [Signal] is one normalized observation from one external source. Sources
// return kind-specific payloads (weather, seismic, news, traffic, air quality,
// disaster feeds) which are converted into a common [Reading] by [Normalize]
// at the connector boundary. Downstream code never probes raw payload shapes.
//
// Every reading carries an intensity in [0,1]:
//
//	Weather:     max(wind m/s / 40, precipitation mm / 100), 0.75 floor when alerts are active
//	Seismic:     (magnitude - 2.5) / 5, so M5.0 = 0.5 and M7.5 = 1.0
//	News:        0.25 per article mentioning a hazard keyword
//	Traffic:     max(congestion ratio, incidents / 20)
//	Air quality: AQI / 300
//	Disaster:    alert level green = 0.3, orange = 0.6, red = 0.9
//
// # Consensus and severity
//
// Agent outputs are combined by [ComputeConsensus]: the mean confidence of
// agents that succeeded. Failed agents stay in the result for observability
// but do not count. Severity is derived from consensus through the [Policy]
// threshold ladder, which is the single place the thresholds live:
//
//	< 0.50 low | < 0.70 medium | < 0.85 high | >= 0.85 critical
//
// Severity has one canonical encoding, the lowercase [Severity] constants.
// Capitalized values arriving from feeds are converted by [ParseSeverity];
// anything else is rejected rather than guessed.
//
// # Anomalies
//
// An [Anomaly] is the persisted record. It is never deleted and every mutation
// appends an [AuditLogEntry] holding the previous and current [AnomalyState].
// Reading a ledger in order satisfies entry[i].CurrentState == entry[i+1].PreviousState.
//
// Feed items are deduplicated by "source:eventId" (see [FeedItem.DedupKey]).
// A repeated key is skipped, never upserted.
package domain
