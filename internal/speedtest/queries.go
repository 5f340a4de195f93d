package speedtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// MachineRollup is one machine's contribution to a fleet_summary response.
type MachineRollup struct {
	MachineID    string    `db:"machine_id" json:"machine_id"`
	Count        int       `db:"count" json:"count"`
	AvgDownload  float64   `db:"avg_download" json:"avg_download_mbps"`
	LastTs       time.Time `db:"last_ts" json:"last_ts"`
}

// FleetSummary is the aggregate view over every machine's results in window.
type FleetSummary struct {
	Count        int             `json:"count"`
	MachineCount int             `json:"machine_count"`
	AvgDownload  float64         `json:"avg_download_mbps"`
	MinDownload  float64         `json:"min_download_mbps"`
	MaxDownload  float64         `json:"max_download_mbps"`
	AvgUpload    float64         `json:"avg_upload_mbps"`
	MinUpload    float64         `json:"min_upload_mbps"`
	MaxUpload    float64         `json:"max_upload_mbps"`
	AvgPing      float64         `json:"avg_ping_ms"`
	MinPing      float64         `json:"min_ping_ms"`
	MaxPing      float64         `json:"max_ping_ms"`
	PerMachine   []MachineRollup `json:"per_machine"`
}

// FleetSummary computes fleet-wide and per-machine rollups over the last
// window hours.
func (s *Store) FleetSummary(ctx context.Context, window time.Duration) (FleetSummary, error) {
	since := time.Now().UTC().Add(-window)

	var out FleetSummary
	row := s.db.QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(DISTINCT machine_id),
			COALESCE(AVG(download_mbps), 0), COALESCE(MIN(download_mbps), 0), COALESCE(MAX(download_mbps), 0),
			COALESCE(AVG(upload_mbps), 0), COALESCE(MIN(upload_mbps), 0), COALESCE(MAX(upload_mbps), 0),
			COALESCE(AVG(ping_ms), 0), COALESCE(MIN(ping_ms), 0), COALESCE(MAX(ping_ms), 0)
		FROM speedtest_results WHERE ts >= $1
	`, since)
	if err := row.Scan(
		&out.Count, &out.MachineCount,
		&out.AvgDownload, &out.MinDownload, &out.MaxDownload,
		&out.AvgUpload, &out.MinUpload, &out.MaxUpload,
		&out.AvgPing, &out.MinPing, &out.MaxPing,
	); err != nil {
		return FleetSummary{}, fmt.Errorf("speedtest: fleet summary: %w", err)
	}

	var perMachine []MachineRollup
	if err := s.db.SelectContext(ctx, &perMachine, `
		SELECT machine_id, COUNT(*) AS count, COALESCE(AVG(download_mbps), 0) AS avg_download, MAX(ts) AS last_ts
		FROM speedtest_results WHERE ts >= $1
		GROUP BY machine_id
		ORDER BY machine_id
	`, since); err != nil {
		return FleetSummary{}, fmt.Errorf("speedtest: per-machine rollup: %w", err)
	}
	out.PerMachine = perMachine
	return out, nil
}

// MetricStats holds avg/median/min/max/stdev for one measured metric.
type MetricStats struct {
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Stdev  float64 `json:"stdev"`
}

// MachineStats is the detailed per-machine view for machine_stats.
type MachineStats struct {
	Count      int           `json:"count"`
	Download   MetricStats   `json:"download"`
	Upload     MetricStats   `json:"upload"`
	Ping       MetricStats   `json:"ping"`
	TimeSeries []Result      `json:"time_series"`
}

// MachineStats computes per-metric statistics and the raw time series for
// one machine over the last window hours.
func (s *Store) MachineStats(ctx context.Context, machineID string, window time.Duration) (MachineStats, error) {
	results, err := s.fetchResults(ctx, machineID, window, 0)
	if err != nil {
		return MachineStats{}, err
	}
	if len(results) == 0 {
		return MachineStats{TimeSeries: []Result{}}, nil
	}

	download := make([]float64, len(results))
	upload := make([]float64, len(results))
	ping := make([]float64, len(results))
	for i, r := range results {
		download[i] = r.DownloadMbps
		upload[i] = r.UploadMbps
		ping[i] = r.PingMs
	}

	return MachineStats{
		Count:      len(results),
		Download:   computeStats(download),
		Upload:     computeStats(upload),
		Ping:       computeStats(ping),
		TimeSeries: results,
	}, nil
}

// Comparison is one machine's standing against the fleet average for window.
type Comparison struct {
	MachineID    string  `json:"machine_id"`
	AvgDownload  float64 `json:"avg_download_mbps"`
	AvgUpload    float64 `json:"avg_upload_mbps"`
	AvgPing      float64 `json:"avg_ping_ms"`
	Variability  float64 `json:"variability"`
	VsFleetPct   float64 `json:"vs_fleet_pct"`
}

// Comparison ranks every machine reporting in window against the fleet-wide
// average download speed.
func (s *Store) Comparison(ctx context.Context, window time.Duration) ([]Comparison, error) {
	since := time.Now().UTC().Add(-window)

	var rows []struct {
		MachineID   string  `db:"machine_id"`
		AvgDownload float64 `db:"avg_download"`
		AvgUpload   float64 `db:"avg_upload"`
		AvgPing     float64 `db:"avg_ping"`
		StdDownload float64 `db:"std_download"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT
			machine_id,
			COALESCE(AVG(download_mbps), 0) AS avg_download,
			COALESCE(AVG(upload_mbps), 0) AS avg_upload,
			COALESCE(AVG(ping_ms), 0) AS avg_ping,
			COALESCE(STDDEV_POP(download_mbps), 0) AS std_download
		FROM speedtest_results WHERE ts >= $1
		GROUP BY machine_id
		ORDER BY machine_id
	`, since); err != nil {
		return nil, fmt.Errorf("speedtest: comparison: %w", err)
	}
	if len(rows) == 0 {
		return []Comparison{}, nil
	}

	var fleetAvg float64
	for _, row := range rows {
		fleetAvg += row.AvgDownload
	}
	fleetAvg /= float64(len(rows))

	out := make([]Comparison, 0, len(rows))
	for _, row := range rows {
		vsFleet := 0.0
		if fleetAvg != 0 {
			vsFleet = (row.AvgDownload - fleetAvg) / fleetAvg * 100
		}
		out = append(out, Comparison{
			MachineID:   row.MachineID,
			AvgDownload: row.AvgDownload,
			AvgUpload:   row.AvgUpload,
			AvgPing:     row.AvgPing,
			Variability: row.StdDownload,
			VsFleetPct:  vsFleet,
		})
	}
	return out, nil
}

// DefaultAnomalyThreshold is the default standard-deviation multiplier
// beyond which a result counts as anomalous.
const DefaultAnomalyThreshold = 2.0

// Anomalies returns results for machineID, over window, that fall outside
// mean ± threshold·stdev on download, upload, or ping. Deterministic given
// the same result set and threshold.
func (s *Store) Anomalies(ctx context.Context, machineID string, window time.Duration, threshold float64) ([]Result, error) {
	if threshold <= 0 {
		threshold = DefaultAnomalyThreshold
	}
	results, err := s.fetchResults(ctx, machineID, window, 0)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return []Result{}, nil
	}

	download := make([]float64, len(results))
	upload := make([]float64, len(results))
	ping := make([]float64, len(results))
	for i, r := range results {
		download[i] = r.DownloadMbps
		upload[i] = r.UploadMbps
		ping[i] = r.PingMs
	}

	var anomalies []Result
	for i, r := range results {
		if outsideBand(r.DownloadMbps, download, i, threshold) ||
			outsideBand(r.UploadMbps, upload, i, threshold) ||
			outsideBand(r.PingMs, ping, i, threshold) {
			anomalies = append(anomalies, r)
		}
	}
	if anomalies == nil {
		anomalies = []Result{}
	}
	return anomalies, nil
}

// outsideBand reports whether values[at] falls outside mean ± threshold·stdev
// of the *other* values in the set. Folding the candidate into its own
// reference band lets one extreme outlier drag the mean and stdev toward
// itself, masking the very deviation threshold is meant to catch; comparing
// against the rest of the set keeps the band a property of normal samples.
func outsideBand(v float64, values []float64, at int, threshold float64) bool {
	others := make([]float64, 0, len(values)-1)
	for i, x := range values {
		if i != at {
			others = append(others, x)
		}
	}
	stats := computeStats(others)
	if stats.Stdev == 0 {
		return false
	}
	return math.Abs(v-stats.Avg) > threshold*stats.Stdev
}

// Recent returns up to limit results, newest first, optionally filtered to
// one machine, over the last window hours.
func (s *Store) Recent(ctx context.Context, machineID string, window time.Duration, limit int) ([]Result, error) {
	return s.fetchResults(ctx, machineID, window, limit)
}

func (s *Store) fetchResults(ctx context.Context, machineID string, window time.Duration, limit int) ([]Result, error) {
	since := time.Now().UTC().Add(-window)
	var results []Result
	var err error
	switch {
	case machineID != "" && limit > 0:
		err = s.db.SelectContext(ctx, &results, `
			SELECT machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp
			FROM speedtest_results WHERE machine_id = $1 AND ts >= $2
			ORDER BY ts DESC LIMIT $3
		`, machineID, since, limit)
	case machineID != "":
		err = s.db.SelectContext(ctx, &results, `
			SELECT machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp
			FROM speedtest_results WHERE machine_id = $1 AND ts >= $2
			ORDER BY ts DESC
		`, machineID, since)
	case limit > 0:
		err = s.db.SelectContext(ctx, &results, `
			SELECT machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp
			FROM speedtest_results WHERE ts >= $1
			ORDER BY ts DESC LIMIT $2
		`, since, limit)
	default:
		err = s.db.SelectContext(ctx, &results, `
			SELECT machine_id, ts, download_mbps, upload_mbps, ping_ms, jitter_ms, server_name, isp
			FROM speedtest_results WHERE ts >= $1
			ORDER BY ts DESC
		`, since)
	}
	if err != nil {
		return nil, fmt.Errorf("speedtest: fetch results: %w", err)
	}
	for i := range results {
		results[i].Ts = results[i].Ts.UTC()
	}
	if results == nil {
		results = []Result{}
	}
	return results, nil
}

// Cleanup deletes results older than retention and reports the rows removed.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx, `DELETE FROM speedtest_results WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("speedtest: cleanup: %w", err)
	}
	return res.RowsAffected()
}

func computeStats(values []float64) MetricStats {
	if len(values) == 0 {
		return MetricStats{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	avg := sum / float64(len(sorted))

	var sqDiffSum float64
	for _, v := range sorted {
		d := v - avg
		sqDiffSum += d * d
	}
	stdev := math.Sqrt(sqDiffSum / float64(len(sorted)))

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	return MetricStats{
		Avg:    avg,
		Median: median,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Stdev:  stdev,
	}
}
