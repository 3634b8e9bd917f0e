package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the admin metrics endpoint.
type Summary struct {
	HTTP        httpSummary    `json:"http"`
	Webhooks    webhookSummary `json:"webhooks"`
	Access      accessSummary  `json:"access"`
	Invitations invitationInfo `json:"invitations"`
	RateLimit   rateLimitInfo  `json:"rateLimit"`
	DB          dbInfo         `json:"db"`
	Server      serverInfo     `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type webhookSummary struct {
	Applied    float64 `json:"applied"`
	Skipped    float64 `json:"skipped"`
	Ignored    float64 `json:"ignored"`
	Failed     float64 `json:"failed"`
	Rejected   float64 `json:"rejected"`
	P95Latency float64 `json:"p95Latency"`
}

type accessSummary struct {
	Organization float64 `json:"organization"`
	Individual   float64 `json:"individual"`
	Denied       float64 `json:"denied"`
}

type invitationInfo struct {
	Sent     float64 `json:"sent"`
	Failed   float64 `json:"failed"`
	Accepted float64 `json:"accepted"`
	Revoked  float64 `json:"revoked"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.handleLive(w)
	}
}

func (m *Metrics) handleLive(w http.ResponseWriter) {
	summary, err := m.Summarize()
	if err != nil {
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	_ = json.NewEncoder(w).Encode(summary)
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	requests := fam["cohort_http_requests_total"]
	latency := fam["cohort_http_request_duration_seconds"]
	webhooks := fam["cohort_webhook_events_total"]
	invites := fam["cohort_invitations_total"]
	access := fam["cohort_access_decisions_total"]
	started := gaugeValue(fam["cohort_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(requests),
			ErrorRate:     computeErrorRate(requests),
			P50Latency:    histogramPercentile(latency, 0.50),
			P95Latency:    histogramPercentile(latency, 0.95),
			P99Latency:    histogramPercentile(latency, 0.99),
		},
		Webhooks: webhookSummary{
			Applied:    sumCounterWithLabel(webhooks, "outcome", "applied"),
			Skipped:    sumCounterWithLabel(webhooks, "outcome", "skipped"),
			Ignored:    sumCounterWithLabel(webhooks, "outcome", "ignored"),
			Failed:     sumCounterWithLabel(webhooks, "outcome", "error"),
			Rejected:   sumCounterWithLabel(webhooks, "outcome", "rejected"),
			P95Latency: histogramPercentile(fam["cohort_webhook_duration_seconds"], 0.95),
		},
		Access: accessSummary{
			Organization: sumCounterWithLabel(access, "access_type", "organization"),
			Individual:   sumCounterWithLabel(access, "access_type", "individual"),
			Denied:       sumCounterWithLabel(access, "access_type", "none"),
		},
		Invitations: invitationInfo{
			Sent:     countInvitations(invites, "issue", "sent"),
			Failed:   countInvitations(invites, "issue", "failed"),
			Accepted: countInvitations(invites, "accept", "accepted"),
			Revoked:  countInvitations(invites, "revoke", "revoked"),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["cohort_ratelimit_rejections_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["cohort_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["cohort_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["cohort_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     started,
			UptimeSeconds: float64(time.Now().Unix()) - started,
		},
	}, nil
}

func countInvitations(f *dto.MetricFamily, operation, outcome string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, "operation", operation) && hasLabel(m, "outcome", outcome) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
