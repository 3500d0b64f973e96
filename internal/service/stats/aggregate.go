// Package stats aggregates delivery log entries into read-only reports.
package stats

import (
	"math"
	"time"

	"github.com/jwalitptl/realtime-hub/internal/model"
)

const (
	deliveryWeight   = 0.7
	engagementWeight = 0.3
)

// Aggregate summarizes entries. It reads them only.
func Aggregate(entries []*model.DeliveryLogEntry, window model.StatsWindow) *model.DeliveryStats {
	st := &model.DeliveryStats{
		Window: window,
		ByStatus: map[model.DeliveryStatus]int{
			model.DeliveryPending:   0,
			model.DeliverySent:      0,
			model.DeliveryDelivered: 0,
			model.DeliveryFailed:    0,
			model.DeliveryBounced:   0,
		},
		Channels: make(map[model.DeliveryChannel]*model.ChannelStats),
	}

	var latency time.Duration
	var timed int
	for _, e := range entries {
		st.Total++
		st.ByStatus[e.Status]++

		cs, ok := st.Channels[e.Channel]
		if !ok {
			cs = &model.ChannelStats{}
			st.Channels[e.Channel] = cs
		}
		cs.Total++

		switch e.Status {
		case model.DeliveryPending:
			cs.Pending++
			st.Pending++
			if e.RetryCount > 0 {
				st.RetryScheduled++
			}
		case model.DeliverySent:
			cs.Sent++
		case model.DeliveryDelivered:
			cs.Delivered++
		case model.DeliveryFailed:
			cs.Failed++
			if e.Exhausted() {
				st.Exhausted++
			}
		case model.DeliveryBounced:
			cs.Bounced++
		}

		if e.SentAt != nil && !e.SentAt.Before(e.CreatedAt) {
			latency += e.SentAt.Sub(e.CreatedAt)
			timed++
		}
	}

	st.SuccessRate = rate(st.ByStatus[model.DeliverySent]+st.ByStatus[model.DeliveryDelivered], st.Total)
	for _, cs := range st.Channels {
		cs.SuccessRate = rate(cs.Sent+cs.Delivered, cs.Total)
	}
	if timed > 0 {
		st.AvgLatencyMs = round2(float64(latency) / float64(timed) / float64(time.Millisecond))
	}
	return st
}

// Effectiveness scores a notification 0-100 from its delivery rate and
// whether the recipient viewed it.
func Effectiveness(st *model.DeliveryStats, viewed bool) int {
	if st == nil {
		return 0
	}
	engagement := 0.0
	if viewed {
		engagement = 1
	}
	score := math.Round(100 * (deliveryWeight*st.SuccessRate/100 + engagementWeight*engagement))
	return int(math.Max(0, math.Min(100, score)))
}

// rate is a percentage; an empty set yields 0.
func rate(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return round2(100 * float64(n) / float64(total))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
