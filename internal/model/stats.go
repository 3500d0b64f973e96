package model

import "time"

// StatsWindow bounds a stats query by entry creation time. A zero To means now.
type StatsWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type ChannelStats struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Sent        int     `json:"sent"`
	Delivered   int     `json:"delivered"`
	Failed      int     `json:"failed"`
	Bounced     int     `json:"bounced"`
	SuccessRate float64 `json:"success_rate"`
}

type DeliveryStats struct {
	Window         StatsWindow                       `json:"window"`
	Total          int                               `json:"total"`
	ByStatus       map[DeliveryStatus]int            `json:"by_status"`
	Pending        int                               `json:"pending"`
	RetryScheduled int                               `json:"retry_scheduled"`
	Exhausted      int                               `json:"exhausted"`
	SuccessRate    float64                           `json:"success_rate"`
	AvgLatencyMs   float64                           `json:"avg_latency_ms"`
	Channels       map[DeliveryChannel]*ChannelStats `json:"channels"`
}
