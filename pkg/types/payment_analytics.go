package types

import "database/sql/driver"

// PaymentAnalytics carries free-form diagnostics captured around a payment.
type PaymentAnalytics struct {
	DeviceInfo          string `json:"device_info,omitempty"`
	ClientIP            string `json:"client_ip,omitempty"`
	UserAgent           string `json:"user_agent,omitempty"`
	ProcessingLatencyMS int64  `json:"processing_latency_ms,omitempty"`
}

func (p PaymentAnalytics) Value() (driver.Value, error) {
	return jsonValue(p)
}

func (p *PaymentAnalytics) Scan(value any) error {
	return jsonScan(value, p, "payment analytics")
}
