package model

// FleetReport is the payload pushed to the report endpoint.
type FleetReport struct {
	ReportID     string             `json:"report_id"`
	NodeID       string             `json:"node_id"`
	NodeName     string             `json:"node_name"`
	Timestamp    int64              `json:"timestamp"`
	AgentVersion string             `json:"agent_version"`
	GPUs         []GPUStatus        `json:"gpus"`
	Stats        MonitoringStats    `json:"stats"`
	Trends       []PerformanceTrend `json:"trends,omitempty"`
	Anomalies    []Anomaly          `json:"anomalies,omitempty"`
	ErrorCodes   []string           `json:"error_codes,omitempty"`
	Cloud        *CloudInfo         `json:"cloud,omitempty"`
}

// CloudInfo identifies the cloud instance hosting the devices.
type CloudInfo struct {
	Provider     string `json:"provider"`
	AccountID    string `json:"account_id,omitempty"`
	Region       string `json:"region,omitempty"`
	Zone         string `json:"zone,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
}

// ReportResponse is returned by the report endpoint on success.
type ReportResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	NodeID     string     `json:"node_id"`
	ReceivedAt int64      `json:"received_at"`
	Directives Directives `json:"directives"`
}

// ReportErrorResponse is returned on rejection (4xx errors).
type ReportErrorResponse struct {
	Success           bool   `json:"success"`
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

// Directives tell the agent what to do next.
type Directives struct {
	NextReportInSeconds int  `json:"next_report_in_seconds"`
	RetryAfterSeconds   *int `json:"retry_after_seconds,omitempty"`
}
