package config

import "fmt"

// ValidationIssue describes one problem found in a configuration.
type ValidationIssue struct {
	Field   string
	Message string
}

// ValidationResult aggregates configuration errors and warnings.
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether the configuration has no hard errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validate checks a configuration for misconfiguration. Port conflicts are
// hard errors; questionable-but-workable settings are warnings.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}
	node := cfg.GetNodeData()

	if node.StreamPort <= 0 || node.StreamPort > 65534 {
		result.Errors = append(result.Errors, ValidationIssue{
			Field:   "node_stream_port",
			Message: fmt.Sprintf("stream port %d out of range (the websocket listener needs port+1)", node.StreamPort),
		})
	}

	if node.APIPort == node.StreamPort || node.APIPort == node.MessagePort() {
		result.Errors = append(result.Errors, ValidationIssue{
			Field:   "node_api_port",
			Message: fmt.Sprintf("API port %d collides with a relay listener port", node.APIPort),
		})
	}

	if node.NodeIndex < 0 || node.NodeIndex > 255 {
		result.Errors = append(result.Errors, ValidationIssue{
			Field:   "node_index",
			Message: fmt.Sprintf("node index %d out of range 0-255", node.NodeIndex),
		})
	}

	if node.ParentAddress != "" && node.ParentPort <= 0 {
		result.Errors = append(result.Errors, ValidationIssue{
			Field:   "cluster_parent_port",
			Message: "cluster parent address set but parent port missing",
		})
	}

	if node.ParentAddress != "" && node.NodeIndex == 0 {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Field:   "node_index",
			Message: "child node uses index 0; session ids will overlap the parent's unless every node has a distinct index",
		})
	}

	app := cfg.GetApplicationData()
	if app.Mail.Enabled && app.Mail.WebhookURL == "" {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Field:   "mail.webhook_url",
			Message: "mail side channel enabled without a webhook URL; bug reports will be dropped",
		})
	}
	if app.MQTT.Enabled && app.MQTT.BrokerURL == "" {
		result.Warnings = append(result.Warnings, ValidationIssue{
			Field:   "mqtt.broker_url",
			Message: "MQTT enabled without a broker URL; telemetry disabled",
		})
	}

	return result
}
