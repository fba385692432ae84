// Helios is a resource governance service for autonomous agent fleets.
//
// It meters agent resource consumption (tokens, cost, calls), enforces
// budgets with calendar-aligned resets, rate-limits agents with burst
// allowances, flags statistical usage anomalies against per-agent
// baselines, and resolves hierarchical governance policies into
// effective per-agent configuration.
//
// Usage:
//
//	# Start the server with default configuration
//	helios run
//
//	# Start with a custom configuration file
//	helios run --config /etc/helios/helios.yaml
//
//	# Show version information
//	helios version
//
//	# Lint policy files
//	helios policy lint --dir policies/
//
//	# Preview a policy sync without applying it
//	helios policy sync --dry-run
//
//	# Scan recent usage for anomalies
//	helios anomaly scan --window 1h
//
//	# Show budget state for an agent
//	helios budget status --agent agent-1
//
// For complete documentation, see: https://github.com/helioshq/helios
package main

func main() {
	Execute()
}
