// Package receivepack implements the git-receive-pack wire protocol
// (spec.md §4.8): advertisement, capability negotiation, command/push-
// option parsing, quarantine-backed unpack, per-command validation,
// atomic apply with rollback, and report-status(v2).
package receivepack

import "strings"

// Capability names recognized during negotiation (spec §6).
const (
	CapReportStatus   = "report-status"
	CapReportStatusV2 = "report-status-v2"
	CapDeleteRefs     = "delete-refs"
	CapAtomic         = "atomic"
	CapPushOptions    = "push-options"
	CapSideBand64k    = "side-band-64k"
)

const AgentCapabilityPrefix = "agent="

// AdvertisedCapabilities is what Phase 1 declares, per spec §4.8.
func AdvertisedCapabilities(agent string) []string {
	return []string{
		CapReportStatus,
		CapReportStatusV2,
		CapDeleteRefs,
		CapAtomic,
		CapPushOptions,
		CapSideBand64k,
		AgentCapabilityPrefix + agent,
	}
}

// Capabilities is the negotiated set parsed from the first command's
// NUL-separated capability list.
type Capabilities map[string]bool

func ParseCapabilities(raw string) Capabilities {
	caps := make(Capabilities)
	for _, c := range strings.Fields(raw) {
		caps[c] = true
	}
	return caps
}

func (c Capabilities) Has(name string) bool { return c[name] }

func (c Capabilities) ReportStatusV2() bool { return c[CapReportStatusV2] }
func (c Capabilities) ReportStatus() bool   { return c[CapReportStatus] || c[CapReportStatusV2] }
func (c Capabilities) Atomic() bool         { return c[CapAtomic] }
func (c Capabilities) DeleteRefs() bool     { return c[CapDeleteRefs] }
func (c Capabilities) PushOptions() bool    { return c[CapPushOptions] }
func (c Capabilities) SideBand64k() bool    { return c[CapSideBand64k] }
