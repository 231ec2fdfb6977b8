package receivepack

import (
	"bytes"
	"fmt"

	"github.com/kptdev/gitd/pkg/pktline"
)

// UnpackStatus is Phase 3's outcome, reported as the report's first line.
type UnpackStatus struct {
	OK      bool
	Message string // ignored when OK
}

// ReportOption is a v2-only leading "option {k} {v}" line; ignored under
// report-status v1.
type ReportOption struct {
	Key   string
	Value string
}

// FormatReport implements spec §4.8 Phase 6 / §6's report-status wire
// format, v1 or v2 depending on caps.
func FormatReport(unpack UnpackStatus, outcomes []CommandOutcome, caps Capabilities, options ...ReportOption) ([]byte, error) {
	var buf bytes.Buffer

	if caps.ReportStatusV2() {
		for _, opt := range options {
			if err := writeReportLine(&buf, fmt.Sprintf("option %s %s\n", opt.Key, opt.Value)); err != nil {
				return nil, err
			}
		}
	}

	if unpack.OK {
		if err := writeReportLine(&buf, "unpack ok\n"); err != nil {
			return nil, err
		}
	} else {
		if err := writeReportLine(&buf, fmt.Sprintf("unpack error: %s\n", unpack.Message)); err != nil {
			return nil, err
		}
	}

	for _, o := range outcomes {
		var line string
		switch {
		case o.OK && caps.ReportStatusV2() && o.Forced:
			line = fmt.Sprintf("ok %s forced\n", o.Command.Ref)
		case o.OK:
			line = fmt.Sprintf("ok %s\n", o.Command.Ref)
		default:
			line = fmt.Sprintf("ng %s %s\n", o.Command.Ref, o.Reason)
		}
		if err := writeReportLine(&buf, line); err != nil {
			return nil, err
		}
	}

	buf.Write(pktline.Flush())
	return buf.Bytes(), nil
}

func writeReportLine(buf *bytes.Buffer, line string) error {
	encoded, err := pktline.Encode([]byte(line))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

// WrapSideBand frames report as side-band channel 1 data when
// side-band-64k was negotiated; otherwise returns report unchanged.
func WrapSideBand(report []byte, caps Capabilities) ([]byte, error) {
	if !caps.SideBand64k() {
		return report, nil
	}
	packets, err := pktline.EncodeSideBand(pktline.ChannelData, report)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, p := range packets {
		buf.Write(p)
	}
	buf.Write(pktline.Flush())
	return buf.Bytes(), nil
}
