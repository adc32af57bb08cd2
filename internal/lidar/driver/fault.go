package driver

import (
	"fmt"
	"time"
)

// Severity grades a fault. Only SeverityInfo leaves the connection intact.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Code identifies a fault kind.
type Code int

const (
	CodePCAPRepeat Code = iota + 1
	CodePCAPEOF
	CodeMSOPTimeout
	CodeWrongPacket
	CodeSourceRead
	CodeSourceOpen
)

var codeInfo = map[Code]struct {
	name     string
	severity Severity
}{
	CodePCAPRepeat:  {"pcap repeat", SeverityInfo},
	CodePCAPEOF:     {"pcap eof", SeverityInfo},
	CodeMSOPTimeout: {"msop timeout", SeverityWarning},
	CodeWrongPacket: {"wrong packet", SeverityWarning},
	CodeSourceRead:  {"source read", SeverityError},
	CodeSourceOpen:  {"source open", SeverityError},
}

func (c Code) String() string {
	if info, ok := codeInfo[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Fault is an asynchronous condition reported by a driver. It implements
// error so it can be stored in an error register.
type Fault struct {
	Code     Code
	Severity Severity
	Detail   string
	Time     time.Time
}

// NewFault returns a fault with the code's default severity.
func NewFault(code Code, detail string, at time.Time) Fault {
	sev := SeverityError
	if info, ok := codeInfo[code]; ok {
		sev = info.severity
	}
	return Fault{Code: code, Severity: sev, Detail: detail, Time: at}
}

// Informational reports whether the fault leaves the connection usable.
func (f Fault) Informational() bool {
	return f.Severity == SeverityInfo
}

func (f Fault) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("lidar %s: %s", f.Severity, f.Code)
	}
	return fmt.Sprintf("lidar %s: %s: %s", f.Severity, f.Code, f.Detail)
}
