package h2core

import "strings"

// forbiddenInbound lists headers that must never appear in an inbound block,
// regardless of direction. "host" is handled separately because it is
// legitimate as a synthesized legacy header on IncomingRequest but forbidden
// on OutgoingMessage.SetHeader (superseded by :authority).
var forbiddenInbound = map[string]bool{
	"connection":       true,
	"keep-alive":       true,
	"proxy-connection": true,
	"te":               true,
	"transfer-encoding": true,
	"upgrade":          true,
}

// forbiddenOutbound is forbiddenInbound plus "host", matching the asymmetry
// called out in the data model invariants: callers may never set an outbound
// Host header (it is superseded by :authority), but IncomingRequest is
// allowed — indeed required — to synthesize one inbound for legacy API
// compatibility.
var forbiddenOutbound = func() map[string]bool {
	m := make(map[string]bool, len(forbiddenInbound)+1)
	for k := range forbiddenInbound {
		m[k] = true
	}
	m["host"] = true
	return m
}()

// ValidateInbound applies the HeaderValidator contract (§4.1) to one header
// block: forbidden names, minimum length, and no uppercase ASCII letters.
// It returns nil if the block is acceptable, or a *ProtocolError describing
// the first violation found — the caller is expected to reset the stream
// with PROTOCOL_ERROR and abandon the message.
func ValidateInbound(fields []HeaderField) error {
	for _, f := range fields {
		name := f.Name
		if name == "" || len(name) < 2 {
			return protocolErrorf("header name %q shorter than 2 characters", name)
		}
		if strings.HasPrefix(name, ":") {
			continue // pseudo-headers are validated by message constructors, not here
		}
		if forbiddenInbound[name] {
			return protocolErrorf("forbidden header %q present", name)
		}
		if hasUpper(name) {
			return protocolErrorf("header name %q contains an uppercase letter", name)
		}
	}
	return nil
}

func hasUpper(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			return true
		}
	}
	return false
}

// checkOutboundHeaderName rejects a name the caller may never set via
// OutgoingMessage.SetHeader: the inbound forbidden set plus "host".
// RemoveHeader does not apply this check.
func checkOutboundHeaderName(name string) error {
	if len(name) < 2 {
		return usageErrorf("SetHeader", "header name %q shorter than 2 characters", name)
	}
	if strings.HasPrefix(name, ":") {
		return usageErrorf("SetHeader", "pseudo-header %q may not be set directly", name)
	}
	if forbiddenOutbound[strings.ToLower(name)] {
		return usageErrorf("SetHeader", "forbidden header %q", name)
	}
	return nil
}
