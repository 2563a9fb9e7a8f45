// Package notify implements the Event Publisher: it synthesizes notification
// XML payloads from a tagged-variant event description, routes them to every
// stream whose Allow-Rule Store admits the event name, appends them under
// lock, and broadcasts them on the Live Event Bus.
package notify

import (
	"fmt"
	"strings"
	"time"
)

// Origin describes who or what caused a configuration-change or
// capability-change event.
type Origin struct {
	// Server, when true, renders the change-by element as <server/>.
	// Otherwise the User fields below are rendered.
	Server     bool
	Username   string
	SessionID  string
	SourceHost string
}

func (o Origin) render() string {
	if o.Server {
		return "<server/>"
	}
	return fmt.Sprintf(
		"<username>%s</username><session-id>%s</session-id><source-host>%s</source-host>",
		escapeText(o.Username), escapeText(o.SessionID), escapeText(o.SourceHost),
	)
}

// TerminationReason enumerates the ietf-netconf-notifications termination
// reasons a session-end event may report.
type TerminationReason string

const (
	TerminationClosed  TerminationReason = "closed"
	TerminationKilled  TerminationReason = "killed"
	TerminationDropped TerminationReason = "dropped"
	TerminationTimeout TerminationReason = "timeout"
	TerminationOther   TerminationReason = "other"
)

// Payload is the tagged-variant input to Publish: one implementation per
// supported event kind. synthesize returns the event element's name (used
// for allow-list routing) and its inner XML.
type Payload interface {
	synthesize() (elementName, innerXML string, err error)
}

// Generic carries a caller-supplied, already-formed XML fragment for any
// event type the publisher does not have a dedicated synthesizer for,
// including netconf-confirmed-commit, which has no dedicated synthesizer
// and is always published through this variant.
type Generic struct {
	XML string
}

func (g Generic) synthesize() (string, string, error) {
	name := firstElementName(g.XML)
	if name == "" {
		return "", "", fmt.Errorf("notify: generic event XML has no element")
	}
	return name, g.XML, nil
}

// Datastore names the configuration datastore a ConfigChange affected.
type Datastore string

const (
	DatastoreStartup Datastore = "startup"
	DatastoreRunning Datastore = "running"
)

// ConfigChange reports a change to a configuration datastore.
type ConfigChange struct {
	Datastore Datastore
	Origin    Origin
}

func (c ConfigChange) synthesize() (string, string, error) {
	if c.Datastore != DatastoreStartup && c.Datastore != DatastoreRunning {
		return "", "", fmt.Errorf("notify: invalid datastore %q", c.Datastore)
	}
	inner := fmt.Sprintf("<datastore>%s</datastore>%s", c.Datastore, c.Origin.render())
	return "netconf-config-change", wrapElement("netconf-config-change", inner), nil
}

// CapabilityChange reports the set difference between two capability lists.
// Capabilities are matched by the URI prefix preceding their first '?'.
type CapabilityChange struct {
	Old, New []string
	Origin   Origin
}

// capabilityDiff holds one classified difference, in the order it should
// appear in the synthesized XML.
type capabilityDiff struct {
	tag string // "modified-capability", "added-capability", "deleted-capability"
	uri string
}

// diffCapabilities implements prefix-matching on capability URIs: URIs
// match by their prefix up to the first '?'. Within a
// match, a differing full URI is reported as modified; a new-only prefix is
// added; an old-only prefix is deleted. Ordering follows input order: added
// and modified entries are emitted in New's order, followed by deleted
// entries in Old's order.
func diffCapabilities(old, new []string) []capabilityDiff {
	prefix := func(uri string) string {
		if i := strings.IndexByte(uri, '?'); i >= 0 {
			return uri[:i]
		}
		return uri
	}

	oldByPrefix := make(map[string]string, len(old))
	for _, uri := range old {
		oldByPrefix[prefix(uri)] = uri
	}
	matchedOld := make(map[string]bool, len(old))

	var diffs []capabilityDiff
	for _, uri := range new {
		p := prefix(uri)
		if oldURI, ok := oldByPrefix[p]; ok {
			matchedOld[p] = true
			if oldURI != uri {
				diffs = append(diffs, capabilityDiff{"modified-capability", uri})
			}
			continue
		}
		diffs = append(diffs, capabilityDiff{"added-capability", uri})
	}

	for _, uri := range old {
		if !matchedOld[prefix(uri)] {
			diffs = append(diffs, capabilityDiff{"deleted-capability", uri})
		}
	}

	return diffs
}

func (c CapabilityChange) synthesize() (string, string, error) {
	var b strings.Builder
	b.WriteString(c.Origin.render())
	for _, d := range diffCapabilities(c.Old, c.New) {
		fmt.Fprintf(&b, "<%s>%s</%s>", d.tag, escapeText(d.uri), d.tag)
	}
	return "netconf-capability-change", wrapElement("netconf-capability-change", b.String()), nil
}

// SessionStart reports that a NETCONF session has begun.
type SessionStart struct {
	Username   string
	SessionID  string
	SourceHost string
}

func (s SessionStart) synthesize() (string, string, error) {
	inner := fmt.Sprintf(
		"<username>%s</username><session-id>%s</session-id><source-host>%s</source-host>",
		escapeText(s.Username), escapeText(s.SessionID), escapeText(s.SourceHost),
	)
	return "netconf-session-start", wrapElement("netconf-session-start", inner), nil
}

// SessionEnd reports that a NETCONF session has terminated.
type SessionEnd struct {
	Username          string
	SessionID         string
	SourceHost        string
	Reason            TerminationReason
	KilledBySessionID string // only meaningful when Reason == TerminationKilled
}

func (s SessionEnd) synthesize() (string, string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "<username>%s</username><session-id>%s</session-id><source-host>%s</source-host>",
		escapeText(s.Username), escapeText(s.SessionID), escapeText(s.SourceHost))
	if s.Reason == TerminationKilled && s.KilledBySessionID != "" {
		fmt.Fprintf(&b, "<killed-by>%s</killed-by>", escapeText(s.KilledBySessionID))
	}
	reason := s.Reason
	if reason == "" {
		reason = TerminationOther
	}
	fmt.Fprintf(&b, "<termination-reason>%s</termination-reason>", reason)
	return "netconf-session-end", wrapElement("netconf-session-end", b.String()), nil
}

func wrapElement(name, inner string) string {
	return fmt.Sprintf("<%s>%s</%s>", name, inner, name)
}

// escapeText minimally escapes element text content: '&', '<' and '>' are
// replaced by their predefined entities; quotes are left as they are.
// Attribute values are never produced by this package.
func escapeText(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	)
	return r.Replace(s)
}

// firstElementName returns the tag name of the first element in an XML
// fragment, e.g. "foo" for "<foo attr=\"x\"/>" or "<foo><bar/></foo>".
func firstElementName(xml string) string {
	i := strings.IndexByte(xml, '<')
	if i < 0 {
		return ""
	}
	rest := xml[i+1:]
	end := strings.IndexAny(rest, " \t\n/>")
	if end < 0 {
		return ""
	}
	return rest[:end]
}

// envelopeXMLNS is the namespace of the notification envelope.
const envelopeXMLNS = "urn:ietf:params:xml:ns:netconf:notification:1.0"

// envelope wraps an event's inner XML in the notification envelope and
// returns the NUL-terminated byte payload ready to be appended to a stream
// file.
func envelope(at time.Time, innerXML string) []byte {
	body := fmt.Sprintf(
		`<notification xmlns="%s"><eventTime>%s</eventTime>%s</notification>`,
		envelopeXMLNS, at.Format("2006-01-02T15:04:05Z07:00"), innerXML,
	)
	return append([]byte(body), 0)
}
