package notify

import (
	"strings"
	"testing"
	"time"
)

func TestConfigChangeSynthesizesExpectedElement(t *testing.T) {
	c := ConfigChange{Datastore: DatastoreRunning, Origin: Origin{Server: true}}
	name, xml, err := c.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if name != "netconf-config-change" {
		t.Errorf("name = %q", name)
	}
	want := "<netconf-config-change><datastore>running</datastore><server/></netconf-config-change>"
	if xml != want {
		t.Errorf("xml = %q, want %q", xml, want)
	}
}

func TestConfigChangeRejectsBadDatastore(t *testing.T) {
	c := ConfigChange{Datastore: "bogus"}
	if _, _, err := c.synthesize(); err == nil {
		t.Fatal("expected error for invalid datastore")
	}
}

func TestSessionStartSynthesis(t *testing.T) {
	s := SessionStart{Username: "alice", SessionID: "7", SourceHost: "10.0.0.1"}
	name, xml, err := s.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if name != "netconf-session-start" {
		t.Errorf("name = %q", name)
	}
	want := "<netconf-session-start><username>alice</username><session-id>7</session-id><source-host>10.0.0.1</source-host></netconf-session-start>"
	if xml != want {
		t.Errorf("xml = %q, want %q", xml, want)
	}
}

func TestSessionEndIncludesKilledByOnlyWhenKilled(t *testing.T) {
	s := SessionEnd{
		Username: "alice", SessionID: "7", SourceHost: "10.0.0.1",
		Reason: TerminationKilled, KilledBySessionID: "9",
	}
	_, xml, err := s.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if !strings.Contains(xml, "<killed-by>9</killed-by>") {
		t.Errorf("xml missing killed-by: %q", xml)
	}

	s2 := SessionEnd{Username: "alice", SessionID: "7", SourceHost: "10.0.0.1", Reason: TerminationClosed}
	_, xml2, err := s2.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if strings.Contains(xml2, "killed-by") {
		t.Errorf("xml unexpectedly contains killed-by: %q", xml2)
	}
	if !strings.Contains(xml2, "<termination-reason>closed</termination-reason>") {
		t.Errorf("xml missing termination-reason: %q", xml2)
	}
}

func TestGenericUsesFirstElementName(t *testing.T) {
	g := Generic{XML: `<my-event attr="1"><child/></my-event>`}
	name, xml, err := g.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if name != "my-event" {
		t.Errorf("name = %q, want my-event", name)
	}
	if xml != g.XML {
		t.Errorf("xml altered: %q", xml)
	}
}

func TestGenericRejectsUnparsableXML(t *testing.T) {
	g := Generic{XML: "not xml at all"}
	if _, _, err := g.synthesize(); err == nil {
		t.Fatal("expected error for XML with no element")
	}
}

func TestDiffCapabilities(t *testing.T) {
	old := []string{
		"urn:ietf:params:netconf:capability:startup:1.0",
		"urn:ietf:params:netconf:capability:candidate:1.0?module=foo",
		"urn:ietf:params:netconf:capability:removed:1.0",
	}
	new := []string{
		"urn:ietf:params:netconf:capability:candidate:1.0?module=bar",
		"urn:ietf:params:netconf:capability:startup:1.0",
		"urn:ietf:params:netconf:capability:notify:1.0",
	}

	diffs := diffCapabilities(old, new)

	var got []string
	for _, d := range diffs {
		got = append(got, d.tag+":"+d.uri)
	}

	want := []string{
		"modified-capability:urn:ietf:params:netconf:capability:candidate:1.0?module=bar",
		"added-capability:urn:ietf:params:netconf:capability:notify:1.0",
		"deleted-capability:urn:ietf:params:netconf:capability:removed:1.0",
	}

	if len(got) != len(want) {
		t.Fatalf("diffs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("diffs[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCapabilityChangeSynthesis(t *testing.T) {
	c := CapabilityChange{
		Old:    []string{"urn:a:1.0"},
		New:    []string{"urn:a:1.0", "urn:b:1.0"},
		Origin: Origin{Username: "bob", SessionID: "1", SourceHost: "h"},
	}
	name, xml, err := c.synthesize()
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if name != "netconf-capability-change" {
		t.Errorf("name = %q", name)
	}
	if !strings.Contains(xml, "<username>bob</username>") {
		t.Errorf("xml missing origin: %q", xml)
	}
	if !strings.Contains(xml, "<added-capability>urn:b:1.0</added-capability>") {
		t.Errorf("xml missing added capability: %q", xml)
	}
}

func TestEnvelopeFormat(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	out := envelope(at, "<x/>")
	s := string(out)
	if s[len(s)-1] != 0 {
		t.Fatal("envelope payload must end with a NUL byte")
	}
	s = s[:len(s)-1]
	if !strings.HasPrefix(s, `<notification xmlns="urn:ietf:params:xml:ns:netconf:notification:1.0">`) {
		t.Errorf("missing envelope prefix: %q", s)
	}
	if !strings.Contains(s, "<eventTime>2026-01-02T03:04:05Z</eventTime>") {
		t.Errorf("missing eventTime: %q", s)
	}
	if !strings.Contains(s, "<x/>") {
		t.Errorf("missing inner xml: %q", s)
	}
}
