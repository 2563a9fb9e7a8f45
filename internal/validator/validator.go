// Package validator implements the Subscription Validator: it checks a
// parsed create-subscription request against the Stream Registry and
// returns either a ready-to-use Subscription or a structured error
// identifying the offending field, in a fixed check order.
package validator

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// Kind names the structured error identifier attached to a rejected
// request.
type Kind string

const (
	KindMissingElement Kind = "missing-element"
	KindBadElement     Kind = "bad-element"
	KindInvalidValue   Kind = "invalid-value"
)

// Error is the structured validation failure returned to the caller. It is
// never logged: validation failures are structured error documents returned
// to the caller, not operational events.
type Error struct {
	Kind    Kind
	Element string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Element)
}

// Directory is the subset of *streamstore.Directory the validator needs.
type Directory interface {
	StreamExists(name string) bool
}

// Request is a create-subscription request as parsed off the wire, before
// validation.
type Request struct {
	StreamName string
	StartTime  *time.Time
	StopTime   *time.Time
	Filter     string // empty means "no filter"
}

// Subscription is a validated request, ready to drive an Iterator.
type Subscription struct {
	StreamName string
	StartTime  *time.Time
	StopTime   *time.Time
	Filter     string
}

// Validate runs the six checks below, in order, against req. now is
// injected so tests can control "startTime in the future"; callers normally
// pass time.Now.
func Validate(dir Directory, req Request, defaultStream string, now func() time.Time) (*Subscription, error) {
	sub := &Subscription{
		StreamName: req.StreamName,
		StartTime:  req.StartTime,
		StopTime:   req.StopTime,
		Filter:     req.Filter,
	}

	if sub.StreamName == "" {
		sub.StreamName = defaultStream
	} else if !dir.StreamExists(sub.StreamName) {
		return nil, &Error{Kind: KindInvalidValue, Element: "stream"}
	}

	if sub.StopTime != nil && sub.StartTime == nil {
		return nil, &Error{Kind: KindMissingElement, Element: "startTime"}
	}

	if sub.StartTime != nil && sub.StopTime != nil && sub.StartTime.After(*sub.StopTime) {
		return nil, &Error{Kind: KindBadElement, Element: "stopTime"}
	}

	if sub.StartTime != nil && sub.StartTime.After(now()) {
		return nil, &Error{Kind: KindBadElement, Element: "startTime"}
	}

	if strings.TrimSpace(sub.Filter) != "" {
		if !wellFormedXML(sub.Filter) {
			return nil, &Error{Kind: KindBadElement, Element: "filter"}
		}
	}

	return sub, nil
}

// wellFormedXML reports whether s tokenizes as a complete, well-formed XML
// fragment. The validator only checks parseability; it does not interpret
// the filter.
func wellFormedXML(s string) bool {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}
