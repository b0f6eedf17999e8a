// Package history implements the append-only history.xml event log
// (§4.8): every ImportManager session and set-algebra operator records
// a timestamped event naming the command run, its arguments, and the
// counters it produced when it closes (a ScanManager records nothing).
// The log is a flat sequence of self-contained <event>
// fragments rather than one long-lived XML document, since a hashdb
// directory is opened and closed by many independent CLI process
// invocations over its lifetime rather than one long-running writer.
package history

import (
	"encoding/xml"
	"fmt"
	"os"
	"time"

	"github.com/dfrws/hashdb/changes"
)

// Counter is one named counter value attached to an event, used in
// place of a map since encoding/xml has no native map support.
type Counter struct {
	Name  string `xml:"name,attr"`
	Value uint64 `xml:"value,attr"`
}

// Event is one append-only history record.
type Event struct {
	XMLName   xml.Name  `xml:"event"`
	Timestamp string    `xml:"timestamp"`
	Command   string    `xml:"command"`
	Arguments []string  `xml:"argument,omitempty"`
	Counters  []Counter `xml:"counter,omitempty"`
	Aborted   bool      `xml:"aborted,omitempty"`
	Reason    string    `xml:"reason,omitempty"`
}

// NewEvent builds a completed-command event from the counters an
// ImportManager or set-algebra operator accumulated.
func NewEvent(command string, arguments []string, c *changes.Changes) Event {
	event := Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
		Arguments: arguments,
	}
	for _, nc := range c.NonZeroCounters() {
		event.Counters = append(event.Counters, Counter{Name: nc.Name, Value: nc.Value})
	}
	return event
}

// NewAbortEvent builds an event recording that a bulk operator was
// stopped early via its caller-supplied stop flag (§5).
func NewAbortEvent(command string, arguments []string, reason string) Event {
	return Event{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
		Arguments: arguments,
		Aborted:   true,
		Reason:    reason,
	}
}

// Append writes event to the history log at path, creating the file
// if it does not already exist.
func Append(path string, event Event) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := xml.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	_, err = f.Write([]byte("\n"))
	return err
}

// document wraps the flat event sequence in a synthetic root purely
// so encoding/xml can unmarshal it; the root is never written to
// disk.
type document struct {
	XMLName xml.Name `xml:"history"`
	Events  []Event  `xml:"event"`
}

// ReadAll parses every event recorded at path, in append order.
func ReadAll(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	wrapped := append([]byte("<history>\n"), data...)
	wrapped = append(wrapped, []byte("</history>")...)

	var doc document
	if err := xml.Unmarshal(wrapped, &doc); err != nil {
		return nil, err
	}
	return doc.Events, nil
}

// Merge appends the events recorded in each of srcPaths, in order,
// to dstPath: set-algebra operators merge the history of their
// inputs into their destination on completion (§4.7).
func Merge(dstPath string, srcPaths ...string) error {
	dst, err := os.OpenFile(dstPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	for _, src := range srcPaths {
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if _, err := dst.Write(data); err != nil {
			return fmt.Errorf("merge history from %s: %w", src, err)
		}
	}
	return nil
}
