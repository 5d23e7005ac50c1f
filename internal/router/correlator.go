package router

import (
	"github.com/google/uuid"
	"github.com/workspace/botrelay/internal/protocol"
)

// Correlator assigns correlation ids to outbound commands and attributes
// inbound results to them.
//
// Attribution of results without an id relies on each controlled session
// having at most one command in flight. If that ever changes, results must
// carry explicit ids and in-flight tracking must become a set.
type Correlator struct {
	newID func() string
}

// NewCorrelator returns a Correlator that uses newID to mint ids. A nil newID
// uses random UUIDs.
func NewCorrelator(newID func() string) *Correlator {
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Correlator{newID: newID}
}

// Assign gives cmd an id if the caller did not choose one and returns it.
func (c *Correlator) Assign(cmd *protocol.Command) string {
	if cmd.ID == "" {
		cmd.ID = c.newID()
	}
	return cmd.ID
}

// Attribute resolves which command a result belongs to. A result without an
// id belongs to the in-flight command. clears reports whether the result
// completes the in-flight command.
func (c *Correlator) Attribute(result protocol.CommandResult, inFlight string) (id string, clears bool) {
	if result.ID == "" {
		return inFlight, inFlight != ""
	}
	return result.ID, result.ID == inFlight
}
