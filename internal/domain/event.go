package domain

// Operation is the kind of document mutation reported by the change feed.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
)

// Event is the closed set of typed change notifications produced at the feed
// boundary. Downstream code switches on the concrete type.
type Event interface {
	Op() Operation
	isEvent()
}

type MessageCreated struct {
	Message Message
	// Partial is set when the payload lacked the relationship fields and the
	// message must be fetched by id before use.
	Partial bool
}

type CallCreated struct {
	Call Call
}

type CallUpdated struct {
	Call Call
}

func (MessageCreated) Op() Operation { return OpCreate }
func (CallCreated) Op() Operation    { return OpCreate }
func (CallUpdated) Op() Operation    { return OpUpdate }

func (MessageCreated) isEvent() {}
func (CallCreated) isEvent()    {}
func (CallUpdated) isEvent()    {}
