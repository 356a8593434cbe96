package bus

import "reflect"

// Message is anything handed to the bus. Only values that classify as exactly one of
// Command or Event are routed; everything else is rejected.
type Message = any

// Command is a marker interface for commands (intent to change state).
// A command has exactly one handler and produces one result.
//
// The interface is sealed: embed CommandBase to implement it.
type Command interface {
	command()
}

// Event is a marker interface for events (something that already happened).
// An event may have zero, one or many handlers and produces no result.
//
// The interface is sealed: embed EventBase to implement it.
type Event interface {
	event()
}

// CommandBase marks the embedding struct as a Command.
type CommandBase struct{}

func (CommandBase) command() {}

// EventBase marks the embedding struct as an Event.
type EventBase struct{}

func (EventBase) event() {}

// Kind is the classification of a Message.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommand
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Classify reports whether m is a Command or an Event.
// A value implementing both (or neither) is KindUnknown.
func Classify(m Message) Kind {
	_, isCmd := m.(Command)
	_, isEvt := m.(Event)

	switch {
	case isCmd && !isEvt:
		return KindCommand
	case isEvt && !isCmd:
		return KindEvent
	default:
		return KindUnknown
	}
}

// TypeOf returns the routing tag of a message: its dynamic Go type.
func TypeOf(m Message) reflect.Type { return reflect.TypeOf(m) }

// TypeName renders the routing tag without package path or pointer indirection.
func TypeName(m Message) string {
	t := reflect.TypeOf(m)
	if t == nil {
		return "<nil>"
	}

	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" { // unnamed (e.g., map/struct literal)
		name = t.String()
	}

	return name
}
