// Package protocol defines the messages exchanged between the relay, the
// controlled agents and their observers, and the state snapshot they carry.
//
// Every message travels as an Envelope: a type tag plus a JSON payload. Each
// direction has its own closed set of message types; decoders reject types
// that are not valid for the direction they are called for.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the payload carried by an Envelope.
type MessageType string

const (
	// Agent or observer -> relay
	TypeHello MessageType = "hello"

	// Agent -> relay, relay -> observer
	TypeState         MessageType = "state"
	TypeCommandResult MessageType = "command_result"

	// Observer -> relay, relay -> agent
	TypeCommand MessageType = "command"

	// Relay -> observer
	TypeConnected    MessageType = "connected"
	TypeDisconnected MessageType = "disconnected"
	TypeError        MessageType = "error"
)

// ErrUnknownType is returned when an envelope carries a type that is not
// valid for the direction being decoded.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Envelope is the wire form of every message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hello announces the identity a connection belongs to. Agents send it as
// their first message; observers send it to name the agent they target.
type Hello struct {
	Identity string `json:"identity"`
	Token    string `json:"token,omitempty"`
}

// StateUpdate carries a full snapshot of the agent's world.
type StateUpdate struct {
	Identity string   `json:"identity,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

// CommandType names a low-level action the agent knows how to perform.
type CommandType string

const (
	CmdWalk          CommandType = "walk"
	CmdPickup        CommandType = "pickup"
	CmdDrop          CommandType = "drop"
	CmdInteract      CommandType = "interact"
	CmdAttack        CommandType = "attack"
	CmdTalk          CommandType = "talk"
	CmdSell          CommandType = "sell"
	CmdDismissDialog CommandType = "dismiss_dialog"
)

// Command is an action request. ID is the correlation id; it is assigned by
// the sender or, when empty, by the relay before forwarding.
type Command struct {
	ID     string         `json:"id,omitempty"`
	Type   CommandType    `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// CommandResult acknowledges a command. An empty ID means the result applies
// to the agent's current in-flight command.
type CommandResult struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// AgentConnected tells observers that the agent they watch is (re)connected.
type AgentConnected struct {
	Identity string `json:"identity"`
}

// AgentDisconnected tells observers that the agent's connection went away.
// The last snapshot is kept and replayed when it comes back.
type AgentDisconnected struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason,omitempty"`
}

// ErrorNotice reports a failure to a single observer, e.g. a command that
// could not be forwarded. CommandID is set when the error concerns a command.
type ErrorNotice struct {
	CommandID string `json:"commandId,omitempty"`
	Message   string `json:"message"`
}

// Message is implemented by every payload type.
type Message interface {
	MessageType() MessageType
}

func (Hello) MessageType() MessageType             { return TypeHello }
func (StateUpdate) MessageType() MessageType       { return TypeState }
func (Command) MessageType() MessageType           { return TypeCommand }
func (CommandResult) MessageType() MessageType     { return TypeCommandResult }
func (AgentConnected) MessageType() MessageType    { return TypeConnected }
func (AgentDisconnected) MessageType() MessageType { return TypeDisconnected }
func (ErrorNotice) MessageType() MessageType       { return TypeError }

// AgentMessage is a message an agent may send to the relay.
type AgentMessage interface {
	Message
	agentMessage()
}

func (Hello) agentMessage()         {}
func (StateUpdate) agentMessage()   {}
func (CommandResult) agentMessage() {}

// ObserverMessage is a message an observer may send to the relay.
type ObserverMessage interface {
	Message
	observerMessage()
}

func (Hello) observerMessage()   {}
func (Command) observerMessage() {}

// AgentBound is a message the relay sends to an agent.
type AgentBound interface {
	Message
	agentBound()
}

func (Command) agentBound() {}

// ObserverBound is a message the relay sends to an observer.
type ObserverBound interface {
	Message
	observerBound()
}

func (StateUpdate) observerBound()       {}
func (CommandResult) observerBound()     {}
func (AgentConnected) observerBound()    {}
func (AgentDisconnected) observerBound() {}
func (ErrorNotice) observerBound()       {}

// Encode wraps a message in an Envelope and marshals it.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: m.MessageType(), Data: data})
}

// DecodeAgentMessage parses a message received from an agent connection.
func DecodeAgentMessage(raw []byte) (AgentMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeHello:
		return decodePayload[Hello](env)
	case TypeState:
		return decodePayload[StateUpdate](env)
	case TypeCommandResult:
		return decodePayload[CommandResult](env)
	default:
		return nil, fmt.Errorf("%w from agent: %q", ErrUnknownType, env.Type)
	}
}

// DecodeObserverMessage parses a message received from an observer connection.
func DecodeObserverMessage(raw []byte) (ObserverMessage, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeHello:
		return decodePayload[Hello](env)
	case TypeCommand:
		return decodePayload[Command](env)
	default:
		return nil, fmt.Errorf("%w from observer: %q", ErrUnknownType, env.Type)
	}
}

// DecodeAgentBound parses a message the relay sent to an agent.
func DecodeAgentBound(raw []byte) (AgentBound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeCommand:
		return decodePayload[Command](env)
	default:
		return nil, fmt.Errorf("%w for agent: %q", ErrUnknownType, env.Type)
	}
}

// DecodeObserverBound parses a message the relay sent to an observer.
func DecodeObserverBound(raw []byte) (ObserverBound, error) {
	env, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeState:
		return decodePayload[StateUpdate](env)
	case TypeCommandResult:
		return decodePayload[CommandResult](env)
	case TypeConnected:
		return decodePayload[AgentConnected](env)
	case TypeDisconnected:
		return decodePayload[AgentDisconnected](env)
	case TypeError:
		return decodePayload[ErrorNotice](env)
	default:
		return nil, fmt.Errorf("%w for observer: %q", ErrUnknownType, env.Type)
	}
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type")
	}
	return env, nil
}

func decodePayload[T Message](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("protocol: invalid %s payload: %w", env.Type, err)
	}
	return v, nil
}
