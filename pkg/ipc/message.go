package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire discriminator carried in every message's "type" field.
type Type string

// Orchestrator → worker message types.
const (
	TypeInit   Type = "init"
	TypeTask   Type = "task"
	TypeCancel Type = "cancel"
	TypeClose  Type = "close"
	TypeSteer  Type = "steer"
	TypeAnswer Type = "answer"
)

// Worker → orchestrator message types.
const (
	TypeReady         Type = "ready"
	TypeTaskStarted   Type = "task_started"
	TypeTaskDone      Type = "task_done"
	TypeTaskCancelled Type = "task_cancelled"
	TypeError         Type = "error"
	TypeProgress      Type = "progress"
	TypeStreamText    Type = "stream_text"
	TypeToolStart     Type = "tool_start"
	TypeToolEnd       Type = "tool_end"
	TypeQuestion      Type = "question"
)

// SessionType distinguishes interactive chat sessions from autonomous bot
// sessions. It selects the execution backend inside the worker.
type SessionType string

// Session kinds.
const (
	SessionChat SessionType = "chat"
	SessionBot  SessionType = "bot"
)

// Message is the closed set of IPC messages. Only types declared in this
// package implement it.
type Message interface {
	MessageType() Type
	isMessage()
}

// ModelConfig selects the model a worker talks to.
type ModelConfig struct {
	Provider    string  `json:"provider,omitempty"` // anthropic, openai, claude-code
	Model       string  `json:"model,omitempty"`
	MaxTokens   int64   `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// --- orchestrator → worker ---

// Init binds a freshly spawned worker to its session.
type Init struct {
	SessionID    string      `json:"sessionId"`
	SessionName  string      `json:"sessionName"`
	SessionType  SessionType `json:"sessionType"`
	ProjectPath  string      `json:"projectPath"`
	WorkspaceDir string      `json:"workspaceDir"`
	Persona      string      `json:"persona,omitempty"`
	ModelConfig  ModelConfig `json:"modelConfig"`
}

// Task asks the worker to execute one prompt.
type Task struct {
	TaskID      string `json:"taskId"`
	UserEventID string `json:"userEventId"`
	Prompt      string `json:"prompt"`
	Persona     string `json:"persona,omitempty"`
	Model       string `json:"model,omitempty"`
}

// Cancel requests cooperative cancellation of the named task.
type Cancel struct {
	TaskID string `json:"taskId"`
}

// Close asks the worker to exit.
type Close struct {
	Reason string `json:"reason"`
}

// Steer carries free-text guidance for an in-flight task.
type Steer struct {
	Prompt string `json:"prompt"`
}

// Answer replies to a pending Question.
type Answer struct {
	ToolCallID string `json:"toolCallId"`
	Answer     string `json:"answer"`
}

// --- worker → orchestrator ---

// Ready announces the worker can accept the next task.
type Ready struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
}

// TaskStarted is emitted once a task begins executing.
type TaskStarted struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

// TaskDone reports the outcome of a task that was not cancelled.
type TaskDone struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TaskCancelled reports a task that stopped because of a Cancel.
type TaskCancelled struct {
	TaskID    string `json:"taskId"`
	SessionID string `json:"sessionId"`
}

// Error reports a worker-side problem. Fatal errors end the session.
type Error struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
	Fatal     bool   `json:"fatal"`
}

// Progress is a free-form status update from a running task.
type Progress struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId,omitempty"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message,omitempty"`
	Percent   int    `json:"percent,omitempty"`
}

// StreamText carries an incremental chunk of model output.
type StreamText struct {
	SessionID string `json:"sessionId"`
	TaskID    string `json:"taskId"`
	Delta     string `json:"delta"`
}

// ToolStart marks the start of a backend tool invocation.
type ToolStart struct {
	SessionID  string          `json:"sessionId"`
	TaskID     string          `json:"taskId"`
	ToolCallID string          `json:"toolCallId"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// ToolEnd marks the end of a backend tool invocation.
type ToolEnd struct {
	SessionID  string `json:"sessionId"`
	TaskID     string `json:"taskId"`
	ToolCallID string `json:"toolCallId"`
	Name       string `json:"name"`
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"isError,omitempty"`
}

// Question is a tool asking the user for input. The worker blocks that tool
// until a matching Answer arrives.
type Question struct {
	SessionID  string   `json:"sessionId"`
	TaskID     string   `json:"taskId"`
	ToolCallID string   `json:"toolCallId"`
	Question   string   `json:"question"`
	Options    []string `json:"options,omitempty"`
}

// Unknown holds a well-formed message whose type this build does not know.
// It is passed through so newer peers do not break older ones.
type Unknown struct {
	Type Type
	Raw  json.RawMessage
}

func (Init) MessageType() Type          { return TypeInit }
func (Task) MessageType() Type          { return TypeTask }
func (Cancel) MessageType() Type        { return TypeCancel }
func (Close) MessageType() Type         { return TypeClose }
func (Steer) MessageType() Type         { return TypeSteer }
func (Answer) MessageType() Type        { return TypeAnswer }
func (Ready) MessageType() Type         { return TypeReady }
func (TaskStarted) MessageType() Type   { return TypeTaskStarted }
func (TaskDone) MessageType() Type      { return TypeTaskDone }
func (TaskCancelled) MessageType() Type { return TypeTaskCancelled }
func (Error) MessageType() Type         { return TypeError }
func (Progress) MessageType() Type      { return TypeProgress }
func (StreamText) MessageType() Type    { return TypeStreamText }
func (ToolStart) MessageType() Type     { return TypeToolStart }
func (ToolEnd) MessageType() Type       { return TypeToolEnd }
func (Question) MessageType() Type      { return TypeQuestion }
func (u Unknown) MessageType() Type     { return u.Type }

func (Init) isMessage()          {}
func (Task) isMessage()          {}
func (Cancel) isMessage()        {}
func (Close) isMessage()         {}
func (Steer) isMessage()         {}
func (Answer) isMessage()        {}
func (Ready) isMessage()         {}
func (TaskStarted) isMessage()   {}
func (TaskDone) isMessage()      {}
func (TaskCancelled) isMessage() {}
func (Error) isMessage()         {}
func (Progress) isMessage()      {}
func (StreamText) isMessage()    {}
func (ToolStart) isMessage()     {}
func (ToolEnd) isMessage()       {}
func (Question) isMessage()      {}
func (Unknown) isMessage()       {}

// ErrMissingType is returned when a line decodes as JSON but has no "type".
var ErrMissingType = errors.New("ipc: message has no type")

// Marshal encodes m as a single JSON object with its "type" field first. The
// result carries no trailing newline.
func Marshal(m Message) ([]byte, error) {
	if u, ok := m.(Unknown); ok {
		if len(u.Raw) == 0 {
			return nil, fmt.Errorf("marshal %s: empty raw payload", u.Type)
		}
		return append([]byte(nil), u.Raw...), nil
	}

	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.MessageType(), err)
	}
	typ, err := json.Marshal(m.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshal %s type: %w", m.MessageType(), err)
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
		return out, nil
	}
	return append(out, '}'), nil
}

// Unmarshal decodes one JSON object into the matching Message variant.
// Unrecognized types decode to Unknown.
func Unmarshal(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}

	switch head.Type {
	case TypeInit:
		return decode[Init](data)
	case TypeTask:
		return decode[Task](data)
	case TypeCancel:
		return decode[Cancel](data)
	case TypeClose:
		return decode[Close](data)
	case TypeSteer:
		return decode[Steer](data)
	case TypeAnswer:
		return decode[Answer](data)
	case TypeReady:
		return decode[Ready](data)
	case TypeTaskStarted:
		return decode[TaskStarted](data)
	case TypeTaskDone:
		return decode[TaskDone](data)
	case TypeTaskCancelled:
		return decode[TaskCancelled](data)
	case TypeError:
		return decode[Error](data)
	case TypeProgress:
		return decode[Progress](data)
	case TypeStreamText:
		return decode[StreamText](data)
	case TypeToolStart:
		return decode[ToolStart](data)
	case TypeToolEnd:
		return decode[ToolEnd](data)
	case TypeQuestion:
		return decode[Question](data)
	default:
		return Unknown{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

func decode[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.MessageType(), err)
	}
	return m, nil
}
