package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// NodeType identifies the variant of a flow node.
type NodeType string

const (
	// NodeTypePrompt emits text and auto-advances along its single edge.
	NodeTypePrompt NodeType = "prompt"
	// NodeTypeMenu emits text plus numbered options and waits for one of them.
	NodeTypeMenu NodeType = "menu"
	// NodeTypeInput emits text and waits for free-form input of a given format.
	NodeTypeInput NodeType = "input"
	// NodeTypeAction runs a side effect without user I/O and auto-advances.
	NodeTypeAction NodeType = "action"
	// NodeTypeTerminal emits its text and ends the session.
	NodeTypeTerminal NodeType = "terminal"
)

// InputFormat is the expected shape of free-form input on an input node.
type InputFormat string

const (
	InputFormatText   InputFormat = "text"
	InputFormatNumber InputFormat = "number"
	InputFormatRegex  InputFormat = "regex"
	InputFormatPhone  InputFormat = "phone"
)

// DefaultMaxInvalid is the number of consecutive invalid inputs a menu or input node
// tolerates before following its else branch.
const DefaultMaxInvalid = 3

// Edge is a directed transition between two nodes, kept for visualization.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label,omitempty"`
}

// Node is one step of a flow. The concrete type is always one of PromptNode, MenuNode,
// InputNode, ActionNode or TerminalNode.
type Node interface {
	NodeID() string
	Type() NodeType
	// Edges lists every outgoing transition of the node.
	Edges() []Edge
	node()
}

// PromptNode emits text without consuming input.
type PromptNode struct {
	ID   string
	Text string
	Next string
}

func (n *PromptNode) NodeID() string { return n.ID }
func (n *PromptNode) Type() NodeType { return NodeTypePrompt }
func (n *PromptNode) Edges() []Edge  { return []Edge{{From: n.ID, To: n.Next}} }
func (*PromptNode) node()            {}

// MenuOption is one discrete choice of a menu node.
type MenuOption struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Next  string `json:"next"`
}

// MenuNode expects one of its option keys. Else is mandatory so that the transition
// table is total.
type MenuNode struct {
	ID         string
	Text       string
	Options    []MenuOption
	Else       string
	MaxInvalid int
}

func (n *MenuNode) NodeID() string { return n.ID }
func (n *MenuNode) Type() NodeType { return NodeTypeMenu }
func (n *MenuNode) Edges() []Edge {
	edges := make([]Edge, 0, len(n.Options)+1)
	for _, opt := range n.Options {
		edges = append(edges, Edge{From: n.ID, To: opt.Next, Label: opt.Key})
	}
	return append(edges, Edge{From: n.ID, To: n.Else, Label: "else"})
}
func (*MenuNode) node() {}

// InputRoute maps validated input to a next node. Exactly one matcher is set:
// Equals, a Min/Max range, or a Matches pattern.
type InputRoute struct {
	Equals  string   `json:"equals,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Matches string   `json:"matches,omitempty"`
	Next    string   `json:"next"`
}

// Label describes the route matcher for edges and logs.
func (r InputRoute) Label() string {
	switch {
	case r.Equals != "":
		return "=" + r.Equals
	case r.Matches != "":
		return "~" + r.Matches
	case r.Min != nil || r.Max != nil:
		lo, hi := "", ""
		if r.Min != nil {
			lo = fmt.Sprintf("%g", *r.Min)
		}
		if r.Max != nil {
			hi = fmt.Sprintf("%g", *r.Max)
		}
		return "[" + lo + ".." + hi + "]"
	}
	return ""
}

// InputNode accepts free-form input validated by Format.
type InputNode struct {
	ID         string
	Text       string
	Format     InputFormat
	Pattern    string
	Routes     []InputRoute
	Else       string
	MaxInvalid int
}

func (n *InputNode) NodeID() string { return n.ID }
func (n *InputNode) Type() NodeType { return NodeTypeInput }
func (n *InputNode) Edges() []Edge {
	edges := make([]Edge, 0, len(n.Routes)+1)
	for _, r := range n.Routes {
		edges = append(edges, Edge{From: n.ID, To: r.Next, Label: r.Label()})
	}
	return append(edges, Edge{From: n.ID, To: n.Else, Label: "else"})
}
func (*InputNode) node() {}

// ActionNode runs a registered side effect and continues to Next, or to OnError when
// the action fails.
type ActionNode struct {
	ID      string
	Action  string
	Params  map[string]string
	Next    string
	OnError string
}

func (n *ActionNode) NodeID() string { return n.ID }
func (n *ActionNode) Type() NodeType { return NodeTypeAction }
func (n *ActionNode) Edges() []Edge {
	return []Edge{{From: n.ID, To: n.Next}, {From: n.ID, To: n.OnError, Label: "error"}}
}
func (*ActionNode) node() {}

// TerminalNode ends the session after emitting its text.
type TerminalNode struct {
	ID   string
	Text string
}

func (n *TerminalNode) NodeID() string { return n.ID }
func (n *TerminalNode) Type() NodeType { return NodeTypeTerminal }
func (n *TerminalNode) Edges() []Edge  { return nil }
func (*TerminalNode) node()            {}

// nodeRecord is the tagged JSON encoding of a node.
type nodeRecord struct {
	ID         string            `json:"id"`
	Type       NodeType          `json:"type"`
	Text       string            `json:"text,omitempty"`
	Next       string            `json:"next,omitempty"`
	Options    []MenuOption      `json:"options,omitempty"`
	Else       string            `json:"else,omitempty"`
	MaxInvalid int               `json:"max_invalid,omitempty"`
	Format     InputFormat       `json:"format,omitempty"`
	Pattern    string            `json:"pattern,omitempty"`
	Routes     []InputRoute      `json:"routes,omitempty"`
	Action     string            `json:"action,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	OnError    string            `json:"on_error,omitempty"`
}

func recordFromNode(n Node) nodeRecord {
	switch v := n.(type) {
	case *PromptNode:
		return nodeRecord{ID: v.ID, Type: NodeTypePrompt, Text: v.Text, Next: v.Next}
	case *MenuNode:
		return nodeRecord{ID: v.ID, Type: NodeTypeMenu, Text: v.Text, Options: v.Options, Else: v.Else, MaxInvalid: v.MaxInvalid}
	case *InputNode:
		return nodeRecord{ID: v.ID, Type: NodeTypeInput, Text: v.Text, Format: v.Format, Pattern: v.Pattern, Routes: v.Routes, Else: v.Else, MaxInvalid: v.MaxInvalid}
	case *ActionNode:
		return nodeRecord{ID: v.ID, Type: NodeTypeAction, Action: v.Action, Params: v.Params, Next: v.Next, OnError: v.OnError}
	case *TerminalNode:
		return nodeRecord{ID: v.ID, Type: NodeTypeTerminal, Text: v.Text}
	}
	return nodeRecord{}
}

func (r nodeRecord) toNode() (Node, error) {
	switch r.Type {
	case NodeTypePrompt:
		return &PromptNode{ID: r.ID, Text: r.Text, Next: r.Next}, nil
	case NodeTypeMenu:
		return &MenuNode{ID: r.ID, Text: r.Text, Options: r.Options, Else: r.Else, MaxInvalid: r.MaxInvalid}, nil
	case NodeTypeInput:
		format := r.Format
		if format == "" {
			format = InputFormatText
		}
		return &InputNode{ID: r.ID, Text: r.Text, Format: format, Pattern: r.Pattern, Routes: r.Routes, Else: r.Else, MaxInvalid: r.MaxInvalid}, nil
	case NodeTypeAction:
		return &ActionNode{ID: r.ID, Action: r.Action, Params: r.Params, Next: r.Next, OnError: r.OnError}, nil
	case NodeTypeTerminal:
		return &TerminalNode{ID: r.ID, Text: r.Text}, nil
	}
	return nil, fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidFlow, r.ID, r.Type)
}

// NodeSet is the ordered node list of a flow.
type NodeSet []Node

// Get returns the node with the given id, or nil.
func (ns NodeSet) Get(id string) Node {
	for _, n := range ns {
		if n.NodeID() == id {
			return n
		}
	}
	return nil
}

// MarshalJSON encodes the set as a list of tagged node records.
func (ns NodeSet) MarshalJSON() ([]byte, error) {
	records := make([]nodeRecord, 0, len(ns))
	for _, n := range ns {
		records = append(records, recordFromNode(n))
	}
	return json.Marshal(records)
}

// UnmarshalJSON decodes a list of tagged node records into typed nodes.
func (ns *NodeSet) UnmarshalJSON(data []byte) error {
	var records []nodeRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	out := make(NodeSet, 0, len(records))
	for _, r := range records {
		n, err := r.toNode()
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*ns = out
	return nil
}

// Flow is a versioned conversational script for one channel.
type Flow struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Channel            Channel   `json:"channel"`
	Locale             string    `json:"locale,omitempty"`
	Version            string    `json:"version,omitempty"`
	Nodes              NodeSet   `json:"nodes"`
	Edges              []Edge    `json:"edges,omitempty"`
	DefaultEntryNodeID string    `json:"default_entry_node_id"`
	Active             bool      `json:"active"`
	SessionTTLSeconds  int       `json:"session_ttl_seconds,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Node returns the node with the given id, or nil when the flow has no such node.
func (f *Flow) Node(id string) Node {
	return f.Nodes.Get(id)
}

// SessionTTL returns the flow's session lifetime, or fallback when unset.
func (f *Flow) SessionTTL(fallback time.Duration) time.Duration {
	if f.SessionTTLSeconds > 0 {
		return time.Duration(f.SessionTTLSeconds) * time.Second
	}
	return fallback
}

// DeriveEdges rebuilds Edges from the node transition tables.
func (f *Flow) DeriveEdges() {
	var edges []Edge
	for _, n := range f.Nodes {
		edges = append(edges, n.Edges()...)
	}
	f.Edges = edges
}

// Validate checks structural integrity: every transition target exists, the default
// entry exists, and every menu and input node has a total transition table.
func (f *Flow) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidFlow)
	}
	if !IsValidChannel(f.Channel) {
		return fmt.Errorf("%w: flow %q: %w %q", ErrInvalidFlow, f.ID, ErrInvalidChannel, f.Channel)
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("%w: flow %q has no nodes", ErrInvalidFlow, f.ID)
	}

	ids := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.NodeID() == "" {
			return fmt.Errorf("%w: flow %q has a node without id", ErrInvalidFlow, f.ID)
		}
		if ids[n.NodeID()] {
			return fmt.Errorf("%w: flow %q has duplicate node %q", ErrInvalidFlow, f.ID, n.NodeID())
		}
		ids[n.NodeID()] = true
	}
	if !ids[f.DefaultEntryNodeID] {
		return fmt.Errorf("%w: flow %q default entry node %q does not exist", ErrInvalidFlow, f.ID, f.DefaultEntryNodeID)
	}

	for _, n := range f.Nodes {
		if err := validateNode(n); err != nil {
			return fmt.Errorf("%w: flow %q node %q: %s", ErrInvalidFlow, f.ID, n.NodeID(), err.Error())
		}
		for _, e := range n.Edges() {
			if !ids[e.To] {
				return fmt.Errorf("%w: flow %q node %q transitions to unknown node %q", ErrInvalidFlow, f.ID, n.NodeID(), e.To)
			}
		}
	}
	return nil
}

func validateNode(n Node) error {
	switch v := n.(type) {
	case *PromptNode:
		if v.Next == "" {
			return fmt.Errorf("prompt node needs next")
		}
	case *MenuNode:
		if len(v.Options) == 0 {
			return fmt.Errorf("menu node needs at least one option")
		}
		if v.Else == "" {
			return fmt.Errorf("menu node needs an else branch")
		}
		keys := make(map[string]bool, len(v.Options))
		for _, opt := range v.Options {
			if opt.Key == "" {
				return fmt.Errorf("menu option without key")
			}
			if keys[opt.Key] {
				return fmt.Errorf("duplicate menu option %q", opt.Key)
			}
			keys[opt.Key] = true
		}
	case *InputNode:
		if v.Else == "" {
			return fmt.Errorf("input node needs an else branch")
		}
		switch v.Format {
		case InputFormatText, InputFormatNumber, InputFormatPhone:
		case InputFormatRegex:
			if _, err := regexp.Compile(v.Pattern); err != nil || v.Pattern == "" {
				return fmt.Errorf("input pattern %q does not compile", v.Pattern)
			}
		default:
			return fmt.Errorf("unknown input format %q", v.Format)
		}
		for i, r := range v.Routes {
			set := 0
			if r.Equals != "" {
				set++
			}
			if r.Matches != "" {
				set++
				if _, err := regexp.Compile(r.Matches); err != nil {
					return fmt.Errorf("route %d pattern %q does not compile", i, r.Matches)
				}
			}
			if r.Min != nil || r.Max != nil {
				set++
			}
			if set != 1 {
				return fmt.Errorf("route %d must set exactly one of equals, min/max or matches", i)
			}
		}
	case *ActionNode:
		if v.Action == "" {
			return fmt.Errorf("action node needs an action name")
		}
		if v.Next == "" || v.OnError == "" {
			return fmt.Errorf("action node needs next and on_error")
		}
	case *TerminalNode:
	default:
		return fmt.Errorf("unsupported node type %T", n)
	}
	return nil
}
