package control

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Command is one {cmd: ...} request a browser client sends over the
// control WebSocket (spec.md section 4.6).
type Command struct {
	Cmd   string          `json:"cmd"`
	State string          `json:"state,omitempty"`
	Group string          `json:"group,omitempty"`
	Token string          `json:"token,omitempty"`
	Name  string          `json:"name,omitempty"`
	Unit  string          `json:"unit,omitempty"`
	Frame int             `json:"frame,omitempty"`
	Enable *bool          `json:"enable,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// Handlers are the App Composition-supplied callbacks for each
// command kind. Control never imports the unit/group/account packages
// directly -- it only knows the commands exist, not what they do --
// keeping it a thin "external collaborator interface" per spec.md's
// framing of the surface.
type Handlers struct {
	Dump    func()
	State   func(state, group string)
	Config  func() interface{}
	Restart func()
	Link    func(token, name string)
	Viz     func(unit string, frame int)
	Log     func(enable bool)
	WUs     func(enable bool)
}

// Dispatch routes one decoded command to its handler, logging and
// dropping anything unrecognized or missing its handler (spec.md
// section 4.6: "Unknown commands are logged and ignored").
func (h Handlers) Dispatch(cmd Command, log *zap.SugaredLogger) {
	switch cmd.Cmd {
	case "dump":
		if h.Dump != nil {
			h.Dump()
		}
	case "state":
		if h.State != nil {
			h.State(cmd.State, cmd.Group)
		}
	case "config":
		if h.Config != nil {
			h.Config()
		}
	case "restart":
		if h.Restart != nil {
			h.Restart()
		}
	case "link":
		if h.Link != nil {
			h.Link(cmd.Token, cmd.Name)
		}
	case "viz":
		if h.Viz != nil {
			h.Viz(cmd.Unit, cmd.Frame)
		}
	case "log":
		if h.Log != nil && cmd.Enable != nil {
			h.Log(*cmd.Enable)
		}
	case "wus":
		if h.WUs != nil && cmd.Enable != nil {
			h.WUs(*cmd.Enable)
		}
	default:
		log.Warnw("ignoring unknown control command", "cmd", cmd.Cmd)
	}
}
