package canrelay

import "fmt"

// LightState is the on/off state of one relay node.
type LightState struct {
	NodeID int  `json:"node_id"`
	On     bool `json:"on"`
}

// String renders the state as "0x15=on".
func (s LightState) String() string {
	v := "off"
	if s.On {
		v = "on"
	}
	return fmt.Sprintf("%s=%s", FormatNodeID(s.NodeID), v)
}
