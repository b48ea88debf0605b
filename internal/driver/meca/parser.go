package meca

import (
	"strconv"
	"strings"

	"icc.tech/labcell/internal/core"
)

// The monitor socket streams newline-separated tagged messages:
//
//	[0]                    activation complete
//	[1] / [1,0] / [1,1]    homing status
//	[2,0] / [2,1,<code>]   error status
//	[3,0] / [3,1]          pause status
//	[4,1]                  end of cycle (motion complete)
//	[5,x,y,z,a,b,g]        position snapshot
//
// applyStatusMessage folds one message into the status snapshot and reports
// whether anything changed.
func applyStatusMessage(st *core.RobotStatus, message string) bool {
	msg := strings.TrimSpace(message)
	if msg == "" || !strings.HasPrefix(msg, "[") {
		return false
	}

	switch {
	case msg == "[0]":
		st.Activated = true
	case msg == "[1]" || msg == "[1,1]":
		st.Homed = true
	case msg == "[1,0]":
		st.Homed = false
	case strings.HasPrefix(msg, "[2"):
		parts := splitTagged(msg)
		st.InError = len(parts) > 1 && parts[1] == "1"
		st.ErrorCode = 0
		if st.InError && len(parts) > 2 {
			if code, err := strconv.Atoi(parts[2]); err == nil {
				st.ErrorCode = code
			}
		}
	case strings.HasPrefix(msg, "[3"):
		parts := splitTagged(msg)
		st.Paused = len(parts) > 1 && parts[1] == "1"
	case strings.HasPrefix(msg, "[4"):
		parts := splitTagged(msg)
		st.EndOfCycle = len(parts) > 1 && parts[1] == "1"
	case strings.HasPrefix(msg, "[5"):
		parts := splitTagged(msg)
		if len(parts) < 7 {
			return false
		}
		coords := make([]float64, 6)
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseFloat(parts[i+1], 64)
			if err != nil {
				return false
			}
			coords[i] = v
		}
		pos := core.PositionFromCoords(coords)
		st.Position = &pos
	default:
		st.RawActivity = msg
		return false
	}
	return true
}

// splitTagged splits "[2,1,3005]" into ["2", "1", "3005"].
func splitTagged(msg string) []string {
	trimmed := strings.Trim(msg, "[]")
	parts := strings.Split(trimmed, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
