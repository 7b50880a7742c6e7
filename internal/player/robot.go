package player

import (
	"fmt"
	"sync/atomic"
)

// robotIDCounter is a process-wide, strictly-decreasing counter — robot ids
// are negative per spec.md section 3 and never collide with a human id.
var robotIDCounter int32

var robotNamePool = []string{
	"Alpha", "Bravo", "Charlie", "Delta", "Echo", "Foxtrot", "Golf", "Hotel",
}

// NewRobot builds a Room-owned Robot Player: no socket, no router, state
// fixed at Robot, auto-generated name/avatar (spec.md section 3).
func NewRobot(roomID int32) *Player {
	id := atomic.AddInt32(&robotIDCounter, 1)
	id = -id

	name := robotNamePool[int(-id)%len(robotNamePool)]

	p := New()
	p.ID = id
	p.ScreenName = fmt.Sprintf("Robot-%s", name)
	p.Avatar = "robot_default"
	p.RoomID = roomID
	p.state = Robot
	return p
}
