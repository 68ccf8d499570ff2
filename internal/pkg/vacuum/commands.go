package vacuum

import (
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
)

// Command is one device method with its parameters
type Command interface {
	commandName() string
	params() interface{}
}

type command struct {
	command string
}

func newCommand(name string) command {
	return command{
		command: name,
	}
}

func (c command) commandName() string {
	return c.command
}

func (c command) params() interface{} {
	return nil
}

func NewStopCommand() Command {
	return newCommand(roborock.CmdAppStop)
}

func NewPauseCommand() Command {
	return newCommand(roborock.CmdAppPause)
}

func NewChargeCommand() Command {
	return newCommand(roborock.CmdAppCharge)
}

type gotoTargetCommand struct {
	command
	X int
	Y int
}

// [x, y] in map coordinates (mm)
func (c gotoTargetCommand) params() interface{} {
	return []int{c.X, c.Y}
}

func NewGotoTargetCommand(x, y int) Command {
	return gotoTargetCommand{
		command: newCommand(roborock.CmdAppGotoTarget),
		X:       x,
		Y:       y,
	}
}

type cleanMotorModeParams struct {
	FanPower     int64 `json:"fan_power"`
	MopMode      int64 `json:"mop_mode"`
	WaterBoxMode int64 `json:"water_box_mode"`
}

type cleanMotorModeCommand struct {
	command
	settings cleanMotorModeParams
}

func (c cleanMotorModeCommand) params() interface{} {
	return []cleanMotorModeParams{c.settings}
}

func NewCleanMotorModeCommand(fanPower, waterBoxMode, mopMode int64) Command {
	return cleanMotorModeCommand{
		command: newCommand(roborock.CmdSetCleanMotorMode),
		settings: cleanMotorModeParams{
			FanPower:     fanPower,
			MopMode:      mopMode,
			WaterBoxMode: waterBoxMode,
		},
	}
}

type segmentCleanParams struct {
	Segments []int `json:"segments"`
	Repeat   int   `json:"repeat"`
}

type segmentCleanCommand struct {
	command
	request segmentCleanParams
}

func (c segmentCleanCommand) params() interface{} {
	return []segmentCleanParams{c.request}
}

func NewSegmentCleanCommand(segments []int, repeat int) Command {
	return segmentCleanCommand{
		command: newCommand(roborock.CmdAppSegmentClean),
		request: segmentCleanParams{
			Segments: append([]int{}, segments...),
			Repeat:   repeat,
		},
	}
}
