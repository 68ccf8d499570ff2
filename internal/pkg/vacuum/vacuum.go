package vacuum

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jake-scott/roborock-proxy/internal/pkg/catalog"
	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

/*
 *  High level robot actions on top of the command channel
 */

// Action names, also used in response messages
const (
	ActionStop          = "stop current task"
	ActionPause         = "pause current task"
	ActionGoTo          = "send goto command"
	ActionCharge        = "send goto charge command"
	ActionSettings      = "set cleaning settings"
	ActionStartCleaning = "start cleaning"
	ActionProperties    = "retrieve device properties"
	ActionRooms         = "retrieve rooms"
)

// ValidationError is returned before anything is sent to the robot
type ValidationError = catalog.ValidationError

// CommandError wraps a failed device command with the action that issued it
type CommandError struct {
	Action string
	Params interface{}
	Err    error
}

func (e CommandError) Error() string {
	if e.Params != nil {
		return fmt.Sprintf("failed to %s %v: %s", e.Action, e.Params, e.Err)
	}
	return fmt.Sprintf("failed to %s: %s", e.Action, e.Err)
}

func (e CommandError) Unwrap() error {
	return e.Err
}

// ErrNoRooms is returned by GetRooms when the home has no rooms
var ErrNoRooms = errors.New("home data or rooms not initialized")

// RoomLister lists the rooms known to the cloud
type RoomLister interface {
	HomeRooms() []roborock.HomeDataRoom
}

type RoomSummary struct {
	Name      string `json:"name"`
	ID        int64  `json:"id"`
	SegmentID int    `json:"segment_id"`
}

// Point is a position in map coordinates
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Vacuum struct {
	sender       roborock.Sender
	rooms        RoomLister
	cleaningSpot Point
}

func New(sender roborock.Sender, rooms RoomLister) *Vacuum {
	return &Vacuum{
		sender: sender,
		rooms:  rooms,
	}
}

// WithCleaningSpot sets the target of GoToCleaningSpot
func (v *Vacuum) WithCleaningSpot(p Point) *Vacuum {
	nv := *v
	nv.cleaningSpot = p
	return &nv
}

func (v *Vacuum) send(ctx context.Context, action string, cmd Command, logParams interface{}) error {
	if _, err := v.sender.SendCommand(ctx, cmd.commandName(), cmd.params()); err != nil {
		logging.Logger(ctx).WithError(err).Errorf("Error during '%s'", action)
		return CommandError{Action: action, Params: logParams, Err: err}
	}

	logging.Logger(ctx).Debugf("%s: %s sent", action, cmd.commandName())

	return nil
}

func (v *Vacuum) Stop(ctx context.Context) error {
	return v.send(ctx, ActionStop, NewStopCommand(), nil)
}

func (v *Vacuum) Pause(ctx context.Context) error {
	return v.send(ctx, ActionPause, NewPauseCommand(), nil)
}

func (v *Vacuum) GoTo(ctx context.Context, x, y int) error {
	return v.send(ctx, ActionGoTo, NewGotoTargetCommand(x, y), Point{X: x, Y: y})
}

func (v *Vacuum) GoToChargingStation(ctx context.Context) error {
	return v.send(ctx, ActionCharge, NewChargeCommand(), nil)
}

// GoToCleaningSpot sends the robot to the configured maintenance spot
func (v *Vacuum) GoToCleaningSpot(ctx context.Context) error {
	p := v.cleaningSpot
	return v.send(ctx, ActionGoTo, NewGotoTargetCommand(p.X, p.Y), p)
}

// SetCleaningSettings validates against the mode catalog, then sets the
// motor modes in one command
func (v *Vacuum) SetCleaningSettings(ctx context.Context, mode string, fanPower, waterBoxMode, mopMode int64) error {
	if err := catalog.Validate(mode, fanPower, waterBoxMode, mopMode); err != nil {
		return err
	}

	cmd := NewCleanMotorModeCommand(fanPower, waterBoxMode, mopMode)
	return v.send(ctx, ActionSettings, cmd, cmd.params())
}

// StartCleaning cleans the given segments repeat times with the current settings
func (v *Vacuum) StartCleaning(ctx context.Context, segments []int, repeat int) error {
	if len(segments) == 0 {
		return ValidationError{Field: "segment_ids", Err: errors.New("at least one segment is required")}
	}
	if repeat < 1 {
		return ValidationError{Field: "repeat", Err: fmt.Errorf("must be at least 1, got %d", repeat)}
	}

	cmd := NewSegmentCleanCommand(segments, repeat)
	return v.send(ctx, ActionStartCleaning, cmd, cmd.params())
}

func (v *Vacuum) GetProperties(ctx context.Context) (*roborock.DeviceProp, error) {
	prop, err := roborock.GetProp(ctx, v.sender)
	if err != nil {
		logging.Logger(ctx).WithError(err).Errorf("Error during '%s'", ActionProperties)
		return nil, CommandError{Action: ActionProperties, Err: err}
	}

	return prop, nil
}

// GetRooms lists the cloud rooms, in cloud order, with the segment the robot
// uses for each.  Rooms without a segment are left out.
func (v *Vacuum) GetRooms(ctx context.Context) ([]RoomSummary, error) {
	homeRooms := v.rooms.HomeRooms()
	if len(homeRooms) == 0 {
		logging.Logger(ctx).WithError(ErrNoRooms).Errorf("Error during '%s'", ActionRooms)
		return nil, CommandError{Action: ActionRooms, Err: ErrNoRooms}
	}

	mapping, err := roborock.GetRoomMapping(ctx, v.sender)
	if err != nil {
		logging.Logger(ctx).WithError(err).Errorf("Error during '%s'", ActionRooms)
		return nil, CommandError{Action: ActionRooms, Err: err}
	}

	// room id -> segment, the last segment wins
	segmentByRoom := make(map[int64]int, len(mapping))
	for _, m := range mapping {
		id, err := strconv.ParseInt(m.IotID, 10, 64)
		if err != nil {
			logging.Logger(ctx).Debugf("segment %d has non numeric room id %q", m.SegmentID, m.IotID)
			continue
		}
		segmentByRoom[id] = m.SegmentID
	}

	rooms := make([]RoomSummary, 0, len(homeRooms))
	for _, room := range homeRooms {
		segment, ok := segmentByRoom[room.ID]
		if !ok {
			logging.Logger(ctx).Debugf("room %d (%s) has no segment", room.ID, room.Name)
			continue
		}

		rooms = append(rooms, RoomSummary{
			Name:      room.Name,
			ID:        room.ID,
			SegmentID: segment,
		})
	}

	return rooms, nil
}
