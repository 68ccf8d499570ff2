package roborock

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Device command names
const (
	CmdGetStatus         = "get_status"
	CmdGetCleanSummary   = "get_clean_summary"
	CmdGetCleanRecord    = "get_clean_record"
	CmdGetConsumable     = "get_consumable"
	CmdGetRoomMapping    = "get_room_mapping"
	CmdGetNetworkInfo    = "get_network_info"
	CmdAppStop           = "app_stop"
	CmdAppPause          = "app_pause"
	CmdAppCharge         = "app_charge"
	CmdAppGotoTarget     = "app_goto_target"
	CmdAppSegmentClean   = "app_segment_clean"
	CmdSetCleanMotorMode = "set_clean_motor_mode"
)

type Status struct {
	MsgVer                 int     `json:"msg_ver"`
	MsgSeq                 int     `json:"msg_seq"`
	State                  int     `json:"state"`
	StateName              string  `json:"state_name"`
	Battery                int     `json:"battery"`
	CleanTime              int     `json:"clean_time"`
	CleanArea              int     `json:"clean_area"`
	SquareMeterCleanArea   float64 `json:"square_meter_clean_area"`
	ErrorCode              int     `json:"error_code"`
	ErrorCodeName          string  `json:"error_code_name"`
	MapPresent             int     `json:"map_present"`
	InCleaning             int     `json:"in_cleaning"`
	InReturning            int     `json:"in_returning"`
	InFreshState           int     `json:"in_fresh_state"`
	LabStatus              int     `json:"lab_status"`
	WaterBoxStatus         int     `json:"water_box_status"`
	FanPower               int     `json:"fan_power"`
	DNDEnabled             int     `json:"dnd_enabled"`
	MapStatus              int     `json:"map_status"`
	IsLocating             int     `json:"is_locating"`
	LockStatus             int     `json:"lock_status"`
	WaterBoxMode           int     `json:"water_box_mode"`
	WaterBoxCarriageStatus int     `json:"water_box_carriage_status"`
	MopForbiddenEnable     int     `json:"mop_forbidden_enable"`
	IsExploring            int     `json:"is_exploring"`
	WaterShortageStatus    int     `json:"water_shortage_status"`
	DockType               int     `json:"dock_type"`
	DustCollectionStatus   int     `json:"dust_collection_status"`
	AutoDustCollection     int     `json:"auto_dust_collection"`
	MopMode                int     `json:"mop_mode"`
	ChargeStatus           int     `json:"charge_status"`
	DockErrorStatus        int     `json:"dock_error_status"`
}

type CleanSummary struct {
	CleanTime            int     `json:"clean_time"`
	CleanArea            int     `json:"clean_area"`
	SquareMeterCleanArea float64 `json:"square_meter_clean_area"`
	CleanCount           int     `json:"clean_count"`
	DustCollectionCount  int     `json:"dust_collection_count"`
	Records              []int64 `json:"records"`
}

type Consumable struct {
	MainBrushWorkTime       int `json:"main_brush_work_time"`
	SideBrushWorkTime       int `json:"side_brush_work_time"`
	FilterWorkTime          int `json:"filter_work_time"`
	FilterElementWorkTime   int `json:"filter_element_work_time"`
	SensorDirtyTime         int `json:"sensor_dirty_time"`
	StrainerWorkTimes       int `json:"strainer_work_times"`
	DustCollectionWorkTimes int `json:"dust_collection_work_times"`
	CleaningBrushWorkTimes  int `json:"cleaning_brush_work_times"`
}

type CleanRecord struct {
	Begin                int64   `json:"begin"`
	End                  int64   `json:"end"`
	Duration             int     `json:"duration"`
	Area                 int     `json:"area"`
	SquareMeterArea      float64 `json:"square_meter_area"`
	Error                int     `json:"error"`
	Complete             int     `json:"complete"`
	StartType            int     `json:"start_type"`
	CleanType            int     `json:"clean_type"`
	FinishReason         int     `json:"finish_reason"`
	DustCollectionStatus int     `json:"dust_collection_status"`
	AvoidCount           int     `json:"avoid_count"`
	WashCount            int     `json:"wash_count"`
	MapFlag              int     `json:"map_flag"`
}

// DeviceProp is a point-in-time snapshot of the robot
type DeviceProp struct {
	Status          *Status       `json:"status"`
	CleanSummary    *CleanSummary `json:"clean_summary"`
	Consumable      *Consumable   `json:"consumable"`
	LastCleanRecord *CleanRecord  `json:"last_clean_record"`
}

// RoomMapping ties a map segment to the cloud room id
type RoomMapping struct {
	SegmentID int    `json:"segment_id"`
	IotID     string `json:"iot_id"`
}

type NetworkInfo struct {
	IP    string `json:"ip"`
	SSID  string `json:"ssid,omitempty"`
	MAC   string `json:"mac,omitempty"`
	BSSID string `json:"bssid,omitempty"`
	RSSI  int    `json:"rssi,omitempty"`
}

// Areas are reported in mm²
func toSquareMeters(area int) float64 {
	return float64(area) / 1000000
}

// Many getters wrap their single result object in a list
func unwrapList(raw json.RawMessage) json.RawMessage {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		var obj map[string]json.RawMessage
		if json.Unmarshal(list[0], &obj) == nil {
			return list[0]
		}
	}
	return raw
}

func GetStatus(ctx context.Context, s Sender) (*Status, error) {
	raw, err := s.SendCommand(ctx, CmdGetStatus, nil)
	if err != nil {
		return nil, err
	}

	var st Status
	if err := json.Unmarshal(unwrapList(raw), &st); err != nil {
		return nil, errors.Wrap(err, "decoding status")
	}
	st.StateName = StateName(st.State)
	st.ErrorCodeName = ErrorName(st.ErrorCode)
	st.SquareMeterCleanArea = toSquareMeters(st.CleanArea)

	return &st, nil
}

func GetCleanSummary(ctx context.Context, s Sender) (*CleanSummary, error) {
	raw, err := s.SendCommand(ctx, CmdGetCleanSummary, nil)
	if err != nil {
		return nil, err
	}

	var cs CleanSummary
	if err := json.Unmarshal(raw, &cs); err != nil {
		// older firmware: [time, area, count, [records]]
		var list []json.RawMessage
		if lerr := json.Unmarshal(raw, &list); lerr != nil || len(list) < 3 {
			return nil, errors.Wrap(err, "decoding clean summary")
		}
		_ = json.Unmarshal(list[0], &cs.CleanTime)
		_ = json.Unmarshal(list[1], &cs.CleanArea)
		_ = json.Unmarshal(list[2], &cs.CleanCount)
		if len(list) > 3 {
			_ = json.Unmarshal(list[3], &cs.Records)
		}
	}
	cs.SquareMeterCleanArea = toSquareMeters(cs.CleanArea)

	return &cs, nil
}

func GetConsumable(ctx context.Context, s Sender) (*Consumable, error) {
	raw, err := s.SendCommand(ctx, CmdGetConsumable, nil)
	if err != nil {
		return nil, err
	}

	var c Consumable
	if err := json.Unmarshal(unwrapList(raw), &c); err != nil {
		return nil, errors.Wrap(err, "decoding consumables")
	}

	return &c, nil
}

func GetCleanRecord(ctx context.Context, s Sender, recordID int64) (*CleanRecord, error) {
	raw, err := s.SendCommand(ctx, CmdGetCleanRecord, []int64{recordID})
	if err != nil {
		return nil, err
	}

	var rec CleanRecord
	body := unwrapList(raw)
	if err := json.Unmarshal(body, &rec); err != nil {
		// [[begin, end, duration, area, error, complete]]
		var rows [][]int64
		if lerr := json.Unmarshal(raw, &rows); lerr != nil || len(rows) == 0 || len(rows[0]) < 6 {
			return nil, errors.Wrap(err, "decoding clean record")
		}
		row := rows[0]
		rec = CleanRecord{
			Begin:    row[0],
			End:      row[1],
			Duration: int(row[2]),
			Area:     int(row[3]),
			Error:    int(row[4]),
			Complete: int(row[5]),
		}
	}
	rec.SquareMeterArea = toSquareMeters(rec.Area)

	return &rec, nil
}

// GetProp gathers status, summary and consumables, then the latest clean
// record if the summary names one
func GetProp(ctx context.Context, s Sender) (*DeviceProp, error) {
	var prop DeviceProp

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		prop.Status, err = GetStatus(gctx, s)
		return err
	})
	g.Go(func() (err error) {
		prop.CleanSummary, err = GetCleanSummary(gctx, s)
		return err
	})
	g.Go(func() (err error) {
		prop.Consumable, err = GetConsumable(gctx, s)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(prop.CleanSummary.Records) > 0 {
		rec, err := GetCleanRecord(ctx, s, prop.CleanSummary.Records[0])
		if err != nil {
			return nil, err
		}
		prop.LastCleanRecord = rec
	}

	return &prop, nil
}

// GetRoomMapping decodes [[segment, "iot id", ...], ...]
func GetRoomMapping(ctx context.Context, s Sender) ([]RoomMapping, error) {
	raw, err := s.SendCommand(ctx, CmdGetRoomMapping, nil)
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, errors.Wrap(err, "decoding room mapping")
	}

	out := make([]RoomMapping, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}

		var m RoomMapping
		if err := json.Unmarshal(row[0], &m.SegmentID); err != nil {
			return nil, errors.Wrap(err, "decoding segment id")
		}

		// the iot id is usually a string but some firmware sends a number
		var iot interface{}
		if err := json.Unmarshal(row[1], &iot); err != nil {
			return nil, errors.Wrap(err, "decoding iot id")
		}
		switch v := iot.(type) {
		case string:
			m.IotID = v
		case float64:
			m.IotID = strconv.FormatInt(int64(v), 10)
		}

		out = append(out, m)
	}

	return out, nil
}

func GetNetworkInfo(ctx context.Context, s Sender) (*NetworkInfo, error) {
	var ni NetworkInfo
	if err := Call(ctx, s, CmdGetNetworkInfo, nil, &ni); err != nil {
		return nil, err
	}
	if ni.IP == "" {
		return nil, errors.New("network info carried no ip address")
	}

	return &ni, nil
}
