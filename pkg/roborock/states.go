package roborock

var stateNames = map[int]string{
	0:    "unknown",
	1:    "starting",
	2:    "charger_disconnected",
	3:    "idle",
	4:    "remote_control_active",
	5:    "cleaning",
	6:    "returning_home",
	7:    "manual_mode",
	8:    "charging",
	9:    "charging_problem",
	10:   "paused",
	11:   "spot_cleaning",
	12:   "error",
	13:   "shutting_down",
	14:   "updating",
	15:   "docking",
	16:   "going_to_target",
	17:   "zoned_cleaning",
	18:   "segment_cleaning",
	22:   "emptying_the_bin",
	23:   "washing_the_mop",
	26:   "going_to_wash_the_mop",
	28:   "in_call",
	29:   "mapping",
	100:  "charging_complete",
	101:  "device_offline",
	103:  "locked",
	6301: "robot_status_mopping",
	6302: "clean_mop_cleaning",
	6303: "clean_mop_mopping",
	6304: "segment_mopping",
	6305: "segment_clean_mop_cleaning",
	6306: "segment_clean_mop_mopping",
	6307: "zoned_mopping",
}

var errorNames = map[int]string{
	0:  "none",
	1:  "lidar_blocked",
	2:  "bumper_stuck",
	3:  "wheels_suspended",
	4:  "cliff_sensor_error",
	5:  "main_brush_jammed",
	6:  "side_brush_jammed",
	7:  "wheels_jammed",
	8:  "robot_trapped",
	9:  "no_dustbin",
	12: "low_battery",
	13: "charging_error",
	14: "battery_error",
	15: "wall_sensor_dirty",
	16: "robot_tilted",
	17: "side_brush_error",
	18: "fan_error",
	21: "vertical_bumper_pressed",
	22: "dock_locator_error",
	23: "return_to_dock_fail",
	24: "nogo_zone_detected",
	27: "vibrarise_jammed",
	28: "robot_on_carpet",
	29: "filter_blocked",
	30: "invisible_wall_detected",
	31: "cannot_cross_carpet",
	32: "internal_error",
}

// StateName maps a status code to its name
func StateName(code int) string {
	if name, ok := stateNames[code]; ok {
		return name
	}
	return "unknown"
}

func ErrorName(code int) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	return "unknown"
}
