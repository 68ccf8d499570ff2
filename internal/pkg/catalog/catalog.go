package catalog

import (
	"fmt"
	"sort"

	"github.com/go-openapi/validate"
)

/*
 *  Static table of the fan/water/mop values each cleaning mode accepts
 */

// Fan power
const (
	FanQuiet    int64 = 101
	FanBalanced int64 = 102
	FanTurbo    int64 = 103
	FanMax      int64 = 104
	FanOff      int64 = 105
	FanCustom   int64 = 106
	FanMaxPlus  int64 = 108
)

// Water box mode
const (
	WaterOff      int64 = 200
	WaterMild     int64 = 201
	WaterModerate int64 = 202
	WaterIntense  int64 = 203
	WaterCustom   int64 = 204
)

// Mop mode
const (
	MopStandard int64 = 300
	MopDeep     int64 = 301
	MopCustom   int64 = 302
	MopDeepPlus int64 = 303
	MopFast     int64 = 304
)

type ModeSettings struct {
	FanPower     []int64 `json:"fan_power"`
	WaterBoxMode []int64 `json:"water_box_mode"`
	MopMode      []int64 `json:"mop_mode"`
}

// Catalog maps a mode name to its allowed settings
type Catalog map[string]ModeSettings

var cleaningModes = Catalog{
	"Vac": {
		FanPower:     []int64{FanQuiet, FanBalanced, FanTurbo, FanMax, FanMaxPlus},
		WaterBoxMode: []int64{WaterOff},
		MopMode:      []int64{MopStandard, MopFast},
	},
	"Mop": {
		FanPower:     []int64{FanOff},
		WaterBoxMode: []int64{WaterMild, WaterModerate, WaterIntense},
		MopMode:      []int64{MopFast, MopStandard, MopDeep, MopDeepPlus},
	},
	"Vac&Mop": {
		FanPower:     []int64{FanQuiet, FanBalanced, FanTurbo, FanMax},
		WaterBoxMode: []int64{WaterMild, WaterModerate, WaterIntense},
		MopMode:      []int64{MopFast, MopStandard},
	},
	"Custom": {
		FanPower:     []int64{FanCustom},
		WaterBoxMode: []int64{WaterCustom},
		MopMode:      []int64{MopCustom},
	},
}

// Modes returns a copy of the catalog
func Modes() Catalog {
	out := make(Catalog, len(cleaningModes))
	for k, v := range cleaningModes {
		out[k] = ModeSettings{
			FanPower:     append([]int64{}, v.FanPower...),
			WaterBoxMode: append([]int64{}, v.WaterBoxMode...),
			MopMode:      append([]int64{}, v.MopMode...),
		}
	}
	return out
}

func ModeNames() []string {
	names := make([]string, 0, len(cleaningModes))
	for k := range cleaningModes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValidationError names the first setting that is not allowed
type ValidationError struct {
	Field string
	Err   error
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Err)
}

func (e ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks that each value is a member of the mode's allowed set
func Validate(mode string, fanPower, waterBoxMode, mopMode int64) error {
	settings, ok := cleaningModes[mode]
	if !ok {
		names := make([]interface{}, 0, len(cleaningModes))
		for _, n := range ModeNames() {
			names = append(names, n)
		}
		return ValidationError{Field: "mode", Err: validate.Enum("mode", "body", mode, names)}
	}

	checks := []struct {
		field   string
		value   int64
		allowed []int64
	}{
		{"fan_power", fanPower, settings.FanPower},
		{"water_box_mode", waterBoxMode, settings.WaterBoxMode},
		{"mop_mode", mopMode, settings.MopMode},
	}

	for _, c := range checks {
		if verr := validate.Enum(c.field, "body", c.value, c.allowed); verr != nil {
			return ValidationError{
				Field: c.field,
				Err:   fmt.Errorf("%d is not allowed for mode %s: %s", c.value, mode, verr.Error()),
			}
		}
	}

	return nil
}
