package handlers

import (
	"github.com/go-openapi/errors"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/go-openapi/validate"
)

// CleaningSettings is the body of POST /clean/settings
type CleaningSettings struct {

	// Required: true
	Mode *string `json:"mode"`

	// Required: true
	FanPower *int64 `json:"fan_power"`

	// Required: true
	WaterBoxMode *int64 `json:"water_box_mode"`

	// Required: true
	MopMode *int64 `json:"mop_mode"`
}

// Validate checks presence only, allowed values depend on the mode
func (m *CleaningSettings) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.Required("mode", "body", m.Mode); err != nil {
		res = append(res, err)
	} else if err := validate.RequiredString("mode", "body", swag.StringValue(m.Mode)); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("fan_power", "body", m.FanPower); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("water_box_mode", "body", m.WaterBoxMode); err != nil {
		res = append(res, err)
	}

	if err := validate.Required("mop_mode", "body", m.MopMode); err != nil {
		res = append(res, err)
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

// MarshalBinary interface implementation
func (m *CleaningSettings) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *CleaningSettings) UnmarshalBinary(b []byte) error {
	var res CleaningSettings
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}

// SegmentRequest is the body of POST /clean/segments
type SegmentRequest struct {

	// Required: true
	// Min Items: 1
	SegmentIds []int64 `json:"segment_ids"`

	// Minimum: 1
	Repeat *int64 `json:"repeat,omitempty"`
}

// WithDefaults fills in optional fields
func (m *SegmentRequest) WithDefaults() *SegmentRequest {
	if m.Repeat == nil {
		m.Repeat = swag.Int64(1)
	}
	return m
}

func (m *SegmentRequest) Validate(formats strfmt.Registry) error {
	var res []error

	if err := validate.Required("segment_ids", "body", m.SegmentIds); err != nil {
		res = append(res, err)
	} else if err := validate.MinItems("segment_ids", "body", int64(len(m.SegmentIds)), 1); err != nil {
		res = append(res, err)
	}

	for i, id := range m.SegmentIds {
		if err := validate.MinimumInt("segment_ids."+swag.FormatInt64(int64(i)), "body", id, 0, false); err != nil {
			res = append(res, err)
		}
	}

	if m.Repeat != nil {
		if err := validate.MinimumInt("repeat", "body", *m.Repeat, 1, false); err != nil {
			res = append(res, err)
		}
	}

	if len(res) > 0 {
		return errors.CompositeValidationError(res...)
	}
	return nil
}

func (m *SegmentRequest) Segments() []int {
	out := make([]int, len(m.SegmentIds))
	for i, id := range m.SegmentIds {
		out[i] = int(id)
	}
	return out
}

// MarshalBinary interface implementation
func (m *SegmentRequest) MarshalBinary() ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return swag.WriteJSON(m)
}

// UnmarshalBinary interface implementation
func (m *SegmentRequest) UnmarshalBinary(b []byte) error {
	var res SegmentRequest
	if err := swag.ReadJSON(b, &res); err != nil {
		return err
	}
	*m = res
	return nil
}
