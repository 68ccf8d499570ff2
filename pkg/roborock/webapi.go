package roborock

import (
	"context"
	"time"
)

// WebAPI is the Roborock cloud account API
type WebAPI interface {
	WithBaseURL(url string) WebAPI
	WithTimeout(d time.Duration) WebAPI
	MakeContext() (context.Context, context.CancelFunc)

	PassLogin(ctx context.Context, password string) (*UserData, error)
	GetHomeData(ctx context.Context, user *UserData) (*HomeData, error)
}

type Reference struct {
	R string `json:"r"`
	A string `json:"a"`
	M string `json:"m"`
	L string `json:"l"`
}

// RRiot holds the IoT credentials issued at login
type RRiot struct {
	U string    `json:"u"`
	S string    `json:"s"`
	H string    `json:"h"`
	K string    `json:"k"`
	R Reference `json:"r"`
}

type UserData struct {
	UID         int64  `json:"uid"`
	TokenType   string `json:"tokentype"`
	Token       string `json:"token"`
	RRUID       string `json:"rruid"`
	Region      string `json:"region"`
	CountryCode string `json:"countrycode"`
	Country     string `json:"country"`
	Nickname    string `json:"nickname"`
	RRIOT       RRiot  `json:"rriot"`
}

type HomeData struct {
	ID              int64             `json:"id"`
	Name            string            `json:"name"`
	Products        []HomeDataProduct `json:"products"`
	Devices         []HomeDataDevice  `json:"devices"`
	ReceivedDevices []HomeDataDevice  `json:"receivedDevices"`
	Rooms           []HomeDataRoom    `json:"rooms"`
}

type HomeDataProduct struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Category string `json:"category"`
	Code     string `json:"code"`
}

type HomeDataDevice struct {
	DUID            string `json:"duid"`
	Name            string `json:"name"`
	LocalKey        string `json:"localKey"`
	ProductID       string `json:"productId"`
	Firmware        string `json:"fv"`
	ProtocolVersion string `json:"pv"`
	Online          bool   `json:"online"`
	TimeZoneID      string `json:"timeZoneId"`
}

// HomeDataRoom is a named room.  ID matches the iot id in the room mapping.
type HomeDataRoom struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// AllDevices returns owned devices followed by shared ones
func (h *HomeData) AllDevices() []HomeDataDevice {
	out := make([]HomeDataDevice, 0, len(h.Devices)+len(h.ReceivedDevices))
	out = append(out, h.Devices...)
	return append(out, h.ReceivedDevices...)
}

func (h *HomeData) Product(id string) (HomeDataProduct, bool) {
	for _, p := range h.Products {
		if p.ID == id {
			return p, true
		}
	}
	return HomeDataProduct{}, false
}
