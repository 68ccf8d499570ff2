package directory

import (
	"context"
	"fmt"

	"github.com/jake-scott/roborock-proxy/internal/pkg/logging"
	"github.com/jake-scott/roborock-proxy/internal/pkg/session"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

var ErrNoDeviceFound = errors.New("no device found in home")

type DirectoryError struct {
	Err error
}

func (e DirectoryError) Error() string {
	return "fetching home directory: " + e.Err.Error()
}

func (e DirectoryError) Unwrap() error {
	return e.Err
}

// ProductInfoMissingError means the device's product has no metadata
type ProductInfoMissingError struct {
	DeviceID  string
	ProductID string
}

func (e ProductInfoMissingError) Error() string {
	return fmt.Sprintf("no product info for device %s (product %s)", e.DeviceID, e.ProductID)
}

type NetworkInfoError struct {
	DeviceID string
	Err      error
}

func (e NetworkInfoError) Error() string {
	return fmt.Sprintf("fetching network info of %s: %s", e.DeviceID, e.Err)
}

func (e NetworkInfoError) Unwrap() error {
	return e.Err
}

type HomeDataSource interface {
	GetHomeData(ctx context.Context, user *roborock.UserData) (*roborock.HomeData, error)
}

// Directory is the home layout as known to the cloud
type Directory struct {
	HomeID   int64
	Name     string
	Devices  []roborock.HomeDataDevice
	Products map[string]roborock.HomeDataProduct
	Rooms    []roborock.HomeDataRoom

	roomNames map[int64]string
}

// HomeRooms returns the rooms in the order the cloud lists them
func (d *Directory) HomeRooms() []roborock.HomeDataRoom {
	return d.Rooms
}

func (d *Directory) RoomName(id int64) (string, bool) {
	name, ok := d.roomNames[id]
	return name, ok
}

// SelectedDevice is the robot this process controls
type SelectedDevice struct {
	DUID         string
	Name         string
	LocalKey     string
	Model        string
	ProductName  string
	LocalAddress string
}

func (d SelectedDevice) Info() roborock.DeviceInfo {
	return roborock.DeviceInfo{DUID: d.DUID, LocalKey: d.LocalKey}
}

func (d SelectedDevice) WithLocalAddress(ip string) SelectedDevice {
	d.LocalAddress = ip
	return d
}

type Resolver struct {
	source      HomeDataSource
	deviceIndex int
}

func NewResolver(source HomeDataSource) *Resolver {
	return &Resolver{source: source}
}

func (r *Resolver) WithDeviceIndex(i int) *Resolver {
	nr := *r
	nr.deviceIndex = i
	return &nr
}

func (r *Resolver) FetchDirectory(ctx context.Context, sess *session.Session) (*Directory, error) {
	if sess == nil {
		return nil, DirectoryError{Err: session.ErrNotAuthenticated}
	}

	home, err := r.source.GetHomeData(ctx, &sess.User)
	if err != nil {
		return nil, DirectoryError{Err: err}
	}

	devices := home.AllDevices()
	if len(devices) == 0 {
		return nil, DirectoryError{Err: ErrNoDeviceFound}
	}

	d := &Directory{
		HomeID:   home.ID,
		Name:     home.Name,
		Devices:  devices,
		Products: make(map[string]roborock.HomeDataProduct, len(home.Products)),
		Rooms:    home.Rooms,

		roomNames: make(map[int64]string, len(home.Rooms)),
	}
	for _, p := range home.Products {
		d.Products[p.ID] = p
	}
	for _, room := range home.Rooms {
		d.roomNames[room.ID] = room.Name
	}

	logging.Logger(ctx).Debugf("home %q: %d devices, %d products, %d rooms", d.Name, len(d.Devices), len(d.Products), len(d.Rooms))

	return d, nil
}

func (r *Resolver) SelectDevice(d *Directory) (*SelectedDevice, error) {
	if d == nil || len(d.Devices) == 0 {
		return nil, ErrNoDeviceFound
	}
	if r.deviceIndex < 0 || r.deviceIndex >= len(d.Devices) {
		return nil, errors.Wrapf(ErrNoDeviceFound, "device index %d of %d", r.deviceIndex, len(d.Devices))
	}

	dev := d.Devices[r.deviceIndex]
	product, ok := d.Products[dev.ProductID]
	if !ok {
		return nil, ProductInfoMissingError{DeviceID: dev.DUID, ProductID: dev.ProductID}
	}

	return &SelectedDevice{
		DUID:        dev.DUID,
		Name:        dev.Name,
		LocalKey:    dev.LocalKey,
		Model:       product.Model,
		ProductName: product.Name,
	}, nil
}

// ResolveLocalAddress asks the robot, over an already reachable channel, for its IP
func (r *Resolver) ResolveLocalAddress(ctx context.Context, dev *SelectedDevice, sender roborock.Sender) (string, error) {
	ni, err := roborock.GetNetworkInfo(ctx, sender)
	if err != nil {
		return "", NetworkInfoError{DeviceID: dev.DUID, Err: err}
	}

	logging.Logger(ctx).Infof("device %s is at %s", dev.Name, ni.IP)

	return ni.IP, nil
}
