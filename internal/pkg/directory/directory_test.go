package directory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jake-scott/roborock-proxy/internal/pkg/session"
	"github.com/jake-scott/roborock-proxy/pkg/roborock"
	"github.com/pkg/errors"
)

type fakeSource struct {
	home *roborock.HomeData
	err  error
}

func (f fakeSource) GetHomeData(ctx context.Context, user *roborock.UserData) (*roborock.HomeData, error) {
	return f.home, f.err
}

type fakeSender struct {
	reply string
	err   error
}

func (f fakeSender) SendCommand(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.reply), nil
}

func testHome() *roborock.HomeData {
	return &roborock.HomeData{
		ID:   1,
		Name: "Home",
		Products: []roborock.HomeDataProduct{
			{ID: "p1", Name: "S7 MaxV", Model: "roborock.vacuum.a27"},
		},
		Devices: []roborock.HomeDataDevice{
			{DUID: "d1", Name: "Downstairs", LocalKey: "k1", ProductID: "p1"},
		},
		ReceivedDevices: []roborock.HomeDataDevice{
			{DUID: "d2", Name: "Shared", LocalKey: "k2", ProductID: "p-unknown"},
		},
		Rooms: []roborock.HomeDataRoom{{ID: 123, Name: "Kitchen"}},
	}
}

var testSession = &session.Session{Username: "me"}

func TestFetchAndSelect(t *testing.T) {
	r := NewResolver(fakeSource{home: testHome()})

	d, err := r.FetchDirectory(context.Background(), testSession)
	if err != nil {
		t.Fatalf("FetchDirectory: %s", err)
	}
	if len(d.Devices) != 2 {
		t.Fatalf("devices = %d, want owned and shared", len(d.Devices))
	}
	if name, ok := d.RoomName(123); !ok || name != "Kitchen" {
		t.Errorf("RoomName(123) = %q, %v", name, ok)
	}
	if rooms := d.HomeRooms(); len(rooms) != 1 || rooms[0].Name != "Kitchen" {
		t.Errorf("HomeRooms() = %+v", rooms)
	}

	dev, err := r.SelectDevice(d)
	if err != nil {
		t.Fatalf("SelectDevice: %s", err)
	}
	if dev.DUID != "d1" || dev.Model != "roborock.vacuum.a27" || dev.LocalKey != "k1" {
		t.Errorf("selected %+v", dev)
	}
}

func TestHomeRoomsKeepCloudOrder(t *testing.T) {
	home := testHome()
	home.Rooms = []roborock.HomeDataRoom{{ID: 9, Name: "Study"}, {ID: 2, Name: "Hall"}, {ID: 5, Name: "Bath"}}

	d, err := NewResolver(fakeSource{home: home}).FetchDirectory(context.Background(), testSession)
	if err != nil {
		t.Fatal(err)
	}

	rooms := d.HomeRooms()
	want := []string{"Study", "Hall", "Bath"}
	if len(rooms) != len(want) {
		t.Fatalf("rooms = %+v", rooms)
	}
	for i, name := range want {
		if rooms[i].Name != name {
			t.Errorf("room %d = %q, want %q", i, rooms[i].Name, name)
		}
	}
	if name, ok := d.RoomName(2); !ok || name != "Hall" {
		t.Errorf("RoomName(2) = %q, %v", name, ok)
	}
}

func TestSelectMissingProduct(t *testing.T) {
	r := NewResolver(fakeSource{home: testHome()}).WithDeviceIndex(1)

	d, err := r.FetchDirectory(context.Background(), testSession)
	if err != nil {
		t.Fatal(err)
	}

	_, err = r.SelectDevice(d)

	var perr ProductInfoMissingError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProductInfoMissingError", err)
	}
	if perr.DeviceID != "d2" || perr.ProductID != "p-unknown" {
		t.Errorf("unexpected %+v", perr)
	}
}

func TestSelectNoDevice(t *testing.T) {
	r := NewResolver(fakeSource{})

	if _, err := r.SelectDevice(&Directory{}); !errors.Is(err, ErrNoDeviceFound) {
		t.Errorf("empty directory: err = %v", err)
	}
	if _, err := r.WithDeviceIndex(5).SelectDevice(&Directory{Devices: testHome().Devices}); !errors.Is(err, ErrNoDeviceFound) {
		t.Errorf("index out of range: err = %v", err)
	}
}

func TestFetchDirectoryErrors(t *testing.T) {
	tests := map[string]fakeSource{
		"cloud failure": {err: errors.New("HTTP 500")},
		"no devices":    {home: &roborock.HomeData{Name: "Empty"}},
	}

	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewResolver(src).FetchDirectory(context.Background(), testSession)

			var derr DirectoryError
			if !errors.As(err, &derr) {
				t.Fatalf("err = %v, want DirectoryError", err)
			}
		})
	}

	if _, err := NewResolver(fakeSource{home: testHome()}).FetchDirectory(context.Background(), nil); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Errorf("nil session: err = %v", err)
	}
}

func TestResolveLocalAddress(t *testing.T) {
	r := NewResolver(fakeSource{})
	dev := &SelectedDevice{DUID: "d1", Name: "Downstairs"}

	ip, err := r.ResolveLocalAddress(context.Background(), dev, fakeSender{reply: `{"ip":"192.168.1.50","ssid":"home"}`})
	if err != nil {
		t.Fatalf("ResolveLocalAddress: %s", err)
	}
	if ip != "192.168.1.50" {
		t.Errorf("ip = %q", ip)
	}
	if got := dev.WithLocalAddress(ip); got.LocalAddress != ip || dev.LocalAddress != "" {
		t.Errorf("WithLocalAddress mutated the original")
	}

	_, err = r.ResolveLocalAddress(context.Background(), dev, fakeSender{err: context.DeadlineExceeded})

	var nerr NetworkInfoError
	if !errors.As(err, &nerr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want NetworkInfoError wrapping the timeout", err)
	}
}
