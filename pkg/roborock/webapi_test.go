package roborock

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type fakeCloud struct {
	*httptest.Server
	regionCalls int32
}

func newFakeCloud(t *testing.T) *fakeCloud {
	mux := http.NewServeMux()
	srv := &fakeCloud{}

	mux.HandleFunc("/api/v1/getUrlByEmail", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&srv.regionCalls, 1)
		w.Write([]byte(`{"code":200,"data":{"url":"` + srv.URL + `","country":"GB"}}`))
	})

	mux.HandleFunc("/api/v1/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("header_clientid") == "" {
			t.Error("login without header_clientid")
		}
		if r.URL.Query().Get("password") != "secret" {
			w.Write([]byte(`{"code":2012,"msg":"invalid credentials"}`))
			return
		}
		w.Write([]byte(`{"code":200,"data":{"uid":1,"token":"tok","region":"eu","rriot":{"u":"U1","s":"S1","h":"H1","k":"K1","r":{"a":"` + srv.URL + `","m":"ssl://mqtt.example:8883"}}}}`))
	})
	mux.HandleFunc("/api/v1/getHomeDetail", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "tok" {
			w.Write([]byte(`{"code":401,"msg":"unauthorized"}`))
			return
		}
		w.Write([]byte(`{"code":200,"data":{"rrHomeId":77}}`))
	})
	mux.HandleFunc("/v2/user/homes/77", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), `Hawk id="U1"`) {
			t.Errorf("home data auth = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"success":true,"result":{"id":77,"name":"Home",
			"products":[{"id":"p1","name":"S7 MaxV","model":"roborock.vacuum.a27"}],
			"devices":[{"duid":"d1","name":"Robo","localKey":"lk","productId":"p1","pv":"1.0","online":true}],
			"rooms":[{"id":123,"name":"Kitchen"}]}}`))
	})

	srv.Server = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func TestLivePassLoginAndHomeData(t *testing.T) {
	srv := newFakeCloud(t)
	api := NewLiveClient("user@example.com").WithHTTPClient(srv.Client()).WithBaseURL(srv.URL)

	ctx := context.Background()
	user, err := api.PassLogin(ctx, "secret")
	if err != nil {
		t.Fatalf("PassLogin: %s", err)
	}
	if user.Token != "tok" || user.RRIOT.U != "U1" {
		t.Fatalf("unexpected user %+v", user)
	}

	home, err := api.GetHomeData(ctx, user)
	if err != nil {
		t.Fatalf("GetHomeData: %s", err)
	}
	if len(home.Devices) != 1 || home.Devices[0].DUID != "d1" {
		t.Fatalf("devices = %+v", home.Devices)
	}
	if p, ok := home.Product("p1"); !ok || p.Model != "roborock.vacuum.a27" {
		t.Errorf("product lookup = %+v, %v", p, ok)
	}
	if len(home.Rooms) != 1 || home.Rooms[0].ID != 123 {
		t.Errorf("rooms = %+v", home.Rooms)
	}
}

func TestLivePassLoginRejected(t *testing.T) {
	srv := newFakeCloud(t)
	api := NewLiveClient("user@example.com").WithHTTPClient(srv.Client()).WithBaseURL(srv.URL)

	_, err := api.PassLogin(context.Background(), "wrong")

	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.Code != 2012 {
		t.Errorf("code = %d", apiErr.Code)
	}
}

func TestLiveLooksUpRegionOnce(t *testing.T) {
	srv := newFakeCloud(t)
	api := NewLiveClient("user@example.com").WithHTTPClient(srv.Client())
	api.regions = []string{"http://127.0.0.1:1", srv.URL}

	ctx := context.Background()
	user, err := api.PassLogin(ctx, "secret")
	if err != nil {
		t.Fatalf("PassLogin: %s", err)
	}

	// a copy made afterwards shares the answer
	if _, err := api.WithTimeout(time.Minute).GetHomeData(ctx, user); err != nil {
		t.Fatalf("GetHomeData: %s", err)
	}
	if _, err := api.GetHomeData(ctx, user); err != nil {
		t.Fatalf("GetHomeData: %s", err)
	}

	if n := atomic.LoadInt32(&srv.regionCalls); n != 1 {
		t.Errorf("region looked up %d times, want 1", n)
	}
}

func TestMQTTConfigFor(t *testing.T) {
	user := &UserData{RRIOT: RRiot{U: "U1", S: "S1", K: "K1", R: Reference{M: "ssl://mqtt.example:8883"}}}

	cfg, err := MQTTConfigFor(user, "d1")
	if err != nil {
		t.Fatal(err)
	}

	wantUser := md5Hex([]byte("U1:K1"))[2:10]
	if cfg.Username != wantUser || len(cfg.Password) != 16 {
		t.Errorf("credentials = %q / %q", cfg.Username, cfg.Password)
	}
	if !cfg.TLS || cfg.Broker != "ssl://mqtt.example:8883" {
		t.Errorf("broker = %q tls=%v", cfg.Broker, cfg.TLS)
	}
	if cfg.PublishTopic != "rr/m/i/U1/"+wantUser+"/d1" || cfg.SubscribeTopic != "rr/m/o/U1/"+wantUser+"/d1" {
		t.Errorf("topics = %q %q", cfg.PublishTopic, cfg.SubscribeTopic)
	}

	if _, err := MQTTConfigFor(&UserData{}, "d1"); err == nil {
		t.Error("expected error for missing mqtt url")
	}
}
