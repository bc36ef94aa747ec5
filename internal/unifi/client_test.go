package unifi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const deviceFixture = `{"meta":{"rc":"ok"},"data":[
 {"mac":"74:83:C2:00:00:10","name":"Kitchen","type":"uap","model":"U6LR","vap_table":[
  {"bssid":"76:83:C2:00:00:11","essid":"home","channel":6,"radio":"ng","up":true},
  {"bssid":"76:83:c2:00:00:12","essid":"home","channel":36,"radio":"na","up":true},
  {"bssid":"76:83:c2:00:00:13","essid":"guest","channel":36,"radio":"na","up":false}]},
 {"mac":"74:83:C2:00:00:20","name":"","type":"uap","model":"UAPL6","vap_table":[
  {"bssid":"76:83:c2:00:00:21","essid":"home","channel":149,"radio":"na","up":true}]},
 {"mac":"74:83:C2:00:00:30","name":"Core Switch","type":"usw","model":"USL24"}
]}`

func TestGetDevices_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/network/api/s/default/stat/device" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("expected X-API-KEY test-key, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(deviceFixture))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-key", nil)
	devices, err := client.GetDevices(context.Background())
	if err != nil {
		t.Fatalf("GetDevices: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	if devices[0].Name != "Kitchen" || len(devices[0].VAPTable) != 3 {
		t.Errorf("first device = %+v", devices[0])
	}
}

func TestListAPs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(deviceFixture))
	}))
	defer srv.Close()

	aps, err := NewClient(srv.URL+"/", "test-key", nil).ListAPs(context.Background())
	if err != nil {
		t.Fatalf("ListAPs: %v", err)
	}

	want := []APInfo{
		{BSSID: "76:83:c2:00:00:11", Name: "Kitchen", SSID: "home", Channel: 6, Radio: "ng"},
		{BSSID: "76:83:c2:00:00:12", Name: "Kitchen", SSID: "home", Channel: 36, Radio: "na"},
		{BSSID: "76:83:c2:00:00:21", Name: "UAPL6 74:83:c2:00:00:20", SSID: "home", Channel: 149, Radio: "na"},
	}
	if len(aps) != len(want) {
		t.Fatalf("ListAPs() returned %d APs, want %d: %+v", len(aps), len(want), aps)
	}
	for i := range want {
		if aps[i] != want[i] {
			t.Errorf("ap %d = %+v, want %+v", i, aps[i], want[i])
		}
	}
}

func TestGetDevices_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("invalid api key"))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "bad-key", nil).GetDevices(context.Background()); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestGetDevices_MalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{invalid"))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, "test-key", nil).GetDevices(context.Background()); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/proxy/network/api/s/default/stat/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "test-key", nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if err := NewClient(srv.URL, "test-key", nil).Ping(context.Background()); err == nil {
		t.Error("Ping() should fail on 503")
	}
}
