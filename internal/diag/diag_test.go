package diag

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/embercore/internal/epacket"
	"github.com/danmuck/embercore/internal/kv"
	"github.com/danmuck/embercore/internal/reboot"
	"github.com/danmuck/embercore/internal/security"
	"github.com/danmuck/embercore/internal/testutil/testlog"
)

func testServer(t *testing.T, token string) *Server {
	t.Helper()
	var devRoot, netRoot security.Key
	devRoot[0] = 0xA1
	sec := security.NewVolatile(0x1122334455667788, 0x00ABCD, devRoot, netRoot)
	mgr := epacket.NewManager(sec, epacket.NewRegistry(sec), epacket.Config{})
	t.Cleanup(func() { mgr.Close() })

	endA, _ := epacket.NewBTAdvPair()
	if _, err := mgr.AddInterface(endA); err != nil {
		t.Fatalf("interface: %v", err)
	}

	tracker := reboot.NewTracker(kv.NewStore())
	return NewServer(Config{Addr: ":0", AdminToken: token}, mgr, tracker, "1.2.3")
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	testlog.Start(t)
	s := testServer(t, "")

	w := get(t, s, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "1.2.3" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatusListsInterfaces(t *testing.T) {
	testlog.Start(t)
	s := testServer(t, "")

	w := get(t, s, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		BootCount  uint32 `json:"boot_count"`
		Interfaces []struct {
			Name string `json:"name"`
			Up   bool   `json:"up"`
		} `json:"interfaces"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.BootCount != 1 {
		t.Fatalf("boot count = %d", body.BootCount)
	}
	if len(body.Interfaces) != 1 || !body.Interfaces[0].Up {
		t.Fatalf("interfaces = %+v", body.Interfaces)
	}
	if !strings.HasPrefix(body.Interfaces[0].Name, "bt_adv") {
		t.Fatalf("interface name = %q", body.Interfaces[0].Name)
	}
}

func TestMetricsExposed(t *testing.T) {
	testlog.Start(t)
	s := testServer(t, "")

	w := get(t, s, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Fatal("no runtime metrics in output")
	}
}

func TestAdminRequiresToken(t *testing.T) {
	testlog.Start(t)
	s := testServer(t, "secret")
	requested := make(chan string, 1)
	s.RequestReboot = func(detail string) { requested <- detail }

	req := httptest.NewRequest(http.MethodPost, "/admin/reboot", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/admin/reboot", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d", w.Code)
	}
	select {
	case <-requested:
	default:
		t.Fatal("reboot request not delivered")
	}
}
