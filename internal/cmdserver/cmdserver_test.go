package cmdserver

import (
	"archive/zip"
	"bufio"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mozilla/autophoned/internal/buildcache"
	"github.com/mozilla/autophoned/internal/crash"
	"github.com/mozilla/autophoned/internal/dispatcher"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/registry"
)

type fakeCommander struct {
	calls []model.WorkerCommand
	err   error
}

func (f *fakeCommander) SendCommand(cmd model.WorkerCommand, args string) error {
	f.calls = append(f.calls, cmd)
	return f.err
}

func (f *fakeCommander) Alive() bool { return true }

func (f *fakeCommander) Stop(grace time.Duration) error { return nil }

type fakeRoster struct {
	persisted int
}

func (f *fakeRoster) Persist() error {
	f.persisted++
	return nil
}

func buildTestAPK(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("application.ini")
	if err != nil {
		t.Fatalf("creating application.ini entry: %v", err)
	}
	ini := "[App]\nSourceRepository=mozilla-central\nBuildID=20260101120000\n"
	if _, err := f.Write([]byte(ini)); err != nil {
		t.Fatalf("writing application.ini: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *fakeRoster) {
	t.Helper()
	apk := buildTestAPK(t)
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(apk)
	}))
	t.Cleanup(httpSrv.Close)

	store, err := buildcache.NewStore(t.TempDir(), 64, 24)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	cache := buildcache.NewCache(store, httpSrv.Client())
	reg := registry.New(crash.Config{Threshold: 3, Window: 0})
	disp := dispatcher.New(cache, reg)
	roster := &fakeRoster{}

	s := New("127.0.0.1:0", reg, disp, roster, nil)
	return s, reg, roster
}

func startServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go s.handleConn(conn)
		}
	}()
	t.Cleanup(s.Stop)

	conn, err := net.Dial("tcp", lis.Addr().String())
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleConn_Greeting(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading greeting: %v", err)
	}
	if line != greeting {
		t.Errorf("greeting = %q, want %q", line, greeting)
	}
}

func sendLine(t *testing.T, conn net.Conn, reader *bufio.Reader, line string) string {
	t.Helper()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return strings.TrimSuffix(reply, "\n")
}

func TestDispatch_UnknownVerb(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n') // greeting

	got := sendLine(t, conn, reader, "bogus")
	if got != `Unknown command "bogus"` {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_CaseInsensitiveVerb(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "LOG hello there")
	if got != "ok" {
		t.Errorf("reply = %q, want ok", got)
	}
}

func TestDispatch_Register(t *testing.T) {
	s, reg, roster := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "register name=AA:BB:CC:DD:EE:FF&hardware=flame&pool=p01&ipaddr=10.0.0.5&os=13&cmdport=20701")
	if got != "ok" {
		t.Fatalf("reply = %q, want ok", got)
	}

	w, ok := reg.Get("AA_BB_CC_DD_EE_FF_flame")
	if !ok {
		t.Fatal("expected AA_BB_CC_DD_EE_FF_flame to be registered")
	}
	if w.Config.IP != "10.0.0.5" || w.Config.SUTCmdPort != 20701 {
		t.Errorf("worker config = %+v, unexpected", w.Config)
	}
	if w.Config.Serial != "P01" {
		t.Errorf("worker config.Serial = %q, want P01", w.Config.Serial)
	}
	if w.Config.MachineType != "flame" {
		t.Errorf("worker config.MachineType = %q, want flame", w.Config.MachineType)
	}
	if w.Config.Debug != 3 {
		t.Errorf("worker config.Debug = %d, want 3", w.Config.Debug)
	}
	if roster.persisted != 1 {
		t.Errorf("roster.persisted = %d, want 1", roster.persisted)
	}
}

func TestDispatch_RegisterMissingName(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "register hardware=pixel")
	if !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
}

func TestDispatch_RegisterMissingHardware(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "register name=AA:BB:CC:DD:EE:FF")
	if !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
}

// TestDispatch_RegisterThenDisableByDerivedPhoneID matches the
// register-then-disable sequence a MAC-addressed device actually
// performs: the operator (or the device itself) names the worker by
// its derived phoneid, not by the raw MAC.
func TestDispatch_RegisterThenDisableByDerivedPhoneID(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	if got := sendLine(t, conn, reader, "register name=AA:BB:CC:DD:EE:FF&hardware=flame&pool=p01&ipaddr=10.0.0.5&os=13&cmdport=20701"); got != "ok" {
		t.Fatalf("register reply = %q, want ok", got)
	}

	got := sendLine(t, conn, reader, "disable AA_BB_CC_DD_EE_FF_flame")
	if got != "ok" {
		t.Fatalf("disable reply = %q, want ok", got)
	}
}

func TestDispatch_Status(t *testing.T) {
	s, reg, _ := newTestServer(t)
	reg.Register(model.PhoneConfig{PhoneID: "phone1", IP: "10.0.0.5"})

	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "status")
	if !strings.Contains(got, "phone1") || !strings.Contains(got, "10.0.0.5") {
		t.Errorf("reply = %q, expected to mention phone1/10.0.0.5", got)
	}
}

func TestDispatch_StatusEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "status")
	if got != "no workers registered" {
		t.Errorf("reply = %q", got)
	}
}

func TestDispatch_WorkerVerbBySerial(t *testing.T) {
	s, reg, roster := newTestServer(t)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1", Serial: "SERIAL123"})
	cmdr := &fakeCommander{}
	w.Proc = cmdr

	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "disable SERIAL123 because flaky")
	if got != "ok" {
		t.Fatalf("reply = %q, want ok", got)
	}
	if len(cmdr.calls) != 1 || cmdr.calls[0] != model.CmdDisable {
		t.Errorf("cmdr.calls = %v, want [CmdDisable]", cmdr.calls)
	}
	if w.State != model.WorkerStateDisabled {
		t.Errorf("w.State = %v, want WorkerStateDisabled", w.State)
	}
	if roster.persisted != 1 {
		t.Errorf("roster.persisted = %d, want 1", roster.persisted)
	}
}

func TestDispatch_WorkerVerbUnknownWorker(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "ping nosuchphone")
	if !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
}

func TestDispatch_WorkerVerbMissingTarget(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "ping")
	if !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
}

func TestDispatch_TriggerJobs(t *testing.T) {
	s, reg, _ := newTestServer(t)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})

	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "triggerjobs http://example.invalid/build.apk")
	if got != "ok" {
		t.Fatalf("reply = %q, want ok", got)
	}

	select {
	case job := <-w.Jobs:
		if job.BuildID != "20260101120000" {
			t.Errorf("job.BuildID = %q, unexpected", job.BuildID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanned-out job")
	}
}

func TestDispatch_TriggerJobsMissingURL(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "triggerjobs")
	if !strings.HasPrefix(got, "error:") {
		t.Errorf("reply = %q, want error", got)
	}
}

func TestDispatch_Stop(t *testing.T) {
	stopped := make(chan struct{})
	s, _, _ := newTestServer(t)
	s.onStop = func() { close(stopped) }

	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	got := sendLine(t, conn, reader, "stop")
	if got != "ok" {
		t.Fatalf("reply = %q, want ok", got)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onStop to run")
	}
}

func TestHandleConn_QuitClosesConnection(t *testing.T) {
	s, _, _ := newTestServer(t)
	conn := startServer(t, s)
	reader := bufio.NewReader(conn)
	reader.ReadString('\n')

	if _, err := conn.Write([]byte("quit\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected connection to close after quit, got a reply instead")
	}
}
