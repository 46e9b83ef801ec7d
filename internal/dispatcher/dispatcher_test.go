package dispatcher

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mozilla/autophoned/internal/buildcache"
	"github.com/mozilla/autophoned/internal/crash"
	"github.com/mozilla/autophoned/internal/model"
	"github.com/mozilla/autophoned/internal/registry"
)

func buildTestAPK(t *testing.T, sourceRepository, buildID string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create("application.ini")
	if err != nil {
		t.Fatalf("creating application.ini entry: %v", err)
	}
	ini := "[App]\n" +
		"SourceStamp=abcdef\n" +
		"Version=100.0\n" +
		"SourceRepository=" + sourceRepository + "\n" +
		"BuildID=" + buildID + "\n"
	if _, err := f.Write([]byte(ini)); err != nil {
		t.Fatalf("writing application.ini: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestProcName(t *testing.T) {
	cases := map[string]string{
		"https://hg.mozilla.org/mozilla-central":           "org.mozilla.fennec",
		"https://hg.mozilla.org/integration/mozilla-inbound": "org.mozilla.fennec",
		"https://hg.mozilla.org/releases/mozilla-aurora":   "org.mozilla.fennec_aurora",
		"https://hg.mozilla.org/releases/mozilla-beta":     "org.mozilla.firefox",
		"https://hg.mozilla.org/try":                       "",
	}
	for repo, want := range cases {
		if got := ProcName(repo); got != want {
			t.Errorf("ProcName(%q) = %q, want %q", repo, got, want)
		}
	}
}

func TestParseApplicationINI(t *testing.T) {
	data := []byte("[App]\nSourceStamp=abc\nVersion=1.0\nSourceRepository=mozilla-central\nBuildID=20260101120000\n\n[Crash Reporter]\nEnabled=1\n")
	ini := parseApplicationINI(data)
	if ini.sourceStamp != "abc" || ini.version != "1.0" || ini.sourceRepository != "mozilla-central" || ini.buildID != "20260101120000" {
		t.Errorf("parseApplicationINI() = %+v, unexpected", ini)
	}
}

func newTestDispatcher(t *testing.T, apkBytes []byte) (*Dispatcher, *registry.Registry) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(apkBytes)
	}))
	t.Cleanup(srv.Close)

	store, err := buildcache.NewStore(t.TempDir(), 64, 24)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	cache := buildcache.NewCache(store, srv.Client())
	reg := registry.New(crash.Config{Threshold: 3, Window: 0})
	return New(cache, reg), reg
}

func TestOnBuildEvent_FansOutToRegisteredWorkers(t *testing.T) {
	apk := buildTestAPK(t, "mozilla-central", "20260101120000")
	d, reg := newTestDispatcher(t, apk)

	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})

	event := &model.BuildEvent{
		BuildURL:    "http://example.invalid/build.apk",
		BuildType:   "opt",
		BuilderType: "taskcluster",
	}
	if err := d.OnBuildEvent(context.Background(), event); err != nil {
		t.Fatalf("OnBuildEvent() error = %v", err)
	}

	select {
	case job := <-w.Jobs:
		if job.Procname != "org.mozilla.fennec" {
			t.Errorf("job.Procname = %q, want org.mozilla.fennec", job.Procname)
		}
		if job.BuildID != "20260101120000" {
			t.Errorf("job.BuildID = %q, want 20260101120000", job.BuildID)
		}
		if job.Revision != "abcdef" {
			t.Errorf("job.Revision = %q, want abcdef", job.Revision)
		}
		if job.Version != "100.0" {
			t.Errorf("job.Version = %q, want 100.0", job.Version)
		}
	default:
		t.Fatal("expected a job to be queued for phone1")
	}
}

func TestTriggerFromURL_FansOut(t *testing.T) {
	apk := buildTestAPK(t, "releases/mozilla-beta", "20260102000000")
	d, reg := newTestDispatcher(t, apk)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})

	if err := d.TriggerFromURL(context.Background(), "http://example.invalid/build.apk"); err != nil {
		t.Fatalf("TriggerFromURL() error = %v", err)
	}

	select {
	case job := <-w.Jobs:
		if job.Procname != "org.mozilla.firefox" {
			t.Errorf("job.Procname = %q, want org.mozilla.firefox", job.Procname)
		}
	default:
		t.Fatal("expected a job to be queued for phone1")
	}
}

func TestOnBuildEvent_NoBuildURL(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	if err := d.OnBuildEvent(context.Background(), &model.BuildEvent{}); err == nil {
		t.Error("expected error for build event with no build url")
	}
}

func TestOnBuildEvent_CorruptAPKAborts(t *testing.T) {
	d, _ := newTestDispatcher(t, []byte("not a zip"))
	event := &model.BuildEvent{BuildURL: "http://example.invalid/build.apk"}
	if err := d.OnBuildEvent(context.Background(), event); err == nil {
		t.Error("expected error for corrupt apk")
	}
}

func TestFanOut_BlocksUntilWorkerQueueHasRoom(t *testing.T) {
	apk := buildTestAPK(t, "mozilla-central", "20260101120000")
	d, reg := newTestDispatcher(t, apk)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})

	for i := 0; i < cap(w.Jobs); i++ {
		w.Jobs <- model.Job{}
	}

	done := make(chan error, 1)
	event := &model.BuildEvent{BuildURL: "http://example.invalid/build.apk"}
	go func() {
		done <- d.OnBuildEvent(context.Background(), event)
	}()

	select {
	case <-done:
		t.Fatal("OnBuildEvent() returned before the full worker queue was drained")
	case <-time.After(20 * time.Millisecond):
	}

	<-w.Jobs // drain one slot

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("OnBuildEvent() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnBuildEvent() did not complete after the worker queue was drained")
	}
}

func TestFanOut_SkipsDisabledWorkers(t *testing.T) {
	apk := buildTestAPK(t, "mozilla-central", "20260101120000")
	d, reg := newTestDispatcher(t, apk)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})
	if err := reg.SetState("phone1", model.WorkerStateDisabled); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}

	event := &model.BuildEvent{BuildURL: "http://example.invalid/build.apk"}
	if err := d.OnBuildEvent(context.Background(), event); err != nil {
		t.Fatalf("OnBuildEvent() error = %v", err)
	}

	select {
	case job := <-w.Jobs:
		t.Fatalf("expected no job queued for a disabled worker, got %+v", job)
	default:
	}
}

func TestSetTestPaths_CarriedOntoJob(t *testing.T) {
	apk := buildTestAPK(t, "mozilla-central", "20260101120000")
	d, reg := newTestDispatcher(t, apk)
	w := reg.Register(model.PhoneConfig{PhoneID: "phone1"})

	d.SetTestPaths([]string{"configs/smoke.ini"})

	event := &model.BuildEvent{BuildURL: "http://example.invalid/build.apk"}
	if err := d.OnBuildEvent(context.Background(), event); err != nil {
		t.Fatalf("OnBuildEvent() error = %v", err)
	}

	select {
	case job := <-w.Jobs:
		if len(job.TestPaths) != 1 || job.TestPaths[0] != "configs/smoke.ini" {
			t.Errorf("job.TestPaths = %v, want [configs/smoke.ini]", job.TestPaths)
		}
	default:
		t.Fatal("expected a job to be queued for phone1")
	}
}
