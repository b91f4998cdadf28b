package isolation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeEngine is an in-process container engine API good enough to drive
// the backend through its full lifecycle.
type fakeEngine struct {
	mu           sync.Mutex
	imageMissing bool
	buildCalls   int
	execCmds     map[string]string
	execSeq      int
	files        map[string][]byte
	removed      bool
	updates      []map[string]interface{}
	createBody   map[string]interface{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		execCmds: map[string]string{},
		files:    map[string][]byte{"/workspace/hello.txt": []byte("hi there\x00binary")},
	}
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	prefix := "/" + engineAPIVersion

	mux.HandleFunc(prefix+"/images/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		missing := f.imageMissing
		f.mu.Unlock()
		if missing {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"message": "no such image"})
			return
		}
		w.Write([]byte("{}"))
	})
	mux.HandleFunc(prefix+"/build", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.buildCalls++
		f.imageMissing = false
		f.mu.Unlock()
		w.Write([]byte(`{"stream":"done"}`))
	})
	mux.HandleFunc(prefix+"/containers/create", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.createBody = body
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"Id": "deadbeefcafe"})
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/start", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/kill", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/update", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.updates = append(f.updates, body)
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/exec", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Cmd []string `json:"Cmd"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.execSeq++
		id := fmt.Sprintf("exec-%d", f.execSeq)
		if len(body.Cmd) == 3 {
			f.execCmds[id] = body.Cmd[2]
		}
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"Id": id})
	})
	mux.HandleFunc(prefix+"/exec/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		id := parts[3]
		f.mu.Lock()
		cmd := f.execCmds[id]
		f.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, "/json") {
			code := 0
			if cmd == "false" {
				code = 1
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"ExitCode": code, "Running": false})
			return
		}

		// exec start: emit multiplexed output per the fake command.
		switch {
		case strings.HasPrefix(cmd, "echo "):
			writeMuxFrame(w, 1, strings.TrimPrefix(cmd, "echo ")+"\n")
		case strings.HasPrefix(cmd, "sleep"):
			select {
			case <-time.After(5 * time.Second):
			case <-r.Context().Done():
			}
		case strings.HasPrefix(cmd, "warn"):
			writeMuxFrame(w, 1, "to stdout\n")
			writeMuxFrame(w, 2, "to stderr\n")
		}
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/archive", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if r.Method == http.MethodGet {
			f.mu.Lock()
			data, ok := f.files[path]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"message": "no such file"})
				return
			}
			archive, _ := singleFileTar(pathBase(path), data, 0o644)
			w.Write(archive.Bytes())
			return
		}
		// PUT: store the uploaded file under its directory.
		data, err := extractSingleFile(r.Body)
		if err == nil {
			f.mu.Lock()
			f.files[path+"/uploaded"] = data
			f.mu.Unlock()
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"cpu_stats":{"cpu_usage":{"total_usage":200},"system_cpu_usage":1000,"online_cpus":2},
			"precpu_stats":{"cpu_usage":{"total_usage":100},"system_cpu_usage":800},
			"memory_stats":{"usage":1073741824,"limit":4294967296}
		}`))
	})
	mux.HandleFunc(prefix+"/containers/deadbeefcafe", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			f.mu.Lock()
			f.removed = true
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

func writeMuxFrame(w http.ResponseWriter, selector byte, payload string) {
	header := make([]byte, streamHeaderLen)
	header[0] = selector
	binary.BigEndian.PutUint32(header[4:8], uint32(len(payload)))
	w.Write(header)
	w.Write([]byte(payload))
}

func newTestBackend(t *testing.T, f *fakeEngine) *ContainerBackend {
	t.Helper()
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	b, err := NewContainerBackend(ContainerConfig{
		EngineHost:     "tcp://" + strings.TrimPrefix(ts.URL, "http://"),
		CommandTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewContainerBackend failed: %v", err)
	}
	t.Cleanup(b.client.http.CloseIdleConnections)
	return b
}

func startTestSession(t *testing.T, b *ContainerBackend) {
	t.Helper()
	profile, _ := ProfileByName(ProfileBalanced)
	if err := b.Start(context.Background(), "sess-1", profile); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestContainerBackend_Lifecycle(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)

	if b.IsRunning() {
		t.Fatal("fresh backend should not be running")
	}
	startTestSession(t, b)
	if !b.IsRunning() {
		t.Fatal("backend should be running after Start")
	}

	// Second start in the same session is a lifecycle violation.
	profile, _ := ProfileByName(ProfileBalanced)
	err := b.Start(context.Background(), "sess-2", profile)
	var lerr *LifecycleError
	if !errors.As(err, &lerr) {
		t.Fatalf("expected LifecycleError on double start, got %v", err)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if b.IsRunning() {
		t.Fatal("backend should not be running after Stop")
	}
	if !fake.removed {
		t.Error("container should be removed on stop")
	}

	// Everything after stop is rejected with a lifecycle error.
	if _, err := b.Execute(context.Background(), "echo x", ExecOptions{}); !errors.As(err, &lerr) {
		t.Errorf("expected LifecycleError after stop, got %v", err)
	}
}

func TestContainerBackend_LifecycleEvents(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)

	var got []Event
	b.Subscribe(func(ev Event, sessionID, detail string) {
		got = append(got, ev)
	})

	startTestSession(t, b)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	want := []Event{EventStarting, EventStarted, EventStopping, EventStopped}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestContainerBackend_Execute(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	res, err := b.Execute(context.Background(), "echo hello", ExecOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit 0, got %d", res.ExitCode)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.Duration <= 0 {
		t.Error("duration should be positive")
	}
}

func TestContainerBackend_ExecuteNonZeroExit(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	res, err := b.Execute(context.Background(), "false", ExecOptions{})
	if err != nil {
		t.Fatalf("non-zero exit is a result, not an error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("expected exit 1, got %d", res.ExitCode)
	}
}

func TestContainerBackend_ExecuteTimeout(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	start := time.Now()
	_, err := b.Execute(context.Background(), "sleep 5", ExecOptions{Timeout: 200 * time.Millisecond})
	elapsed := time.Since(start)

	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestContainerBackend_ExecuteStream(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	var mu sync.Mutex
	chunks := map[StreamType]string{}
	code, err := b.ExecuteStream(context.Background(), "warn", ExecOptions{}, func(stream StreamType, data []byte) {
		mu.Lock()
		chunks[stream] += string(data)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit 0, got %d", code)
	}
	if !strings.Contains(chunks[StreamStdout], "to stdout") {
		t.Errorf("stdout chunks = %q", chunks[StreamStdout])
	}
	if !strings.Contains(chunks[StreamStderr], "to stderr") {
		t.Errorf("stderr chunks = %q", chunks[StreamStderr])
	}
}

func TestContainerBackend_ReadFile(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	data, err := b.ReadFile(context.Background(), "/workspace/hello.txt")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "hi there\x00binary" {
		t.Errorf("payload mangled: %q", data)
	}

	_, err = b.ReadFile(context.Background(), "/workspace/missing.txt")
	var nerr *NotFoundError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestContainerBackend_Status(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)

	st, err := b.Status(context.Background())
	if err != nil {
		t.Fatalf("Status on stopped backend failed: %v", err)
	}
	if st.Running {
		t.Error("stopped backend reported running")
	}

	startTestSession(t, b)
	st, err = b.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Running {
		t.Error("running backend reported stopped")
	}
	// cpu delta 100 / system delta 200 * 2 cpus = 100%
	if st.CPUPercent < 99 || st.CPUPercent > 101 {
		t.Errorf("cpu percent = %f", st.CPUPercent)
	}
	// 1GiB of 4GiB
	if st.MemoryPercent < 24 || st.MemoryPercent > 26 {
		t.Errorf("memory percent = %f", st.MemoryPercent)
	}
	if st.Uptime <= 0 {
		t.Error("uptime should be positive")
	}
}

func TestContainerBackend_UpdateProfile(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	cpus := 1
	network := false
	rep, err := b.UpdateProfile(context.Background(), ProfilePatch{
		CPUCores:       &cpus,
		NetworkEnabled: &network,
	})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if !containsField(rep.Applied, "cpu_cores") {
		t.Errorf("cpu_cores should apply live: %+v", rep)
	}
	if !containsField(rep.RequiresRestart, "network_enabled") {
		t.Errorf("network toggle needs restart: %+v", rep)
	}
	if len(fake.updates) != 1 {
		t.Errorf("expected one engine update call, got %d", len(fake.updates))
	}
}

func TestContainerBackend_BlockedPathsNeverBound(t *testing.T) {
	fake := newFakeEngine()
	b := newTestBackend(t, fake)

	profile, _ := ProfileByName(ProfileBalanced)
	profile.SharedPaths = []string{"/home/user/docs", "/home/user/.ssh"}
	profile.ReadOnlyPaths = []string{"/etc/secrets/certs"}
	profile.BlockedPaths = []string{"/home/user/.ssh", "/etc/secrets"}
	if err := b.Start(context.Background(), "sess-1", profile); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	fake.mu.Lock()
	body := fake.createBody
	fake.mu.Unlock()
	hostConfig, _ := body["HostConfig"].(map[string]interface{})
	binds, _ := hostConfig["Binds"].([]interface{})

	var bound []string
	for _, raw := range binds {
		bound = append(bound, raw.(string))
	}
	for _, bind := range bound {
		if strings.Contains(bind, ".ssh") || strings.Contains(bind, "secrets") {
			t.Errorf("blocked path bound into container: %s", bind)
		}
	}
	found := false
	for _, bind := range bound {
		if strings.HasPrefix(bind, "/home/user/docs:") {
			found = true
		}
	}
	if !found {
		t.Errorf("allowed shared path missing from binds: %v", bound)
	}
}

func TestContainerBackend_BuildsMissingImage(t *testing.T) {
	fake := newFakeEngine()
	fake.imageMissing = true
	b := newTestBackend(t, fake)
	startTestSession(t, b)

	if fake.buildCalls != 1 {
		t.Errorf("expected one build, got %d", fake.buildCalls)
	}

	// Second session finds the image and skips the build.
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	startTestSession(t, b)
	if fake.buildCalls != 1 {
		t.Errorf("build should be idempotent, got %d calls", fake.buildCalls)
	}
}
