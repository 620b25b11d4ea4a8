package session

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeTransport 预置应答行的内存链路
type fakeTransport struct {
	lines  []string
	writes []string
	closed bool
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeTransport) ReadLine() (string, error) {
	if len(f.lines) == 0 {
		return "", nil // 模拟读超时
	}
	line := f.lines[0]
	f.lines = f.lines[1:]
	return line, nil
}

func (f *fakeTransport) ResetBuffers() error { return nil }
func (f *fakeTransport) Close() error        { f.closed = true; return nil }

func newTestRunner(tr Transport) *Runner {
	return NewRunner(Options{Transport: tr, LineDelay: -1}, zap.NewNop())
}

func TestConnectProbe(t *testing.T) {
	tr := &fakeTransport{lines: []string{"espico\n"}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if len(tr.writes) != 1 || tr.writes[0] != "t\n" {
		t.Errorf("probe writes = %v", tr.writes)
	}
}

func TestConnectNoResponse(t *testing.T) {
	tr := &fakeTransport{lines: []string{"\n"}}
	r := newTestRunner(tr)
	if err := r.Connect(); !errors.Is(err, ErrNoResponse) {
		t.Fatalf("want ErrNoResponse, got %v", err)
	}
}

func TestRunCollectsDataPoints(t *testing.T) {
	tr := &fakeTransport{lines: []string{
		"ok\n",
		"Pab4000000 ;ba4000000 \n",
		"Pab8000000 ;ba8000000 \n",
		"ignored noise\n",
		"*\n",
	}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), "e\nvar c\ncell_off"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(r.Points()); got != 2 {
		t.Fatalf("points = %d, want 2", got)
	}
	// 脚本逐行发送, 末尾补空行
	if tr.writes[len(tr.writes)-1] != "\n" {
		t.Errorf("terminating blank line missing: %v", tr.writes)
	}
}

func TestRunDeviceAbort(t *testing.T) {
	tr := &fakeTransport{lines: []string{
		"ok\n",
		"!E012: Measurement ABORT\n",
	}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), "e"); !errors.Is(err, ErrDeviceAbort) {
		t.Fatalf("want ErrDeviceAbort, got %v", err)
	}
}

func TestRunNonAbortErrorLineContinues(t *testing.T) {
	tr := &fakeTransport{lines: []string{
		"ok\n",
		"!E005: range warning\n",
		"Measurement completed\n",
	}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), "e"); err != nil {
		t.Fatalf("non-abort error line should not stop run: %v", err)
	}
}

func TestRunCancellation(t *testing.T) {
	// 链路永远超时, 取消必须在下一次轮询被发现
	tr := &fakeTransport{lines: []string{"ok\n"}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, "e") }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not honor cancellation")
	}
}

func TestSaveResults(t *testing.T) {
	tr := &fakeTransport{lines: []string{
		"ok\n",
		"Pab4000000 ;ba4000000 \n",
		"Script completed\n",
	}}
	r := newTestRunner(tr)
	if err := r.Connect(); err != nil {
		t.Fatal(err)
	}
	if err := r.Run(context.Background(), "e"); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	path, err := r.SaveResults(dir, "001_cv")
	if err != nil {
		t.Fatalf("SaveResults: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1 data row", len(rows))
	}
	if rows[0][0] != "Potential (V)" || rows[0][1] != "Current (µA)" {
		t.Errorf("header = %v", rows[0])
	}
	if !strings.HasPrefix(rows[1][0], "-") {
		t.Errorf("potential row = %v, want negative value", rows[1])
	}
}

func TestExecuteEndToEnd(t *testing.T) {
	// 单条零偏置记录: 电位 0 V, 电流 0 µA
	tr := &fakeTransport{lines: []string{
		"ok\n",
		"Pab8000000 ;ba8000000 \n",
		"Measurement completed\n",
	}}
	r := newTestRunner(tr)

	dir := t.TempDir()
	scriptPath := dir + "/001_cv.ms"
	if err := os.WriteFile(scriptPath, []byte("e\ncell_off\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	csvPath, err := r.Execute(context.Background(), scriptPath, dir)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if csvPath == "" {
		t.Fatal("no csv written")
	}
	if !tr.closed {
		t.Error("transport not released after Execute")
	}

	data, err := os.ReadFile(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header + 1 row", len(lines))
	}
	if lines[1] != "0,0" {
		t.Errorf("data row = %q, want \"0,0\"", lines[1])
	}
}
