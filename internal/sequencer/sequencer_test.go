package sequencer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/pump"
)

type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureSink) Dispatch(data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := data.(Event); ok {
		c.events = append(c.events, ev)
	}
}

func (c *captureSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func newTestPump(t *testing.T) *pump.Controller {
	t.Helper()
	tr := pump.NewSimTransport(zap.NewNop())
	tr.Delay = 0
	c := pump.NewController(pump.Options{
		Transport:      tr,
		StepsPerStroke: 100000,
		SyringeUL:      1250,
		CommandWait:    -1,
		InitWait:       -1,
		ValveWait:      -1,
		SpeedSettle:    -1,
	}, zap.NewNop())
	if err := c.Connect(8, 9600, 1); err != nil {
		t.Fatal(err)
	}
	return c
}

func newTestSequencer(t *testing.T, runScript ScriptFunc, sink EventSink) (*Sequencer, *pump.Controller) {
	t.Helper()
	p := newTestPump(t)
	s := New(p, runScript, sink, Options{ItemDelay: -1}, zap.NewNop())
	return s, p
}

func TestEnqueueAspirateCapacityPreCheck(t *testing.T) {
	s, _ := newTestSequencer(t, nil, nil)

	// 队列里已有 INIT 和两笔合计超过整个行程的待执行吸液
	// (这种状态可经加载产生, 普通入队口径会在第二笔就拦下)
	s.Enqueue(
		newPumpItem(ActionInit, PumpParams{}, "Pump: Initialize (ZR)"),
		newPumpItem(ActionAspirate, PumpParams{Volume: 700, Speed: 20}, "Pump: Aspirate 700.00 µL @ S20R"),
		newPumpItem(ActionAspirate, PumpParams{Volume: 700, Speed: 20}, "Pump: Aspirate 700.00 µL @ S20R"),
	)

	err := s.EnqueueAspirate(100, 20)
	var capErr *pump.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("want CapacityError, got %v", err)
	}
	if capErr.AvailableUL != 0 {
		t.Errorf("available = %v, want 0 (queue projection saturated)", capErr.AvailableUL)
	}
	if got := len(s.Items()); got != 3 {
		t.Errorf("rejected aspirate was enqueued anyway: %d items", got)
	}
}

func TestEnqueueAspirateProjectsPendingVolume(t *testing.T) {
	s, _ := newTestSequencer(t, nil, nil)
	s.EnqueuePumpInit()

	if err := s.EnqueueAspirate(1000, 20); err != nil {
		t.Fatalf("first aspirate: %v", err)
	}
	// 还没执行任何动作, 但已排队的 1000 µL 必须计入
	if err := s.EnqueueAspirate(500, 20); err == nil {
		t.Fatal("second aspirate exceeding projected capacity was accepted")
	}
	if err := s.EnqueueAspirate(250, 20); err != nil {
		t.Fatalf("aspirate within projected capacity rejected: %v", err)
	}
}

func TestRunThreeItemQueue(t *testing.T) {
	sink := &captureSink{}
	s, p := newTestSequencer(t, nil, sink)

	if err := s.EnqueueAspirate(50, 20); err != nil {
		t.Fatal(err)
	}
	s.EnqueuePause(0.1)
	s.EnqueueDispense(50, 20)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, it := range s.Items() {
		if it.Status != StatusCompleted {
			t.Errorf("item %d status = %s, want completed", i, it.Status)
		}
	}
	if got := p.PlungerSteps(); got != 0 {
		t.Errorf("final plunger position = %d, want 0", got)
	}

	// 每项一个 running 事件加一个终结事件
	if got := len(sink.Events()); got != 6 {
		t.Errorf("events = %d, want 6", got)
	}
}

func TestStopDuringPause(t *testing.T) {
	s, _ := newTestSequencer(t, nil, nil)
	s.EnqueuePause(30)
	s.EnqueuePumpInit()

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt pause")
	}

	items := s.Items()
	if items[0].Status != StatusStopped {
		t.Errorf("pause status = %s, want stopped", items[0].Status)
	}
	if items[1].Status != StatusPending {
		t.Errorf("subsequent item executed: status = %s", items[1].Status)
	}
}

func TestItemFailureDoesNotAbortQueue(t *testing.T) {
	failing := func(ctx context.Context, scriptPath string) (string, error) {
		return "", errors.New("设备无应答")
	}
	s, _ := newTestSequencer(t, failing, nil)
	s.EnqueueScript("CV", "/nonexistent/001_cv.ms", "001_cv.ms")
	s.EnqueuePumpInit()

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	items := s.Items()
	if items[0].Status != StatusFailed {
		t.Errorf("script status = %s, want failed", items[0].Status)
	}
	if items[1].Status != StatusCompleted {
		t.Errorf("init status = %s, want completed", items[1].Status)
	}
}

func TestScriptCancellationMapsToStopped(t *testing.T) {
	cancelled := func(ctx context.Context, scriptPath string) (string, error) {
		return "", context.Canceled
	}
	s, _ := newTestSequencer(t, cancelled, nil)
	s.EnqueueScript("SWV", "/nonexistent/002_swv.ms", "002_swv.ms")

	err := s.Run(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if got := s.Items()[0].Status; got != StatusStopped {
		t.Errorf("status = %s, want stopped", got)
	}
}

func TestRunItemImmediate(t *testing.T) {
	s, p := newTestSequencer(t, nil, nil)

	status, err := s.RunItem(context.Background(), newPumpItem(ActionInit, PumpParams{}, "Pump: Initialize (ZR)"))
	if err != nil {
		t.Fatal(err)
	}
	if status != StatusCompleted {
		t.Errorf("status = %s, want completed", status)
	}
	if got := p.PlungerSteps(); got != 0 {
		t.Errorf("plunger = %d after init", got)
	}
}

func TestSampleToWasteComposite(t *testing.T) {
	s, p := newTestSequencer(t, nil, nil)
	if err := s.EnqueueSampleToWaste(1, 9, 50, 20); err != nil {
		t.Fatal(err)
	}
	items := s.Items()
	wantActions := []string{ActionValve, ActionAspirate, ActionValve, ActionDispense}
	if len(items) != len(wantActions) {
		t.Fatalf("items = %d, want %d", len(items), len(wantActions))
	}
	for i, want := range wantActions {
		if items[i].PumpAction.Name != want {
			t.Errorf("item %d = %s, want %s", i, items[i].PumpAction.Name, want)
		}
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.PlungerSteps(); got != 0 {
		t.Errorf("final plunger position = %d, want 0", got)
	}
}

func TestQueuePersistenceRoundTrip(t *testing.T) {
	s, _ := newTestSequencer(t, nil, nil)
	s.EnqueuePumpInit()
	s.EnqueuePause(2)
	if err := s.EnqueueAspirate(100, 20); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	if err := s.SaveQueue(path); err != nil {
		t.Fatalf("SaveQueue: %v", err)
	}

	restored, _ := newTestSequencer(t, nil, nil)
	loaded, skipped, err := restored.LoadQueue(path)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if loaded != 3 || skipped != 0 {
		t.Fatalf("loaded = %d skipped = %d", loaded, skipped)
	}

	items := restored.Items()
	if items[0].PumpAction == nil || items[0].PumpAction.Name != ActionInit {
		t.Errorf("item 0 = %+v", items[0])
	}
	if items[1].Type != TypePause || items[1].PauseSeconds != 2 {
		t.Errorf("item 1 = %+v", items[1])
	}
	if items[2].PumpAction.Params.Volume != 100 {
		t.Errorf("item 2 volume = %v", items[2].PumpAction.Params.Volume)
	}
	for i, it := range items {
		if it.Status != StatusPending {
			t.Errorf("item %d status not reset: %s", i, it.Status)
		}
	}
}

func TestLoadQueueSkipsInvalidItems(t *testing.T) {
	doc := `{
  "metadata": {"saved_at": "2026-08-30T10:00:00", "version": 1},
  "items": [
    {"type": "PAUSE", "status": "completed", "pause_seconds": 1.5},
    {"status": "pending", "pause_seconds": 2},
    {"type": "PUMP_ASPIRATE", "pump_action": {"params": {"volume": 10}}},
    {"type": "PAUSE", "pause_seconds": "not-a-number"}
  ]
}`
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	s, _ := newTestSequencer(t, nil, nil)
	loaded, skipped, err := s.LoadQueue(path)
	if err != nil {
		t.Fatalf("LoadQueue: %v", err)
	}
	if loaded != 1 || skipped != 3 {
		t.Fatalf("loaded = %d skipped = %d, want 1/3", loaded, skipped)
	}
	if got := s.Items()[0].Status; got != StatusPending {
		t.Errorf("restored status = %s, want pending", got)
	}
}

func TestClearRejectedWhileRunning(t *testing.T) {
	s, _ := newTestSequencer(t, nil, nil)
	s.EnqueuePause(30)

	go s.Run(context.Background())
	time.Sleep(100 * time.Millisecond)
	defer s.Stop()

	if err := s.Clear(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Clear while running = %v, want ErrAlreadyRunning", err)
	}
}
