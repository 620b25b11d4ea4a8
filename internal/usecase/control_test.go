package usecase

import (
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/pump"
	"github.com/maxladabaum/experiment-automation/internal/sequencer"
	"github.com/maxladabaum/experiment-automation/internal/store"
)

func newTestHandler(t *testing.T) (*ControlHandler, *sequencer.Sequencer) {
	t.Helper()
	tr := pump.NewSimTransport(zap.NewNop())
	tr.Delay = 0
	pumpCtrl := pump.NewController(pump.Options{
		Transport:      tr,
		StepsPerStroke: 100000,
		SyringeUL:      1250,
		CommandWait:    -1,
		InitWait:       -1,
		ValveWait:      -1,
		SpeedSettle:    -1,
	}, zap.NewNop())
	if err := pumpCtrl.Connect(8, 9600, 1); err != nil {
		t.Fatal(err)
	}

	seq := sequencer.New(pumpCtrl, nil, nil, sequencer.Options{ItemDelay: -1}, zap.NewNop())
	scriptStore := store.NewScriptStore(t.TempDir(), zap.NewNop())
	return NewControlHandler(seq, pumpCtrl, scriptStore, zap.NewNop()), seq
}

func TestHandleCVGeneratesAndQueues(t *testing.T) {
	h, seq := newTestHandler(t)

	reply := h.Handle("CV 0 -0.5 0.5 0.002 0.1 1")
	if !strings.HasPrefix(reply, "OK CV queued as 001_cv.ms") {
		t.Fatalf("reply = %q", reply)
	}

	items := seq.Items()
	if len(items) != 1 || items[0].Type != "CV" {
		t.Fatalf("queue = %+v", items)
	}
	script, err := os.ReadFile(items[0].ScriptPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(script), "meas_loop_cv p c 0 -500m 500m 2m 100m") {
		t.Errorf("script content:\n%s", script)
	}
}

func TestHandleTechniqueRejectsPartialConditioning(t *testing.T) {
	h, seq := newTestHandler(t)

	// 7 个参数: 只有调理电位没有时长
	if reply := h.Handle("CV 0 -0.5 0.5 0.002 0.1 1 0.2"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("partial conditioning accepted: %q", reply)
	}
	if reply := h.Handle("SWV -0.5 0.5 0.002 0.02 15 1 0.2"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("partial conditioning accepted: %q", reply)
	}
	if got := len(seq.Items()); got != 0 {
		t.Errorf("invalid technique was queued: %d items", got)
	}

	// 完整的调理参数对照组
	if reply := h.Handle("CV 0 -0.5 0.5 0.002 0.1 1 0.2 10"); !strings.HasPrefix(reply, "OK") {
		t.Errorf("full conditioning rejected: %q", reply)
	}
}

func TestHandlePumpCalibration(t *testing.T) {
	h, seq := newTestHandler(t)

	reply := h.Handle("PUMP CAL 181490 1000")
	if !strings.HasPrefix(reply, "OK calibration applied: steps/stroke=181490") {
		t.Fatalf("reply = %q", reply)
	}

	// 新标定下 1000 µL 即整个行程, 再多就超容
	if reply := h.Handle("PUMP ASPIRATE 1000 20"); !strings.HasPrefix(reply, "OK") {
		t.Fatalf("full-stroke aspirate rejected: %q", reply)
	}
	if reply := h.Handle("PUMP ASPIRATE 1 20"); !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("over-capacity aspirate accepted under new calibration: %q", reply)
	}

	if reply := h.Handle("PUMP CAL abc 1000"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("invalid calibration accepted: %q", reply)
	}
	_ = seq
}

func TestHandleSWVRejectsBadScanCount(t *testing.T) {
	h, seq := newTestHandler(t)

	reply := h.Handle("SWV -0.5 0.5 0.002 0.02 15 0")
	if !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("reply = %q", reply)
	}
	if got := len(seq.Items()); got != 0 {
		t.Errorf("invalid technique was queued: %d items", got)
	}
}

func TestHandlePumpAspirateCapacityRejected(t *testing.T) {
	h, _ := newTestHandler(t)

	if reply := h.Handle("PUMP ASPIRATE 1000 20"); !strings.HasPrefix(reply, "OK") {
		t.Fatalf("reply = %q", reply)
	}
	// 已排队 1000 µL, 再来 500 µL 超出 1250 µL 注射器
	if reply := h.Handle("PUMP ASPIRATE 500 20"); !strings.HasPrefix(reply, "ERR") {
		t.Fatalf("over-capacity aspirate accepted: %q", reply)
	}
}

func TestHandlePauseValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	if reply := h.Handle("PAUSE 2.5"); !strings.HasPrefix(reply, "OK") {
		t.Errorf("reply = %q", reply)
	}
	if reply := h.Handle("PAUSE abc"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("reply = %q", reply)
	}
	if reply := h.Handle("PAUSE"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	h, _ := newTestHandler(t)
	if reply := h.Handle("FROBNICATE 1 2 3"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandleStatus(t *testing.T) {
	h, _ := newTestHandler(t)
	h.Handle("PAUSE 1")

	reply := h.Handle("STATUS")
	if !strings.HasPrefix(reply, "OK queue=idle items=1") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.Contains(reply, "PAUSE PENDING") {
		t.Errorf("item line missing: %q", reply)
	}
	if !strings.Contains(reply, "pump connected=true") {
		t.Errorf("pump line missing: %q", reply)
	}
}

func TestHandleRunExecutesQueue(t *testing.T) {
	h, seq := newTestHandler(t)
	h.Handle("PUMP INIT")
	h.Handle("PUMP ASPIRATE 50 20")
	h.Handle("PUMP DISPENSE 50 20")

	if reply := h.Handle("RUN"); !strings.HasPrefix(reply, "OK running 3") {
		t.Fatalf("reply = %q", reply)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		done := true
		for _, it := range seq.Items() {
			if it.Status != sequencer.StatusCompleted {
				done = false
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue did not finish: %+v", seq.Items())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandleRunEmptyQueue(t *testing.T) {
	h, _ := newTestHandler(t)
	if reply := h.Handle("RUN"); !strings.HasPrefix(reply, "ERR") {
		t.Errorf("reply = %q", reply)
	}
}

func TestHandleClear(t *testing.T) {
	h, seq := newTestHandler(t)
	h.Handle("PAUSE 1")
	if reply := h.Handle("CLEAR"); !strings.HasPrefix(reply, "OK") {
		t.Fatalf("reply = %q", reply)
	}
	if got := len(seq.Items()); got != 0 {
		t.Errorf("queue not cleared: %d items", got)
	}
}
