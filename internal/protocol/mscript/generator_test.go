package mscript

import (
	"errors"
	"strings"
	"testing"
)

func TestCVScriptBasic(t *testing.T) {
	p := CVParams{
		BeginPotential: 0,
		Vertex1:        -0.5,
		Vertex2:        0.5,
		StepPotential:  0.002,
		ScanRate:       0.1,
		NScans:         1,
	}
	script, err := p.Script()
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(script, "\n")
	if lines[0] != "e" {
		t.Errorf("first line = %q, want \"e\"", lines[0])
	}
	if !strings.Contains(script, "meas_loop_cv p c 0 -500m 500m 2m 100m") {
		t.Errorf("loop command wrong:\n%s", script)
	}
	if strings.Contains(script, "nscans") {
		t.Error("single scan must not emit nscans modifier")
	}
	// 调理时长为 0 时不生成调理阶段, 起始电位直接施加
	if strings.Contains(script, "wait ") {
		t.Error("zero conditioning time must not emit wait")
	}
	if !strings.Contains(script, "set_e 0\ncell_on") {
		t.Errorf("begin potential not applied:\n%s", script)
	}
	if lines[len(lines)-1] != "cell_off" {
		t.Errorf("last line = %q, want cell_off", lines[len(lines)-1])
	}
	for _, want := range []string{"\tpck_start", "\tpck_add p", "\tpck_add c", "\tpck_end", "endloop", "on_finished:"} {
		if !strings.Contains(script, want) {
			t.Errorf("missing %q in script", want)
		}
	}
}

func TestCVScriptConditioningAndScans(t *testing.T) {
	p := CVParams{
		BeginPotential: 0.1,
		Vertex1:        -0.3,
		Vertex2:        0.3,
		StepPotential:  0.005,
		ScanRate:       0.05,
		NScans:         3,
		CondPotential:  0.2,
		CondTime:       10,
	}
	script, err := p.Script()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, "set_e 200m\ncell_on") {
		t.Errorf("conditioning potential not applied:\n%s", script)
	}
	if !strings.Contains(script, "wait 10") {
		t.Errorf("conditioning wait missing:\n%s", script)
	}
	if !strings.Contains(script, "nscans(3)") {
		t.Errorf("nscans modifier missing:\n%s", script)
	}
}

func TestSWVScript(t *testing.T) {
	p := SWVParams{
		BeginPotential: -0.5,
		EndPotential:   0.5,
		StepPotential:  0.002,
		Amplitude:      0.02,
		Frequency:      15,
		NScans:         1,
	}
	script, err := p.Script()
	if err != nil {
		t.Fatal(err)
	}
	// 安全电位范围: 极值 ± 振幅
	if !strings.Contains(script, "set_range_minmax da -520m 520m") {
		t.Errorf("range minmax wrong:\n%s", script)
	}
	if !strings.Contains(script, "meas_loop_swv p c f r -500m 500m 2m 20m 15") {
		t.Errorf("loop command wrong:\n%s", script)
	}
	for _, want := range []string{"\tpck_add f", "\tpck_add r", "set_max_bandwidth 1600"} {
		if !strings.Contains(script, want) {
			t.Errorf("missing %q in script", want)
		}
	}
}

func TestSWVScriptRejectsBadScanCount(t *testing.T) {
	p := SWVParams{NScans: 0}
	if _, err := p.Script(); !errors.Is(err, ErrBadScanCount) {
		t.Fatalf("want ErrBadScanCount, got %v", err)
	}
}
