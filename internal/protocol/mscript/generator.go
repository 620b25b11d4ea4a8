package mscript

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadScanCount 当请求的扫描次数小于 1 时返回
var ErrBadScanCount = errors.New("扫描次数必须至少为 1")

// Technique 一种可生成仪器脚本的测量技术
type Technique interface {
	// Name 返回技术缩写 (用于队列展示与脚本文件名)
	Name() string
	// Script 生成仪器脚本文本, 每行一条命令
	Script() (string, error)
}

// CVParams 循环伏安法 (CV) 参数, 电位单位 V, 扫描速率 V/s
type CVParams struct {
	BeginPotential float64
	Vertex1        float64
	Vertex2        float64
	StepPotential  float64
	ScanRate       float64
	NScans         int
	CondPotential  float64 // 调理电位
	CondTime       float64 // 调理时长 (s), 仅在 > 0 时生成调理阶段
}

func (p CVParams) Name() string { return "CV" }

// Script 生成 CV 测量脚本
func (p CVParams) Script() (string, error) {
	begin := FormatSI(formatNumber(p.BeginPotential), "V")
	v1 := FormatSI(formatNumber(p.Vertex1), "V")
	v2 := FormatSI(formatNumber(p.Vertex2), "V")
	step := FormatSI(formatNumber(p.StepPotential), "V")
	rate := FormatSI(formatNumber(p.ScanRate), "V/s")
	condPot := FormatSI(formatNumber(p.CondPotential), "V")

	parts := []string{
		"e", "var c", "var p", "set_pgstat_mode 2", "set_max_bandwidth 40",
		"set_range ba 100u", "set_autoranging ba 1n 100u",
	}

	if p.CondTime > 0 {
		parts = append(parts,
			"set_e "+condPot, "cell_on",
			fmt.Sprintf("# Condition for %ss", formatNumber(p.CondTime)),
			"wait "+formatNumber(p.CondTime),
		)
	} else {
		parts = append(parts, "set_e "+begin, "cell_on")
	}

	cmd := fmt.Sprintf("meas_loop_cv p c %s %s %s %s %s", begin, v1, v2, step, rate)
	if p.NScans > 1 {
		cmd += fmt.Sprintf(" nscans(%d)", p.NScans)
	}

	parts = append(parts,
		"# CV measurement loop",
		cmd, "\tpck_start", "\tpck_add p", "\tpck_add c", "\tpck_end",
		"endloop", "on_finished:", "cell_off",
	)

	return strings.Join(parts, "\n"), nil
}

// SWVParams 方波伏安法 (SWV) 参数
type SWVParams struct {
	BeginPotential float64
	EndPotential   float64
	StepPotential  float64
	Amplitude      float64
	Frequency      float64 // Hz
	NScans         int
	CondPotential  float64
	CondTime       float64
}

func (p SWVParams) Name() string { return "SWV" }

// Script 生成 SWV 测量脚本。
// 仪器电位量程按两端极值 ± 振幅设置安全范围; 扫描次数必须为正。
func (p SWVParams) Script() (string, error) {
	if p.NScans < 1 {
		return "", ErrBadScanCount
	}

	begin := FormatSI(formatNumber(p.BeginPotential), "V")
	end := FormatSI(formatNumber(p.EndPotential), "V")
	step := FormatSI(formatNumber(p.StepPotential), "V")
	amplitude := FormatSI(formatNumber(p.Amplitude), "V")
	frequency := FormatSI(formatNumber(p.Frequency), "Hz")
	condPot := FormatSI(formatNumber(p.CondPotential), "V")

	minPot := min(p.BeginPotential, p.EndPotential) - p.Amplitude
	maxPot := max(p.BeginPotential, p.EndPotential) + p.Amplitude
	minPotMV, maxPotMV := int(minPot*1000), int(maxPot*1000)

	parts := []string{
		"e", "var c", "var p", "var f", "var r",
		"set_pgstat_mode 2", "set_max_bandwidth 1600",
		fmt.Sprintf("set_range_minmax da %dm %dm", minPotMV, maxPotMV),
		"set_range ba 5m", "set_autoranging ba 100n 5m", "cell_on",
	}

	if p.CondTime > 0 {
		parts = append(parts,
			fmt.Sprintf("# Equilibrate at %s for %ss", condPot, formatNumber(p.CondTime)),
			"set_e "+condPot,
			"wait "+formatNumber(p.CondTime),
		)
	}

	cmd := fmt.Sprintf("meas_loop_swv p c f r %s %s %s %s %s", begin, end, step, amplitude, frequency)
	if p.NScans > 1 {
		cmd += fmt.Sprintf(" nscans(%d)", p.NScans)
	}

	parts = append(parts,
		"# SWV measurement loop",
		cmd,
		"\tpck_start", "\tpck_add p", "\tpck_add c", "\tpck_add f", "\tpck_add r",
		"\tpck_end", "endloop", "on_finished:", "cell_off",
	)

	return strings.Join(parts, "\n"), nil
}
