package sequencer

import (
	"errors"
	"fmt"
	"strings"
)

// Status 队列项生命周期状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// 队列项类型: 暂停 / 泵动作 (PUMP_ 前缀) / 其余为测量脚本, 类型即技术名
const (
	TypePause      = "PAUSE"
	pumpTypePrefix = "PUMP_"
)

// 泵动作名
const (
	ActionInit     = "INIT"
	ActionSetSpeed = "SET_SPEED"
	ActionValve    = "VALVE"
	ActionAspirate = "ASPIRATE"
	ActionDispense = "DISPENSE"
)

// PumpParams 泵动作参数; 各动作只使用自己关心的字段
type PumpParams struct {
	Volume float64 `json:"volume,omitempty"`
	Speed  int     `json:"speed,omitempty"`
	Port   int     `json:"port,omitempty"`
}

// PumpAction 泵动作载荷
type PumpAction struct {
	Name   string     `json:"name"`
	Params PumpParams `json:"params"`
}

// Item 一个待执行的队列项。按类型三分: 暂停项带 PauseSeconds,
// 泵动作项带 PumpAction, 其余为脚本项带 ScriptPath。
type Item struct {
	Type         string      `json:"type"`
	Status       Status      `json:"status"`
	Details      string      `json:"details,omitempty"`
	PauseSeconds float64     `json:"pause_seconds,omitempty"`
	PumpAction   *PumpAction `json:"pump_action,omitempty"`
	ScriptPath   string      `json:"script_path,omitempty"`
}

// IsPumpAction 是否为泵动作项
func (it *Item) IsPumpAction() bool {
	return strings.HasPrefix(it.Type, pumpTypePrefix)
}

// validate 加载时的最小校验: 必填字段存在即可
func (it *Item) validate() error {
	switch {
	case it.Type == "":
		return errors.New("缺少类型字段")
	case it.Type == TypePause:
		if it.PauseSeconds < 0 {
			return errors.New("暂停时长为负")
		}
	case it.IsPumpAction():
		if it.PumpAction == nil || it.PumpAction.Name == "" {
			return errors.New("缺少泵动作名")
		}
	default:
		if it.ScriptPath == "" {
			return errors.New("缺少脚本路径")
		}
	}
	return nil
}

// NewPauseItem 构造暂停项
func NewPauseItem(seconds float64) *Item {
	return &Item{
		Type:         TypePause,
		Status:       StatusPending,
		Details:      fmt.Sprintf("Pause for %.1f sec", seconds),
		PauseSeconds: seconds,
	}
}

// NewScriptItem 构造脚本项; technique 作为类型展示 (CV / SWV)
func NewScriptItem(technique, scriptPath, details string) *Item {
	return &Item{
		Type:       technique,
		Status:     StatusPending,
		Details:    details,
		ScriptPath: scriptPath,
	}
}

func newPumpItem(action string, params PumpParams, details string) *Item {
	return &Item{
		Type:       pumpTypePrefix + action,
		Status:     StatusPending,
		Details:    details,
		PumpAction: &PumpAction{Name: action, Params: params},
	}
}
