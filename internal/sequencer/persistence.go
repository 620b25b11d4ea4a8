package sequencer

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const queueFormatVersion = 1

type queueMetadata struct {
	SavedAt string `json:"saved_at"`
	Version int    `json:"version"`
}

type queueDocument struct {
	Metadata queueMetadata     `json:"metadata"`
	Items    []json.RawMessage `json:"items"`
}

// SaveQueue 将整个队列 (含当前状态) 序列化到文件。运行中或空队列拒绝。
func (s *Sequencer) SaveQueue(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	if len(s.items) == 0 {
		return ErrQueueEmpty
	}

	raws := make([]json.RawMessage, 0, len(s.items))
	for _, it := range s.items {
		raw, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("序列化队列项失败: %w", err)
		}
		raws = append(raws, raw)
	}
	doc := queueDocument{
		Metadata: queueMetadata{
			SavedAt: time.Now().Format(time.RFC3339),
			Version: queueFormatVersion,
		},
		Items: raws,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化队列失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("写入队列文件失败: %w", err)
	}
	s.logger.Info("队列已保存", zap.String("path", path), zap.Int("items", len(s.items)))
	return nil
}

// LoadQueue 从文件恢复队列并替换当前内容。逐项最小校验,
// 无效项跳过并计数, 不因个别坏项中断整个加载; 状态一律重置为 pending。
// 返回加载与跳过的项数。
func (s *Sequencer) LoadQueue(path string) (loaded, skipped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return 0, 0, ErrAlreadyRunning
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("读取队列文件失败: %w", err)
	}
	var doc queueDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, 0, fmt.Errorf("解析队列文件失败: %w", err)
	}

	var items []*Item
	for _, raw := range doc.Items {
		it := &Item{}
		if err := json.Unmarshal(raw, it); err != nil {
			skipped++
			continue
		}
		if err := it.validate(); err != nil {
			s.logger.Warn("跳过无效队列项", zap.Error(err))
			skipped++
			continue
		}
		it.Status = StatusPending
		if !it.IsPumpAction() && it.Type != TypePause {
			if _, err := os.Stat(it.ScriptPath); err != nil {
				s.logger.Warn("队列引用的脚本文件不存在", zap.String("path", it.ScriptPath))
			}
		}
		items = append(items, it)
	}

	if len(items) == 0 {
		return 0, skipped, fmt.Errorf("队列文件中没有有效项 (跳过 %d 项)", skipped)
	}
	s.items = items
	s.logger.Info("队列已加载",
		zap.String("path", path), zap.Int("loaded", len(items)), zap.Int("skipped", skipped))
	return len(items), skipped, nil
}
