package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ScriptExt 测量脚本文件后缀
const ScriptExt = ".ms"

// ScriptStore 按日归档的测量脚本存储。
// 每个测量日一个子目录, 目录内文件按生成顺序编号, 便于排队执行与事后追溯。
type ScriptStore struct {
	baseDir string
	logger  *zap.Logger
}

func NewScriptStore(baseDir string, logger *zap.Logger) *ScriptStore {
	return &ScriptStore{baseDir: baseDir, logger: logger}
}

// BaseDir 脚本根目录
func (s *ScriptStore) BaseDir() string { return s.baseDir }

// dayDir 返回当日子目录, 不存在则创建
func (s *ScriptStore) dayDir() (string, error) {
	dir := filepath.Join(s.baseDir, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建脚本目录失败: %w", err)
	}
	return dir, nil
}

// nextIndex 统计目录内既有脚本数, 返回下一个序号 (从 1 起)
func (s *ScriptStore) nextIndex(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("读取脚本目录失败: %w", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ScriptExt) {
			count++
		}
	}
	return count + 1, nil
}

// Save 将脚本写入当日目录, 文件名为 编号_技术名.ms, 返回完整路径。
func (s *ScriptStore) Save(technique, script string) (string, error) {
	dir, err := s.dayDir()
	if err != nil {
		return "", err
	}
	idx, err := s.nextIndex(dir)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%03d_%s%s", idx, technique, ScriptExt))
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		return "", fmt.Errorf("写入脚本文件失败: %w", err)
	}
	s.logger.Info("脚本已保存", zap.String("path", path))
	return path, nil
}
