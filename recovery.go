package rig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"rig/Odors"
)

// RecoveryState 会话中断时写出的状态，用于 --resume 从中断处继续
type RecoveryState struct {
	ID         string        `json:"id"`
	Animal     string        `json:"animal"`
	Experiment string        `json:"experiment"`
	Block      int           `json:"block"`
	Trial      int           `json:"trial"`
	History    Odors.History `json:"history"`
	Plan       *Odors.Plan   `json:"plan"`
	Error      string        `json:"error,omitempty"`
	SavedAt    time.Time     `json:"saved_at"`
}

// RecoveryPath 恢复文件路径 <dir>/rig_<id>.json
func RecoveryPath(dir, id string) string {
	return filepath.Join(dir, "rig_"+id+".json")
}

// SaveRecovery 写出恢复文件，ID 为空时生成新的 uuid。
// 先写临时文件再改名，中途失败不会留下半个文件。
func SaveRecovery(dir string, st *RecoveryState) (string, error) {
	if st.ID == "" {
		st.ID = uuid.New().String()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", err
	}

	path := RecoveryPath(dir, st.ID)
	tmp, err := os.CreateTemp(dir, ".rig_*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// LoadRecovery 读取恢复文件
func LoadRecovery(path string) (*RecoveryState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var st RecoveryState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("recovery file %s: %w", path, err)
	}
	if st.Animal == "" || st.Plan == nil {
		return nil, fmt.Errorf("recovery file %s: missing animal or plan", path)
	}
	if st.History == nil {
		st.History = Odors.History{}
	}
	return &st, nil
}
