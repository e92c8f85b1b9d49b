package agentcore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// agentState is persisted to disk after the first successful registration.
// It allows the agent to present its stable ID on reconnect so the
// Controller matches it to the existing record rather than synthesizing a
// new one per session.
type agentState struct {
	AgentID string `json:"agent_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "agent-state.json")
}

// loadState reads the persisted agent state from disk.
// Returns an empty agentState (AgentID == "") if the file does not exist yet.
func loadState(stateDir string) (agentState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return agentState{}, nil
		}
		return agentState{}, fmt.Errorf("agentcore: failed to read state file: %w", err)
	}
	var s agentState
	if err := json.Unmarshal(data, &s); err != nil {
		return agentState{}, fmt.Errorf("agentcore: corrupted state file: %w", err)
	}
	return s, nil
}

// saveState writes the agent state to disk atomically via temp file + rename.
func saveState(stateDir string, s agentState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("agentcore: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0750); err != nil {
		return fmt.Errorf("agentcore: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("agentcore: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("agentcore: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("agentcore: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("agentcore: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}
