package agentcore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadStateMissingFile(t *testing.T) {
	s, err := loadState(t.TempDir())
	if err != nil {
		t.Fatalf("loadState on empty dir: %v", err)
	}
	if s.AgentID != "" {
		t.Errorf("AgentID = %q, want empty", s.AgentID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	if err := saveState(dir, agentState{AgentID: "agent-42"}); err != nil {
		t.Fatalf("saveState: %v", err)
	}
	s, err := loadState(dir)
	if err != nil {
		t.Fatalf("loadState: %v", err)
	}
	if s.AgentID != "agent-42" {
		t.Errorf("AgentID = %q, want agent-42", s.AgentID)
	}

	// Overwrite keeps the newest identity.
	if err := saveState(dir, agentState{AgentID: "agent-43"}); err != nil {
		t.Fatalf("saveState overwrite: %v", err)
	}
	s, _ = loadState(dir)
	if s.AgentID != "agent-43" {
		t.Errorf("AgentID after overwrite = %q, want agent-43", s.AgentID)
	}
}

func TestSaveStateCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	if err := saveState(dir, agentState{AgentID: "a"}); err != nil {
		t.Fatalf("saveState into missing dir: %v", err)
	}
	if _, err := os.Stat(stateFilePath(dir)); err != nil {
		t.Errorf("state file not created: %v", err)
	}
}

func TestLoadStateCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(stateFilePath(dir), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadState(dir); err == nil {
		t.Error("loadState on corrupt file returned no error")
	}
}
