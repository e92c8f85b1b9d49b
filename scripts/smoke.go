//go:build ignore

// smoke.go is a standalone Go script (not part of any module) that drives a
// running controller through one full command round-trip:
//
//	go run ./scripts/smoke.go -url http://localhost:8080 -username admin -password secret -agent agent-1
//
// It obtains a bearer token, verifies the target agent is registered, posts
// an execute request, then polls the command record until it reaches a
// terminal status and prints the result. Using a Go script instead of
// shell/cmd.exe commands guarantees identical behaviour on Linux, macOS,
// and Windows without any external tools beyond the Go toolchain itself.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "controller base URL")
	username := flag.String("username", "admin", "controller username")
	password := flag.String("password", "", "controller password")
	agentID := flag.String("agent", "", "target agent id (required)")
	command := flag.String("command", "echo ogent-smoke", "command to execute")
	target := flag.String("target", "local", "execution target: auto, local, remote")
	timeout := flag.Duration("timeout", 60*time.Second, "how long to wait for a terminal status")
	flag.Parse()

	if *agentID == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: smoke.go -password <pw> -agent <agent-id> [-url ...] [-command ...]")
		os.Exit(2)
	}

	if err := run(*baseURL, *username, *password, *agentID, *command, *target, *timeout); err != nil {
		fmt.Fprintln(os.Stderr, "smoke test failed:", err)
		os.Exit(1)
	}
	fmt.Println("smoke test passed")
}

func run(baseURL, username, password, agentID, command, target string, timeout time.Duration) error {
	client := &http.Client{Timeout: 15 * time.Second}
	base := strings.TrimRight(baseURL, "/")

	// --- Token ---
	form := url.Values{"username": {username}, "password": {password}}
	resp, err := client.PostForm(base+"/token", form)
	if err != nil {
		return fmt.Errorf("POST /token: %w", err)
	}
	var tokenReply struct {
		Data struct {
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := decode(resp, &tokenReply); err != nil {
		return fmt.Errorf("POST /token: %w", err)
	}
	token := tokenReply.Data.AccessToken
	fmt.Println("token obtained")

	// --- Agent present? ---
	var agentReply struct {
		Data struct {
			AgentID string `json:"agent_id"`
		} `json:"data"`
	}
	if err := get(client, base+"/agents/"+agentID, token, &agentReply); err != nil {
		return fmt.Errorf("GET /agents/%s: %w", agentID, err)
	}
	fmt.Println("agent connected:", agentReply.Data.AgentID)

	// --- Execute ---
	body, _ := json.Marshal(map[string]any{
		"command":          command,
		"execution_target": target,
		"use_ai":           false,
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/agents/"+agentID+"/execute", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = client.Do(req)
	if err != nil {
		return fmt.Errorf("POST /execute: %w", err)
	}
	var execReply struct {
		Data struct {
			CommandID string `json:"command_id"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := decode(resp, &execReply); err != nil {
		return fmt.Errorf("POST /execute: %w", err)
	}
	fmt.Println("command accepted:", execReply.Data.CommandID, "status:", execReply.Data.Status)

	// --- Poll until terminal ---
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var cmdReply struct {
			Data struct {
				Status string `json:"status"`
				Result *struct {
					ExitCode int    `json:"exit_code"`
					Stdout   string `json:"stdout"`
					Stderr   string `json:"stderr"`
				} `json:"result"`
			} `json:"data"`
		}
		if err := get(client, base+"/commands/"+execReply.Data.CommandID, token, &cmdReply); err != nil {
			return fmt.Errorf("GET /commands/%s: %w", execReply.Data.CommandID, err)
		}

		switch cmdReply.Data.Status {
		case "completed":
			fmt.Printf("completed: exit=%d stdout=%q\n", cmdReply.Data.Result.ExitCode, cmdReply.Data.Result.Stdout)
			return nil
		case "failed", "lost":
			if cmdReply.Data.Result != nil {
				return fmt.Errorf("terminal status %s: exit=%d stderr=%q",
					cmdReply.Data.Status, cmdReply.Data.Result.ExitCode, cmdReply.Data.Result.Stderr)
			}
			return fmt.Errorf("terminal status %s", cmdReply.Data.Status)
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("no terminal status within %s", timeout)
}

func get(client *http.Client, url, token string, dst any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	return decode(resp, dst)
}

func decode(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
