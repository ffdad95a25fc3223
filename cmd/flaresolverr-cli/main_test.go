package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testLogger() *logger {
	return &logger{z: zerolog.Nop()}
}

// startSolver runs a fake FlareSolverr endpoint recording every payload.
func startSolver(t *testing.T, handle func(cmd map[string]any) any) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var mu sync.Mutex
	payloads := &[]map[string]any{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var cmd map[string]any
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			t.Errorf("decode payload: %v", err)
			return
		}
		mu.Lock()
		*payloads = append(*payloads, cmd)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(handle(cmd))
	}))
	t.Cleanup(ts.Close)
	return ts, payloads
}

func TestRunRequestTruncatesPrintedBody(t *testing.T) {
	longBody := strings.Repeat("x", 500)
	ts, _ := startSolver(t, func(map[string]any) any {
		return map[string]any{
			"status":  "ok",
			"message": "Challenge solved!",
			"solution": map[string]any{
				"status":   200,
				"response": longBody,
			},
		}
	})

	outFile := filepath.Join(t.TempDir(), "body.html")
	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{
		"https://example.com", "-f", ts.URL, "-o", outFile,
	}, &buf)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "...[500 letters]") {
		t.Errorf("printed envelope not truncated:\n%s", out)
	}
	if strings.Contains(out, longBody) {
		t.Error("full body leaked into the printed envelope")
	}

	// The output file gets the untruncated body.
	written, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read output file: %v", err)
	}
	if string(written) != longBody {
		t.Errorf("output file has %d bytes, want %d", len(written), len(longBody))
	}
}

func TestRunHelpWritesUsageToWriter(t *testing.T) {
	for _, args := range [][]string{nil, {"help"}, {"--help"}} {
		var buf bytes.Buffer
		if err := run(context.Background(), testLogger(), args, &buf); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(buf.String(), "Usage:") {
			t.Errorf("run %v: usage text missing from output writer:\n%s", args, buf.String())
		}
	}
}

func TestRunRequestTruncatesOnRuneBoundary(t *testing.T) {
	body := strings.Repeat("é", 300)
	ts, _ := startSolver(t, func(map[string]any) any {
		return map[string]any{
			"status":   "ok",
			"solution": map[string]any{"status": 200, "response": body},
		}
	})

	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{
		"https://example.com", "-f", ts.URL,
	}, &buf)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "...[300 letters]") {
		t.Errorf("truncation must count characters, not bytes:\n%s", out)
	}
	// A byte-based cut would split the two-byte é and leave a replacement
	// character behind after JSON encoding.
	if strings.Contains(out, "�") {
		t.Errorf("truncated body split a multi-byte character:\n%s", out)
	}
}

func TestRunRequestNoSolutionSkipsOutputFile(t *testing.T) {
	ts, _ := startSolver(t, func(map[string]any) any {
		return map[string]any{"status": "ok", "message": "Challenge solved!"}
	})

	outFile := filepath.Join(t.TempDir(), "body.html")
	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{
		"https://example.com", "-f", ts.URL, "-o", outFile,
	}, &buf)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(outFile); !os.IsNotExist(err) {
		t.Errorf("no output file may be written without a solution, stat err = %v", err)
	}
}

func TestRunRequestDefaultsToPostWithData(t *testing.T) {
	ts, payloads := startSolver(t, func(map[string]any) any {
		return map[string]any{"status": "ok", "solution": map[string]any{"status": 200}}
	})

	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{
		"request", "https://example.com/login", "-f", ts.URL, "-d", "user=alice",
	}, &buf)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(*payloads) != 1 {
		t.Fatalf("expected 1 solver call, got %d", len(*payloads))
	}
	p := (*payloads)[0]
	if p["cmd"] != "request.post" {
		t.Errorf("cmd = %v, want request.post when -d is given", p["cmd"])
	}
	if p["postData"] != "user=alice" {
		t.Errorf("postData = %v", p["postData"])
	}
}

func TestRunRequestRequiresURL(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{"request", "-d", "a=b"}, &buf)
	if err == nil {
		t.Fatal("expected error when no URL is given")
	}
}

func TestRunRequestRejectsUnsupportedMethod(t *testing.T) {
	ts, payloads := startSolver(t, func(map[string]any) any {
		return map[string]any{"status": "ok"}
	})

	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{
		"https://example.com", "-f", ts.URL, "-m", "DELETE",
	}, &buf)
	if err == nil {
		t.Fatal("expected error for unsupported method")
	}
	if len(*payloads) != 0 {
		t.Errorf("no remote call may happen for an unsupported method, got %d", len(*payloads))
	}
}

func TestRunSessionLifecycle(t *testing.T) {
	active := []string{}
	ts, payloads := startSolver(t, func(cmd map[string]any) any {
		switch cmd["cmd"] {
		case "sessions.create":
			id, _ := cmd["session"].(string)
			active = append(active, id)
			return map[string]any{"status": "ok", "message": "Session created successfully.", "session": id}
		case "sessions.list":
			return map[string]any{"status": "ok", "sessions": active}
		case "sessions.destroy":
			return map[string]any{"status": "ok", "message": "The session has been removed."}
		default:
			return map[string]any{"status": "error", "message": "unknown cmd"}
		}
	})

	ctx := context.Background()
	var buf bytes.Buffer
	if err := run(ctx, testLogger(), []string{"session", "create", "a", "b", "-f", ts.URL}, &buf); err != nil {
		t.Fatalf("session create: %v", err)
	}
	if !strings.Contains(buf.String(), `"session": "a"`) || !strings.Contains(buf.String(), `"session": "b"`) {
		t.Errorf("create output missing sessions:\n%s", buf.String())
	}

	buf.Reset()
	if err := run(ctx, testLogger(), []string{"session", "list", "-f", ts.URL}, &buf); err != nil {
		t.Fatalf("session list: %v", err)
	}
	if !strings.Contains(buf.String(), `"a"`) {
		t.Errorf("list output missing session a:\n%s", buf.String())
	}

	buf.Reset()
	if err := run(ctx, testLogger(), []string{"session", "clear", "-f", ts.URL}, &buf); err != nil {
		t.Fatalf("session clear: %v", err)
	}
	destroys := 0
	for _, p := range *payloads {
		if p["cmd"] == "sessions.destroy" {
			destroys++
		}
	}
	if destroys != 2 {
		t.Errorf("clear must destroy every listed session, got %d destroys", destroys)
	}
}

func TestRunSessionUnknownAction(t *testing.T) {
	var buf bytes.Buffer
	err := run(context.Background(), testLogger(), []string{"session", "frobnicate"}, &buf)
	if err == nil {
		t.Fatal("expected error for unknown session action")
	}
}

func TestSplitArgs(t *testing.T) {
	t.Parallel()

	pos, flags := splitArgs([]string{"https://example.com", "-f", "http://solver"})
	if len(pos) != 1 || pos[0] != "https://example.com" {
		t.Errorf("positional = %v", pos)
	}
	if len(flags) != 2 {
		t.Errorf("flags = %v", flags)
	}

	pos, flags = splitArgs([]string{"-f", "http://solver"})
	if len(pos) != 0 || len(flags) != 2 {
		t.Errorf("leading flag split wrong: pos=%v flags=%v", pos, flags)
	}
}
