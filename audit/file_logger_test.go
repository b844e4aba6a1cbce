package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()

	logPath := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("Failed to create file logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, logPath
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	if err := logger.LogAccess("cache_load", "tech1", "10.0.0.5", true, map[string]interface{}{"cache_key": "x"}); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}
	if err := logger.Log("salt_rotated", true, nil); err != nil {
		t.Fatalf("Failed to log: %v", err)
	}

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var event Event
		if err = json.Unmarshal(scanner.Bytes(), &event); err != nil {
			t.Fatalf("Line is not a valid event: %v", err)
		}
		events = append(events, event)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Action != "cache_load" || events[0].Principal != "tech1" || !events[0].Success {
		t.Errorf("Unexpected first event %+v", events[0])
	}
	if events[0].ID == "" || events[1].ID == "" || events[0].ID == events[1].ID {
		t.Error("Expected unique non-empty event IDs")
	}
	if events[1].Action != "salt_rotated" {
		t.Errorf("Unexpected second event %+v", events[1])
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(logPath)
		if err != nil {
			t.Fatalf("Failed to stat log file: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("Expected 0600 on audit log, got %o", info.Mode().Perm())
		}
	}
}

func TestFileLoggerQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	_ = logger.LogAccess("cache_load", "tech1", "", true, nil)
	_ = logger.LogAccess("cache_load", "tech2", "", false, nil)
	_ = logger.LogAccess("lockout_set", "tech2", "", false, nil)
	_ = logger.LogAccess("cache_save", "tech1", "", true, nil)

	t.Run("ByPrincipal", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Principal: "tech1"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 2 {
			t.Errorf("Expected 2 events for tech1, got %d", result.Filtered)
		}
	})

	t.Run("ByAction", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "cache_load"})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 2 {
			t.Errorf("Expected 2 cache_load events, got %d", result.Filtered)
		}
	})

	t.Run("Lockouts", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Lockouts: true})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 1 || result.Events[0].Action != "lockout_set" {
			t.Errorf("Expected only the lockout event, got %+v", result.Events)
		}
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if result.Filtered != 2 {
			t.Errorf("Expected 2 failure events, got %d", result.Filtered)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		since := time.Now().Add(-time.Minute)
		result, err := logger.Query(QueryOptions{Since: &since, Limit: 1})
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(result.Events) != 1 {
			t.Errorf("Expected 1 event with limit, got %d", len(result.Events))
		}
	})
}

func TestFileLoggerQueryAfterReopen(t *testing.T) {
	logger, logPath := newTestFileLogger(t)

	_ = logger.LogAccess("cache_load", "tech1", "", true, nil)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// A new logger on the same file reads history from disk
	reopened, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": logPath},
	})
	if err != nil {
		t.Fatalf("Failed to reopen logger: %v", err)
	}
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{Principal: "tech1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 1 {
		t.Errorf("Expected the persisted event to be queryable, got %d", result.Filtered)
	}
}

func TestNewLoggerFactory(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(nil)
		if err != nil {
			t.Fatalf("Factory failed: %v", err)
		}
		if _, ok := logger.(*NoOpLogger); !ok {
			t.Errorf("Expected NoOpLogger for nil config, got %T", logger)
		}
	})

	t.Run("File", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
		})
		if err != nil {
			t.Fatalf("Factory failed: %v", err)
		}
		defer logger.Close()
		if _, ok := logger.(*FileLogger); !ok {
			t.Errorf("Expected FileLogger, got %T", logger)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"}); err == nil {
			t.Error("Expected unknown audit type to fail")
		}
	})
}
