package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "schedcore/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a live store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileStoreAppendAndRead(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := RequestRecord{
			At:         time.Now(),
			RequestID:  fmt.Sprintf("req-%d", i),
			Type:       "echo",
			Priority:   3,
			Status:     "completed",
			DurationMS: int64(i * 10),
		}
		if err := st.AppendRequest(ctx, rec); err != nil {
			t.Fatalf("AppendRequest #%d: %v", i, err)
		}
	}

	got, err := st.RecentRequests(ctx, 3)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("RecentRequests returned %d records, want 3", len(got))
	}
	// Oldest-first within the window: the last three appended.
	for i, want := range []string{"req-2", "req-3", "req-4"} {
		if got[i].RequestID != want {
			t.Fatalf("record #%d = %s, want %s", i, got[i].RequestID, want)
		}
	}
}

func TestFileStoreEmptyHistory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	got, err := st.RecentRequests(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentRequests: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RecentRequests on empty store = %d records", len(got))
	}
}

func TestFileStoreAppendAfterClose(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.AppendRequest(context.Background(), RequestRecord{RequestID: "r"}); err == nil {
		t.Fatal("AppendRequest succeeded on a closed store")
	}
}
