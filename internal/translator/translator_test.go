package translator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oriys/orbit/internal/faults"
)

type quotaError struct{ remote Remote }

func (e *quotaError) Error() string { return "quota exceeded: " + e.remote.Message }

func TestTranslateByRange(t *testing.T) {
	tr := New()

	tests := []struct {
		name       string
		code       int32
		retryable  bool
		degradable bool
	}{
		{"general", int32(faults.CodeGeneral), false, false},
		{"timeout", int32(faults.CodeTimeout), true, false},
		{"unlisted retryable", 0x7F010123, true, false},
		{"unlisted degradable", 0x7F020042, false, true},
		{"unlisted user code", 42, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.Translate(Remote{Code: tt.code, Message: "m", FitableID: "f"})
			if faults.IsRetryable(err) != tt.retryable {
				t.Fatalf("retryable = %v, want %v", faults.IsRetryable(err), tt.retryable)
			}
			if faults.IsDegradable(err) != tt.degradable {
				t.Fatalf("degradable = %v, want %v", faults.IsDegradable(err), tt.degradable)
			}
			var fe *faults.Error
			if !errors.As(err, &fe) || int32(fe.Code) != tt.code || fe.FitableID != "f" {
				t.Fatalf("unexpected error %#v", err)
			}
		})
	}
}

func TestCodeTableOverridesRange(t *testing.T) {
	tr := New(StaticStore{0x7F010123: ClassDegradable, 7: "quota"})
	tr.RegisterClass("quota", func(r Remote) error { return &quotaError{remote: r} })
	if err := tr.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if err := tr.Translate(Remote{Code: 0x7F010123}); !faults.IsDegradable(err) || faults.IsRetryable(err) {
		t.Fatalf("table entry should override range, got %v", err)
	}

	var qe *quotaError
	if err := tr.Translate(Remote{Code: 7, Message: "tenant a"}); !errors.As(err, &qe) {
		t.Fatalf("expected custom class, got %T", err)
	}
}

func TestUnknownClassFallsBack(t *testing.T) {
	tr := New()
	tr.SetCode(0x7F010777, "missing")
	if err := tr.Translate(Remote{Code: 0x7F010777}); !faults.IsRetryable(err) {
		t.Fatalf("unknown class should fall back to range class, got %v", err)
	}
}

type failingStore struct{}

func (failingStore) Name() string { return "failing" }

func (failingStore) Load(context.Context) (map[int32]string, error) {
	return nil, errors.New("unavailable")
}

func TestReloadKeepsTableOnError(t *testing.T) {
	tr := New(failingStore{})
	tr.SetCode(9, ClassRetryable)
	if err := tr.Reload(context.Background()); err == nil {
		t.Fatal("expected reload error")
	}
	if tr.ClassFor(9) != ClassRetryable {
		t.Fatal("failed reload should keep the current table")
	}
}

func TestFileStoreReloadOnTopologyChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codes.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write code table: %v", err)
		}
	}
	write("codes:\n  0x7F000100: retryable\n")

	tr := New(FileStore{Path: path})
	tr.OnTopologyChange(context.Background())
	if tr.ClassFor(0x7F000100) != ClassRetryable {
		t.Fatalf("class = %s, want retryable", tr.ClassFor(0x7F000100))
	}

	write("codes:\n  2130706688: degradable\n")
	tr.OnTopologyChange(context.Background())
	if tr.ClassFor(0x7F000100) != ClassDegradable {
		t.Fatalf("class = %s, want degradable after reload", tr.ClassFor(0x7F000100))
	}
}

func TestParseCodeTableErrors(t *testing.T) {
	tests := []string{
		"codes:\n  abc: retryable\n",
		"codes:\n  12: \"\"\n",
		"codes: [",
	}
	for _, body := range tests {
		if _, err := ParseCodeTable([]byte(body)); err == nil {
			t.Fatalf("expected error for %q", body)
		}
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("ORBIT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ORBIT_TEST_POSTGRES_DSN not set, skipping")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Skipf("Postgres not available, skipping: %v", err)
	}
	defer s.Close()

	if err := s.Put(ctx, 0x7F020999, ClassDegradable); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Delete(context.Background(), 0x7F020999) })

	tr := New(s)
	if err := tr.Reload(ctx); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if tr.ClassFor(0x7F020999) != ClassDegradable {
		t.Fatal("expected class loaded from postgres")
	}
}
