package connectivity

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/formfill/dbopen"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func routesDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func setRoute(t *testing.T, db *sql.DB, service, strategy, endpoint string) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO routes (service_name, strategy, endpoint) VALUES (?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET strategy = excluded.strategy, endpoint = excluded.endpoint`,
		service, strategy, endpoint)
	if err != nil {
		t.Fatalf("set route: %v", err)
	}
}

func TestCall_LocalDispatch(t *testing.T) {
	r := New()
	r.RegisterLocal("formfill_classify", func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("seen:"), payload...), nil
	})

	resp, err := r.Call(context.Background(), "formfill_classify", []byte("x"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != "seen:x" {
		t.Errorf("resp = %q, want seen:x", resp)
	}
}

func TestCall_UnroutableService(t *testing.T) {
	r := New()
	_, err := r.Call(context.Background(), "nope", nil)
	var notFound *ErrServiceNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
	if notFound.Service != "nope" {
		t.Errorf("Service = %q, want nope", notFound.Service)
	}
}

func TestCall_NoopRouteSilentlySucceeds(t *testing.T) {
	db := routesDB(t)
	setRoute(t, db, "formfill_stats", "noop", "")

	r := New()
	r.RegisterLocal("formfill_stats", func(context.Context, []byte) ([]byte, error) {
		t.Error("local handler ran for a noop route")
		return nil, nil
	})
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	resp, err := r.Call(context.Background(), "formfill_stats", []byte("ignored"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp != nil {
		t.Errorf("resp = %q, want nil", resp)
	}
}

func TestCall_RemoteHTTPRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	db := routesDB(t)
	setRoute(t, db, "formfill_classify", "http", srv.URL)

	r := New()
	r.RegisterTransport("http", HTTPFactory())
	// Local handler present but the table says remote.
	r.RegisterLocal("formfill_classify", func(context.Context, []byte) ([]byte, error) {
		t.Error("local handler ran despite remote route")
		return nil, nil
	})
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	defer r.Close()

	resp, err := r.Call(context.Background(), "formfill_classify", []byte(`{}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp) != `{"ok":true}` {
		t.Errorf("resp = %q", resp)
	}
}

func TestReload_RemovedRouteFallsBackToLocal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	db := routesDB(t)
	setRoute(t, db, "formfill_correct", "http", srv.URL)

	r := New()
	r.RegisterTransport("http", HTTPFactory())
	r.RegisterLocal("formfill_correct", func(context.Context, []byte) ([]byte, error) {
		return []byte("local"), nil
	})
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	resp, _ := r.Call(context.Background(), "formfill_correct", nil)
	if string(resp) != "remote" {
		t.Fatalf("resp = %q, want remote", resp)
	}

	if _, err := db.Exec(`DELETE FROM routes WHERE service_name = 'formfill_correct'`); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(context.Background(), db); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	resp, err := r.Call(context.Background(), "formfill_correct", nil)
	if err != nil {
		t.Fatalf("Call after removal: %v", err)
	}
	if string(resp) != "local" {
		t.Errorf("resp = %q, want local fallback", resp)
	}
}

func TestHTTPFactory_RejectsBadEndpoints(t *testing.T) {
	f := HTTPFactory()
	if _, _, err := f("ftp://example.com", nil); err == nil {
		t.Error("ftp endpoint accepted, want error")
	}
}

func TestMiddleware_ChainOrderAndRecovery(t *testing.T) {
	var order []string
	tag := func(name string) HandlerMiddleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, p []byte) ([]byte, error) {
				order = append(order, name)
				return next(ctx, p)
			}
		}
	}

	logger := testLogger()
	h := Chain(tag("outer"), tag("inner"), Recovery(logger))(func(context.Context, []byte) ([]byte, error) {
		panic("boom")
	})

	_, err := h(context.Background(), nil)
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}
