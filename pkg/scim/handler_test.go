package scim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
)

func TestHandler_NotFoundOrError(t *testing.T) {
	h := &Handler{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"bare sentinel", ErrNotFound, 404},
		// Service.Delete and Service.TestConnection always wrap ErrNotFound
		// via fmt.Errorf("...: %w", err) (and Delete's wrap happens inside
		// db.WithTx on top of that) — notFoundOrError must still resolve to
		// 404 here, not fall through to a 500.
		{"wrapped once", fmt.Errorf("loading destination: %w", ErrNotFound), 404},
		{"wrapped twice", fmt.Errorf("deleting destination: %w", fmt.Errorf("tx: %w", ErrNotFound)), 404},
		{"unrelated error", errors.New("connection refused"), 500},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.notFoundOrError(rec, c.err, "destination")
			if rec.Code != c.wantStatus {
				t.Errorf("notFoundOrError(%v) wrote status %d, want %d", c.err, rec.Code, c.wantStatus)
			}
		})
	}
}
