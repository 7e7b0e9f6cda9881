package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/unclebandit/followup-engine/internal/model"
)

// Sink stores a parsed bounce. The bounce repository satisfies it.
type Sink interface {
	Create(ctx context.Context, b *model.Bounce) error
}

type Stats struct {
	Read     int `json:"read"`
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// ImportMbox streams an mbox archive and stores every bounce in it. Messages
// that are not bounces are counted as skipped.
func ImportMbox(ctx context.Context, path string, sink Sink, logger *slog.Logger) (Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return importFrom(ctx, file, sink, loggerOr(logger))
}

func importFrom(ctx context.Context, r io.Reader, sink Sink, logger *slog.Logger) (Stats, error) {
	var st Stats
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return st, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return st, nil
		}
		if err != nil {
			return st, fmt.Errorf("message %d: %w", idx, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return st, fmt.Errorf("message %d read: %w", idx, err)
		}
		st.Read++

		imported, err := store(ctx, raw, sink)
		if err != nil {
			return st, fmt.Errorf("message %d: %w", idx, err)
		}
		if !imported {
			logger.Debug("skipping non-bounce message", "index", idx)
			st.Skipped++
			continue
		}
		st.Imported++
	}
}

// store parses raw and hands a bounce to sink. A false result means raw was
// not a bounce.
func store(ctx context.Context, raw []byte, sink Sink) (bool, error) {
	b, err := ParseDSN(bytes.NewReader(raw))
	if errors.Is(err, ErrNotBounce) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := sink.Create(ctx, b); err != nil {
		return false, fmt.Errorf("storing bounce: %w", err)
	}
	return true, nil
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
