package wal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-co-op/gocron/v2"

	"crdtstore/internal/callgroup"
	"crdtstore/internal/chunk"
	"crdtstore/internal/crdt"
	"crdtstore/internal/logging"
)

// Drainer is the background uploader: it scans the WAL directory for
// finalized segments, sorts and merges each one through
// the CRDT codec to collapse duplicate keys, then uploads the result to
// a chunk.Manager. Replays are always safe because the chunk store's
// merge semantics are idempotent, so a segment left in place after a
// failed upload is simply retried on the next tick.
type Drainer struct {
	dir    string
	mgr    chunk.Manager
	codec  crdt.Codec
	logger *slog.Logger

	cg        callgroup.Group[string]
	scheduler gocron.Scheduler
}

func NewDrainer(dir string, mgr chunk.Manager, codec crdt.Codec, logger *slog.Logger) *Drainer {
	return &Drainer{
		dir:    dir,
		mgr:    mgr,
		codec:  codec,
		logger: logging.Default(logger).With("component", "wal-drainer"),
	}
}

// Start registers the recurring drain task on its own gocron scheduler,
// first firing after initialDelay and then every interval.
func (d *Drainer) Start(interval, initialDelay time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("wal: create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := d.DrainOnce(ctx); err != nil {
				d.logger.Warn("drain pass failed, will retry next tick", "error", err)
			}
		}),
		gocron.WithStartAt(gocron.WithStartDateTime(time.Now().Add(initialDelay))),
		gocron.WithName("wal-drain"),
	)
	if err != nil {
		return fmt.Errorf("wal: schedule drain job: %w", err)
	}
	d.scheduler = s
	s.Start()
	return nil
}

// Stop shuts the scheduler down. In-flight drain passes are allowed to
// finish (DrainOnce is single-flighted, not cancelled).
func (d *Drainer) Stop() error {
	if d.scheduler == nil {
		return nil
	}
	return d.scheduler.Shutdown()
}

// DrainOnce runs a single drain pass, deduplicating concurrent triggers
// (a scheduled tick racing an operator-invoked CLI trigger) into one
// in-flight call via callgroup.
func (d *Drainer) DrainOnce(ctx context.Context) error {
	ch := d.cg.DoChan("drain", func() error { return d.drain(ctx) })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Drainer) drain(ctx context.Context) error {
	segments, err := d.finalizedSegments()
	if err != nil {
		return fmt.Errorf("wal: list segments: %w", err)
	}
	for _, name := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.drainSegment(filepath.Join(d.dir, name)); err != nil {
			return fmt.Errorf("wal: drain %s: %w", name, err)
		}
	}
	return nil
}

// finalizedSegments returns finalized segment file names in lexical
// order, so segments drain oldest-first within a generation.
func (d *Drainer) finalizedSegments() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, _, final, ok := parseSegmentName(e.Name()); ok && final {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// drainSegment uploads one finalized segment to the chunk store and
// deletes it on success, leaving it untouched on failure so the next
// tick retries (at-least-once, safe because upload() is idempotent
// under the CRDT merge).
func (d *Drainer) drainSegment(path string) error {
	entries, err := readSegment(path)
	if err != nil {
		return err
	}
	collapsed := d.sortAndCollapse(entries)

	if len(collapsed) > 0 {
		sink, err := d.mgr.Upload()
		if err != nil {
			return fmt.Errorf("open upload sink: %w", err)
		}
		for _, e := range collapsed {
			if err := sink.Put(e); err != nil {
				sink.Abort()
				return fmt.Errorf("upload entry: %w", err)
			}
		}
		if err := sink.Close(); err != nil {
			return fmt.Errorf("close upload sink: %w", err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove drained segment: %w", err)
	}
	d.logger.Info("drained wal segment", "path", path, "entries", len(entries), "collapsed", len(collapsed))
	return nil
}

// sortAndCollapse stable-sorts entries by key (appends within one
// segment may arrive out of timestamp order across different keys, and
// even for the same key) and folds entries sharing a key via the CRDT
// codec, producing the strictly ascending, duplicate-free stream
// chunk.Manager.Upload requires.
func (d *Drainer) sortAndCollapse(entries []crdt.Entry) []crdt.Entry {
	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Key, entries[j].Key) < 0
	})

	collapsed := make([]crdt.Entry, 0, len(entries))
	cur := entries[0]
	for _, e := range entries[1:] {
		if bytes.Equal(e.Key, cur.Key) {
			cur = d.codec.Combine(cur, e)
			continue
		}
		collapsed = append(collapsed, cur)
		cur = e
	}
	collapsed = append(collapsed, cur)
	return collapsed
}
