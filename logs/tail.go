package logs

import (
	"context"
	"fmt"
	"io"

	"github.com/banksean/testbed"
	"github.com/nxadm/tail"
	"golang.org/x/sync/errgroup"
)

// Line is one formatted log line delivered to a watch sink, tagged with the
// file it arrived from.
type Line struct {
	File string
	Text string
}

// Watch streams a node's HOST logs into ch. With all set, historical lines
// are emitted first; with watch set, new lines follow as they arrive. Lines
// are formatted "<timestamp>: <message>" when withTimestamp is set. The call
// blocks until ctx is cancelled or, when watch is false, until the existing
// content is drained. SERIAL sources are captured out of band by screen
// sessions and are not tailed here.
func (m *Manager) Watch(ctx context.Context, node *testbed.Node, ch chan<- Line, watch, all, withTimestamp bool) error {
	files, err := m.HostLogFiles(node)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("node %s has no host log sources", node.ID)
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, file := range files {
		group.Go(func() error {
			cfg := tail.Config{
				Follow:    watch,
				ReOpen:    watch,
				MustExist: false,
				Logger:    tail.DiscardingLogger,
			}
			if !all {
				cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
			}
			t, err := tail.TailFile(file, cfg)
			if err != nil {
				return fmt.Errorf("tailing %s: %w", file, err)
			}
			defer t.Cleanup()
			for {
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case line, ok := <-t.Lines:
					if !ok {
						return nil
					}
					if line.Err != nil {
						continue
					}
					timestamp, message, err := parseHostLine(line.Text)
					if err != nil {
						continue
					}
					text := message
					if withTimestamp {
						text = timestamp + ": " + message
					}
					select {
					case ch <- Line{File: file, Text: text}:
					case <-ctx.Done():
						t.Stop()
						return ctx.Err()
					}
				}
			}
		})
	}
	return group.Wait()
}
