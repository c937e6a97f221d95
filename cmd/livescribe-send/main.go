// Command livescribe-send streams a WAV file to a livescribe gateway in
// real-time-paced frames and prints the transcript events it receives.
//
// Usage:
//
//	livescribe-send -url ws://localhost:8011/ speech.wav
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livescribe/pkg/audio"
	"github.com/MrWong99/livescribe/pkg/protocol"
)

func main() {
	os.Exit(run())
}

func run() int {
	url := flag.String("url", "ws://localhost:8011/", "gateway WebSocket URL")
	frame := flag.Duration("frame", 100*time.Millisecond, "audio per frame")
	linger := flag.Duration("linger", 3*time.Second, "time to wait for events after the last frame")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: livescribe-send [flags] file.wav")
		flag.PrintDefaults()
		return 2
	}

	c, err := readWAV(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "livescribe-send: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "livescribe-send: dial %s: %v\n", *url, err)
		return 1
	}
	defer conn.CloseNow()

	go printEvents(ctx, conn)

	slog.Info("streaming",
		"file", flag.Arg(0),
		"sample_rate", c.sampleRate,
		"duration", time.Duration(len(c.samples))*time.Second/time.Duration(c.sampleRate),
	)
	if err := stream(ctx, conn, c, *frame); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "livescribe-send: %v\n", err)
		return 1
	}

	select {
	case <-time.After(*linger):
	case <-ctx.Done():
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
	return 0
}

// stream sends c in frames of the given duration, one per tick.
func stream(ctx context.Context, conn *websocket.Conn, c clip, per time.Duration) error {
	n := max(int(per.Seconds()*float64(c.sampleRate)), 1)
	ticker := time.NewTicker(per)
	defer ticker.Stop()

	for off := 0; off < len(c.samples); off += n {
		end := min(off+n, len(c.samples))
		msg, err := protocol.EncodeFrame(protocol.Metadata{SampleRate: c.sampleRate}, audio.Int16ToBytes(c.samples[off:end]))
		if err != nil {
			return err
		}
		if err := conn.Write(ctx, websocket.MessageBinary, msg); err != nil {
			return fmt.Errorf("send frame: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func printEvents(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("read stopped", "err", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		ev, err := protocol.DecodeEvent(msg)
		if err != nil {
			slog.Warn("undecodable event", "err", err)
			continue
		}
		fmt.Printf("%-12s %s\n", ev.Kind+":", ev.Text)
	}
}
