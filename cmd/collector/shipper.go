package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"
)

type shipperConfig struct {
	NodeName   string
	ServerAddr string
	LogFile    string
	Reconnect  time.Duration
	Poll       time.Duration
}

// runShipper keeps one connection to the engine alive and streams tailed
// lines into it. Connection loss restarts the tail from the current end of
// file: replaying history after an outage would just feed the engine stale
// observations.
func runShipper(ctx context.Context, cfg shipperConfig) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := net.Dial("tcp", cfg.ServerAddr)
		if err != nil {
			log.Printf("Connect to %s failed: %v (retrying in %s)", cfg.ServerAddr, err, cfg.Reconnect)
			if !sleep(ctx, cfg.Reconnect) {
				return ctx.Err()
			}
			continue
		}
		log.Printf("Connected to %s as node %q", cfg.ServerAddr, cfg.NodeName)

		err = tail(ctx, cfg, func(line string) error {
			_, werr := fmt.Fprintf(conn, "%s|%s\n", cfg.NodeName, line)
			return werr
		})
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("Stream interrupted: %v (reconnecting in %s)", err, cfg.Reconnect)
		if !sleep(ctx, cfg.Reconnect) {
			return ctx.Err()
		}
	}
}

// tail follows the log file from its current end, invoking emit for every
// line that carries a user email. It detects truncation and rotation and
// reopens the file; it returns only when emit fails or ctx is done.
func tail(ctx context.Context, cfg shipperConfig, emit func(string) error) error {
	f, err := os.Open(cfg.LogFile)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.LogFile, err)
	}
	defer func() { f.Close() }()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek %s: %w", cfg.LogFile, err)
	}
	reader := bufio.NewReader(f)

	var partial strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)

		if err == nil {
			line := strings.TrimRight(partial.String(), "\r\n")
			partial.Reset()
			// Only access-log lines with an email are worth shipping.
			if strings.Contains(line, "email:") {
				if err := emit(line); err != nil {
					return fmt.Errorf("ship line: %w", err)
				}
			}
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("read %s: %w", cfg.LogFile, err)
		}

		rotated, rerr := fileRotated(f, cfg.LogFile)
		if rerr != nil {
			return rerr
		}
		if rotated {
			log.Printf("Log file rotated, reopening %s", cfg.LogFile)
			nf, oerr := os.Open(cfg.LogFile)
			if oerr != nil {
				return fmt.Errorf("reopen %s: %w", cfg.LogFile, oerr)
			}
			f.Close()
			f = nf
			reader = bufio.NewReader(f)
			partial.Reset()
			continue
		}

		if !sleep(ctx, cfg.Poll) {
			return ctx.Err()
		}
	}
}

// fileRotated reports whether the path no longer refers to the open file,
// or the file shrank under our offset (copytruncate rotation).
func fileRotated(f *os.File, path string) (bool, error) {
	cur, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat open file: %w", err)
	}
	onDisk, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Mid-rotation; treat as not yet rotated and keep polling
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !os.SameFile(cur, onDisk) {
		return true, nil
	}
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return false, fmt.Errorf("tell %s: %w", path, err)
	}
	return onDisk.Size() < offset, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
