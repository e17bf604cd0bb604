package fsfacade

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/sandboxrun/sandboxd/internal/apierrors"
	"github.com/sandboxrun/sandboxd/internal/utils"
)

// ReadChunk is one element of the chunked stream StreamReadFile produces.
type ReadChunk struct {
	Data string
	Done bool
}

// StreamReadFile implements spec.md §4.2's "streaming read variant that
// emits chunked events". The whole base64 output of the file is first
// collected through one Exec call (as in ReadFile); each base64 output
// line is then decoded and sent as one chunk, followed by a Done chunk.
func (f *Facade) StreamReadFile(ctx context.Context, path string) (<-chan ReadChunk, error) {
	if path == "" {
		return nil, apierrors.New(apierrors.ValidationFailed, "path must not be empty", nil)
	}
	command := fmt.Sprintf("test -f %s && base64 %s", utils.ShellQuote(path), utils.ShellQuote(path))
	stdout, _, exitCode, err := f.run.Exec(ctx, command, "")
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, apierrors.New(apierrors.FileNotFound, "file not found", map[string]any{"path": path})
	}

	out := make(chan ReadChunk, 8)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(strings.NewReader(stdout))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			decoded, decErr := base64.StdEncoding.DecodeString(scanner.Text())
			if decErr != nil {
				continue
			}
			select {
			case out <- ReadChunk{Data: string(decoded)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- ReadChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}
