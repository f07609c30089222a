package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/richardartoul/loadercache/backends"
	"github.com/richardartoul/loadercache/plugin"
	"github.com/richardartoul/loadercache/store"
)

// Cmd represents a cache command type.
type Cmd string

const (
	CmdFilename   = Cmd("filename")
	CmdHas        = Cmd("has")
	CmdGet        = Cmd("get")
	CmdPut        = Cmd("put")
	CmdInvalidate = Cmd("invalidate")
	CmdDone       = Cmd("done")
	CmdClose      = Cmd("close")
)

var knownCommands = []Cmd{CmdFilename, CmdHas, CmdGet, CmdPut, CmdInvalidate, CmdDone, CmdClose}

// Request represents a request from the build tool.
type Request struct {
	ID        int64
	Command   Cmd
	Resource  string   `json:",omitempty"`
	InputHash string   `json:",omitempty"`
	Options   any      `json:",omitempty"`
	Ext       string   `json:",omitempty"`
	BodySize  int64    `json:",omitempty"`
	Resources []string `json:",omitempty"`
	Errors    int      `json:",omitempty"`
	Body      []byte   `json:"-"`
}

func (r *Request) key() store.Key {
	return store.Key{InputHash: r.InputHash, Options: r.Options, Ext: r.Ext}
}

// Response represents a response to the build tool.
type Response struct {
	ID            int64  `json:",omitempty"`
	Err           string `json:",omitempty"`
	KnownCommands []Cmd  `json:",omitempty"`
	Miss          bool   `json:",omitempty"`
	DiskPath      string `json:",omitempty"`
	Size          int64  `json:",omitempty"`
	Skipped       bool   `json:",omitempty"`
	Deleted       int    `json:",omitempty"`
}

// CacheProgConfig wires a CacheProg.
type CacheProgConfig struct {
	Store  *store.Store
	Plugin *plugin.Plugin
	Logger *slog.Logger

	// In and Out carry the protocol.
	In  io.Reader
	Out io.Writer

	// Stats, when set, adds backend latencies to the exit statistics.
	Stats *backends.Stats

	// StatsOut receives the exit statistics. Nil disables them.
	StatsOut io.Writer
}

// CacheProg serves the line-delimited JSON cache protocol.
type CacheProg struct {
	store    *store.Store
	plugin   *plugin.Plugin
	logger   *slog.Logger
	stats    *backends.Stats
	statsOut io.Writer

	reader     *bufio.Reader
	writer     *bufio.Writer
	writerLock sync.Mutex

	filenameCount   atomic.Int64
	hasCount        atomic.Int64
	getCount        atomic.Int64
	hitCount        atomic.Int64
	putCount        atomic.Int64
	putBytes        atomic.Int64
	invalidateCount atomic.Int64
	passCount       atomic.Int64
	collectCount    atomic.Int64
	deletedCount    atomic.Int64
	errorCount      atomic.Int64
}

// NewCacheProg creates a new cache program instance.
func NewCacheProg(cfg CacheProgConfig) *CacheProg {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheProg{
		store:    cfg.Store,
		plugin:   cfg.Plugin,
		logger:   logger.With("component", "server"),
		stats:    cfg.Stats,
		statsOut: cfg.StatsOut,
		reader:   bufio.NewReader(cfg.In),
		writer:   bufio.NewWriter(cfg.Out),
	}
}

// SendResponse writes one response line (thread-safe).
func (cp *CacheProg) SendResponse(resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	cp.writerLock.Lock()
	defer cp.writerLock.Unlock()

	if _, err := cp.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := cp.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	return cp.writer.Flush()
}

// readLine reads a line, skipping empty lines. A final line without a
// trailing newline is accepted.
func (cp *CacheProg) readLine() ([]byte, error) {
	for {
		line, err := cp.reader.ReadBytes('\n')
		if err != nil && (!errors.Is(err, io.EOF) || len(line) == 0) {
			return nil, err
		}

		trimmed := strings.TrimSpace(string(line))
		if trimmed != "" {
			return []byte(trimmed), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ReadRequest reads the next request, including its body for puts.
func (cp *CacheProg) ReadRequest() (*Request, error) {
	line, err := cp.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal request: %w (line: %q)", err, string(line))
	}

	// put bodies follow on the next line as a base64 JSON string
	if req.Command == CmdPut && req.BodySize > 0 {
		bodyLine, err := cp.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("error reading body line: %w", err)
		}

		var base64Str string
		if err := json.Unmarshal(bodyLine, &base64Str); err != nil {
			return nil, fmt.Errorf("failed to unmarshal body as JSON string: %w (line: %q)", err, string(bodyLine))
		}
		req.Body, err = base64.StdEncoding.DecodeString(base64Str)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 body: %w", err)
		}
		if int64(len(req.Body)) != req.BodySize {
			return nil, fmt.Errorf("body size mismatch: got %d bytes, expected %d", len(req.Body), req.BodySize)
		}
	}

	return &req, nil
}

// HandleRequest processes a single request and sends its response.
func (cp *CacheProg) HandleRequest(ctx context.Context, req *Request) error {
	resp := cp.handle(ctx, req)
	resp.ID = req.ID
	if resp.Err != "" {
		cp.errorCount.Add(1)
		cp.logger.Warn("request failed", "id", req.ID, "command", req.Command, "error", resp.Err)
	}
	return cp.SendResponse(resp)
}

func (cp *CacheProg) handle(ctx context.Context, req *Request) Response {
	var resp Response

	switch req.Command {
	case CmdFilename:
		cp.filenameCount.Add(1)
		path, err := cp.store.FilenameFor(req.Resource, req.key())
		if err != nil {
			return Response{Err: err.Error()}
		}
		resp.DiskPath = path

	case CmdHas:
		cp.hasCount.Add(1)
		ok, err := cp.store.Has(ctx, req.Resource, req.key())
		if err != nil {
			return Response{Err: err.Error()}
		}
		resp.Miss = !ok

	case CmdGet:
		cp.getCount.Add(1)
		entry, ok, err := cp.store.Read(ctx, req.Resource, req.key())
		if err != nil {
			return Response{Err: err.Error()}
		}
		resp.Miss = !ok
		if ok {
			cp.hitCount.Add(1)
			resp.DiskPath = entry.Path
			resp.Size = int64(len(entry.Data))
		}

	case CmdPut:
		cp.putCount.Add(1)
		path, err := cp.store.Write(ctx, req.Resource, req.key(), req.Body)
		if err != nil {
			return Response{Err: err.Error()}
		}
		cp.putBytes.Add(int64(len(req.Body)))
		resp.DiskPath = path
		resp.Size = int64(len(req.Body))

	case CmdInvalidate:
		cp.invalidateCount.Add(1)
		cp.store.InvalidateChildren(req.Resource)

	case CmdDone:
		cp.passCount.Add(1)
		result, err := cp.plugin.Done(ctx, plugin.Pass{Resources: req.Resources, Errors: req.Errors})
		if result == nil && err == nil {
			resp.Skipped = true
			break
		}
		if result != nil {
			cp.collectCount.Add(1)
			cp.deletedCount.Add(int64(len(result.Deleted)))
			resp.Deleted = len(result.Deleted)
		}
		if err != nil {
			resp.Err = err.Error()
		}

	case CmdClose:

	default:
		resp.Err = fmt.Sprintf("unknown command: %s", req.Command)
	}

	return resp
}

// Run primes the cache, then serves requests until close or end of input.
// Everything except done and close is handled concurrently; those two wait
// for in-flight requests first, so a pass is only collected after all of its
// accesses were registered.
func (cp *CacheProg) Run(ctx context.Context) error {
	if err := cp.plugin.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cache: %w", err)
	}

	if err := cp.SendResponse(Response{ID: 0, KnownCommands: knownCommands}); err != nil {
		return fmt.Errorf("failed to send initial response: %w", err)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, 1)

	err := func() error {
		for {
			req, err := cp.ReadRequest()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			if req.Command == CmdDone || req.Command == CmdClose {
				wg.Wait()
				if err := cp.HandleRequest(ctx, req); err != nil {
					return fmt.Errorf("failed to handle %s request: %w", req.Command, err)
				}
				if req.Command == CmdClose {
					return nil
				}
				continue
			}

			wg.Add(1)
			go func(r *Request) {
				defer wg.Done()
				if err := cp.HandleRequest(ctx, r); err != nil {
					select {
					case errChan <- err:
					default:
					}
				}
			}(req)

			select {
			case err := <-errChan:
				return fmt.Errorf("failed to handle request: %w", err)
			default:
			}
		}
	}()
	wg.Wait()

	if err == nil {
		select {
		case handleErr := <-errChan:
			err = fmt.Errorf("failed to handle request: %w", handleErr)
		default:
		}
	}

	cp.printStats()
	return err
}

func (cp *CacheProg) printStats() {
	if cp.statsOut == nil {
		return
	}
	w := cp.statsOut

	getCount := cp.getCount.Load()
	hitCount := cp.hitCount.Load()
	hitRate := 0.0
	if getCount > 0 {
		hitRate = float64(hitCount) / float64(getCount) * 100
	}

	fmt.Fprintf(w, "Cache statistics:\n")
	fmt.Fprintf(w, "  GET operations: %d (hits: %d, misses: %d, hit rate: %.1f%%)\n",
		getCount, hitCount, getCount-hitCount, hitRate)
	fmt.Fprintf(w, "  PUT operations: %d (%s written)\n", cp.putCount.Load(), formatBytes(cp.putBytes.Load()))
	fmt.Fprintf(w, "  HAS operations: %d\n", cp.hasCount.Load())
	fmt.Fprintf(w, "  FILENAME operations: %d\n", cp.filenameCount.Load())
	fmt.Fprintf(w, "  Invalidations: %d\n", cp.invalidateCount.Load())
	fmt.Fprintf(w, "  Build passes: %d (collected: %d, files deleted: %d)\n",
		cp.passCount.Load(), cp.collectCount.Load(), cp.deletedCount.Load())
	fmt.Fprintf(w, "  Failed requests: %d\n", cp.errorCount.Load())

	if cp.stats == nil {
		return
	}
	snap := cp.stats.Snapshot()
	fmt.Fprintf(w, "  Backend bytes: %s read, %s written\n",
		formatBytes(snap.BytesRead), formatBytes(snap.BytesWritten))
	for _, op := range snap.Ops {
		fmt.Fprintf(w, "  Backend %-6s count: %d, p50: %v, p90: %v, p99: %v\n",
			op.Op, op.Count, op.P50, op.P90, op.P99)
	}
}

// formatBytes renders n with a binary unit, e.g. 1536 → "1.50 KB".
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}
