package symbolicate

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/symbolicator/internal/symbolizer"
	"github.com/VladMinzatu/symbolicator/internal/symtab"
)

// ModuleFiles are the bytes of one module as returned by a provider.
type ModuleFiles struct {
	Binary []byte
	// Debug is the separate debug file, required for PE modules.
	Debug []byte
	// DebugID is the identifier the provider found the files under. Empty
	// when the provider does not know it.
	DebugID string
	// Release, if set, is called once the files are no longer referenced.
	Release func()
}

// ModuleProvider fetches module bytes. It is called concurrently.
type ModuleProvider interface {
	FetchModule(ctx context.Context, name, debugID string) (*ModuleFiles, error)
}

// Extractor builds a symbol table from module bytes.
type Extractor interface {
	Extract(binary, debug []byte, debugID string) (*symtab.Table, error)
}

var errNoFiles = errors.New("provider returned no files")

const (
	DefaultModuleTimeout        = 30 * time.Second
	DefaultMaxConcurrentModules = 16
)

type Option func(*Symbolicator)

// WithModuleTimeout bounds each module's fetch. Zero disables the timeout.
func WithModuleTimeout(d time.Duration) Option {
	return func(s *Symbolicator) { s.moduleTimeout = d }
}

// WithMaxConcurrentModules limits how many modules of a job are resolved at
// once. Values <= 0 mean no limit.
func WithMaxConcurrentModules(n int) Option {
	return func(s *Symbolicator) { s.maxConcurrent = n }
}

// WithLegacyFunctionOffset reports function_offset as the decimal position
// of the name in the symbol table buffer.
func WithLegacyFunctionOffset(legacy bool) Option {
	return func(s *Symbolicator) { s.legacyOffset = legacy }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Symbolicator) { s.metrics = m }
}

// Symbolicator resolves jobs against modules fetched from a provider.
type Symbolicator struct {
	provider  ModuleProvider
	extractor Extractor
	metrics   *Metrics

	moduleTimeout time.Duration
	maxConcurrent int
	legacyOffset  bool
}

func New(provider ModuleProvider, extractor Extractor, opts ...Option) *Symbolicator {
	s := &Symbolicator{
		provider:      provider,
		extractor:     extractor,
		moduleTimeout: DefaultModuleTimeout,
		maxConcurrent: DefaultMaxConcurrentModules,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Handle parses a request, symbolicates every job and encodes the response.
// Errors are *Error values that EncodeError can render.
func (s *Symbolicator) Handle(ctx context.Context, data []byte) ([]byte, error) {
	jobs, err := ParseRequest(data)
	if err != nil {
		return nil, err
	}
	return s.Symbolicate(ctx, jobs).Encode()
}

// Symbolicate processes jobs one after another and returns their results in
// the same order.
func (s *Symbolicator) Symbolicate(ctx context.Context, jobs []Job) *Response {
	resp := &Response{Results: make([]Result, 0, len(jobs))}
	for _, job := range jobs {
		resp.Results = append(resp.Results, *s.SymbolicateJob(ctx, job))
	}
	return resp
}

// SymbolicateJob resolves every module of job concurrently. A module that
// fails is reported in the result and does not affect the others.
func (s *Symbolicator) SymbolicateJob(ctx context.Context, job Job) *Result {
	start := time.Now()
	defer func() {
		s.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}()

	n := len(job.MemoryMap)
	frames := make([]ResponseStack, n)
	errs := make([]error, n)

	var g errgroup.Group
	if s.maxConcurrent > 0 {
		g.SetLimit(s.maxConcurrent)
	}
	for m := 0; m < n; m++ {
		offset, err := job.offsetFor(m)
		if err != nil {
			frames[m] = ResponseStack{ModuleOffset: formatModuleOffset(0), Module: job.MemoryMap[m].SymbolFileName, Frame: m}
			errs[m] = err
			continue
		}
		g.Go(func() error {
			frames[m], errs[m] = s.resolveModule(ctx, m, job.MemoryMap[m], offset)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{
		Stacks:       [][]ResponseStack{frames},
		FoundModules: make(map[string]bool, n),
		Errors:       make(map[string]string),
	}
	for m, entry := range job.MemoryMap {
		key := entry.Key()
		res.FoundModules[key] = errs[m] == nil
		if errs[m] == nil {
			s.metrics.ModuleResolutions.WithLabelValues(statusSuccess).Inc()
			continue
		}
		kind := Classify(errs[m])
		s.metrics.ModuleResolutions.WithLabelValues(string(kind)).Inc()
		res.Errors[key] = errs[m].Error()
		slog.Debug("Module not resolved", "module", key, "kind", kind, "error", errs[m])
	}
	return res
}

func (s *Symbolicator) resolveModule(ctx context.Context, frame int, entry MemoryMapEntry, offset uint32) (ResponseStack, error) {
	stack := ResponseStack{
		ModuleOffset: formatModuleOffset(offset),
		Module:       entry.SymbolFileName,
		Frame:        frame,
	}

	files, err := s.fetch(ctx, entry)
	if err != nil {
		return stack, err
	}
	if files.Release != nil {
		defer files.Release()
	}
	if files.DebugID != "" && entry.DebugID != "" && !strings.EqualFold(files.DebugID, entry.DebugID) {
		return stack, &symbolizer.BuildIDMismatchError{Expected: entry.DebugID, Actual: files.DebugID}
	}
	s.metrics.ModuleSize.Observe(float64(len(files.Binary) + len(files.Debug)))

	table, err := s.extractor.Extract(files.Binary, files.Debug, entry.DebugID)
	files.Binary, files.Debug = nil, nil
	if err != nil {
		return stack, err
	}
	match, err := table.Lookup(offset)
	if err != nil {
		return stack, err
	}

	name := match.Name
	fnOffset := functionOffset(match, offset, s.legacyOffset)
	stack.Function = &name
	stack.FunctionOffset = &fnOffset
	stack.InlineFrames = match.InlineFrames
	return stack, nil
}

func (s *Symbolicator) fetch(ctx context.Context, entry MemoryMapEntry) (*ModuleFiles, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(KindProvider, err, "module not fetched")
	}
	if s.moduleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.moduleTimeout)
		defer cancel()
	}

	start := time.Now()
	files, err := s.fetchWithDeadline(ctx, entry)
	status := statusSuccess
	if err != nil {
		status = string(KindProvider)
	}
	s.metrics.FetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, wrap(KindProvider, err, "fetch module")
	}
	return files, nil
}

type fetchResult struct {
	files *ModuleFiles
	err   error
}

// fetchWithDeadline returns when the provider answers or ctx is done,
// whichever happens first. Files delivered after ctx is done are released.
func (s *Symbolicator) fetchWithDeadline(ctx context.Context, entry MemoryMapEntry) (*ModuleFiles, error) {
	ch := make(chan fetchResult, 1)
	go func() {
		files, err := s.provider.FetchModule(ctx, entry.SymbolFileName, entry.DebugID)
		if err == nil && files == nil {
			err = errNoFiles
		}
		ch <- fetchResult{files: files, err: err}
	}()

	select {
	case r := <-ch:
		return r.files, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.files != nil && r.files.Release != nil {
				r.files.Release()
			}
		}()
		return nil, ctx.Err()
	}
}
