package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/config"
	"github.com/chazu/brickforge/pkg/export"
	"github.com/chazu/brickforge/pkg/kernel"
	"github.com/chazu/brickforge/pkg/kernel/manifold"
	"github.com/chazu/brickforge/pkg/kernel/sdfx"
	"github.com/chazu/brickforge/pkg/metrics"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/chazu/brickforge/pkg/script"
	"github.com/chazu/brickforge/pkg/server"
	"github.com/chazu/brickforge/pkg/tessellate"
	"go.uber.org/zap"
)

// App wires the kernel, builder, controller and script engine together.
// The HTTP server and the export command both drive it.
type App struct {
	cfg     *config.Config
	log     *zap.Logger
	kernel  kernel.Kernel
	ctrl    *regen.Controller
	engine  *script.Engine
	metrics *metrics.Metrics
}

// EvalErrorData is a JSON-serializable eval error for the frontend.
type EvalErrorData struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// EvalResult is the full result of evaluating a preset script.
type EvalResult struct {
	Params *brick.Parameters `json:"params,omitempty"`
	Meshes []server.MeshData `json:"meshes"`
	Errors []EvalErrorData   `json:"errors"`
}

// newKernel selects the geometry backend named in cfg.
func newKernel(cfg config.KernelConfig) (kernel.Kernel, error) {
	switch cfg.Backend {
	case "", "sdfx":
		return sdfx.New(sdfx.WithMeshCells(cfg.MeshCells), sdfx.WithMaxMeshCells(cfg.MaxMeshCells)), nil
	case "manifold":
		return manifold.New()
	}
	return nil, fmt.Errorf("unknown kernel backend %q", cfg.Backend)
}

// NewApp builds an App from cfg.
func NewApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	k, err := newKernel(cfg.Kernel)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log, k), nil
}

func newApp(cfg *config.Config, log *zap.Logger, k kernel.Kernel) *App {
	if log == nil {
		log = zap.NewNop()
	}
	met := metrics.New(nil)
	builder := brick.NewBuilder(k, brick.WithSegments(cfg.Kernel.Segments))
	ctrl := regen.New(builder,
		regen.WithLogger(log.Named("regen")),
		regen.WithRecorder(met),
		regen.WithCandidate(cfg.Defaults),
	)
	engine := script.NewEngine(
		script.WithDefaults(cfg.Defaults),
		script.WithTimeout(cfg.Script.Timeout),
	)
	fields := []zap.Field{
		zap.String("kernel", k.Name()),
		zap.Stringer("defaults", cfg.Defaults),
	}
	if sk, ok := k.(*sdfx.SdfxKernel); ok {
		fields = append(fields,
			zap.Int("mesh_cells", sk.MeshCells()),
			zap.Int("max_mesh_cells", sk.MaxMeshCells()),
		)
	}
	log.Info("app ready", fields...)
	return &App{cfg: cfg, log: log, kernel: k, ctrl: ctrl, engine: engine, metrics: met}
}

// Evaluate runs a preset script, generates the brick it names and returns
// the viewer mesh. Empty source is a no-op.
func (a *App) Evaluate(ctx context.Context, source string) EvalResult {
	result := EvalResult{
		Meshes: []server.MeshData{},
		Errors: []EvalErrorData{},
	}
	if strings.TrimSpace(source) == "" {
		return result
	}

	// Step 1: evaluate the script into parameters.
	p, evalErrs, err := a.engine.Evaluate(source)
	if err != nil {
		a.log.Warn("script evaluation failed", zap.Error(err))
		a.metrics.ScriptEvaluated("error")
		result.Errors = append(result.Errors, EvalErrorData{Message: err.Error()})
		return result
	}
	if len(evalErrs) > 0 {
		a.metrics.ScriptEvaluated("eval_error")
		for _, e := range evalErrs {
			result.Errors = append(result.Errors, EvalErrorData{Line: e.Line, Message: e.Message})
		}
		return result
	}
	a.metrics.ScriptEvaluated("ok")
	result.Params = &p

	// Step 2: record the candidate and build it.
	a.ctrl.Edit(p)
	snap, err := a.ctrl.Generate(ctx, p)
	if err != nil {
		result.Errors = append(result.Errors, EvalErrorData{Message: err.Error()})
		return result
	}

	// Step 3: tessellate for the viewer.
	mesh, err := tessellate.Tessellate(a.kernel, snap.Model)
	if err != nil {
		a.log.Error("tessellation failed", zap.Error(err))
		result.Errors = append(result.Errors, EvalErrorData{Message: "tessellation failed: " + err.Error()})
		return result
	}
	result.Meshes = append(result.Meshes, server.NewMeshData(snap, mesh))
	return result
}

// ExportResult reports one written file.
type ExportResult struct {
	Path     string
	Snapshot *regen.Snapshot
	Stats    tessellate.Stats
}

// Export generates p and writes it to path. An empty path means the
// configured export directory, which is created when missing. A directory
// gets the part's default file name.
func (a *App) Export(ctx context.Context, p brick.Parameters, path string, opts export.Options) (*ExportResult, error) {
	if field := a.cfg.Limits.Exceeds(p); field != "" {
		a.log.Warn("parameters exceed service limits", zap.String("field", field))
	}
	snap, err := a.ctrl.Generate(ctx, p)
	if err != nil {
		return nil, err
	}
	mesh, err := tessellate.Tessellate(a.kernel, snap.Model)
	if err != nil {
		return nil, err
	}

	if path == "" {
		path = a.cfg.Export.Directory
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, brick.ExportFailure(string(opts.Format), fmt.Errorf("export directory: %w", err))
		}
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, export.FileName(mesh.PartName, opts))
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = snap.BuiltAt
	}

	err = export.WriteFile(path, mesh, opts)
	var size int64
	if fi, statErr := os.Stat(path); err == nil && statErr == nil {
		size = fi.Size()
	}
	a.metrics.ExportFinished(string(opts.Format), string(opts.Compression), size, err)
	if err != nil {
		return nil, err
	}

	stats := tessellate.Summarize(mesh)
	a.log.Info("exported",
		zap.String("path", path),
		zap.String("format", string(opts.Format)),
		zap.Int("triangles", stats.Triangles),
		zap.Int64("bytes", size),
	)
	return &ExportResult{Path: path, Snapshot: snap, Stats: stats}, nil
}

// Serve runs the HTTP service until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	opts := []server.Option{
		server.WithLogger(a.log.Named("http")),
		server.WithLimits(a.cfg.Limits),
		server.WithExportDefaults(a.cfg.Export),
		server.WithEventQueue(a.cfg.Server.EventQueue),
		server.WithScriptEngine(a.engine),
	}
	if a.cfg.Server.MetricsEnabled {
		opts = append(opts, server.WithMetrics(a.metrics))
	}
	srv, err := server.New(a.ctrl, a.kernel, opts...)
	if err != nil {
		return err
	}
	defer srv.Close()

	hs := &http.Server{
		Addr:         a.cfg.Server.Address,
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", zap.String("address", hs.Addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Close()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
