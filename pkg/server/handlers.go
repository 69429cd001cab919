package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/chazu/brickforge/pkg/brick"
	"github.com/chazu/brickforge/pkg/export"
	"github.com/chazu/brickforge/pkg/regen"
	"github.com/chazu/brickforge/pkg/script"
	"github.com/chazu/brickforge/pkg/tessellate"
	"go.uber.org/zap"
)

// ModelSummary describes the cached snapshot.
type ModelSummary struct {
	Generation uint64           `json:"generation"`
	BuildID    string           `json:"buildId"`
	Params     brick.Parameters `json:"params"`
	PartName   string           `json:"partName"`
	Kernel     string           `json:"kernel"`
	Studs      int              `json:"studs"`
	Tubes      int              `json:"tubes"`
	EnvelopeLo [3]float64       `json:"envelopeMin"`
	EnvelopeHi [3]float64       `json:"envelopeMax"`
	BuiltAt    time.Time        `json:"builtAt"`
	DurationMS float64          `json:"durationMs"`
}

func summarize(snap *regen.Snapshot) ModelSummary {
	lo, hi := snap.Params.Envelope()
	return ModelSummary{
		Generation: snap.Generation,
		BuildID:    snap.BuildID.String(),
		Params:     snap.Params,
		PartName:   tessellate.PartName(snap.Params),
		Kernel:     snap.Model.Kernel,
		Studs:      len(snap.Model.Studs),
		Tubes:      len(snap.Model.Tubes),
		EnvelopeLo: lo,
		EnvelopeHi: hi,
		BuiltAt:    snap.BuiltAt,
		DurationMS: float64(snap.Duration) / float64(time.Millisecond),
	}
}

type candidateResponse struct {
	Candidate  *brick.Parameters `json:"candidate"`
	Dirty      bool              `json:"dirty"`
	State      string            `json:"state"`
	Generation uint64            `json:"generation"`
}

func (s *Server) candidateResponse() candidateResponse {
	resp := candidateResponse{
		Dirty:      s.ctrl.Dirty(),
		State:      s.ctrl.State().String(),
		Generation: s.ctrl.Generation(),
	}
	if p, ok := s.ctrl.Candidate(); ok {
		resp.Candidate = &p
	}
	return resp
}

// baseParams is what a partial parameter body is merged onto: the
// candidate if one exists, else the cached parameters, else defaults.
func (s *Server) baseParams() brick.Parameters {
	if p, ok := s.ctrl.Candidate(); ok {
		return p
	}
	if snap, ok := s.ctrl.Current(); ok {
		return snap.Params
	}
	return brick.DefaultParameters()
}

// generate applies the service limits and runs one build.
func (s *Server) generate(ctx context.Context, p brick.Parameters) (*regen.Snapshot, error) {
	if field := s.limits.Exceeds(p); field != "" {
		return nil, &brick.BuildError{
			Kind:    brick.KindInvalidParameters,
			Field:   field,
			Message: fmt.Sprintf("exceeds the server limit for %s", field),
		}
	}
	if s.limits.RejectWhenBusy {
		return s.ctrl.TryGenerate(p)
	}
	if s.limits.BuildWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.BuildWait)
		defer cancel()
	}
	return s.ctrl.Generate(ctx, p)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"state":      s.ctrl.State().String(),
		"generation": s.ctrl.Generation(),
		"kernel":     s.kernel.Name(),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParams(w, r, s.baseParams())
	if !ok {
		return
	}
	snap, err := s.generate(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

func (s *Server) handleGenerateCandidate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.ctrl.Candidate()
	if !ok {
		writeError(w, regen.ErrNoCandidate)
		return
	}
	snap, err := s.generate(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

func (s *Server) handleGetCandidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.candidateResponse())
}

func (s *Server) handlePutCandidate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.decodeParams(w, r, s.baseParams())
	if !ok {
		return
	}
	s.ctrl.Edit(p)
	writeJSON(w, http.StatusOK, s.candidateResponse())
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ctrl.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no model has been generated"})
		return
	}
	writeJSON(w, http.StatusOK, summarize(snap))
}

func (s *Server) handleMesh(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ctrl.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no model has been generated"})
		return
	}
	mesh, err := s.meshes.get(s.kernel, snap)
	if err != nil {
		s.log.Error("tessellation failed", zap.Uint64("generation", snap.Generation), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewMeshData(snap, mesh))
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	formatName := q.Get("format")
	if formatName == "" {
		formatName = s.exportCfg.Format
	}
	format, err := export.ParseFormat(formatName)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	compressName := q.Get("compress")
	if compressName == "" {
		compressName = s.exportCfg.Compression
	}
	compression, err := export.ParseCompression(compressName)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	snap, ok := s.ctrl.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no model has been generated"})
		return
	}
	mesh, err := s.meshes.get(s.kernel, snap)
	if err != nil {
		writeError(w, err)
		return
	}

	opts := export.Options{
		Format:      format,
		Compression: compression,
		Name:        mesh.PartName,
		Timestamp:   snap.BuiltAt,
	}
	var buf bytes.Buffer
	err = export.Write(&buf, mesh, opts)
	if s.met != nil {
		s.met.ExportFinished(string(format), string(compression), int64(buf.Len()), err)
	}
	if err != nil {
		s.log.Error("export failed", zap.String("format", string(format)), zap.Error(err))
		writeError(w, err)
		return
	}

	contentType := format.ContentType()
	if compression == export.Zstd {
		contentType = "application/zstd"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(mesh.PartName, opts)))
	w.Header().Set("X-Brick-Generation", strconv.FormatUint(snap.Generation, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type scriptResponse struct {
	Params brick.Parameters `json:"params"`
	Model  ModelSummary     `json:"model"`
}

// handleScript evaluates a preset script, records its parameters as the
// candidate and generates them.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.limits.MaxScriptBytes)
	if limit <= 0 {
		limit = 64 << 10
	}
	src, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeBadRequest(w, "read body: "+err.Error())
		return
	}
	if int64(len(src)) > limit {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "script too large"})
		return
	}

	p, evalErrs, err := s.script.Evaluate(string(src))
	switch {
	case err != nil:
		s.scriptOutcome(err)
		writeError(w, err)
		return
	case len(evalErrs) > 0:
		s.recordScript("eval_error")
		details := make([]errorDetail, len(evalErrs))
		for i, e := range evalErrs {
			details[i] = errorDetail{Line: e.Line, Message: e.Message}
		}
		writeBadRequest(w, "script failed", details...)
		return
	}
	s.recordScript("ok")

	s.ctrl.Edit(p)
	snap, err := s.generate(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scriptResponse{Params: p, Model: summarize(snap)})
}

func (s *Server) scriptOutcome(err error) {
	switch {
	case errors.Is(err, script.ErrTimeout):
		s.recordScript("timeout")
	case errors.Is(err, script.ErrSuperseded):
		s.recordScript("superseded")
	default:
		s.recordScript("error")
	}
}

func (s *Server) recordScript(outcome string) {
	if s.met != nil {
		s.met.ScriptEvaluated(outcome)
	}
}
