package rsync

import (
	"io"
)

// Engine ties the control-file codec, block index, matcher and planner
// together into the two end-to-end operations a caller actually wants:
// building a control file for a target, and applying one against a seed.
// It owns no state between calls; each method is self-contained, mirroring
// the teacher engine's role as a thin, stateless façade over its component
// operations.
type Engine struct{}

// NewEngine creates an Engine. It carries no configuration: block size,
// seq-matches and checksum widths are all derived from file length by
// WriteControlFile, not chosen by the caller.
func NewEngine() *Engine {
	return &Engine{}
}

// Build computes and writes a control file for a target file of the given
// length, read from src, to w.
func (e *Engine) Build(w io.Writer, src io.Reader, length uint64) error {
	return WriteControlFile(w, src, length)
}

// ApplyResult summarizes a completed apply session.
type ApplyResult struct {
	Matched  int
	Moves    int
	Checksum string
}

// Apply parses a control file from control, matches seed against it, plans
// the resulting transcript against newFile (whose length is taken from the
// control file's Length field), and drives
// sink through Start/Move/Add/Done. It returns the sink's reported
// checksum alongside match/move counts for progress reporting; it does NOT
// compare the checksum against the control file's header — callers that
// want the §7 final-gate behavior should call VerifyChecksum themselves
// with the returned ApplyResult.Checksum and the parsed ControlFileMeta.SHA1.
func (e *Engine) Apply(control io.Reader, seed io.Reader, newFile io.Reader, sink Sink) (*ControlFileMeta, *ApplyResult, error) {
	meta, idx, err := ReadControlFile(control)
	if err != nil {
		return nil, nil, err
	}

	matcher := NewMatcher(idx)
	result, err := matcher.Run(seed)
	if err != nil {
		return meta, nil, err
	}

	planner := NewPlanner(meta.BlockSize)
	checksum, err := planner.Run(result, newFile, meta.Length, sink)
	if err != nil {
		return meta, nil, err
	}

	moveOps := coalesceMoves(result.Moves, meta.BlockSize, meta.Length)
	return meta, &ApplyResult{
		Matched:  len(result.Matches),
		Moves:    len(moveOps),
		Checksum: checksum,
	}, nil
}
