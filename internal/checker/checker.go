// Package checker runs the external grant data-quality checker and decodes
// its quality and aggregate blobs.
package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"

	"github.com/rotisserie/eris"

	"github.com/sells-group/grant-datastore/internal/model"
)

// Checker produces the quality and aggregate blobs for a set of grants.
type Checker interface {
	Check(ctx context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error)
}

// Func adapts a function to Checker.
type Func func(ctx context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error)

// Check implements Checker.
func (f Func) Check(ctx context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error) {
	return f(ctx, grants)
}

// Config names the checker command.
type Config struct {
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
}

type request struct {
	Grants []json.RawMessage `json:"grants"`
}

type response struct {
	Quality   model.Quality    `json:"quality"`
	Aggregate *model.Aggregate `json:"aggregate"`
}

// ExecChecker pipes {"grants": [...]} to a command and reads
// {"quality": {...}, "aggregate": {...}} from its stdout.
type ExecChecker struct {
	binPath string
	args    []string
}

// NewExecChecker creates an ExecChecker. If cfg.Command is empty,
// "grant-quality-check" is used.
func NewExecChecker(cfg Config) *ExecChecker {
	bin := cfg.Command
	if bin == "" {
		bin = "grant-quality-check"
	}
	return &ExecChecker{binPath: bin, args: cfg.Args}
}

// Check implements Checker.
func (c *ExecChecker) Check(ctx context.Context, grants []json.RawMessage) (model.Quality, *model.Aggregate, error) {
	if grants == nil {
		grants = []json.RawMessage{}
	}
	in, err := json.Marshal(request{Grants: grants})
	if err != nil {
		return nil, nil, eris.Wrap(err, "checker: encode grants")
	}

	cmd := exec.CommandContext(ctx, c.binPath, c.args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(in)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, nil, eris.Wrapf(err, "checker: %s failed: %s", c.binPath, stderr.String())
	}

	var out response
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, nil, eris.Wrapf(err, "checker: decode %s output", c.binPath)
	}
	if out.Quality == nil {
		out.Quality = model.Quality{}
	}
	if out.Aggregate == nil {
		out.Aggregate = &model.Aggregate{Count: int64(len(grants))}
	}
	return out.Quality, out.Aggregate, nil
}
