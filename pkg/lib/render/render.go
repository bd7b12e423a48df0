package render

import (
	"context"
	"fmt"
	"os"

	"github.com/SanjoDeundiak/flame-shooter/pkg/lib"
	"github.com/SanjoDeundiak/flame-shooter/pkg/lib/runner"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// PlaceholderInput is replaced by the profile path in every stage.
	PlaceholderInput = "{input}"

	stderrTail = 512
)

// Pipeline turns a raw profile into a rendered graph by chaining external
// commands stdout to stdin, the last one writing the output file.
type Pipeline struct {
	runner *runner.Runner
	stages []lib.Command
	logger *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New builds a pipeline from argv style stage templates.
func New(r *runner.Runner, stages [][]string, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("render pipeline needs at least one stage")
	}
	p := &Pipeline{runner: r, logger: zap.NewNop()}
	for i, s := range stages {
		if len(s) == 0 || s[0] == "" {
			return nil, errors.Errorf("render stage %d has no command", i)
		}
		p.stages = append(p.stages, lib.NewCommand(s...))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Stages returns the stage commands bound to input.
func (p *Pipeline) Stages(input string) []lib.Command {
	out := make([]lib.Command, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Expand(map[string]string{PlaceholderInput: input})
	}
	return out
}

// Render runs every stage and inspects each exit status. Stage failures are
// returned as *lib.RenderError values (combined when several stages fail);
// the output file is removed unless all stages succeed.
func (p *Pipeline) Render(ctx context.Context, input, output string) (err error) {
	out, err := os.Create(output)
	if err != nil {
		return errors.Annotatef(err, "create render output %s failed", output)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(output)
		}
	}()

	stages := p.Stages(input)
	procs := make([]*runner.Process, 0, len(stages))
	var stdin *os.File
	for i, stage := range stages {
		stdout := out
		var next *os.File
		if i < len(stages)-1 {
			r, w, pipeErr := os.Pipe()
			if pipeErr != nil {
				err = errors.Trace(pipeErr)
				break
			}
			stdout, next = w, r
		}

		opts := []runner.SpawnOption{
			runner.WithName(fmt.Sprintf("render stage %d", i)),
			runner.WithCapturedOutput(),
			runner.WithStdout(stdout),
		}
		if stdin != nil {
			opts = append(opts, runner.WithStdin(stdin))
		}
		proc, spawnErr := p.runner.Spawn(stage, opts...)

		// the children hold their own copies now
		if stdin != nil {
			_ = stdin.Close()
		}
		if stdout != out {
			_ = stdout.Close()
		}
		stdin = next

		if spawnErr != nil {
			err = &lib.RenderError{Stage: i, Command: stage, ExitCode: -1, Err: spawnErr}
			break
		}
		p.logger.Debug("render stage started", zap.Int("stage", i), zap.String("command", stage.String()), zap.Int("pid", proc.PID()))
		procs = append(procs, proc)
	}
	if stdin != nil {
		_ = stdin.Close()
	}
	_ = out.Close()

	for i, proc := range procs {
		st, waitErr := proc.Wait(ctx)
		if waitErr == nil {
			continue
		}
		if ctx.Err() != nil {
			// ctx is done, so this signals right away and then awaits the exit
			for _, rest := range procs[i:] {
				_ = p.runner.Terminate(ctx, rest, true)
			}
			return multierr.Append(err, errors.Trace(ctx.Err()))
		}
		code := -1
		if st.ExitCode != nil {
			code = *st.ExitCode
		}
		err = multierr.Append(err, &lib.RenderError{
			Stage:    i,
			Command:  proc.Command(),
			ExitCode: code,
			Stderr:   proc.Stderr().Tail(stderrTail),
		})
	}
	if err != nil {
		p.logger.Warn("render failed", zap.String("output", output), zap.Error(err))
		return err
	}
	p.logger.Info("render complete", zap.String("input", input), zap.String("output", output))
	return nil
}
