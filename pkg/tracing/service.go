package tracing

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/tracekit/tracekit/pkg"
)

// flags
const (
	TracingEngine    = "tracing-engine"
	TraceSkipPattern = "trace-skip-pattern"
)

const (
	// VersionTag is the span tag engines report the binary version under.
	VersionTag = "version"
)

// Engineer is an extension interface tracing Services implement to expose
// the selected engine.
type Engineer interface {
	Engine() Engine
}

// EngineService is the interface a concrete tracing engine provider needs to
// implement to be selectable by Service.
type EngineService interface {
	Engineer
	Contexter
	run.Config
	run.PreRunner
	run.Service
}

// Service implements run.GroupService. It multiplexes the registered engine
// services behind a single --tracing-engine flag and carries the path
// exclusion pattern shared by all server handlers.
type Service struct {
	TracingEngine   string
	Engines         []EngineService
	SkipPatternExpr string

	delegate    EngineService
	skipPattern *regexp.Regexp
}

// static compile time run interfaces validation
var (
	_ run.Config          = (*Service)(nil)
	_ run.PreRunner       = (*Service)(nil)
	_ run.Service         = (*Service)(nil)
	_ Engineer            = (*Service)(nil)
	_ Contexter           = (*Service)(nil)
	_ SkipPatternProvider = (*Service)(nil)
)

func (s *Service) supportedEngines() []string {
	names := make([]string, 0, len(s.Engines))
	for _, e := range s.Engines {
		names = append(names, e.Name())
	}
	return names
}

// Name implements run.Unit.
func (s *Service) Name() string {
	if s.delegate == nil {
		return "tracing-engine"
	}
	return fmt.Sprintf("tracing-engine[%s]", s.delegate.Name())
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// create our configuration flags
	flags := run.NewFlagSet("Tracing engine config")

	flags.StringVar(
		&s.TracingEngine,
		TracingEngine,
		s.TracingEngine,
		fmt.Sprintf(`Name of the tracing engine to use, one of %v`, s.supportedEngines()))

	flags.StringVar(
		&s.SkipPatternExpr,
		TraceSkipPattern,
		s.SkipPatternExpr,
		`Regular expression of request paths to exclude from tracing, `+
			`matched against the full path (e.g. "/healthz|/readyz")`)

	for _, engine := range s.Engines {
		flags.AddFlagSet(engine.FlagSet().FlagSet)
	}
	return flags
}

// Validate implements run.Config
func (s *Service) Validate() error {
	var mErr error

	var foundSupportedEngine bool
	for _, engine := range s.Engines {
		if engine.Name() == s.TracingEngine {
			foundSupportedEngine = true
			break
		}
	}
	if !foundSupportedEngine {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, TracingEngine,
				fmt.Errorf("engine must be one of %v", s.supportedEngines())))
	}

	if s.SkipPatternExpr != "" {
		if _, err := regexp.Compile(s.SkipPatternExpr); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, TraceSkipPattern, err))
		}
	}
	return mErr
}

// PreRun implements run.PreRunner
func (s *Service) PreRun() error {
	for _, engine := range s.Engines {
		if engine.Name() == s.TracingEngine {
			s.delegate = engine
			break
		}
	}
	if s.SkipPatternExpr != "" {
		re, err := regexp.Compile(s.SkipPatternExpr)
		if err != nil {
			return fmt.Errorf(pkg.FlagErr, TraceSkipPattern, err)
		}
		s.skipPattern = re
	}
	return s.delegate.PreRun()
}

// Serve implements run.GroupService
func (s *Service) Serve() error {
	return s.delegate.Serve()
}

// GracefulStop implements run.GroupService
func (s *Service) GracefulStop() {
	s.delegate.GracefulStop()
}

// Engine implements Engineer
func (s *Service) Engine() Engine {
	return s.delegate.Engine()
}

// SpanFromContext implements Contexter
func (s *Service) SpanFromContext(ctx context.Context) Span {
	return s.delegate.SpanFromContext(ctx)
}

// SkipPattern implements SkipPatternProvider
func (s *Service) SkipPattern() *regexp.Regexp {
	return s.skipPattern
}
