package uppaal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

const (
	satisfiedMarker    = "Formula is satisfied"
	notSatisfiedMarker = "Formula is NOT satisfied"
)

// Verifier checks a model against its property list. The production
// implementation shells out to verifyta; tests substitute a stub.
type Verifier interface {
	Verify(ctx context.Context, modelXML string, properties []types.Property, timeout time.Duration) (types.VerifierOutcome, error)
}

// VerifytaVerifier runs the native verifyta binary on a temporary model
// file. The temporary file is owned here and removed on every exit path.
type VerifytaVerifier struct {
	binaryPath string
	logger     *slog.Logger
}

// NewVerifytaVerifier returns a verifier for the given binary path.
func NewVerifytaVerifier(binaryPath string, logger *slog.Logger) *VerifytaVerifier {
	return &VerifytaVerifier{binaryPath: binaryPath, logger: logger}
}

// Verify writes the model to a temp file, invokes verifyta bounded by the
// timeout, and parses its verdict log. Failures to run or parse surface as
// external errors with every property left unknown.
func (v *VerifytaVerifier) Verify(ctx context.Context, modelXML string, properties []types.Property, timeout time.Duration) (types.VerifierOutcome, error) {
	f, err := os.CreateTemp("", "rtverify-model-*.xml")
	if err != nil {
		return unknownOutcome(properties, ""), types.NewExternalError(fmt.Errorf("creating model file: %w", err))
	}
	path := f.Name()
	defer os.Remove(path)

	if _, err := f.WriteString(modelXML); err != nil {
		f.Close()
		return unknownOutcome(properties, ""), types.NewExternalError(fmt.Errorf("writing model file: %w", err))
	}
	if err := f.Close(); err != nil {
		return unknownOutcome(properties, ""), types.NewExternalError(fmt.Errorf("closing model file: %w", err))
	}

	return v.VerifyFile(ctx, path, properties, timeout)
}

// VerifyFile runs verifyta on a caller-supplied model file. Deletion of
// the file stays with the caller.
func (v *VerifytaVerifier) VerifyFile(ctx context.Context, path string, properties []types.Property, timeout time.Duration) (types.VerifierOutcome, error) {
	if _, err := os.Stat(v.binaryPath); err != nil {
		return unknownOutcome(properties, ""), types.NewExternalError(fmt.Errorf("verifier binary %s: %w", v.binaryPath, err))
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, v.binaryPath, path)
	out, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		v.logger.Warn("verifier timed out", "timeout", timeout, "model", path)
		return unknownOutcome(properties, string(out)), types.NewExternalError(fmt.Errorf("verifier timed out after %s", timeout))
	}
	if err != nil && len(out) == 0 {
		v.logger.Error("verifier failed", "error", err, "stderr", string(out))
		return unknownOutcome(properties, string(out)), types.NewExternalError(fmt.Errorf("running verifier: %w", err))
	}

	outcome, perr := ParseVerifierOutput(string(out), properties)
	if perr != nil {
		v.logger.Error("verifier output unparseable", "error", perr)
		return unknownOutcome(properties, string(out)), types.NewExternalError(perr)
	}

	v.logger.Info("verification finished",
		"all_passed", outcome.AllPassed,
		"properties", len(properties),
		"elapsed", elapsed)
	return outcome, nil
}

// ParseVerifierOutput maps the newline-delimited verdict log onto the
// property list. Verdict lines appear in query order; lines between a
// violation and the next verdict are kept as the opaque counterexample
// trace for that property.
func ParseVerifierOutput(output string, properties []types.Property) (types.VerifierOutcome, error) {
	outcome := types.VerifierOutcome{
		Verdicts:  make(map[string]types.Verdict, len(properties)),
		Traces:    make(map[string]string),
		RawOutput: output,
	}
	for _, p := range properties {
		outcome.Verdicts[p.Formula] = types.VerdictUnknown
	}

	idx := 0
	var traceFor string
	var trace []string
	flush := func() {
		if traceFor != "" && len(trace) > 0 {
			outcome.Traces[traceFor] = strings.Join(trace, "\n")
		}
		traceFor = ""
		trace = nil
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.Contains(line, notSatisfiedMarker):
			flush()
			if idx >= len(properties) {
				return outcome, fmt.Errorf("verifier reported more verdicts than queries (%d)", len(properties))
			}
			outcome.Verdicts[properties[idx].Formula] = types.VerdictViolated
			traceFor = properties[idx].Formula
			idx++
		case strings.Contains(line, satisfiedMarker):
			flush()
			if idx >= len(properties) {
				return outcome, fmt.Errorf("verifier reported more verdicts than queries (%d)", len(properties))
			}
			outcome.Verdicts[properties[idx].Formula] = types.VerdictSatisfied
			idx++
		default:
			if traceFor != "" && strings.TrimSpace(line) != "" {
				trace = append(trace, line)
			}
		}
	}
	flush()

	if idx == 0 {
		return outcome, fmt.Errorf("verifier output contains no verdicts")
	}

	outcome.AllPassed = true
	for _, v := range outcome.Verdicts {
		if v != types.VerdictSatisfied {
			outcome.AllPassed = false
			break
		}
	}
	return outcome, nil
}

func unknownOutcome(properties []types.Property, raw string) types.VerifierOutcome {
	o := types.VerifierOutcome{
		Verdicts:  make(map[string]types.Verdict, len(properties)),
		RawOutput: raw,
	}
	for _, p := range properties {
		o.Verdicts[p.Formula] = types.VerdictUnknown
	}
	return o
}
