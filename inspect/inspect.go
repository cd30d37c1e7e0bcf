// Package inspect is the entry point of modelinspect: it detects the format
// of a model artifact, validates its structure, scans its bytes for hidden
// payloads and applies a policy to decide a verdict.
//
// Example:
//
//	cfg, _ := config.Load("")
//	doc, _ := policy.LoadFile("policy.yaml")
//	engine, _ := policy.NewEngine(doc)
//	in := inspect.New(cfg, engine, logger)
//	res, err := in.InspectFile(ctx, "model.safetensors")
//	if err == nil && res.Verdict == inspect.Fail {
//		// reject the artifact
//	}
//
// Malformed input never produces an error; it is reported as findings. The
// error return is reserved for cancellation.
package inspect

import (
	"context"
	"encoding/hex"
	"errors"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/modelinspect/internal/artifact"
	"github.com/born-ml/modelinspect/internal/config"
	"github.com/born-ml/modelinspect/internal/detect"
	"github.com/born-ml/modelinspect/internal/finding"
	"github.com/born-ml/modelinspect/internal/gguf"
	"github.com/born-ml/modelinspect/internal/heuristic"
	"github.com/born-ml/modelinspect/internal/logging"
	"github.com/born-ml/modelinspect/internal/model"
	"github.com/born-ml/modelinspect/internal/onnx"
	"github.com/born-ml/modelinspect/internal/parallel"
	"github.com/born-ml/modelinspect/internal/policy"
	"github.com/born-ml/modelinspect/internal/safetensors"
)

// Result is the outcome of one inspection.
type Result struct {
	RunID  uuid.UUID
	Path   string // Empty for in-memory artifacts.
	Size   uint64
	Digest string // Hex SHA-256 of the content, empty if it was not read.
	Format model.Format

	// Model is nil when the artifact could not be opened, its format was
	// not recognized, or a terminal parse error occurred.
	Model *model.ParsedModel

	// Findings holds every intrinsic finding in stable order, including
	// findings the policy suppressed.
	Findings    []Finding
	Evaluations []policy.Evaluation
	Diagnostics []Finding // Policy engine diagnostics.
	Verdict     Verdict
}

// Effective returns the evaluations that survived policy suppression.
func (r *Result) Effective() []policy.Evaluation {
	return policy.Effective(r.Evaluations)
}

// Inspector runs inspections. It holds only immutable state, so one
// Inspector may serve concurrent calls.
type Inspector struct {
	cfg    *config.Config
	engine *policy.Engine
	log    logrus.FieldLogger
}

// New returns an Inspector. A nil cfg uses config.Default, a nil engine
// applies no rules and a nil log discards output.
func New(cfg *config.Config, engine *policy.Engine, log logrus.FieldLogger) *Inspector {
	if cfg == nil {
		cfg = config.Default()
	}
	if engine == nil {
		engine, _ = policy.NewEngine(nil)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Inspector{cfg: cfg, engine: engine, log: log}
}

// InspectBytes inspects an in-memory artifact.
func (in *Inspector) InspectBytes(ctx context.Context, data []byte) (*Result, error) {
	return in.Inspect(ctx, artifact.FromBytes(data))
}

// InspectFile maps the file at path read-only and inspects it. Files that
// cannot be opened yield a single input-error finding.
func (in *Inspector) InspectFile(ctx context.Context, path string) (*Result, error) {
	maxSize := int64(math.MaxInt64)
	if in.cfg.Limits.MaxArtifactSize < math.MaxInt64 {
		maxSize = int64(in.cfg.Limits.MaxArtifactSize)
	}

	a, err := artifact.Open(path, maxSize)
	if err != nil {
		res := in.newResult(path)
		in.log.WithField("artifact", path).WithError(err).Debug("artifact rejected")
		c := finding.NewCollector()
		c.Add(openFinding(err))
		return in.finish(res, c), nil
	}
	defer func() {
		if err := a.Close(); err != nil {
			in.log.WithField("artifact", path).WithError(err).Warn("close artifact")
		}
	}()
	return in.Inspect(ctx, a)
}

// InspectFiles inspects paths concurrently, bounded by workers.artifacts.
// Results are returned in the order of paths.
func (in *Inspector) InspectFiles(ctx context.Context, paths []string) ([]*Result, error) {
	results := make([]*Result, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	limit := in.cfg.Workers.Artifacts
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			res, err := in.InspectFile(ctx, path)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Inspect runs every stage over a. It returns an error only when ctx is
// canceled.
func (in *Inspector) Inspect(ctx context.Context, a *artifact.Artifact) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	res := in.newResult(a.Path())
	res.Size = uint64(a.Len())
	log := in.log.WithFields(logrus.Fields{"artifact": displayName(res.Path), "run_id": res.RunID})

	c := finding.NewCollector()
	switch {
	case a.Len() == 0:
		c.Add(finding.New(finding.CodeArtifactEmpty, "artifact is empty"))
		return in.finish(res, c), nil
	case res.Size > in.cfg.Limits.MaxArtifactSize:
		c.Add(finding.New(finding.CodeArtifactTooLarge,
			"artifact is %d bytes, above the %d byte limit", res.Size, in.cfg.Limits.MaxArtifactSize).
			WithEvidence("size", res.Size).
			WithEvidence("limit", in.cfg.Limits.MaxArtifactSize))
		return in.finish(res, c), nil
	}

	digest := a.Digest()
	res.Digest = hex.EncodeToString(digest[:])

	format, detectErr := detect.Detect(a.Prefix(detect.PrefixSize))
	res.Format = format
	log = log.WithField("format", format)
	log.Debug("format detected")

	data := a.Bytes()
	if detectErr != nil {
		c.Add(*detectErr)
	} else {
		m, err := in.parse(ctx, format, data, c)
		if err != nil {
			return nil, err
		}
		res.Model = m
		log.WithField("findings", c.Len()).Debug("structure validated")
	}

	if in.cfg.Heuristic.Enabled {
		if err := heuristic.Scan(ctx, data, res.Model, in.heuristicOptions(), c); err != nil {
			return nil, err
		}
		log.WithField("findings", c.Len()).Debug("heuristic scan complete")
	}

	in.finish(res, c)
	log.WithFields(logrus.Fields{
		"findings": len(res.Findings),
		"verdict":  res.Verdict,
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("inspection complete")
	return res, nil
}

// parse dispatches to the parser for format.
func (in *Inspector) parse(ctx context.Context, format model.Format, data []byte, c *finding.Collector) (*model.ParsedModel, error) {
	cfg := in.cfg
	workers := parallel.WithWorkers(cfg.Workers.Tensors)

	switch format {
	case model.FormatSafeTensors:
		return safetensors.Inspect(ctx, data, cfg.Limits.MaxHeaderSize, safetensors.Options{
			LargeTensorBytes:  cfg.Thresholds.LargeTensorBytes,
			MetadataAllowList: cfg.Allowlist.SafeTensorsMetadata,
			Workers:           workers,
		}, c)
	case model.FormatGGUF:
		return gguf.Inspect(ctx, data, gguf.Limits{
			MaxTensorCount:   cfg.Limits.MaxTensorCount,
			MaxKVCount:       cfg.Limits.MaxKVCount,
			MaxNestingDepth:  cfg.Limits.MaxNestingDepth,
			MaxArrayElements: cfg.Limits.MaxArrayElements,
			MaxMetadataBytes: cfg.Limits.MaxMetadataBytes,
		}, gguf.Options{
			LargeTensorBytes: cfg.Thresholds.LargeTensorBytes,
			Workers:          workers,
		}, c)
	case model.FormatONNX:
		return onnx.Inspect(ctx, data, cfg.Limits.MaxNestingDepth, onnx.Options{
			LargeTensorBytes:  cfg.Thresholds.LargeTensorBytes,
			UnusedTensorBytes: cfg.Thresholds.UnusedTensorBytes,
			DomainAllowList:   cfg.Allowlist.ONNXDomains,
			MetadataAllowList: cfg.Allowlist.ONNXMetadata,
			Workers:           workers,
		}, c)
	default:
		return nil, nil
	}
}

func (in *Inspector) heuristicOptions() heuristic.Options {
	h := in.cfg.Heuristic
	return heuristic.Options{
		BlockSize: h.BlockSize,
		Window:    h.Entropy.Window,
		Threshold: h.Entropy.Threshold,
		Workers:   parallel.WithWorkers(in.cfg.Workers.Tensors),
	}
}

func (in *Inspector) newResult(path string) *Result {
	return &Result{RunID: uuid.New(), Path: path}
}

// finish sorts the findings and applies the policy.
func (in *Inspector) finish(res *Result, c *finding.Collector) *Result {
	res.Findings = c.Findings()
	res.Evaluations = in.engine.Evaluate(res.Format, res.Findings)
	res.Diagnostics = in.engine.Diagnostics()
	res.Verdict = policy.ComputeVerdict(res.Evaluations)
	return res
}

// openFinding maps an artifact.Open error to its input-error finding.
func openFinding(err error) finding.Finding {
	switch {
	case errors.Is(err, artifact.ErrTooLarge):
		return finding.New(finding.CodeArtifactTooLarge, "%v", err)
	case errors.Is(err, artifact.ErrEmpty):
		return finding.New(finding.CodeArtifactEmpty, "artifact is empty")
	default:
		return finding.New(finding.CodeArtifactUnreadable, "%v", err)
	}
}

func displayName(path string) string {
	if path == "" {
		return "<memory>"
	}
	return path
}
