package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/embed"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/monitoring"
	"github.com/23skdu/longbow-quiver/internal/mrope"
	"github.com/23skdu/longbow-quiver/internal/runner"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/tokenizer"
	"github.com/23skdu/longbow-quiver/internal/trace"
	"github.com/23skdu/longbow-quiver/internal/vision"
)

// runtime is everything a run command owns, torn down in reverse order by
// Close.
type runtime struct {
	cfg      config.Config
	registry *device.Registry
	loader   runner.Loader
	tok      *tokenizer.Client
	template tokenizer.Template
	embeds   *embed.Table
	recorder *trace.Recorder
	eng      *engine.Engine
	monitor  *monitoring.HealthMonitor

	encoder      *vision.Encoder
	encoderModel runner.Runner
}

func openRuntime(ctx context.Context, cfg config.Config) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	if rt.template, err = tokenizer.ParseTemplate(cfg.Template); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	driver, err := openDriver(cfg)
	if err != nil {
		return nil, err
	}
	if rt.registry, err = device.OpenRegistry(ctx, driver, cfg.Devices, cfg.InitTimeout); err != nil {
		return nil, err
	}
	if report, err := rt.registry.MemoryReport(ctx); err == nil {
		for _, m := range report {
			logger.Log.Info("device memory", "device", m.Device, "free_mb", m.Free>>20, "total_mb", m.Total>>20)
		}
	}
	rt.loader = hostLoader(cfg)

	rt.tok, err = tokenizer.New(ctx, tokenizer.Options{
		URL:        cfg.TokenizerURL,
		BOS:        cfg.BOS,
		EOS:        cfg.EOS,
		StopTokens: cfg.StopTokens,
		Attempts:   cfg.TokenizerRetries,
		Backoff:    cfg.TokenizerBackoff,
		Timeout:    cfg.TokenizerTimeout,
	})
	if err != nil {
		return nil, err
	}
	if rt.embeds, err = openEmbeddings(cfg); err != nil {
		return nil, err
	}
	post, err := sampler.Load(cfg.SamplerConfig)
	if err != nil {
		return nil, err
	}
	if rt.recorder, err = openRecorder(ctx, cfg); err != nil {
		return nil, err
	}

	rt.eng, err = engine.New(ctx, cfg, engine.Deps{
		Registry:   rt.registry,
		Loader:     rt.loader,
		Tokenizer:  rt.tok,
		Embeddings: rt.embeds,
		Sampler:    sampler.TopKIndex{Next: post},
		Recorder:   rt.recorder,
	})
	if err != nil {
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		rt.monitor = monitoring.NewHealthMonitor(version, monitoring.Sources{
			Engine:  func() any { return rt.eng.Status() },
			Devices: rt.registry.MemoryReport,
		})
		addr, err := rt.monitor.Start(cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
		logger.Log.Info("monitoring listening", "addr", addr.String())
	}
	return rt, nil
}

// hostLoader sizes simulated model parts from the host geometry and the
// embedding table shape.
func hostLoader(cfg config.Config) *runner.SimLoader {
	vo := vision.OptionsFrom(cfg.Vision)
	return &runner.SimLoader{
		Geometry: runner.Geometry{
			Hidden:       cfg.EmbedWidth,
			KVRow:        cfg.Host.KVRow,
			Slots:        cfg.Host.Slots,
			MaxTokens:    cfg.Host.MaxTokens,
			Prefill:      cfg.Host.Prefill,
			Vocab:        cfg.EmbedVocab,
			TopK:         cfg.Host.TopK,
			MRoPE:        cfg.Host.MRoPE,
			VisionInput:  vo.GroupBytes(),
			VisionTokens: vo.GroupTokens(),
		},
		ReadWeights: cfg.Host.ReadWeights,
	}
}

// openEmbeddings loads the embedding table. The host backend runs without
// one, on an all-zero table.
func openEmbeddings(cfg config.Config) (*embed.Table, error) {
	t, err := embed.Open(cfg.EmbedPath, cfg.EmbedVocab, cfg.EmbedWidth, cfg.MmapEmbed)
	if err == nil || cfg.Backend != "host" || !errors.Is(err, fs.ErrNotExist) {
		return t, err
	}
	logger.Log.Warn("embedding table not found, using zero rows", "path", cfg.EmbedPath)
	return embed.FromBytes(make([]byte, cfg.EmbedVocab*cfg.EmbedWidth*2), cfg.EmbedVocab, cfg.EmbedWidth)
}

func openRecorder(ctx context.Context, cfg config.Config) (*trace.Recorder, error) {
	var sinks []trace.Sink
	if cfg.TraceFile != "" {
		s, err := trace.NewFileSink(cfg.TraceFile)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.TraceFlight != "" {
		s, err := trace.NewFlightSink(ctx, cfg.TraceFlight, "quiver", "activations")
		if err != nil {
			for _, s := range sinks {
				s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return trace.NewRecorder(cfg.TraceBatch, sinks...), nil
}

// generate runs one prompt. With images the prompt goes through a prefill
// pass with the vision embeddings spliced in.
func (rt *runtime) generate(ctx context.Context, text string, images string, stream func(engine.Chunk)) (*engine.Result, error) {
	req := engine.Request{Prompt: rt.template.Apply(text), Stream: stream}
	if images != "" {
		var err error
		if req, err = rt.visionRequest(ctx, req, images); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	res, err := rt.eng.Infer(ctx, req)
	if rt.monitor != nil {
		n := 0
		if res != nil {
			n = len(res.Tokens)
		}
		rt.monitor.RecordRequest(n, time.Since(start), err != nil)
	}
	return res, err
}

func (rt *runtime) visionRequest(ctx context.Context, req engine.Request, path string) (engine.Request, error) {
	vc := rt.cfg.Vision
	opts := vision.OptionsFrom(vc)
	frames, err := vision.LoadImages(path)
	if err != nil {
		return req, fmt.Errorf("%w: %v", engine.ErrPrecondition, err)
	}
	patches, err := vision.Preprocess(frames, opts)
	if err != nil {
		return req, fmt.Errorf("%w: %v", engine.ErrPrecondition, err)
	}
	enc, err := rt.visionEncoder(ctx, opts)
	if err != nil {
		return req, err
	}
	visual, err := enc.Encode(ctx, patches)
	if err != nil {
		return req, err
	}

	ids, err := rt.tok.Encode(ctx, req.Prompt, true)
	if err != nil {
		return req, fmt.Errorf("encode prompt: %w", err)
	}
	embeds, err := promptRows(rt.embeds, ids, vc.ImageTokenID)
	if err != nil {
		return req, err
	}
	if err := vision.SpliceVision(embeds, rt.embeds.RowBytes(), ids, vc.ImageTokenID, visual); err != nil {
		return req, fmt.Errorf("%w: %v", engine.ErrPrecondition, err)
	}
	ix, err := mrope.Build(mrope.Options{
		MergeSize:       vc.MergeSize,
		TokensPerSecond: vc.TokensPerSecond,
		ImageToken:      vc.ImageTokenID,
		VideoToken:      vc.VideoTokenID,
		VisionStart:     vc.VisionStartID,
	}, mrope.Input{IDs: ids, ImageGrids: []mrope.Grid{patches.Grid}})
	if err != nil {
		return req, fmt.Errorf("%w: %v", engine.ErrPrecondition, err)
	}

	req.Tokens = ids
	req.Embeddings = embeds
	req.Index = &ix
	return req, nil
}

// visionEncoder loads the vision model on the first device on first use.
func (rt *runtime) visionEncoder(ctx context.Context, opts vision.Options) (*vision.Encoder, error) {
	if rt.encoder != nil {
		return rt.encoder, nil
	}
	a, err := rt.registry.Get(rt.cfg.Devices[0])
	if err != nil {
		return nil, err
	}
	ref := runner.ModelRef{Kind: runner.KindVision, Path: rt.cfg.Vision.EncoderModel, Mmap: rt.cfg.MmapLayers}
	m, err := rt.loader.Load(ctx, a, ref)
	if err != nil {
		return nil, fmt.Errorf("init vision model %s: %w", ref, err)
	}
	enc, err := vision.NewEncoder(m, opts)
	if err != nil {
		m.Close(ctx)
		return nil, err
	}
	rt.encoder, rt.encoderModel = enc, m
	return enc, nil
}

// promptRows gathers the embedding row of every id. Media placeholder rows
// are left zero for the vision embeddings to fill.
func promptRows(t *embed.Table, ids []int, media int) ([]byte, error) {
	rb := t.RowBytes()
	out := make([]byte, len(ids)*rb)
	for i, id := range ids {
		if id == media {
			continue
		}
		row, err := t.Row(id)
		if err != nil {
			return nil, fmt.Errorf("%w: prompt token %d: %v", engine.ErrPrecondition, i, err)
		}
		copy(out[i*rb:], row)
	}
	return out, nil
}

func (rt *runtime) Close(ctx context.Context) {
	if rt.monitor != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rt.monitor.Stop(sctx); err != nil {
			logger.Log.Warn("monitoring shutdown", "error", err)
		}
		cancel()
	}
	if rt.encoderModel != nil {
		rt.encoderModel.Close(ctx)
	}
	if rt.eng != nil {
		if err := rt.eng.Close(ctx); err != nil {
			logger.Log.Warn("engine close", "error", err)
		}
	}
	if rt.recorder != nil {
		if err := rt.recorder.Close(); err != nil {
			logger.Log.Warn("trace close", "error", err)
		}
	}
	if rt.embeds != nil {
		rt.embeds.Close()
	}
	if rt.registry != nil {
		if err := rt.registry.Close(); err != nil {
			logger.Log.Warn("device shutdown", "error", err)
		}
	}
}
