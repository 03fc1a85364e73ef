package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/mrope"
	"github.com/23skdu/longbow-quiver/internal/runner"
	"github.com/23skdu/longbow-quiver/internal/sampler"
	"github.com/23skdu/longbow-quiver/internal/trace"
)

// Request is one generation request.
//
// Prompt is encoded with the tokenizer unless Tokens is set. Embeddings, when
// set, holds one embedding row per prompt token (typically with vision rows
// spliced in) and sends the prompt through a single prefill pass, which
// starts a fresh context. Index is the position index for that pass and
// defaults to plain text positions.
type Request struct {
	Prompt      string
	ImagePrompt bool
	Tokens      []int
	Embeddings  []byte
	Index       *mrope.Index
	// Stream receives generated tokens in small batches on the generating
	// goroutine. It must not block for long.
	Stream func(Chunk)
}

// Chunk is a batch of newly generated tokens.
type Chunk struct {
	Tokens          []int
	Text            string
	TokensPerSecond float64
}

type Result struct {
	ID string
	// Text is the decode of Tokens without the end token.
	Text string
	// Tokens are the generated ids, including the end token when one was
	// produced.
	Tokens          []int
	PromptTokens    int
	Reason          Reason
	Elapsed         time.Duration
	TokensPerSecond float64
}

// generation is the bookkeeping of one request.
type generation struct {
	id      string
	start   time.Time
	prompt  int
	steps   int
	out     []int
	pending []int
	stream  func(Chunk)
	log     *logger.Logger
}

func (g *generation) rate() float64 {
	el := time.Since(g.start).Seconds()
	if el <= 0 {
		return 0
	}
	return float64(g.prompt+len(g.out)) / el
}

// Infer runs req to completion. Requests are serialized. The result is never
// nil: a request that fails part way returns the tokens generated so far
// together with the error.
func (e *Engine) Infer(ctx context.Context, req Request) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests.Add(1)

	g := &generation{id: uuid.NewString(), start: time.Now(), stream: req.Stream}
	g.log = e.log.With("request", g.id)

	ids := req.Tokens
	if ids == nil {
		var err error
		if ids, err = e.tok.Encode(ctx, req.Prompt, req.ImagePrompt); err != nil {
			return e.finish(ctx, g, ReasonError, fmt.Errorf("encode prompt: %w", err))
		}
	}
	if len(ids) == 0 {
		return e.finish(ctx, g, ReasonError, fmt.Errorf("%w: empty prompt", ErrPrecondition))
	}
	g.prompt = len(ids)
	metrics.RecordPromptTokens(len(ids))
	g.log.Debug("request started", "prompt_tokens", len(ids), "cursor", e.cache.Cursor(), "prefill", req.Embeddings != nil)

	var (
		reason Reason
		err    error
	)
	if req.Embeddings != nil {
		reason, err = e.runPrefill(ctx, g, ids, req)
	} else {
		reason, err = e.decode(ctx, g, ids)
	}
	return e.finish(ctx, g, reason, err)
}

func (e *Engine) runPrefill(ctx context.Context, g *generation, ids []int, req Request) (Reason, error) {
	ix := mrope.Text(len(ids))
	if req.Index != nil {
		ix = *req.Index
	}
	if err := e.checkPrefill(ids, req.Embeddings, ix); err != nil {
		return ReasonError, err
	}
	tok, cancelled, err := e.prefill(ctx, g, ids, req.Embeddings, ix)
	if err != nil {
		return ReasonError, err
	}
	if cancelled {
		return ReasonCancelled, nil
	}
	end, err := e.accept(ctx, g, tok)
	if err != nil || end {
		return ReasonEOS, err
	}
	return e.decode(ctx, g, []int{tok})
}

func (e *Engine) checkPrefill(ids []int, embeds []byte, ix mrope.Index) error {
	switch {
	case e.prefillCap == 0:
		return fmt.Errorf("%w: model has no prefill group", ErrPrecondition)
	case len(ids) > e.prefillCap:
		return fmt.Errorf("%w: %d prompt tokens exceed prefill capacity %d", ErrPrecondition, len(ids), e.prefillCap)
	case len(embeds) != len(ids)*e.embeds.RowBytes():
		return fmt.Errorf("%w: %d bytes of embeddings for %d tokens of %d bytes", ErrPrecondition, len(embeds), len(ids), e.embeds.RowBytes())
	case ix.Len() != len(ids):
		return fmt.Errorf("%w: position index covers %d of %d tokens", ErrPrecondition, ix.Len(), len(ids))
	}
	return nil
}

// prefill runs the whole prompt through every layer in one pass per layer
// and samples the first token from the last real row. The context is reset
// first.
func (e *Engine) prefill(ctx context.Context, g *generation, ids []int, embeds []byte, ix mrope.Index) (int, bool, error) {
	e.setState(StatePrefill)
	e.resetContext()
	start := time.Now()
	n, p := len(ids), e.prefillCap

	input := make([]byte, e.layers[0].prefill.in.Bytes())
	copy(input, embeds)
	mask := causalMask(p)

	for i, l := range e.layers {
		if e.stop.Load() {
			e.cache.Rollback()
			return 0, true, nil
		}
		ps := l.prefill
		if i == 0 {
			if err := e.router.Upload(ctx, input, ps.in); err != nil {
				return 0, false, e.abort(err)
			}
		}
		rows, err := ix.Rows(ps.indices.Elements()/p, p)
		if err != nil {
			return 0, false, e.abort(err)
		}
		if err := ps.indices.WriteUint32(ctx, 0, rows); err != nil {
			return 0, false, e.abort(err)
		}
		if err := ps.mask.Buf.Write(ctx, 0, mask); err != nil {
			return 0, false, e.abort(err)
		}
		if err := e.runLayer(ctx, l, runner.Prefill); err != nil {
			return 0, false, e.abort(err)
		}
		if err := e.cache.AppendPrefill(ctx, i, n); err != nil {
			return 0, false, e.abort(err)
		}
		e.traceLayer(ctx, g, l, "prefill", n-1, ps.out, n*ps.out.Bytes()/p)
		if i+1 < len(e.layers) {
			if _, err := e.router.Move(ctx, ps.out, e.layers[i+1].prefill.in); err != nil {
				return 0, false, e.abort(err)
			}
		}
	}
	if err := e.cache.Commit(); err != nil {
		return 0, false, e.abort(err)
	}
	e.committed()
	e.history = append(e.history, ids...)
	e.delta = ix.Delta()

	out := e.layers[len(e.layers)-1].prefill.out
	rowBytes := out.Bytes() / p
	tok, err := e.sample(ctx, out, (n-1)*rowBytes)
	if err != nil {
		return 0, false, err
	}
	metrics.RecordPrefill(time.Since(start))
	g.log.Debug("prefill done", "tokens", n, "delta", e.delta, "elapsed", time.Since(start))
	return tok, false, nil
}

// decode feeds feed one position per step, then keeps feeding each sampled
// token until the end token, a full context or a stop request. Sampling only
// starts once the last fed token has been processed.
func (e *Engine) decode(ctx context.Context, g *generation, feed []int) (Reason, error) {
	e.setState(StateDecode)
	next, fed := feed[0], 0
	for {
		if e.stop.Load() {
			return ReasonCancelled, nil
		}
		if e.cache.Cursor() >= e.maxTokens {
			return ReasonContextFull, nil
		}
		start := time.Now()
		cancelled, err := e.step(ctx, g, next)
		if err != nil {
			return ReasonError, err
		}
		if cancelled {
			return ReasonCancelled, nil
		}
		fed++
		if fed < len(feed) {
			next = feed[fed]
			metrics.RecordDecodeStep(time.Since(start))
			continue
		}
		tok, err := e.sample(ctx, e.layers[len(e.layers)-1].decode.out, 0)
		metrics.RecordDecodeStep(time.Since(start))
		if err != nil {
			return ReasonError, err
		}
		end, err := e.accept(ctx, g, tok)
		if err != nil {
			return ReasonError, err
		}
		if end {
			return ReasonEOS, nil
		}
		next = tok
	}
}

// step runs one position through every layer and appends its cache rows at
// the cursor. A stop request seen before a layer discards the step.
func (e *Engine) step(ctx context.Context, g *generation, tok int) (bool, error) {
	row, err := e.embeds.Row(tok)
	if err != nil {
		return false, err
	}
	slot := e.cache.Cursor()
	pos := slot + e.delta
	g.steps++

	if err := e.router.Upload(ctx, row, e.layers[0].decode.in); err != nil {
		return false, e.abort(err)
	}
	for i, l := range e.layers {
		if e.stop.Load() {
			e.cache.Rollback()
			return true, nil
		}
		ps := l.decode
		if err := ps.indices.WriteUint32(ctx, 0, positions(ps.indices.Elements(), pos)); err != nil {
			return false, e.abort(err)
		}
		if err := ps.mask.Buf.Write(ctx, 0, e.mask.bytes()); err != nil {
			return false, e.abort(err)
		}
		if err := e.runLayer(ctx, l, runner.Decode); err != nil {
			return false, e.abort(err)
		}
		if err := e.cache.AppendDecode(ctx, i, slot); err != nil {
			return false, e.abort(err)
		}
		e.traceLayer(ctx, g, l, "decode", pos, ps.out, ps.out.Bytes())
		if i+1 < len(e.layers) {
			if _, err := e.router.Move(ctx, ps.out, e.layers[i+1].decode.in); err != nil {
				return false, e.abort(err)
			}
		}
	}
	if err := e.cache.Commit(); err != nil {
		return false, e.abort(err)
	}
	e.committed()
	e.history = append(e.history, tok)
	return false, nil
}

func (e *Engine) runLayer(ctx context.Context, l *layer, grp runner.Group) error {
	start := time.Now()
	if err := l.model.Run(ctx, grp); err != nil {
		metrics.RecordDeviceError(l.device)
		return fmt.Errorf("layer %d on device %d: %w", l.index, l.device, err)
	}
	metrics.RecordLayer(l.device, grp.String(), time.Since(start))
	metrics.RecordQueueDepth(l.device, l.actor.Pending())
	return nil
}

// abort drops the rows of the failed step so the cache stays consistent up
// to the last completed one.
func (e *Engine) abort(err error) error {
	e.cache.Rollback()
	return err
}

func (e *Engine) committed() {
	c := e.cache.Cursor()
	e.mask.reveal(c)
	e.cursor.Store(int64(c))
}

// sample moves one activation row of src to the post head, runs it and
// picks the next token.
func (e *Engine) sample(ctx context.Context, src *device.TensorHandle, off int) (int, error) {
	if _, err := e.router.MoveRange(ctx, src, off, e.postIn, e.postIn.Bytes()); err != nil {
		return 0, err
	}
	if err := e.post.Run(ctx, runner.Decode); err != nil {
		metrics.RecordDeviceError(e.post.DeviceID())
		return 0, fmt.Errorf("post head on device %d: %w", e.post.DeviceID(), err)
	}
	logits, err := e.postOut.Float32View(ctx)
	if err != nil {
		return 0, err
	}
	in := sampler.Input{Logits: logits, History: e.history}
	if e.postTopK != nil {
		if in.TopK, err = e.postTopK.Uint32View(ctx); err != nil {
			return 0, err
		}
	}
	return e.sampler.Sample(in)
}

// accept records a sampled token and streams full batches. It reports
// whether the token ends the sequence.
func (e *Engine) accept(ctx context.Context, g *generation, tok int) (bool, error) {
	g.out = append(g.out, tok)
	if e.tok.IsEnd(tok) {
		return true, nil
	}
	g.pending = append(g.pending, tok)
	if len(g.pending) >= e.streamBatch {
		return false, e.flush(ctx, g)
	}
	return false, nil
}

func (e *Engine) flush(ctx context.Context, g *generation) error {
	if g.stream == nil || len(g.pending) == 0 {
		g.pending = g.pending[:0]
		return nil
	}
	text, err := e.tok.Decode(ctx, g.pending)
	if err != nil {
		return fmt.Errorf("decode stream batch: %w", err)
	}
	g.stream(Chunk{Tokens: append([]int(nil), g.pending...), Text: text, TokensPerSecond: g.rate()})
	g.pending = g.pending[:0]
	return nil
}

// finish builds the result of every request, failed ones included, and
// clears any stop request it consumed.
func (e *Engine) finish(ctx context.Context, g *generation, reason Reason, runErr error) (*Result, error) {
	e.stop.Store(false)
	res := &Result{
		ID:           g.id,
		Tokens:       g.out,
		PromptTokens: g.prompt,
		Reason:       reason,
	}
	if runErr == nil {
		runErr = e.flush(ctx, g)
	}

	gen := g.out
	if n := len(gen); n > 0 && e.tok.IsEnd(gen[n-1]) {
		gen = gen[:n-1]
	}
	if runErr == nil || len(gen) > 0 {
		text, err := e.tok.Decode(ctx, gen)
		if err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("decode result: %w", err))
		}
		res.Text = text
	}
	res.Elapsed = time.Since(g.start)
	res.TokensPerSecond = g.rate()
	if runErr != nil {
		res.Reason = ReasonError
	}

	switch res.Reason {
	case ReasonCancelled:
		e.setState(StateCancelled)
		metrics.RecordCancellation()
	case ReasonError:
		e.setState(StateIdle)
	default:
		e.setState(StateDone)
	}
	e.last.Store(res.Reason)
	metrics.RecordRequest(string(res.Reason), len(res.Tokens), res.Elapsed)

	if runErr != nil {
		g.log.Error("request failed", "error", runErr, "generated", len(res.Tokens))
		return res, runErr
	}
	g.log.Info("request finished",
		"reason", string(res.Reason),
		"prompt_tokens", res.PromptTokens,
		"generated", len(res.Tokens),
		"steps", g.steps,
		"cursor", e.cache.Cursor(),
		"tokens_per_sec", fmt.Sprintf("%.2f", res.TokensPerSecond))
	return res, nil
}

// traceLayer records activation statistics of the first n bytes of out when
// tracing is on. Failures are logged and otherwise ignored.
func (e *Engine) traceLayer(ctx context.Context, g *generation, l *layer, phase string, pos int, out *device.TensorHandle, n int) {
	if e.recorder == nil {
		return
	}
	vals, err := out.Float32View(ctx)
	if err != nil {
		g.log.Warn("trace read failed", "layer", l.index, "error", err)
		return
	}
	vals = vals[:min(len(vals), n/out.DType.Size())]
	maxAbs, rms, nans, infs := trace.Summarize(vals)
	row := trace.Row{
		Request: g.id, Step: g.steps, Layer: l.index, Device: l.device, Phase: phase,
		Position: pos, MaxAbs: maxAbs, RMS: rms, NaNs: nans, Infs: infs,
	}
	if err := e.recorder.Add(row); err != nil {
		g.log.Warn("trace write failed", "layer", l.index, "error", err)
	}
	if nans > 0 || infs > 0 {
		g.log.Warn("non-finite activations", "layer", l.index, "device", l.device, "nan", nans, "inf", infs)
	}
}
