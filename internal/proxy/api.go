package proxy

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/dispatch"
	"github.com/florianilch/claudine-gateway/internal/format"
	"github.com/florianilch/claudine-gateway/internal/format/anthropicmessages"
	"github.com/florianilch/claudine-gateway/internal/format/openaichat"
	"github.com/florianilch/claudine-gateway/internal/hooks"
	"github.com/florianilch/claudine-gateway/internal/observability/middleware"
	"github.com/florianilch/claudine-gateway/internal/streaming"
)

// HeaderIgnoredParams lists the request fields that did not reach the provider.
const HeaderIgnoredParams = "X-Claudine-Ignored-Params"

// codecFor returns the codec of a wire format.
func codecFor(f canonical.Format) format.Codec {
	if f == canonical.FormatOpenAI {
		return openaichat.Codec{}
	}
	return anthropicmessages.Codec{}
}

// guessCodec picks the error envelope for paths that did not resolve to a route.
func guessCodec(path string) format.Codec {
	if strings.HasSuffix(strings.TrimSuffix(path, "/"), "chat/completions") {
		return openaichat.Codec{}
	}
	return anthropicmessages.Codec{}
}

// exchange carries the state of one API request through the handler.
type exchange struct {
	w     http.ResponseWriter
	codec format.Codec
	info  hooks.Info
	run   *hooks.Run
}

// serveAPI handles every POST below a /v1 segment.
func (p *Proxy) serveAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := time.Now()

	route, err := p.deps.Router.Resolve(r.URL.Path)
	if err != nil {
		p.fail(ctx, &exchange{w: w, codec: guessCodec(r.URL.Path), info: hooks.Info{Started: started}}, err)
		return
	}
	ex := &exchange{
		w:     w,
		codec: codecFor(route.Format()),
		info: hooks.Info{
			RequestID: middleware.RequestID(ctx),
			Provider:  route.Provider,
			Mode:      route.Mode.Name(),
			Endpoint:  string(route.Endpoint),
			Started:   started,
		},
	}
	middleware.SetLogAttrs(ctx,
		slog.String("provider", route.Provider),
		slog.String("mode", route.Mode.Name()),
	)

	if route.Endpoint == dispatch.EndpointModels {
		p.fail(ctx, ex, &apierror.NotFoundError{What: "POST " + r.URL.Path})
		return
	}

	if p.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.requestTimeout)
		defer cancel()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}

	if route.Endpoint == dispatch.EndpointCountTokens {
		p.countTokens(ctx, ex, body)
		return
	}

	req, err := ex.codec.ParseRequest(body)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	ex.info.Model = req.Model
	ex.info.Stream = req.Stream

	ex.run = p.deps.Hooks.Begin(ctx, hooks.RequestSnapshot{Info: ex.info, Request: req})
	defer ex.run.End()

	plan, err := p.deps.Dispatcher.Prepare(ctx, route, req, r.Header)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	if len(plan.Ignored) > 0 {
		w.Header().Set(HeaderIgnoredParams, strings.Join(plan.Ignored, ","))
	}

	downgrades := make([]string, 0, len(plan.Downgrades))
	for _, c := range plan.Downgrades {
		downgrades = append(downgrades, c.String())
	}
	ex.run.UpstreamDispatch(hooks.DispatchSnapshot{
		Info:           ex.info,
		CredentialKind: string(plan.CredentialKind),
		SessionID:      plan.Session.ID,
		Ignored:        plan.Ignored,
		Downgrades:     downgrades,
	})

	if plan.ClientStream {
		p.stream(ctx, ex, plan)
		return
	}
	p.complete(ctx, ex, plan)
}

// complete serves a non-streaming request.
func (p *Proxy) complete(ctx context.Context, ex *exchange, plan *dispatch.Plan) {
	resp, err := plan.Provider.Complete(ctx, plan.Request, plan.Transport)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	body, err := ex.codec.RenderResponse(*resp)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	writeJSONBytes(ctx, ex.w, body, http.StatusOK)

	ex.run.Complete(hooks.CompletionSnapshot{
		Info:     ex.info,
		Duration: time.Since(ex.info.Started),
		Usage:    resp.Usage,
		Finish:   resp.FinishReason,
	})
}

// stream serves a streaming request. Streams whose provider cannot stream are replayed from a
// single complete call.
func (p *Proxy) stream(ctx context.Context, ex *exchange, plan *dispatch.Plan) {
	open := func(ctx context.Context) (iter.Seq2[canonical.Event, error], error) {
		if plan.Replay() {
			resp, err := plan.Provider.Complete(ctx, plan.Request, plan.Transport)
			if err != nil {
				return nil, err
			}
			return streaming.Replay(resp), nil
		}
		return plan.Provider.Stream(ctx, plan.Request, plan.Transport)
	}

	sse := format.NewSSEWriter(ex.w)
	enc := ex.codec.NewStreamEncoder(sse, format.StreamOptions{
		Model:        plan.Request.Model,
		IncludeUsage: plan.Request.IncludeUsage,
	})

	summary, err := p.deps.Engine.Stream(ctx, open, enc, ex.run.StreamEvent)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	if summary.ClientGone {
		slog.InfoContext(ctx, "client disconnected during stream", "events", summary.Events)
	}

	ex.run.Complete(hooks.CompletionSnapshot{
		Info:       ex.info,
		Duration:   time.Since(ex.info.Started),
		Usage:      summary.Usage,
		Finish:     summary.Finish,
		Events:     summary.Events,
		Anomalies:  summary.Anomalies,
		ClientGone: summary.ClientGone,
		StreamErr:  summary.Err,
	})
}

// countTokens answers count_tokens locally from the token estimator.
func (p *Proxy) countTokens(ctx context.Context, ex *exchange, body []byte) {
	req, err := anthropicmessages.ParseCountTokens(body)
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	out, err := anthropicmessages.RenderCountTokens(p.deps.Tokens.Count(req))
	if err != nil {
		p.fail(ctx, ex, err)
		return
	}
	writeJSONBytes(ctx, ex.w, out, http.StatusOK)
}

// fail logs err, reports it to the hooks and writes the native error envelope. Nothing is
// written once the client went away.
func (p *Proxy) fail(ctx context.Context, ex *exchange, err error) {
	problem := apierror.Classify(err)

	attrs := []any{
		"error", err,
		"status", problem.Status,
		"request_id", middleware.RequestID(ctx),
		"provider", ex.info.Provider,
		"mode", ex.info.Mode,
	}
	if problem.Status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", attrs...)
	} else {
		slog.WarnContext(ctx, "request rejected", attrs...)
	}

	if ex.run != nil {
		ex.run.Error(hooks.ErrorSnapshot{
			Info:     ex.info,
			Duration: time.Since(ex.info.Started),
			Kind:     string(problem.Kind),
			Status:   problem.Status,
			Message:  problem.Message,
		})
	}

	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	status, body := ex.codec.RenderError(problem)
	writeJSONBytes(ctx, ex.w, body, status)
}
