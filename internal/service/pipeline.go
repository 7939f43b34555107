package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sentiric/sentiric-voice-orchestrator/internal/conversation"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/resilience"
	"github.com/sentiric/sentiric-voice-orchestrator/internal/state"
)

// runPipeline, prompt için metin yanıtı ve sesini üretir. Dil modeli ya da
// ses sentezi nihai olarak başarısız olursa yedek ifade kullanılır ve yanıt
// degraded işaretlenir. ctx iptal edildiyse nil döner.
func (cs *callSession) runPipeline(ctx context.Context, prompt conversation.Prompt) *response {
	r := &response{prompt: prompt}

	completion, err := resilience.Execute(ctx, cs.o.completion, cs.correlationID(),
		func(actx context.Context) (Completion, error) {
			c, err := cs.o.deps.Completer.Complete(actx, prompt.Turns)
			if err != nil {
				return Completion{}, err
			}
			if strings.TrimSpace(c.Text) == "" {
				return Completion{}, resilience.Transient(errEmptyCompletion)
			}
			return c, nil
		})
	if ctx.Err() != nil {
		return nil
	}

	fallback := ""
	if err != nil {
		fallback = cs.o.deps.Prompts.FallbackUtterance(ctx, cs.sess)
		r.text = fallback
		r.degradedReason = "completion_" + resilience.KindOf(err).String()
		cs.log.Warn().Err(err).Str("reason", r.degradedReason).Msg("⚠️ Dil modeli yanıt veremedi, yedek ifade kullanılıyor.")
	} else {
		r.text = strings.TrimSpace(completion.Text)
		r.usage = completion.Usage
	}

	audio, err := cs.synthesize(ctx, r.text)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		r.audio = audio
		return r
	}

	reason := "synthesis_" + resilience.KindOf(err).String()
	if r.degradedReason == "" {
		r.degradedReason = reason
	}
	cs.log.Warn().Err(err).Str("reason", reason).Msg("⚠️ Ses sentezi başarısız oldu.")

	// Metne özgü kalıcı bir hata olabilir; yedek ifade ayrıca denenir.
	if fallback == "" && resilience.KindOf(err) == resilience.KindPermanent {
		fallback = cs.o.deps.Prompts.FallbackUtterance(ctx, cs.sess)
		if audio, ferr := cs.synthesize(ctx, fallback); ferr == nil {
			r.text, r.audio = fallback, audio
			return r
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	if len(cs.o.opts.FallbackAudio) > 0 {
		if fallback == "" {
			fallback = cs.o.deps.Prompts.FallbackUtterance(ctx, cs.sess)
		}
		r.text = fallback
		r.audio = cs.o.opts.FallbackAudio
		return r
	}
	r.err = fmt.Errorf("%w: %v", errNoAudio, err)
	return r
}

// runGreeting, karşılama metnini sentezler. Karşılamada yedek ses kullanılmaz.
func (cs *callSession) runGreeting(ctx context.Context) *response {
	text := cs.o.deps.Prompts.Greeting(ctx, cs.sess)
	r := &response{direct: true, text: text}
	audio, err := cs.synthesize(ctx, text)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		r.err = err
		return r
	}
	r.audio = audio
	return r
}

func (cs *callSession) synthesize(ctx context.Context, text string) ([]byte, error) {
	return resilience.Execute(ctx, cs.o.synthesis, cs.correlationID(),
		func(actx context.Context) ([]byte, error) {
			rc, err := cs.o.deps.Synthesizer.Synthesize(actx, text)
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			audio, err := io.ReadAll(rc)
			if err != nil {
				return nil, err
			}
			if len(audio) == 0 {
				return nil, resilience.Transient(errEmptyAudio)
			}
			return audio, nil
		})
}

// summarizer, çağrı dökümünü tek bir kullanıcı turu olarak dil modeline
// gönderen bir özetleyici döner.
func (cs *callSession) summarizer(ctx context.Context, sess state.CallSession) conversation.Summarizer {
	if cs.o.deps.Completer == nil {
		return nil
	}
	instruction := cs.o.deps.Prompts.SummaryInstruction(ctx, sess)
	return conversation.SummarizerFunc(func(ctx context.Context, turns []conversation.Turn) (string, error) {
		fitted := conversation.Truncate("", turns, cs.history.Budget(), cs.o.opts.Estimator)
		var b strings.Builder
		for _, t := range fitted.Turns {
			if t.Role == conversation.RoleSystem {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		prompt := []conversation.Turn{
			{Role: conversation.RoleSystem, Text: instruction},
			{Role: conversation.RoleUser, Text: strings.TrimSpace(b.String())},
		}
		c, err := resilience.Execute(ctx, cs.o.completion, cs.correlationID(),
			func(actx context.Context) (Completion, error) {
				return cs.o.deps.Completer.Complete(actx, prompt)
			})
		return c.Text, err
	})
}
