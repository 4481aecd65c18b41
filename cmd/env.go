package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/api"
	"github.com/sells-group/docintel/internal/codify"
	"github.com/sells-group/docintel/internal/docstore"
	"github.com/sells-group/docintel/internal/extraction"
	"github.com/sells-group/docintel/internal/intel"
	"github.com/sells-group/docintel/internal/jobqueue"
	"github.com/sells-group/docintel/internal/llm"
	"github.com/sells-group/docintel/internal/store"
)

// appEnv holds the store and every service built on it.
type appEnv struct {
	Store     store.Store
	Cache     *codify.AliasCache
	Aliases   *alias.Service
	Codifier  *codify.Codifier
	Queue     *jobqueue.Queue
	Processor *jobqueue.Processor
	Intel     *intel.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// Deps returns the services the HTTP API needs.
func (e *appEnv) Deps() api.Deps {
	return api.Deps{
		Store:     e.Store,
		Queue:     e.Queue,
		Processor: e.Processor,
		Codifier:  e.Codifier,
		Aliases:   e.Aliases,
		Intel:     e.Intel,
	}
}

// initEnv opens the store and wires the services. With withLLM false no
// provider is built: the Smart Pass falls back to heuristics and the
// processor is left nil. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string, withLLM bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	env := &appEnv{
		Store:   st,
		Cache:   codify.NewAliasCache(st, time.Duration(cfg.Codify.AliasCacheTTLSecs)*time.Second),
		Intel:   intel.NewService(st),
		Queue: jobqueue.NewQueue(st,
			jobqueue.WithMaxAttempts(cfg.Queue.MaxAttempts),
			jobqueue.WithLease(time.Duration(cfg.Queue.LeaseTTLSecs)*time.Second),
			jobqueue.WithFailFastPermanent(cfg.Queue.FailFastPermanent),
		),
	}
	env.Aliases = alias.NewService(st, env.Cache)

	var smartLLM, extractLLM llm.Completer
	if withLLM {
		if extractLLM, err = llm.FromConfig(ctx, cfg, extraction.StageExtract); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init extraction llm")
		}
		if smartLLM, err = llm.FromConfig(ctx, cfg, "smart_pass"); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "init smart pass llm")
		}
	}

	var codifyOpts []codify.Option
	if cfg.Codify.LearnFromSmartPass {
		codifyOpts = append(codifyOpts, codify.WithLearning(cfg.Codify.LearnMinConfidence))
	}
	env.Codifier = codify.NewCodifier(st, env.Cache,
		codify.NewFastPass(codify.WithThreshold(cfg.Codify.FuzzyThreshold)),
		codify.NewSmartPass(smartLLM,
			codify.WithAliasesPerCode(cfg.Codify.AliasesPerCode),
			codify.WithMaxTokens(cfg.Codify.SmartPassMaxTokens),
			codify.WithTemperature(cfg.LLM.Temperature),
		),
		env.Aliases,
		codifyOpts...,
	)

	if extractLLM != nil {
		docs, err := docstore.FromConfig(cfg.DocStore)
		if err != nil {
			env.Close()
			return nil, err
		}
		pipeline := extraction.New(extractLLM,
			extraction.WithMaxContentChars(cfg.Extraction.MaxContentChars),
			extraction.WithMaxTokens(cfg.LLM.MaxTokens),
			extraction.WithTemperature(cfg.LLM.Temperature),
			extraction.WithSkipVerify(cfg.Extraction.SkipVerify),
		)
		env.Processor = jobqueue.NewProcessor(env.Queue, docs, pipeline, env.Codifier, cfg.Queue.BatchLimit)
	}

	zap.L().Debug("environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("llm", withLLM),
		zap.String("provider", cfg.LLM.Provider),
	)
	return env, nil
}
