package main

import (
	"fmt"

	"jeeprep/internal/config"
	"jeeprep/internal/coordinator"
	"jeeprep/internal/curator"
	"jeeprep/internal/embedding"
	"jeeprep/internal/index"
	"jeeprep/internal/memory"
	"jeeprep/internal/monitor"
	"jeeprep/internal/reasoner"
	"jeeprep/internal/store"
	"jeeprep/internal/units"

	"go.uber.org/zap"
)

// app is the wired process: every component the commands need, with
// one Close tearing it down in reverse order.
type app struct {
	cfg     *config.Config
	store   *store.StateStore
	index   *index.QuestionIndex
	engine  embedding.Engine
	model   reasoner.Reasoner
	curator *curator.Curator
	worker  *memory.Worker
	coord   *coordinator.Coordinator
	watcher *config.TuningWatcher
}

// openStore wires only the state store; enough for stats and reset.
func openStore(cfg *config.Config) (*store.StateStore, error) {
	return store.NewStateStore(cfg.Storage.DatabasePath)
}

// openApp wires the full tutoring stack.
func openApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	var err error
	if a.store, err = openStore(cfg); err != nil {
		return nil, err
	}

	if a.engine, err = embedding.NewEngine(cfg.Embedding); err != nil {
		a.Close()
		return nil, fmt.Errorf("embedding engine: %w", err)
	}
	if a.index, err = index.NewQuestionIndex(cfg.Storage.IndexPath, a.engine); err != nil {
		a.Close()
		return nil, err
	}
	if a.model, err = reasoner.NewGenAIReasoner(cfg.Reasoner); err != nil {
		a.Close()
		return nil, fmt.Errorf("reasoner: %w", err)
	}

	a.curator = curator.NewCurator(a.store, a.index, a.engine, cfg.Tutor)

	cooldown, err := cfg.CriticalCooldown()
	if err != nil {
		a.Close()
		return nil, err
	}
	signals := monitor.NewSignalMonitor(cfg.Tutor.Monitor, cooldown)

	mc := memory.NewMemoryCurator(a.store, a.model, cfg.Tutor.Memory)
	a.worker = memory.NewWorker(mc, cfg.Tutor.Memory.QueueSize)

	planner := units.NewPlanner(a.model)
	coach := units.NewCoach(a.model)

	a.coord = coordinator.New(a.store, a.curator, a.index, planner, coach,
		signals, a.model, a.worker, cfg)

	// Tuning values hot-reload; topology does not.
	if configPath != "" {
		a.watcher, err = config.NewTuningWatcher(configPath, func(tc config.TutorConfig) {
			a.curator.Retune(tc)
			logger.Info("tutor tuning reloaded")
		})
		if err != nil {
			logger.Warn("tuning watcher unavailable", zap.Error(err))
		} else if err := a.watcher.Start(); err != nil {
			logger.Warn("tuning watcher failed to start", zap.Error(err))
		}
	}

	return a, nil
}

// Close releases everything openApp acquired. Safe on a partial app.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.worker != nil {
		a.worker.Close()
	}
	if a.index != nil {
		a.index.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
