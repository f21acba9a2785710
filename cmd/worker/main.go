// cmd/worker/main.go
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/evagent/internal/config"
	"github.com/briangreenhill/evagent/internal/jobs"
)

// The worker schedules periodic update checks; the agent process consumes
// them, since it owns the registration.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := zerolog.New(os.Stdout).Level(cfg.Level()).With().Timestamp().Logger()

	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required")
	}
	if cfg.UpdateInterval < time.Second {
		logger.Fatal().Dur("interval", cfg.UpdateInterval).Msg("EVAGENT_UPDATE_INTERVAL too short")
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

	// check once right away so a fresh deploy does not wait a full interval
	client := asynq.NewClient(redisOpt)
	task, err := jobs.NewCheckUpdateTask(cfg.Scope)
	if err != nil {
		logger.Fatal().Err(err).Msg("build task")
	}
	if info, err := client.Enqueue(task); err != nil {
		logger.Error().Err(err).Msg("[asynq] enqueue failed")
	} else {
		logger.Info().Str("id", info.ID).Str("queue", info.Queue).Msg("[asynq] enqueued task")
	}
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("close asynq client")
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   jobs.NewLogger(logger),
	})
	cronspec := fmt.Sprintf("@every %s", cfg.UpdateInterval)
	entryID, err := scheduler.Register(cronspec, task)
	if err != nil {
		logger.Fatal().Err(err).Str("cronspec", cronspec).Msg("register schedule")
	}
	logger.Info().Str("entry", entryID).Str("cronspec", cronspec).Str("scope", cfg.Scope).Msg("scheduler running")

	if err := scheduler.Run(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler stopped")
	}
}
