package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"regtech-pipeline/internal/config"
	"regtech-pipeline/internal/models"
	"regtech-pipeline/internal/pkg/logger"
)

// RedisService persists analysis state between stage transitions and
// publishes progress updates to a stream for external consumers.
type RedisService struct {
	client *redis.Client
	config config.RedisConfig
	logger *logger.Logger
}

const analysisIndexKey = "analysis:index"

func NewRedisService(cfg config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis service connected", "url", cfg.URL, "state_ttl", cfg.StateTTL.String())

	return &RedisService{
		client: client,
		config: cfg,
		logger: log,
	}, nil
}

func stateKey(analysisID string) string {
	return fmt.Sprintf("analysis:%s:state", analysisID)
}

// StoreState persists the full pipeline state and registers the run in the
// analysis index so the stats endpoint can enumerate runs.
func (service *RedisService) StoreState(ctx context.Context, state *models.PipelineState) error {
	startTime := time.Now()

	data, err := json.Marshal(state)
	if err != nil {
		return models.NewInternalError("STATE_MARSHAL", "failed to marshal analysis state").WithCause(err)
	}

	pipe := service.client.Pipeline()
	pipe.Set(ctx, stateKey(state.ID), data, service.config.StateTTL)
	pipe.SAdd(ctx, analysisIndexKey, state.ID)
	pipe.Expire(ctx, analysisIndexKey, service.config.StateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		service.logger.LogService("redis", "store_state", time.Since(startTime), map[string]interface{}{
			"analysis_id": state.ID,
		}, err)
		return models.NewTransientError("REDIS_STORE", "failed to store analysis state").WithCause(err)
	}

	service.logger.LogService("redis", "store_state", time.Since(startTime), map[string]interface{}{
		"analysis_id": state.ID,
		"status":      string(state.Status),
		"bytes":       len(data),
	}, nil)

	return nil
}

// GetState loads one analysis run. A missing key maps to
// models.ErrAnalysisNotFound.
func (service *RedisService) GetState(ctx context.Context, analysisID string) (*models.PipelineState, error) {
	startTime := time.Now()

	data, err := service.client.Get(ctx, stateKey(analysisID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrAnalysisNotFound
		}
		service.logger.LogService("redis", "get_state", time.Since(startTime), map[string]interface{}{
			"analysis_id": analysisID,
		}, err)
		return nil, models.NewTransientError("REDIS_GET", "failed to load analysis state").WithCause(err)
	}

	var state models.PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, models.NewInternalError("STATE_UNMARSHAL", "failed to unmarshal analysis state").WithCause(err)
	}

	service.logger.LogService("redis", "get_state", time.Since(startTime), map[string]interface{}{
		"analysis_id": analysisID,
		"status":      string(state.Status),
	}, nil)

	return &state, nil
}

// PublishUpdate appends a stage update to the update stream. Publishing is
// best-effort; a failure is logged but never fails the stage.
func (service *RedisService) PublishUpdate(ctx context.Context, update models.StageUpdate) {
	update.Timestamp = time.Now()

	data, err := json.Marshal(update)
	if err != nil {
		service.logger.WithError(err).Warn("Failed to marshal stage update")
		return
	}

	err = service.client.XAdd(ctx, &redis.XAddArgs{
		Stream: service.config.UpdateStream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"analysis_id": update.AnalysisID,
			"stage":       update.StageName,
			"status":      update.Status,
			"data":        string(data),
		},
	}).Err()
	if err != nil {
		service.logger.WithError(err).Warn("Failed to publish stage update",
			"analysis_id", update.AnalysisID,
			"stage", update.StageName,
		)
	}
}

// PipelineStats aggregates outcomes across all runs still in the index.
type PipelineStats struct {
	TotalRuns        int     `json:"total_runs"`
	CompletedRuns    int     `json:"completed_runs"`
	FailedRuns       int     `json:"failed_runs"`
	ActiveRuns       int     `json:"active_runs"`
	TotalRegulations int     `json:"total_regulations"`
	TotalChecklists  int     `json:"total_checklists"`
	AverageRiskScore float64 `json:"average_risk_score"`
}

// GetStats walks the analysis index and aggregates per-run summaries.
// Runs whose state already expired are skipped and pruned from the index.
func (service *RedisService) GetStats(ctx context.Context) (*PipelineStats, error) {
	startTime := time.Now()

	ids, err := service.client.SMembers(ctx, analysisIndexKey).Result()
	if err != nil {
		return nil, models.NewTransientError("REDIS_STATS", "failed to read analysis index").WithCause(err)
	}

	stats := &PipelineStats{}
	var riskSum float64
	var riskCount int

	for _, id := range ids {
		state, err := service.GetState(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrAnalysisNotFound) {
				service.client.SRem(ctx, analysisIndexKey, id)
				continue
			}
			return nil, err
		}

		stats.TotalRuns++
		switch state.Status {
		case models.AnalysisStatusCompleted:
			stats.CompletedRuns++
		case models.AnalysisStatusFailed:
			stats.FailedRuns++
		default:
			stats.ActiveRuns++
		}

		stats.TotalRegulations += len(state.Regulations)
		stats.TotalChecklists += len(state.Checklists)
		if state.RiskAssessment != nil {
			riskSum += state.RiskAssessment.TotalRiskScore
			riskCount++
		}
	}

	if riskCount > 0 {
		stats.AverageRiskScore = riskSum / float64(riskCount)
	}

	service.logger.LogService("redis", "get_stats", time.Since(startTime), map[string]interface{}{
		"total_runs": stats.TotalRuns,
	}, nil)

	return stats, nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	return service.client.Ping(ctx).Err()
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis service")
	return service.client.Close()
}
