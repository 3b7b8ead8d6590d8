package app

import (
	"github.com/forbiddencoding/social-autoposter/common/config"
	"github.com/forbiddencoding/social-autoposter/common/ids"
	"github.com/forbiddencoding/social-autoposter/common/metrics"
	"github.com/forbiddencoding/social-autoposter/common/persistence"
	"github.com/forbiddencoding/social-autoposter/services/app/models"
	"github.com/forbiddencoding/social-autoposter/services/queue"
	"github.com/go-playground/validator/v10"
)

type App struct {
	config    *config.Config
	validator *validator.Validate
	metrics   *metrics.Metrics
	// ---
	modelService models.Servicer
}

func New(
	config *config.Config,
	persistence persistence.Persistence,
	planner models.Planner,
	producer queue.Producer,
	budget models.BudgetReader,
	gen ids.Generator,
	validator *validator.Validate,
	m *metrics.Metrics,
) *App {
	return &App{
		config:       config,
		validator:    validator,
		metrics:      m,
		modelService: models.NewService(persistence, planner, producer, budget, gen, validator),
	}
}

func (a *App) ModelService() models.Servicer {
	return a.modelService
}

func (a *App) Validator() *validator.Validate {
	return a.validator
}

func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}
