package api

import (
	"net/http"

	"github.com/forbiddencoding/social-autoposter/services/app"
	v1 "github.com/forbiddencoding/social-autoposter/services/app/api/v1"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(app *app.App) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.CleanPath,
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.RedirectSlashes,
		app.Metrics().Middleware,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}),
	)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", app.Metrics().Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/models/{id}", func(r chi.Router) {
			modelHandler := v1.NewModelHandler(app.ModelService())

			r.Get("/budget", modelHandler.GetBudgetGet())
			r.Get("/subreddits", modelHandler.ListSubredditsGet())
			r.Post("/strategy", modelHandler.PreviewStrategyPost())
			r.Post("/posts", modelHandler.PostNowPost())
			r.Post("/plans", modelHandler.PlanPost())
			r.Post("/discovery", modelHandler.RefreshDiscoveryPost())

			r.Route("/scheduled-posts", func(r chi.Router) {
				r.Get("/", modelHandler.ListScheduledPostsGet())
				r.Post("/", modelHandler.QueueContentPost())
				r.Post("/{postID}/publish", modelHandler.PublishScheduledPostPost())
			})
		})
	})

	return r
}
