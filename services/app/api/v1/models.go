package v1

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/forbiddencoding/social-autoposter/common/persistence/entity"
	"github.com/forbiddencoding/social-autoposter/services/app/models"
	"github.com/forbiddencoding/social-autoposter/services/strategy"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type ModelHandler struct {
	modelService models.Servicer
}

func NewModelHandler(modelService models.Servicer) *ModelHandler {
	return &ModelHandler{
		modelService: modelService,
	}
}

type content struct {
	Caption  string `json:"caption"`
	MediaURL string `json:"mediaUrl"`
	NSFW     bool   `json:"nsfw"`
}

func (c content) toStrategy() strategy.Content {
	return strategy.Content{Caption: c.Caption, MediaURL: c.MediaURL, NSFW: c.NSFW}
}

func (h *ModelHandler) ListScheduledPostsGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var statuses []string
		if raw := r.URL.Query().Get("status"); raw != "" {
			statuses = strings.Split(raw, ",")
		}

		res, err := h.modelService.ListScheduledPosts(ctx, &models.ListScheduledPostsInput{
			ModelID:  id,
			Statuses: statuses,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func (h *ModelHandler) QueueContentPost() http.HandlerFunc {
	type response struct {
		ID int64 `json:"id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req content
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.QueueContent(ctx, &models.QueueContentInput{
			ModelID:  id,
			Caption:  req.Caption,
			MediaURL: req.MediaURL,
			NSFW:     req.NSFW,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, response{ID: res.ID})
	}
}

func (h *ModelHandler) PreviewStrategyPost() http.HandlerFunc {
	type (
		request struct {
			content
			Count int `json:"count"`
		}

		pick struct {
			Subreddit    string    `json:"subreddit"`
			HourET       int       `json:"hourEt"`
			Reason       string    `json:"reason"`
			ScheduledFor time.Time `json:"scheduledFor"`
		}

		response struct {
			Picks []*pick `json:"picks"`
		}
	)
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req request
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.PreviewStrategy(ctx, &models.PreviewStrategyInput{
			ModelID: id,
			Content: req.toStrategy(),
			Count:   req.Count,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		picks := make([]*pick, 0, len(res.Picks))
		for _, p := range res.Picks {
			picks = append(picks, &pick{
				Subreddit:    p.Subreddit,
				HourET:       p.HourET,
				Reason:       p.Reason,
				ScheduledFor: p.ScheduledFor,
			})
		}

		writeJSON(w, http.StatusOK, response{Picks: picks})
	}
}

func (h *ModelHandler) PostNowPost() http.HandlerFunc {
	type response struct {
		WorkflowID string `json:"workflowID"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req content
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.PostNow(ctx, &models.PostNowInput{
			ModelID: id,
			Content: req.toStrategy(),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, response{WorkflowID: res.WorkflowID})
	}
}

func (h *ModelHandler) PlanPost() http.HandlerFunc {
	type response struct {
		WorkflowID string `json:"workflowID"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var req content
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.Plan(ctx, &models.PlanInput{
			ModelID: id,
			Content: req.toStrategy(),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, response{WorkflowID: res.WorkflowID})
	}
}

func (h *ModelHandler) PublishScheduledPostPost() http.HandlerFunc {
	type response struct {
		WorkflowID string `json:"workflowID"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		postID, err := urlID(r, "postID")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.PublishScheduledPost(ctx, &models.PublishScheduledPostInput{
			ModelID:         id,
			ScheduledPostID: postID,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, response{WorkflowID: res.WorkflowID})
	}
}

func (h *ModelHandler) RefreshDiscoveryPost() http.HandlerFunc {
	type response struct {
		WorkflowID string `json:"workflowID"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := h.modelService.RefreshDiscovery(r.Context(), &models.RefreshDiscoveryInput{ModelID: id})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusAccepted, response{WorkflowID: res.WorkflowID})
	}
}

func (h *ModelHandler) ListSubredditsGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := urlID(r, "id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		eligibleOnly, _ := strconv.ParseBool(r.URL.Query().Get("eligible"))

		res, err := h.modelService.ListSubreddits(ctx, &models.ListSubredditsInput{
			ModelID:      id,
			EligibleOnly: eligibleOnly,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

// GetBudgetGet reports the shared monthly write budget. The model in the path only scopes the route.
func (h *ModelHandler) GetBudgetGet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		res, err := h.modelService.GetBudget(ctx, &models.GetBudgetInput{})
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func urlID(r *http.Request, param string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, param), 10, 64)
}

func writeError(w http.ResponseWriter, err error) {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, models.ErrForeignPost):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, strategy.ErrNoCandidates):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		slog.Error("request failed", slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", slog.Any("error", err))
	}
}
