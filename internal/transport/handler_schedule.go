package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/contentflow/internal/schedule"
	"github.com/pitabwire/contentflow/model"
)

// ScheduleManager is the schedule management surface.
type ScheduleManager interface {
	Create(ctx context.Context, req schedule.CreateRequest) (model.Schedule, error)
	Get(ctx context.Context, entityID, scheduleType string) (model.Schedule, error)
	List(ctx context.Context, entityID string) ([]model.Schedule, error)
	Delete(ctx context.Context, entityID, scheduleType string) error
	Pause(ctx context.Context, entityID, scheduleType, note string) (model.Schedule, error)
	Resume(ctx context.Context, entityID, scheduleType, note string) (model.Schedule, error)
	UpdateCron(ctx context.Context, entityID, scheduleType, expr string) (model.Schedule, error)
	Trigger(ctx context.Context, entityID, scheduleType string) (model.ScheduleAction, error)
}

type noteBody struct {
	Note string `json:"note"`
}

func scheduleKey(r *http.Request) (string, string) {
	return chi.URLParam(r, "entityId"), chi.URLParam(r, "scheduleType")
}

func handleScheduleCreate(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req schedule.CreateRequest
		if err := decodeBody(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		s, err := sched.Create(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleScheduleList(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := sched.List(r.Context(), r.URL.Query().Get("entity_id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"schedules": list})
	}
}

func handleScheduleGet(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, scheduleType := scheduleKey(r)
		s, err := sched.Get(r.Context(), entityID, scheduleType)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleScheduleDelete(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, scheduleType := scheduleKey(r)
		if err := sched.Delete(r.Context(), entityID, scheduleType); err != nil {
			WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSchedulePause(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body noteBody
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		entityID, scheduleType := scheduleKey(r)
		s, err := sched.Pause(r.Context(), entityID, scheduleType, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleScheduleResume(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body noteBody
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		entityID, scheduleType := scheduleKey(r)
		s, err := sched.Resume(r.Context(), entityID, scheduleType, body.Note)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleScheduleUpdateCron(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CronExpression string `json:"cron_expression"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.CronExpression == "" {
			WriteError(w, model.NewBadRequestError("cron_expression is required"))
			return
		}
		entityID, scheduleType := scheduleKey(r)
		s, err := sched.UpdateCron(r.Context(), entityID, scheduleType, body.CronExpression)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleScheduleTrigger(sched ScheduleManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityID, scheduleType := scheduleKey(r)
		action, err := sched.Trigger(r.Context(), entityID, scheduleType)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, action)
	}
}
