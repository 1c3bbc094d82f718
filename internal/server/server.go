package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"foreman/internal/admission"
	"foreman/internal/app"
	"foreman/internal/calendar"
	"foreman/internal/clock"
	"foreman/internal/domain"
	"foreman/internal/dsl"
	"foreman/internal/gantt"
	"foreman/internal/queue"
	"foreman/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Runtime  *app.Runtime
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid task status transition executed -> approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the foreman API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newIssuerMiddleware(basePath))
	hcfg := huma.DefaultConfig("Foreman API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	rt := cfg.Runtime
	registerHealth(group)
	registerStatus(group, rt)
	registerScripts(group, rt)
	registerTasks(group, rt)
	registerEvents(group, rt)
	registerCalendar(group, rt)
	registerSchedule(group, rt)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *queue.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"task_id": te.ID, "from": string(te.From), "to": string(te.To),
		})
	}
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, repo.ErrNotFound), errors.Is(err, gantt.ErrTaskNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, app.ErrNoSchedule):
		return newAPIError(http.StatusNotFound, "schedule_not_initialized", err.Error(), nil)
	case errors.Is(err, gantt.ErrCycle):
		return newAPIError(http.StatusConflict, "dependency_cycle", err.Error(), nil)
	case errors.Is(err, gantt.ErrInvalidDocument):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_document", err.Error(), nil)
	case errors.Is(err, admission.ErrConcurrencyLimit):
		return newAPIError(http.StatusConflict, admission.CodeConcurrencyLimit, err.Error(), nil)
	case errors.Is(err, queue.ErrStale):
		return newAPIError(http.StatusConflict, "stale_task", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope {error:{code,message,details}}"}
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue counts, worker stats and stockpile",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := rt.Queue.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		res := StatusResponse{Counts: map[string]int{}, Workers: []WorkerResponse{}, Totals: rt.Pool.Stats(), Stockpile: rt.Stockpile.Snapshot()}
		for st, n := range rt.Queue.CountByState() {
			res.Counts[string(st)] = n
		}
		for _, w := range rt.Pool.Workers {
			wr := WorkerResponse{ID: w.ID(), Position: w.Position(), Stats: w.Stats()}
			if cur, ok := w.Current(); ok {
				wr.Current = cur.ID
			}
			res.Workers = append(res.Workers, wr)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerScripts(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "parse-script",
		Method:      http.MethodPost,
		Path:        "/scripts/parse",
		Summary:     "Parse a script without queueing it",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ScriptRequest `json:"body"`
	}) (*struct {
		Body ParseResponse `json:"body"`
	}, error) {
		return &struct {
			Body ParseResponse `json:"body"`
		}{Body: parseResponse(dsl.Parse(input.Body.Script))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-script",
		Method:        http.MethodPost,
		Path:          "/scripts",
		Summary:       "Submit a commander script",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ScriptRequest `json:"body"`
	}) (*struct {
		Body SubmitResponse `json:"body"`
	}, error) {
		res, err := rt.Inbox.Submit(ctx, input.Body.Script, issuerRoleFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitResponse `json:"body"`
		}{Body: submitResponse(res)}, nil
	})
}

func registerTasks(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List queued tasks in submission order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" doc:"pending, approved, rejected, executing or executed"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if err := rt.Queue.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		var items []domain.Record
		if input.State != "" {
			st, err := domain.ParseState(input.State)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
			items = rt.Queue.ListByState(st)
		} else {
			items = rt.Queue.List()
		}
		if input.Limit > 0 && len(items) > input.Limit {
			items = items[:input.Limit]
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if err := rt.Queue.Sync(ctx); err != nil {
			return nil, handleError(err)
		}
		rec, err := rt.Queue.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(rec)}, nil
	})

	transitions := []struct {
		op      string
		verb    string
		summary string
		apply   func(ctx context.Context, id, reason string) (domain.Record, error)
	}{
		{"approve-task", "approve", "Approve a pending task within the concurrency limit", rt.Inbox.Approve},
		{"reject-task", "reject", "Reject a pending task", rt.Queue.Reject},
		{"reset-task", "reset", "Return an approved or executing task to pending", rt.Queue.ResetToPending},
	}
	for _, tr := range transitions {
		apply := tr.apply
		huma.Register(api, huma.Operation{
			OperationID: tr.op,
			Method:      http.MethodPost,
			Path:        "/tasks/{id}/" + tr.verb,
			Summary:     tr.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID   string        `path:"id"`
			Body ReasonRequest `json:"body" required:"false"`
		}) (*struct {
			Body TaskResponse `json:"body"`
		}, error) {
			reason := input.Body.Reason
			if reason == "" {
				reason = "by " + issuerRoleFromContext(ctx)
			}
			rec, err := apply(ctx, input.ID, reason)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body TaskResponse `json:"body"`
			}{Body: taskResponse(rec)}, nil
		})
	}
}

func registerEvents(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
		After    string `query:"after" doc:"Return events with a greater id, oldest first"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After != "" {
			cursor, perr := strconv.ParseInt(input.After, 10, 64)
			if perr != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			items, err = rt.Repo.EventsAfter(ctx, limit, cursor)
		} else {
			items, err = rt.Repo.LatestEvents(ctx, limit, input.Type, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			if input.After != "" && input.Type != "" && evt.Type != input.Type {
				continue
			}
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if input.After != "" && len(items) == limit {
			resp.NextCursor = fmt.Sprintf("%d", items[len(items)-1].ID)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCalendar(api huma.API, rt *app.Runtime) {
	huma.Register(api, huma.Operation{
		OperationID: "calendar-check",
		Method:      http.MethodPost,
		Path:        "/calendar/check",
		Summary:     "Evaluate whether a task may run",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CalendarCheckRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		req, err := calendarRequest(input.Body, rt.Now())
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: decisionResponse(rt.Calendar.Evaluate(req))}, nil
	})
}

func calendarRequest(in CalendarCheckRequest, now time.Time) (calendar.Request, error) {
	req := calendar.Request{Now: now, BlueprintID: in.BlueprintID, Silent: in.Silent}
	if in.At != "" {
		at, err := time.Parse(time.RFC3339, in.At)
		if err != nil {
			return req, fmt.Errorf("invalid at: %v", err)
		}
		req.Now = at
	}
	if in.Window != "" {
		w, err := clock.ParseWindow(in.Window)
		if err != nil {
			return req, err
		}
		req.Window = &w
	}
	if in.Before != "" || in.DueInDays != nil {
		if in.Before != "" {
			if _, err := clock.Parse(in.Before); err != nil {
				return req, err
			}
		}
		req.Deadline = &domain.Deadline{AtClock: in.Before, InDays: in.DueInDays}
	}
	return req, nil
}

func registerSchedule(api huma.API, rt *app.Runtime) {
	type docBody = struct {
		Body gantt.Document `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedule",
		Summary:     "Current schedule document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*docBody, error) {
		c, err := rt.Schedule(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &docBody{Body: c.Document()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-schedule",
		Method:      http.MethodPut,
		Path:        "/schedule",
		Summary:     "Replace the schedule document",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*docBody, error) {
		var doc gantt.Document
		if err := json.Unmarshal(input.RawBody, &doc); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid schedule json", map[string]any{"error": err.Error()})
		}
		if err := doc.Validate(); err != nil {
			return nil, handleError(err)
		}
		c, err := rt.Schedule(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		prev := c.Document()
		c.Replace(doc)
		if err := c.Save(ctx); err != nil {
			c.Replace(prev)
			return nil, handleError(err)
		}
		return &docBody{Body: c.Document()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "schedule-layout",
		Method:      http.MethodGet,
		Path:        "/schedule/layout",
		Summary:     "Bar placements and ticks for a viewport",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Width  float64 `query:"width" default:"1200"`
		Height float64 `query:"height" default:"600"`
		Zoom   float64 `query:"zoom" default:"1"`
	}) (*struct {
		Body LayoutResponse `json:"body"`
	}, error) {
		c, err := rt.Schedule(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		vp := gantt.Viewport{Width: input.Width, Height: input.Height, Zoom: input.Zoom}
		l, err := c.Layout(vp)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LayoutResponse `json:"body"`
		}{Body: layoutResponse(l, vp)}, nil
	})

	type taskBody = struct {
		Body gantt.Task `json:"body"`
	}
	edit := func(ctx context.Context, fn func(c *gantt.Controller) (gantt.Task, error)) (*taskBody, error) {
		c, err := rt.Schedule(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		prev := c.Document()
		t, err := fn(c)
		if err != nil {
			return nil, handleError(err)
		}
		if err := c.Save(ctx); err != nil {
			c.Replace(prev)
			return nil, handleError(err)
		}
		return &taskBody{Body: t}, nil
	}
	editErrors := []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity}

	huma.Register(api, huma.Operation{
		OperationID: "drag-schedule-task",
		Method:      http.MethodPost,
		Path:        "/schedule/tasks/{id}/drag",
		Summary:     "Move a task and snap it to the next slot",
		Errors:      editErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body DragRequest `json:"body"`
	}) (*taskBody, error) {
		return edit(ctx, func(c *gantt.Controller) (gantt.Task, error) {
			return c.DragTask(input.ID, input.Body.DeltaMin)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "resize-schedule-task",
		Method:      http.MethodPost,
		Path:        "/schedule/tasks/{id}/resize",
		Summary:     "Set a task's duration",
		Errors:      editErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ResizeRequest `json:"body"`
	}) (*taskBody, error) {
		return edit(ctx, func(c *gantt.Controller) (gantt.Task, error) {
			return c.ResizeTask(input.ID, input.Body.DurationMin)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "connect-schedule-task",
		Method:      http.MethodPost,
		Path:        "/schedule/tasks/{id}/dependencies",
		Summary:     "Add a dependency",
		Errors:      editErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body DependencyRequest `json:"body"`
	}) (*taskBody, error) {
		return edit(ctx, func(c *gantt.Controller) (gantt.Task, error) {
			return c.ConnectDependency(input.ID, input.Body.DependsOn)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "disconnect-schedule-task",
		Method:      http.MethodDelete,
		Path:        "/schedule/tasks/{id}/dependencies/{depends_on}",
		Summary:     "Remove a dependency",
		Errors:      editErrors,
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		DependsOn string `path:"depends_on"`
	}) (*taskBody, error) {
		return edit(ctx, func(c *gantt.Controller) (gantt.Task, error) {
			return c.DisconnectDependency(input.ID, input.DependsOn)
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-schedule-task",
		Method:        http.MethodPost,
		Path:          "/schedule/tasks/{id}/duplicate",
		Summary:       "Copy a task into the slot after it",
		DefaultStatus: http.StatusCreated,
		Errors:        editErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		return edit(ctx, func(c *gantt.Controller) (gantt.Task, error) {
			if err := c.Select(input.ID); err != nil {
				return gantt.Task{}, err
			}
			return c.DuplicateSelected()
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "promote-schedule",
		Method:      http.MethodPost,
		Path:        "/schedule/promote",
		Summary:     "Queue planned tasks whose dependencies are satisfied",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body gantt.PromoteResult `json:"body"`
	}, error) {
		b, err := rt.Bridge(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := b.Promote(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body gantt.PromoteResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-schedule",
		Method:      http.MethodPost,
		Path:        "/schedule/sync",
		Summary:     "Copy queue progress into the schedule",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SyncResponse `json:"body"`
	}, error) {
		b, err := rt.Bridge(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		changed, err := b.Sync(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SyncResponse `json:"body"`
		}{Body: SyncResponse{Changed: changed}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
