package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/form"
	"github.com/xkilldash9x/formpilot/internal/service"
)

// commandFunc runs one command against the service.
type commandFunc func(ctx context.Context, params map[string]any) (commandOutcome, error)

// Handlers manages the HTTP request handling for the command server.
type Handlers struct {
	log      *zap.Logger
	svc      *service.Service
	tasks    *TaskRegistry
	commands map[string]commandFunc
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, svc *service.Service, tasks *TaskRegistry) *Handlers {
	h := &Handlers{
		log:   logger.Named("handlers"),
		svc:   svc,
		tasks: tasks,
	}
	h.commands = map[string]commandFunc{
		"scrape":                 h.scrape,
		"submit_form":            h.submitForm,
		"analyze_page":           h.analyzePage,
		"scrape_form_fields":     h.scrapeFormFields,
		"validate_form_data":     h.validateFormData,
		"field_suggestions":      h.fieldSuggestions,
		"test_form_access":       h.testFormAccess,
		"get_submission_history": h.submissionHistory,
		"configure_stealth_mode": h.configureStealth,
	}
	return h
}

// RegisterRoutes sets up the HTTP API routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
	r.Get("/healthz", h.HandleLiveness)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/command", h.HandleCommand)
		r.Get("/tasks/{taskID}", h.HandleGetTask)
	})
}

// HandleLiveness confirms the process is responsive.
func (h *Handlers) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// HandleHealth reports engine readiness; 503 when tasks cannot run.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.svc.Health()
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, status)
}

// HandleCommand is the entry point for every command.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Command))
	h.log.Info("Received command", zap.String("command", name), zap.Bool("async", req.Async))

	if name == "ping" {
		h.respondWithSuccess(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}
	run, ok := h.commands[name]
	if !ok {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Unknown command: %s", req.Command))
		return
	}

	if req.Async {
		job, err := h.tasks.Start(name, func(ctx context.Context) (commandOutcome, error) {
			return run(ctx, req.Params)
		})
		if err != nil {
			h.respondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.respondWithStatus(w, http.StatusAccepted, "accepted", job)
		return
	}

	out, err := run(r.Context(), req.Params)
	if err != nil {
		h.respondWithCommandError(w, name, err)
		return
	}
	if !out.success {
		h.respondWithFailure(w, out.data)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, out.data)
}

// HandleGetTask retrieves the state of an asynchronous command.
func (h *Handlers) HandleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	job, ok := h.tasks.Get(id)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, "Task ID not found in active/recent task registry.")
		return
	}
	h.respondWithSuccess(w, http.StatusOK, job)
}

// -- Commands --

func (h *Handlers) scrape(ctx context.Context, m map[string]any) (commandOutcome, error) {
	task, err := decodeParams[schemas.ScrapeTask]("scrape", m)
	if err != nil {
		return commandOutcome{}, err
	}
	res, err := h.svc.Scrape(ctx, task)
	return commandOutcome{data: res, success: res.Success}, err
}

func (h *Handlers) submitForm(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[SubmitFormParams]("submit_form", m)
	if err != nil {
		return commandOutcome{}, err
	}
	if len(p.Fields) == 0 && len(p.FieldData) > 0 {
		out, err := h.svc.SubmitFormData(ctx, service.FormDataRequest{
			URL:       p.URL,
			FormIndex: p.FormIndex,
			Data:      p.FieldData,
			Readiness: p.Readiness,
			Submit:    p.Submit,
			Confirm:   p.Confirm,
			Profile:   p.Profile,
		})
		return commandOutcome{data: out, success: out.Result.Success}, err
	}
	res, err := h.svc.Submit(ctx, p.SubmitTask)
	return commandOutcome{data: res, success: res.Success}, err
}

// analysisOutcome pairs an analysis answer with the task result that
// produced it, so failures keep their attempt history.
type analysisOutcome[T any] struct {
	Report *T             `json:"report,omitempty"`
	Task   schemas.Result `json:"task"`
}

func (h *Handlers) analyzePage(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[PageParams]("analyze_page", m)
	if err != nil {
		return commandOutcome{}, err
	}
	analysis, res, err := h.svc.AnalyzePage(ctx, p.URL, p.Profile)
	return commandOutcome{data: analysisOutcome[schemas.PageAnalysis]{Report: analysis, Task: res}, success: res.Success}, err
}

func (h *Handlers) scrapeFormFields(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[FormParams]("scrape_form_fields", m)
	if err != nil {
		return commandOutcome{}, err
	}
	report, res, err := h.svc.ScrapeFormFields(ctx, p.URL, p.FormIndex, p.Profile)
	return commandOutcome{data: analysisOutcome[schemas.FormFieldsReport]{Report: report, Task: res}, success: res.Success}, err
}

func (h *Handlers) validateFormData(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[FormParams]("validate_form_data", m)
	if err != nil {
		return commandOutcome{}, err
	}
	report, res, err := h.svc.ValidateFormData(ctx, p.URL, p.FormIndex, p.FieldData)
	return commandOutcome{data: analysisOutcome[schemas.ValidationReport]{Report: report, Task: res}, success: res.Success}, err
}

func (h *Handlers) fieldSuggestions(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[SuggestionParams]("field_suggestions", m)
	if err != nil {
		return commandOutcome{}, err
	}
	if p.Field != nil {
		return commandOutcome{data: form.Guidance(*p.Field), success: true}, nil
	}
	fields, res, err := h.svc.FieldSuggestions(ctx, p.URL, p.FormIndex, p.Profile)
	out := analysisOutcome[[]schemas.FieldGuidance]{Task: res}
	if fields != nil {
		out.Report = &fields
	}
	return commandOutcome{data: out, success: res.Success}, err
}

func (h *Handlers) testFormAccess(ctx context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[PageParams]("test_form_access", m)
	if err != nil {
		return commandOutcome{}, err
	}
	report, res, err := h.svc.TestFormAccess(ctx, p.URL)
	if err != nil {
		return commandOutcome{}, err
	}
	// An unreachable page is still an answer to "can this be automated".
	return commandOutcome{data: analysisOutcome[service.AccessReport]{Report: report, Task: res}, success: true}, nil
}

func (h *Handlers) submissionHistory(_ context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[HistoryParams]("get_submission_history", m)
	if err != nil {
		return commandOutcome{}, err
	}
	return commandOutcome{data: h.svc.History(p.Limit), success: true}, nil
}

func (h *Handlers) configureStealth(_ context.Context, m map[string]any) (commandOutcome, error) {
	p, err := decodeParams[StealthParams]("configure_stealth_mode", m)
	if err != nil {
		return commandOutcome{}, err
	}
	current := h.svc.Settings()
	stealth, headless := current.Stealth, current.Headless
	if p.Stealth != nil {
		stealth = *p.Stealth
	}
	if p.Headless != nil {
		headless = *p.Headless
	}
	settings, err := h.svc.ConfigureStealth(stealth, headless)
	return commandOutcome{data: settings, success: err == nil}, err
}

// decodeParams converts the generic params map into a command's parameter
// struct by round-tripping it through JSON.
func decodeParams[T any](command string, m map[string]any) (T, error) {
	var result T
	if m == nil {
		return result, nil
	}
	data, err := json.Marshal(m)
	if err == nil {
		err = json.Unmarshal(data, &result)
	}
	if err != nil {
		return result, fmt.Errorf("%w: invalid parameters for %s: %v", service.ErrInvalidRequest, command, err)
	}
	return result, nil
}

// -- Responses --

func (h *Handlers) respondWithCommandError(w http.ResponseWriter, command string, err error) {
	if errors.Is(err, service.ErrInvalidRequest) {
		h.respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.log.Error("Command failed", zap.String("command", command), zap.Error(err))
	h.respondWithError(w, http.StatusInternalServerError, err.Error())
}

// respondWithFailure answers a task that ran and failed. The request itself
// was fine, so the status code is 200 and the failure travels in the body.
func (h *Handlers) respondWithFailure(w http.ResponseWriter, data any) {
	resp := CommandResponse{Status: "failed", Data: data}
	if f := failureOf(data); f != nil {
		resp.Error = f.Message
		resp.Kind = f.Kind
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func failureOf(data any) *schemas.Failure {
	switch d := data.(type) {
	case schemas.Result:
		return d.Failure
	case service.FormDataResult:
		return d.Result.Failure
	case analysisOutcome[schemas.PageAnalysis]:
		return d.Task.Failure
	case analysisOutcome[schemas.FormFieldsReport]:
		return d.Task.Failure
	case analysisOutcome[schemas.ValidationReport]:
		return d.Task.Failure
	case analysisOutcome[[]schemas.FieldGuidance]:
		return d.Task.Failure
	}
	return nil
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, CommandResponse{Status: "error", Error: message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data any) {
	h.respondWithStatus(w, statusCode, "success", data)
}

// respondWithStatus sends a standardized JSON response with a specific status string.
func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data any) {
	h.writeJSON(w, statusCode, CommandResponse{Status: status, Data: data})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
