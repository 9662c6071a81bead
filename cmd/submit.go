package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/service"
)

type submitOptions struct {
	fields         []string
	formIndex      int
	submitSelector string
	successText    []string
	errorText      []string
	urlContains    string
	taskFile       string
	readiness      readinessFlags
}

func newSubmitCmd(factory service.ComponentFactory) *cobra.Command {
	var opts submitOptions

	submitCmd := &cobra.Command{
		Use:   "submit [url]",
		Short: "Fill and submit a web form, verifying every field",
		Long: `Fills the form at url with --field key=value pairs and submits it. Keys are
matched against the form's field ids, names and labels. A JSON task file with
explicit selectors can be given with --task-file instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			var url string
			if len(args) == 1 {
				url = args[0]
			}
			var task *schemas.SubmitTask
			if opts.taskFile != "" {
				if task, err = loadSubmitTask(opts.taskFile); err != nil {
					return err
				}
				if url != "" {
					task.URL = url
				}
			} else if url == "" {
				return errors.New("a url or --task-file is required")
			}

			data, err := parseFieldData(opts.fields)
			if err != nil {
				return err
			}
			if task == nil && len(data) == 0 {
				return errors.New("at least one --field is required")
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown(ctx)

			var res schemas.Result
			var out any
			if task != nil {
				res, err = components.Service.Submit(ctx, *task)
				out = res
			} else {
				var fd service.FormDataResult
				fd, err = components.Service.SubmitFormData(ctx, service.FormDataRequest{
					URL:       url,
					FormIndex: opts.formIndex,
					Data:      data,
					Readiness: opts.readiness.policy(),
					Submit:    schemas.SubmitAction{Selector: opts.submitSelector},
					Confirm:   opts.confirm(),
				})
				res, out = fd.Result, fd
				if len(fd.Unmatched) > 0 {
					logger.Warn("Some fields did not match the form.", zap.Strings("keys", fd.Unmatched))
				}
			}
			if err != nil {
				return err
			}
			logger.Info("Submission finished.", zap.String("task_id", res.TaskID), zap.Bool("success", res.Success), zap.Int("attempts", len(res.Attempts)))
			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			return taskError(res)
		},
	}

	f := submitCmd.Flags()
	f.StringArrayVarP(&opts.fields, "field", "f", nil, "Form value key=value (repeatable).")
	f.IntVar(&opts.formIndex, "form-index", 0, "Which form on the page to fill.")
	f.StringVar(&opts.submitSelector, "submit-selector", "", "Control to click instead of the automatic submit strategies.")
	f.StringArrayVar(&opts.successText, "success-text", nil, "Text that confirms a successful submission (repeatable).")
	f.StringArrayVar(&opts.errorText, "error-text", nil, "Text that signals a rejected submission (repeatable).")
	f.StringVar(&opts.urlContains, "url-contains", "", "URL fragment reached after a successful submission.")
	f.StringVar(&opts.taskFile, "task-file", "", "JSON submit task with explicit field selectors.")
	opts.readiness.register(submitCmd)
	return submitCmd
}

func (o submitOptions) confirm() schemas.ConfirmationHints {
	return schemas.ConfirmationHints{
		URLContains: o.urlContains,
		SuccessText: o.successText,
		ErrorText:   o.errorText,
	}
}

// parseFieldData parses key=value pairs. Values may contain '='.
func parseFieldData(pairs []string) (map[string]string, error) {
	data := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: expected key=value", p)
		}
		data[key] = value
	}
	return data, nil
}

func loadSubmitTask(path string) (*schemas.SubmitTask, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var task schemas.SubmitTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}
	return &task, nil
}
