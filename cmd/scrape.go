package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
	"github.com/xkilldash9x/formpilot/internal/observability"
	"github.com/xkilldash9x/formpilot/internal/service"
)

func newScrapeCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		rules     []string
		readiness readinessFlags
	)

	scrapeCmd := &cobra.Command{
		Use:   "scrape <url>",
		Short: "Load a page and extract values with CSS selectors",
		Long: `Loads the page, waits for it to be ready and applies each --rule in order.

A rule is field=selector. Suffix the field with [] to collect every match,
suffix the selector with @attr to read an attribute, and prefix the field with
! to fail when nothing matches:

  formpilot scrape https://example.com --rule title=h1 --rule 'links[]=a@href'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			task := schemas.ScrapeTask{URL: args[0], Readiness: readiness.policy()}
			for _, raw := range rules {
				rule, err := parseRule(raw)
				if err != nil {
					return err
				}
				task.Rules = append(task.Rules, rule)
			}

			components, err := factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown(ctx)

			res, err := components.Service.Scrape(ctx, task)
			if err != nil {
				return err
			}
			logger.Info("Scrape finished.", zap.String("task_id", res.TaskID), zap.Bool("success", res.Success), zap.Int("attempts", len(res.Attempts)))
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return taskError(res)
		},
	}

	scrapeCmd.Flags().StringArrayVarP(&rules, "rule", "r", nil, "Extraction rule field=selector (repeatable).")
	readiness.register(scrapeCmd)
	return scrapeCmd
}

// parseRule parses the field=selector rule syntax.
func parseRule(raw string) (schemas.ExtractionRule, error) {
	field, selector, ok := strings.Cut(raw, "=")
	field, selector = strings.TrimSpace(field), strings.TrimSpace(selector)
	if !ok || field == "" || selector == "" {
		return schemas.ExtractionRule{}, fmt.Errorf("invalid rule %q: expected field=selector", raw)
	}

	var rule schemas.ExtractionRule
	if strings.HasPrefix(field, "!") {
		rule.Required = true
		field = field[1:]
	}
	if strings.HasSuffix(field, "[]") {
		rule.Multiple = true
		field = strings.TrimSuffix(field, "[]")
	}
	if at := strings.LastIndex(selector, "@"); at > 0 {
		rule.Attribute = selector[at+1:]
		selector = strings.TrimSpace(selector[:at])
	}
	if field == "" || selector == "" {
		return schemas.ExtractionRule{}, fmt.Errorf("invalid rule %q: expected field=selector", raw)
	}
	rule.Field = field
	rule.Selector = selector
	return rule, nil
}

// readinessFlags are the page readiness options shared by scrape and submit.
type readinessFlags struct {
	selector    string
	networkIdle bool
	delayMs     int64
	timeoutMs   int64
}

func (r *readinessFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.selector, "wait-for", "", "Wait until this selector is present.")
	cmd.Flags().BoolVar(&r.networkIdle, "network-idle", false, "Wait for the network to go quiet.")
	cmd.Flags().Int64Var(&r.delayMs, "delay-ms", 0, "Fixed delay after load, in milliseconds.")
	cmd.Flags().Int64Var(&r.timeoutMs, "ready-timeout-ms", 0, "Bound on the readiness wait. Zero uses the configured default.")
}

func (r readinessFlags) policy() schemas.ReadinessPolicy {
	return schemas.ReadinessPolicy{
		Selector:    r.selector,
		NetworkIdle: r.networkIdle,
		DelayMs:     r.delayMs,
		TimeoutMs:   r.timeoutMs,
	}
}
