package cmd

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// taskError turns a failed result into the command's error so the process
// exits non-zero.
func taskError(res schemas.Result) error {
	if res.Success {
		return nil
	}
	if res.Failure == nil {
		return fmt.Errorf("task %s failed", res.TaskID)
	}
	return fmt.Errorf("task %s failed after %d attempt(s): %w", res.TaskID, len(res.Attempts), res.Failure)
}
