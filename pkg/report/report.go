package report

import (
	"fmt"
	"io"

	"github.com/Layr-Labs/deferred-check/internal/config"
	"github.com/Layr-Labs/deferred-check/pkg/dropChecker"
	"github.com/gocarina/gocsv"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

const (
	ExitCode_Ok     = 0
	ExitCode_Failed = 1
)

// ExitCode is non-zero when the commit should be blocked.
func ExitCode(violations []*dropChecker.Violation, err error) int {
	if err != nil || len(violations) > 0 {
		return ExitCode_Failed
	}
	return ExitCode_Ok
}

// Write renders violations in the requested format. Text output prints
// nothing when there are no violations.
func Write(w io.Writer, format config.OutputFormat, violations []*dropChecker.Violation) error {
	if violations == nil {
		violations = []*dropChecker.Violation{}
	}
	switch format {
	case config.OutputFormat_Json:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(violations); err != nil {
			return errors.Wrap(err, "failed to encode violations as json")
		}
		return nil
	case config.OutputFormat_Csv:
		if err := gocsv.Marshal(violations, w); err != nil {
			return errors.Wrap(err, "failed to encode violations as csv")
		}
		return nil
	default:
		for _, v := range violations {
			if _, err := fmt.Fprintln(w, v.Message()); err != nil {
				return err
			}
		}
		return nil
	}
}
