package dropChecker

import "fmt"

type ViolationReason string

const (
	ViolationReason_NeverDeferred     ViolationReason = "never_deferred"
	ViolationReason_DeferredAfterDrop ViolationReason = "deferred_after_drop"
)

type Violation struct {
	MigrationFile string          `json:"migration_file" csv:"migration_file"`
	Revision      string          `json:"revision" csv:"revision"`
	Table         string          `json:"table" csv:"table"`
	Column        string          `json:"column" csv:"column"`
	Line          int             `json:"line" csv:"line"`
	Reason        ViolationReason `json:"reason" csv:"reason"`
}

// Message is the report line for v. Every line starts with the same
// "dropped without prior deferred marking" text; deferred_after_drop adds why.
func (v *Violation) Message() string {
	msg := fmt.Sprintf("%s: column %s.%s dropped without prior deferred marking", v.MigrationFile, v.Table, v.Column)
	if v.Reason == ViolationReason_DeferredAfterDrop {
		msg += " (model still loads it eagerly)"
	}
	return msg
}
