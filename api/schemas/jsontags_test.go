package schemas_test

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/probe/api/schemas"
)

// TestStructJSONTags verifies the json tags of the report types. JSON reports
// are read by other tools, so renaming a field is a breaking change.
func TestStructJSONTags(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name         string
		structRef    interface{}
		expectedTags map[string]string
	}{
		{
			name:      "RunReport",
			structRef: schemas.RunReport{},
			expectedTags: map[string]string{
				"RunID":      "run_id",
				"Suite":      "suite",
				"Test":       "test",
				"Status":     "status",
				"FailedStep": "failed_step",
				"Message":    "message,omitempty",
				"Results":    "results",
				"StartedAt":  "started_at",
				"FinishedAt": "finished_at",
				"Artifacts":  "artifacts,omitempty",
				"Requests":   "requests,omitempty",
			},
		},
		{
			name:      "Result",
			structRef: schemas.Result{},
			expectedTags: map[string]string{
				"StepIndex":  "step_index",
				"Name":       "name",
				"Kind":       "kind",
				"Outcome":    "outcome",
				"Diagnostic": "diagnostic,omitempty",
				"ErrorKind":  "error_kind,omitempty",
				"StartedAt":  "started_at",
				"Duration":   "duration_ns",
				"Err":        "-",
			},
		},
		{
			name:      "RequestRecord",
			structRef: schemas.RequestRecord{},
			expectedTags: map[string]string{
				"Method":    "method",
				"URL":       "url",
				"Status":    "status",
				"Bytes":     "bytes",
				"Duration":  "duration_ns",
				"Error":     "error,omitempty",
				"StartedAt": "started_at",
			},
		},
		{
			name:      "Artifact",
			structRef: schemas.Artifact{},
			expectedTags: map[string]string{
				"Kind": "kind",
				"Path": "path",
				"Size": "size",
			},
		},
	}

	for _, tc := range testCases {
		tt := tc
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			structType := reflect.TypeOf(tt.structRef)
			actualTags := make(map[string]string)
			for i := 0; i < structType.NumField(); i++ {
				field := structType.Field(i)
				if jsonTag := field.Tag.Get("json"); jsonTag != "" {
					actualTags[field.Name] = jsonTag
				}
			}
			assert.Equal(t, tt.expectedTags, actualTags, "JSON tags for struct %s do not match expectations", tt.name)
		})
	}
}
