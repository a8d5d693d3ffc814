// ABOUTME: Request bodies accepted by the HTTP API and their validation
// ABOUTME: Decodes JSON strictly enough to report field errors as validation errors

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/consult-gateway/internal/checkpoint"
	"github.com/2389/consult-gateway/internal/errs"
	"github.com/2389/consult-gateway/internal/preflight"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// StreamRequest is the body of POST /stream. Fields it does not name are
// forwarded to the engine untouched.
type StreamRequest struct {
	Mode      int             `json:"mode" validate:"required"`
	Message   string          `json:"message" validate:"required_without=Goal"`
	Goal      string          `json:"goal"`
	ExpertID  string          `json:"expert_id,omitempty"`
	SessionID string          `json:"session_id,omitempty" validate:"omitempty,max=128"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// PreflightRequest is the body of POST /preflight.
type PreflightRequest struct {
	MissionID string          `json:"mission_id,omitempty"`
	Mode      int             `json:"mode,omitempty"`
	Goal      string          `json:"goal" validate:"required"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// RespondRequest is the body of POST /checkpoint/{id}.
type RespondRequest struct {
	Action        string          `json:"action" validate:"required,oneof=approve reject modify"`
	Option        string          `json:"option,omitempty"`
	Reason        string          `json:"reason,omitempty" validate:"max=2000"`
	Modifications json.RawMessage `json:"modifications,omitempty"`
	Abort         bool            `json:"abort,omitempty"`
}

// Payload converts the request into the controller's payload.
func (r RespondRequest) Payload() checkpoint.Payload {
	return checkpoint.Payload{
		Option:        r.Option,
		Reason:        r.Reason,
		Modifications: r.Modifications,
		Abort:         r.Abort,
	}
}

// CreateDraftRequest is the body of POST /drafts.
type CreateDraftRequest struct {
	Name       string          `json:"name"`
	Config     map[string]any  `json:"config"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// UpdateDraftRequest is the body of PUT /drafts/{id}. Absent fields are left alone.
type UpdateDraftRequest struct {
	Name       *string         `json:"name,omitempty"`
	Config     map[string]any  `json:"config,omitempty"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
}

// readBody reads a bounded request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errs.Validation("body_too_large", "request body too large")
		}
		return nil, errs.Validation("invalid_body", "could not read request body")
	}
	return data, nil
}

// decodeJSON unmarshals data into dst, reporting malformed JSON as a validation error.
func decodeJSON(data []byte, dst any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return errs.Validation("invalid_json", "request body is empty")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errs.Validation("invalid_json", "invalid JSON body: "+err.Error())
	}
	return nil
}

// check runs struct validation and reports the first failing field.
func (g *Gateway) check(v any) error {
	err := g.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return errs.Validation("invalid_request", err.Error())
	}
	fe := fieldErrs[0]
	field := jsonFieldName(fe)
	return errs.Validation("invalid_field", fmt.Sprintf("%s failed %q validation", field, fe.Tag())).
		WithDetail("field", field)
}

// jsonFieldName lowercases the struct field to match the JSON body.
func jsonFieldName(fe validator.FieldError) string {
	switch fe.Field() {
	case "ExpertID":
		return "expert_id"
	case "SessionID":
		return "session_id"
	case "MissionID":
		return "mission_id"
	default:
		return strings.ToLower(fe.Field())
	}
}

// knownOptions are lifted into preflight.Options; others ride in Extra.
var knownOptions = []string{"budget_limit", "tools", "agents", "data_sources"}

// parseOptions decodes the options object.
func parseOptions(raw json.RawMessage) (preflight.Options, error) {
	var opts preflight.Options
	if len(raw) == 0 || string(raw) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, errs.Validation("invalid_options", "options: "+err.Error())
	}
	if opts.BudgetLimit < 0 {
		return opts, errs.Validation("invalid_options", "options.budget_limit must not be negative")
	}

	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return opts, errs.Validation("invalid_options", "options must be an object")
	}
	extra := maps.Clone(all)
	for _, k := range knownOptions {
		delete(extra, k)
	}
	if len(extra) > 0 {
		opts.Extra = extra
	}
	return opts, nil
}
