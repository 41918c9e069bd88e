package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kyreport/kyreport/internal/domain"
)

// Input is the request payload a report is generated from. Message is the
// only required field; the rest enrich the prompt context.
type Input struct {
	Message      string   `json:"message"`
	Date         string   `json:"date,omitempty"`
	WorkTypes    []string `json:"work_types,omitempty"`
	Processes    []string `json:"processes,omitempty"`
	Environments []string `json:"environments,omitempty"`
}

// ParseInput decodes and validates a stored input payload
func ParseInput(payload string) (*Input, error) {
	var in Input
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return &in, nil
}

// Validate checks the input can build a prompt
func (in *Input) Validate() error {
	if strings.TrimSpace(in.Message) == "" {
		return fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	return nil
}

// Build assembles the generation prompt: a context block describing the work
// conditions followed by the fixed output-format rules the validator relies on.
func Build(in *Input) string {
	var b strings.Builder

	b.WriteString("# Target work conditions\n")
	b.WriteString("Generate hazard-prediction incident cases for the following site conditions.\n\n")

	if in.Date != "" {
		fmt.Fprintf(&b, "## Work date\n%s\n\n", in.Date)
	}

	fmt.Fprintf(&b, "## Work description\n%s\n\n", strings.TrimSpace(in.Message))

	writeList(&b, "Work types", in.WorkTypes)
	writeList(&b, "Processes and equipment", in.Processes)
	writeList(&b, "Site environment", in.Environments)

	b.WriteString(rules)

	return strings.TrimSpace(b.String())
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

const rules = `## Rules
- Output valid JSON only. No greetings, commentary, or Markdown outside the JSON.
- Produce exactly 3 incident cases.
- Cases based on similar past incidents use "type": "Fact"; predicted cases use "type": "AI".
- Every case carries exactly 3 concrete countermeasures.
- Each description states a concrete on-site action, never an abstract reminder.
- Each assignees array names roles (e.g. "site supervisor", "crane operator"), never individuals.

# JSON structure
Follow this structure exactly; do not add, remove, or rename keys.

[
  {
    "caseNo": 1,
    "caseTitle": "short incident title",
    "type": "Fact",
    "overview": "concrete description of the incident situation",
    "countermeasures": [
      {
        "id": 1,
        "title": "countermeasure title",
        "description": "concrete procedure",
        "assignees": ["role"]
      }
    ]
  }
]`
