package report

import (
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Countermeasure is one concrete action attached to an incident case
type Countermeasure struct {
	ID          int      `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Assignees   []string `json:"assignees"`
}

// Case is one incident case in a generated safety report
type Case struct {
	CaseNo          int              `json:"caseNo"`
	CaseTitle       string           `json:"caseTitle"`
	Type            string           `json:"type"` // "Fact" or "AI"
	Overview        string           `json:"overview"`
	Countermeasures []Countermeasure `json:"countermeasures"`
}

// Report is validated generated content: the decoded cases plus the
// fence-stripped JSON text that gets stored as the job result.
type Report struct {
	Cases []Case
	JSON  string
}

const schemaJSON = `{
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["caseNo", "caseTitle", "type", "overview", "countermeasures"],
    "properties": {
      "caseNo": {"type": "integer"},
      "caseTitle": {"type": "string"},
      "type": {"enum": ["Fact", "AI"]},
      "overview": {"type": "string"},
      "countermeasures": {
        "type": "array",
        "minItems": 1,
        "items": {
          "type": "object",
          "required": ["id", "title", "description", "assignees"],
          "properties": {
            "id": {"type": "integer"},
            "title": {"type": "string"},
            "description": {"type": "string"},
            "assignees": {
              "type": "array",
              "items": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

var schema = jsonschema.MustCompileString("report.json", schemaJSON)

// StripFence removes one wrapping fenced code block (with an optional
// language tag) around the text, if present. Leading/trailing whitespace is
// trimmed either way, so stripping is idempotent.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}

	body := s[nl+1:]
	body = strings.TrimRight(body, " \t\n\r")
	if !strings.HasSuffix(body, "```") {
		return s
	}

	body = body[:len(body)-3]
	return strings.TrimSpace(body)
}

// Validate checks raw generated text against the report schema.
// It never fails with an error: malformed JSON, a wrong root shape, a missing
// field, an empty sequence, or a classification outside {"Fact","AI"} all
// yield ok == false.
func Validate(raw string) (*Report, bool) {
	stripped := StripFence(raw)

	var doc interface{}
	if err := json.Unmarshal([]byte(stripped), &doc); err != nil {
		return nil, false
	}

	if err := schema.Validate(doc); err != nil {
		return nil, false
	}

	var cases []Case
	if err := json.Unmarshal([]byte(stripped), &cases); err != nil {
		return nil, false
	}

	return &Report{Cases: cases, JSON: stripped}, true
}
