package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReportJSON = `[
  {
    "caseNo": 1,
    "caseTitle": "Fall from scaffolding",
    "type": "Fact",
    "overview": "A worker lost footing on an unsecured plank.",
    "countermeasures": [
      {
        "id": 1,
        "title": "Secure planks",
        "description": "Fix all planks with clamps before work starts",
        "assignees": ["site supervisor"]
      }
    ]
  },
  {
    "caseNo": 2,
    "caseTitle": "Crane contact with power line",
    "type": "AI",
    "overview": "Boom swings into an overhead line during lifting.",
    "countermeasures": [
      {
        "id": 1,
        "title": "Mark exclusion zone",
        "description": "Rope off the area under the line and post a spotter",
        "assignees": ["crane operator", "spotter"]
      }
    ]
  }
]`

func TestStripFence(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "no fence",
			raw:  `[{"a":1}]`,
			want: `[{"a":1}]`,
		},
		{
			name: "fence without language tag",
			raw:  "```\n[1,2]\n```",
			want: "[1,2]",
		},
		{
			name: "fence with language tag",
			raw:  "```json\n[1,2]\n```",
			want: "[1,2]",
		},
		{
			name: "surrounding whitespace",
			raw:  "  \n```json\n[1,2]\n```  \n",
			want: "[1,2]",
		},
		{
			name: "unterminated fence left alone",
			raw:  "```json\n[1,2]",
			want: "```json\n[1,2]",
		},
		{
			name: "empty input",
			raw:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFence(tt.raw))
		})
	}
}

func TestStripFence_Idempotent(t *testing.T) {
	raw := "```json\n" + validReportJSON + "\n```"
	once := StripFence(raw)
	twice := StripFence(once)
	assert.Equal(t, once, twice)
}

func TestValidate_ValidReport(t *testing.T) {
	t.Run("bare json", func(t *testing.T) {
		rep, ok := Validate(validReportJSON)
		require.True(t, ok)
		require.NotNil(t, rep)
		require.Len(t, rep.Cases, 2)
		assert.Equal(t, 1, rep.Cases[0].CaseNo)
		assert.Equal(t, "Fact", rep.Cases[0].Type)
		assert.Equal(t, "AI", rep.Cases[1].Type)
		assert.Len(t, rep.Cases[0].Countermeasures, 1)
		assert.Equal(t, []string{"site supervisor"}, rep.Cases[0].Countermeasures[0].Assignees)
	})

	t.Run("fenced json stores stripped text", func(t *testing.T) {
		rep, ok := Validate("```json\n" + validReportJSON + "\n```")
		require.True(t, ok)
		assert.Equal(t, validReportJSON, rep.JSON)
	})
}

func TestValidate_InvalidContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "not json",
			raw:  "Here are your incident cases: scaffolding, crane.",
		},
		{
			name: "json object instead of array",
			raw:  `{"caseNo": 1}`,
		},
		{
			name: "empty array",
			raw:  `[]`,
		},
		{
			name: "missing overview",
			raw: `[{"caseNo":1,"caseTitle":"t","type":"Fact","countermeasures":[
				{"id":1,"title":"t","description":"d","assignees":["role"]}]}]`,
		},
		{
			name: "unknown type classification",
			raw: `[{"caseNo":1,"caseTitle":"t","type":"Guess","overview":"o","countermeasures":[
				{"id":1,"title":"t","description":"d","assignees":["role"]}]}]`,
		},
		{
			name: "empty countermeasures",
			raw:  `[{"caseNo":1,"caseTitle":"t","type":"Fact","overview":"o","countermeasures":[]}]`,
		},
		{
			name: "countermeasure missing assignees",
			raw: `[{"caseNo":1,"caseTitle":"t","type":"Fact","overview":"o","countermeasures":[
				{"id":1,"title":"t","description":"d"}]}]`,
		},
		{
			name: "caseNo as string",
			raw: `[{"caseNo":"1","caseTitle":"t","type":"Fact","overview":"o","countermeasures":[
				{"id":1,"title":"t","description":"d","assignees":["role"]}]}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, ok := Validate(tt.raw)
			assert.False(t, ok)
			assert.Nil(t, rep)
		})
	}
}
