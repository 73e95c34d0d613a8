package mapping

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edfi_sync/internal/domain"
)

func newTestEngine() *Engine {
	return NewEngine(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})))
}

func bidi(local, remote string, t domain.Transform) domain.FieldMapping {
	return domain.FieldMapping{
		ResourceType: "students",
		LocalField:   local,
		RemoteField:  remote,
		Direction:    domain.DirectionBidirectional,
		Transform:    t,
	}
}

func studentMappings() []domain.FieldMapping {
	custom := func(expr string) domain.Transform {
		return domain.Transform{Kind: domain.TransformCustom, Custom: &domain.CustomConfig{Expression: expr}}
	}

	return []domain.FieldMapping{
		bidi("externalId", "id", domain.Transform{Kind: domain.TransformDirect}),
		bidi("studentNumber", "studentUniqueId", custom(`trim() | padStart(8, "0")`)),
		bidi("firstName", "firstName", domain.Transform{Kind: domain.TransformUppercase}),
		bidi("name.last", "lastSurname", domain.Transform{Kind: domain.TransformLowercase}),
		bidi("dateOfBirth", "birthDate", domain.Transform{Kind: domain.TransformDateFormat, DateFormat: &domain.DateFormatConfig{}}),
		bidi("gender", "sexDescriptor", domain.Transform{Kind: domain.TransformLookup, Lookup: &domain.LookupConfig{
			Table: map[string]any{
				"uri://ed-fi.org/SexDescriptor#Female": "F",
				"uri://ed-fi.org/SexDescriptor#Male":   "M",
			},
		}}),
		bidi("address.city", "addresses[0].city", domain.Transform{}),
		bidi("address.postalCode", "addresses[0].postalCode", custom(`padStart(5, "0")`)),
		bidi("remoteModifiedAt", "_lastModifiedDate", domain.Transform{Kind: domain.TransformDateFormat, DateFormat: &domain.DateFormatConfig{Layout: "datetime"}}),
		{
			ResourceType: "students",
			LocalField:   "gradeLevel",
			RemoteField:  "gradeLevelDescriptor",
			Direction:    domain.DirectionInbound,
			DefaultValue: "unknown",
		},
		{
			ResourceType: "students",
			LocalField:   "localOnly",
			RemoteField:  "remoteOnly",
			Direction:    domain.DirectionOutbound,
		},
		{
			ResourceType: "students",
			LocalField:   "middleName",
			RemoteField:  "middleName",
			Direction:    domain.DirectionInbound,
			Required:     true,
		},
		bidi("surnameRaw", "lastSurname", custom(`eval(1)`)),
	}
}

func TestApply_InboundGolden(t *testing.T) {
	remote := domain.Record{
		"id":                "abc123",
		"studentUniqueId":   "  604822 ",
		"firstName":         "jane",
		"lastSurname":       "Doe",
		"birthDate":         "2010-05-04",
		"sexDescriptor":     "uri://ed-fi.org/SexDescriptor#Female",
		"addresses":         []any{map[string]any{"city": "Austin", "postalCode": "787"}},
		"_lastModifiedDate": "2024-03-01T10:15:00Z",
		"remoteOnly":        "ignored inbound",
	}

	local := newTestEngine().Apply(remote, studentMappings(), domain.DirectionInbound)

	out, err := json.MarshalIndent(local, "", "  ")
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "student_inbound", append(out, '\n'))
}

func TestApply_RoundTripLaw(t *testing.T) {
	engine := newTestEngine()
	mappings := []domain.FieldMapping{
		bidi("externalId", "id", domain.Transform{Kind: domain.TransformDirect}),
		bidi("dateOfBirth", "birthDate", domain.Transform{Kind: domain.TransformDateFormat}),
		bidi("enrolledAt", "entryDate", domain.Transform{Kind: domain.TransformDateFormat}),
		bidi("gender", "sexDescriptor", domain.Transform{Kind: domain.TransformLookup, Lookup: &domain.LookupConfig{
			Table: map[string]any{"Female": "F", "Male": "M"},
		}}),
		bidi("address.city", "addresses[0].city", domain.Transform{}),
		bidi("address.lines", "addresses[0].lines", domain.Transform{}),
		bidi("score", "scaleScore", domain.Transform{}),
	}

	local := domain.Record{
		"externalId":  "abc123",
		"dateOfBirth": "2010-05-04",
		"enrolledAt":  "2023-08-21T13:00:00Z",
		"gender":      "F",
		"address":     map[string]any{"city": "Austin", "lines": []any{"1 Main St", "Unit 2"}},
		"score":       float64(87),
	}

	remote := engine.Apply(local, mappings, domain.DirectionOutbound)
	back := engine.Apply(remote, mappings, domain.DirectionInbound)

	assert.Equal(t, "Female", remote["sexDescriptor"])
	assert.Equal(t, local, back)
}

func TestApply_LossyTransformBreaksRoundTrip(t *testing.T) {
	engine := newTestEngine()
	upper := domain.Transform{Kind: domain.TransformUppercase}
	mappings := []domain.FieldMapping{bidi("firstName", "firstName", upper)}

	local := domain.Record{"firstName": "Jane"}
	back := engine.Apply(engine.Apply(local, mappings, domain.DirectionOutbound), mappings, domain.DirectionInbound)

	assert.True(t, upper.Lossy())
	assert.Equal(t, "JANE", back["firstName"])
}

func TestApply_DirectionFilter(t *testing.T) {
	engine := newTestEngine()
	mappings := []domain.FieldMapping{
		{LocalField: "a", RemoteField: "ra", Direction: domain.DirectionInbound},
		{LocalField: "b", RemoteField: "rb", Direction: domain.DirectionOutbound},
		{LocalField: "c", RemoteField: "rc", Direction: domain.DirectionBidirectional},
	}

	inbound := engine.Apply(domain.Record{"ra": 1, "rb": 2, "rc": 3}, mappings, domain.DirectionInbound)
	outbound := engine.Apply(domain.Record{"a": 1, "b": 2, "c": 3}, mappings, domain.DirectionOutbound)

	assert.Equal(t, domain.Record{"a": 1, "c": 3}, inbound)
	assert.Equal(t, domain.Record{"rb": 2, "rc": 3}, outbound)
}

func TestApply_DefaultsAndRequired(t *testing.T) {
	engine := newTestEngine()
	mappings := []domain.FieldMapping{
		{LocalField: "status", RemoteField: "status", Direction: domain.DirectionInbound, DefaultValue: "active",
			Transform: domain.Transform{Kind: domain.TransformUppercase}},
		{LocalField: "email", RemoteField: "email", Direction: domain.DirectionInbound, Required: true},
		{LocalField: "nickname", RemoteField: "nickname", Direction: domain.DirectionInbound},
	}

	out := engine.Apply(domain.Record{"email": nil}, mappings, domain.DirectionInbound)

	assert.Equal(t, domain.Record{"status": "ACTIVE"}, out)
}

func TestApply_TransformFailureKeepsValue(t *testing.T) {
	engine := newTestEngine()
	mappings := []domain.FieldMapping{
		bidi("dateOfBirth", "birthDate", domain.Transform{Kind: domain.TransformDateFormat}),
		bidi("other", "other", domain.Transform{Kind: "no_such_transform"}),
	}

	out := engine.Apply(domain.Record{"birthDate": "sometime in May", "other": 5}, mappings, domain.DirectionInbound)

	assert.Equal(t, "sometime in May", out["dateOfBirth"])
	assert.Equal(t, 5, out["other"])
}

func TestApply_DoesNotAliasSource(t *testing.T) {
	engine := newTestEngine()
	mappings := []domain.FieldMapping{
		bidi("address", "address", domain.Transform{}),
		bidi("address.zip", "zip", domain.Transform{}),
	}
	source := domain.Record{"address": map[string]any{"city": "Austin"}, "zip": "78701"}

	out := engine.Apply(source, mappings, domain.DirectionInbound)

	assert.Equal(t, map[string]any{"city": "Austin", "zip": "78701"}, out["address"])
	assert.Equal(t, map[string]any{"city": "Austin"}, source["address"])
}

func TestApply_BidirectionalPassIsRejected(t *testing.T) {
	out := newTestEngine().Apply(domain.Record{"a": 1}, []domain.FieldMapping{bidi("a", "a", domain.Transform{})}, domain.DirectionBidirectional)
	assert.Empty(t, out)
}

func TestLookup_DefaultAndPassThrough(t *testing.T) {
	withDefault := &domain.LookupConfig{Table: map[string]any{"1": "one"}, Default: "other"}
	without := &domain.LookupConfig{Table: map[string]any{"1": "one"}}

	assert.Equal(t, "one", lookup(withDefault, float64(1), domain.DirectionInbound))
	assert.Equal(t, "other", lookup(withDefault, "2", domain.DirectionInbound))
	assert.Equal(t, "2", lookup(without, "2", domain.DirectionInbound))
	assert.Equal(t, "1", lookup(without, "one", domain.DirectionOutbound))
}

func TestApply_IntegerValuedJSON(t *testing.T) {
	var remote domain.Record
	require.NoError(t, json.Unmarshal([]byte(`{"schoolId":255901001,"code":255901001}`), &remote))

	mappings := []domain.FieldMapping{
		bidi("school", "schoolId", domain.Transform{Kind: domain.TransformLookup, Lookup: &domain.LookupConfig{
			Table: map[string]any{"255901001": "north-high"},
		}}),
		bidi("padded", "code", domain.Transform{Kind: domain.TransformCustom, Custom: &domain.CustomConfig{Expression: `padStart(12, "0")`}}),
	}

	out := newTestEngine().Apply(remote, mappings, domain.DirectionInbound)
	assert.Equal(t, "north-high", out["school"])
	assert.Equal(t, "000255901001", out["padded"])
}

func TestFormatScalar(t *testing.T) {
	assert.Equal(t, "255901001", FormatScalar(float64(255901001)))
	assert.Equal(t, "1.5", FormatScalar(1.5))
	assert.Equal(t, "42", FormatScalar(42))
	assert.Equal(t, "42", FormatScalar(json.Number("42")))
	assert.Equal(t, "true", FormatScalar(true))
	assert.Equal(t, "abc", FormatScalar("abc"))
}

func TestFormatDate(t *testing.T) {
	tests := []struct {
		name   string
		layout string
		in     any
		want   string
	}{
		{"date only stays date", "", "2010-05-04", "2010-05-04"},
		{"us date", "", "05/04/2010", "2010-05-04"},
		{"timestamp to utc", "", "2024-03-01T05:15:00-05:00", "2024-03-01T10:15:00Z"},
		{"naive timestamp", "", "2024-03-01 10:15:00", "2024-03-01T10:15:00Z"},
		{"forced date", "date", "2024-03-01T10:15:00Z", "2024-03-01"},
		{"forced datetime", "datetime", "2010-05-04", "2010-05-04T00:00:00Z"},
		{"go layout", "01/02/2006", "2010-05-04", "05/04/2010"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatDate(&domain.DateFormatConfig{Layout: tt.layout}, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := formatDate(nil, 42)
	assert.Error(t, err)
}
