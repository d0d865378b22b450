package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInputCanonical_FoldsDiacritics(t *testing.T) {
	in := Input{
		ProspectID: "p-1",
		FullName:   "José García-Märquez",
		City:       "São Paulo",
		Focus:      FocusWealth,
	}

	got := in.Canonical()
	assert.Equal(t, "Jose Garcia-Marquez", got.FullName)
	assert.Equal(t, "Sao Paulo", got.City)
}

func TestInputCanonical_CollapsesWhitespace(t *testing.T) {
	in := Input{
		FullName: "  Jane \t Donor  ",
		Employer: "Acme   Corp",
		Title:    " CFO ",
	}

	got := in.Canonical()
	assert.Equal(t, "Jane Donor", got.FullName)
	assert.Equal(t, "Acme Corp", got.Employer)
	assert.Equal(t, "CFO", got.Title)
}

func TestInputCanonical_UppercasesState(t *testing.T) {
	got := Input{State: " tx "}.Canonical()
	assert.Equal(t, "TX", got.State)
}

func TestInputCanonical_FocusAndContextPassThrough(t *testing.T) {
	in := Input{Focus: FocusBiography, Context: "## wealth_screen\nraw findings"}
	got := in.Canonical()
	assert.Equal(t, in.Focus, got.Focus)
	assert.Equal(t, in.Context, got.Context)
}

func TestInputSubject(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want string
	}{
		{
			name: "full identity",
			in:   Input{FullName: "Jane Smith", Title: "CFO", Employer: "Acme Corp", City: "Austin", State: "TX"},
			want: "Jane Smith, CFO at Acme Corp, Austin, TX",
		},
		{
			name: "title only",
			in:   Input{FullName: "Jane Smith", Title: "Philanthropist"},
			want: "Jane Smith, Philanthropist",
		},
		{
			name: "employer only",
			in:   Input{FullName: "Jane Smith", Employer: "Acme Corp"},
			want: "Jane Smith, Acme Corp",
		},
		{
			name: "name only",
			in:   Input{FullName: "Jane Smith"},
			want: "Jane Smith",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Subject())
		})
	}
}

func TestPromptFor(t *testing.T) {
	in := Input{FullName: "Jane Smith", City: "Austin", State: "TX"}

	in.Focus = FocusWealth
	wealth := promptFor(in)
	assert.Contains(t, wealth, "Jane Smith, Austin, TX")
	assert.Contains(t, wealth, "wealth indicators")
	assert.Contains(t, wealth, "SEC insider filings")

	in.Focus = FocusPhilanthropy
	phil := promptFor(in)
	assert.Contains(t, phil, "philanthropic history")

	in.Focus = FocusBiography
	in.Context = "## wealth_screen\nEstimated net worth $10M."
	bio := promptFor(in)
	assert.Contains(t, bio, "biographical profile")
	assert.Contains(t, bio, "Findings from earlier research")
	assert.Contains(t, bio, "Estimated net worth $10M.")

	in.Focus = "unknown"
	in.Context = ""
	assert.Contains(t, promptFor(in), "Research the background of Jane Smith")
}
