package normalize

import (
	"sync"
	"testing"

	"bankdw/internal/warehouse"
)

func TestTitleCase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "jane doe", "Jane Doe"},
		{"shouting", "JANE DOE", "Jane Doe"},
		{"mixed", "jAnE dOe", "Jane Doe"},
		{"edge space", "  jane doe  ", "Jane Doe"},
		{"internal runs", "jane \t  doe", "Jane Doe"},
		{"empty", "", ""},
		{"all blank", " \t ", ""},
		{"single token", "jane", "Jane"},
		{"address", "12 high STREET, flat 4", "12 High Street, Flat 4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TitleCase(tt.in); got != tt.want {
				t.Fatalf("TitleCase(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTitleCaseConcurrent(t *testing.T) {
	t.Parallel()

	// Record runs on a worker pool, so TitleCase must hold no shared
	// transform state across goroutines.
	inputs := []string{"jane doe", "JOHN Q PUBLIC", "12 high street, flat 4", "ümlaut straße"}
	want := make([]string, len(inputs))
	for i, in := range inputs {
		want[i] = TitleCase(in)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				in := inputs[i%len(inputs)]
				if got := TitleCase(in); got != want[i%len(inputs)] {
					t.Errorf("TitleCase(%q) = %q, want %q", in, got, want[i%len(inputs)])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want warehouse.Tier
	}{
		{"basic", warehouse.TierBasic},
		{"BAS", warehouse.TierBasic},
		{"b", warehouse.TierBasic},
		{"standard", warehouse.TierStandard},
		{"STD", warehouse.TierStandard},
		{"Preferred", warehouse.TierPreferred},
		{"pref", warehouse.TierPreferred},
		{"PREM", warehouse.TierPremium},
		{"premium", warehouse.TierPremium},
		{" premium ", warehouse.TierPremium},
		// Unrecognized codes fall back to Standard.
		{"gold", warehouse.TierStandard},
		{"", warehouse.TierStandard},
		{"???", warehouse.TierStandard},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Tier(tt.in); got != tt.want {
				t.Fatalf("Tier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRecord(t *testing.T) {
	t.Parallel()

	rec := warehouse.StagingRecord{
		BusinessKey: " ACCT0001 ",
		Name:        "  jane   doe ",
		Address:     "12 high street",
		Tier:        "prem",
	}
	got, ok := Record(rec)
	if !ok {
		t.Fatalf("expected well-formed record")
	}
	if got.BusinessKey != "ACCT0001" {
		t.Errorf("BusinessKey = %q", got.BusinessKey)
	}
	if got.Name != "Jane Doe" {
		t.Errorf("Name = %q", got.Name)
	}
	if got.Address != "12 High Street" {
		t.Errorf("Address = %q", got.Address)
	}
	if got.Tier != warehouse.TierPremium {
		t.Errorf("Tier = %q", got.Tier)
	}
}

func TestRecord_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  warehouse.StagingRecord
	}{
		{"missing key", warehouse.StagingRecord{Name: "Jane Doe"}},
		{"blank key", warehouse.StagingRecord{BusinessKey: "  ", Name: "Jane Doe"}},
		{"missing name", warehouse.StagingRecord{BusinessKey: "ACCT0001"}},
		{"blank name", warehouse.StagingRecord{BusinessKey: "ACCT0001", Name: " \t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Record(tt.rec); ok {
				t.Fatalf("expected malformed record")
			}
		})
	}
}
