package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestListReturnsConformingFilesSorted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}

	for i, name := range files {
		if !filenamePattern.MatchString(name) {
			t.Errorf("non-conforming filename in List(): %s", name)
		}

		if i > 0 && files[i-1] >= name {
			t.Errorf("List() not sorted: %s before %s", files[i-1], name)
		}
	}
}

func TestValidateEmbeddedSet(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if err := Validate(); err != nil {
		t.Errorf("embedded migrations should validate: %v", err)
	}
}

func TestEveryUpHasMatchingDown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	for _, name := range files {
		if !strings.Contains(name, ".up.") {
			continue
		}

		down := strings.Replace(name, ".up.", ".down.", 1)
		if _, err := fs.ReadFile(FS(), down); err != nil {
			t.Errorf("missing down migration %s for %s", down, name)
		}
	}
}

func TestParse(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name          string
		filename      string
		wantSequence  int
		wantName      string
		wantDirection string
		wantErr       bool
	}{
		{
			name:          "valid up migration",
			filename:      "001_create_events.up.sql",
			wantSequence:  1,
			wantName:      "create_events",
			wantDirection: "up",
		},
		{
			name:          "valid down migration",
			filename:      "042_add_index.down.sql",
			wantSequence:  42,
			wantName:      "add_index",
			wantDirection: "down",
		},
		{
			name:     "two-digit sequence rejected",
			filename: "01_create_events.up.sql",
			wantErr:  true,
		},
		{
			name:     "missing direction rejected",
			filename: "001_create_events.sql",
			wantErr:  true,
		},
		{
			name:     "hyphenated name rejected",
			filename: "001_create-events.up.sql",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Parse(tt.filename)

			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%s) should fail", tt.filename)
				}

				return
			}

			if err != nil {
				t.Fatalf("Parse(%s) error: %v", tt.filename, err)
			}

			if info.Sequence != tt.wantSequence || info.Name != tt.wantName || info.Direction != tt.wantDirection {
				t.Errorf("Parse(%s) = %+v, want seq=%d name=%s dir=%s",
					tt.filename, info, tt.wantSequence, tt.wantName, tt.wantDirection)
			}
		})
	}
}

func TestMaxVersionMatchesEmbeddedFiles(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	files, err := List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	want := 0

	for _, name := range files {
		info, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%s) error: %v", name, err)
		}

		if info.Sequence > want {
			want = info.Sequence
		}
	}

	if got := MaxVersion(); got != want {
		t.Errorf("MaxVersion() = %d, want %d", got, want)
	}
}

func TestSourceDriver(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	driver, err := SourceDriver()
	if err != nil {
		t.Fatalf("SourceDriver() error: %v", err)
	}

	version, err := driver.First()
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}

	if version != 1 {
		t.Errorf("first migration version = %d, want 1", version)
	}
}

func TestValidateSequenceRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{
			name:  "gap-free sequence passes",
			files: []string{"001_a.up.sql", "001_a.down.sql", "002_b.up.sql", "002_b.down.sql"},
		},
		{
			name:    "sequence must start at 001",
			files:   []string{"002_b.up.sql", "002_b.down.sql"},
			wantErr: "should start with 001",
		},
		{
			name:    "gaps rejected",
			files:   []string{"001_a.up.sql", "001_a.down.sql", "003_c.up.sql", "003_c.down.sql"},
			wantErr: "gap in migration sequence",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSequence(tt.files)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateSequence() error: %v", err)
				}

				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateSequence() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePairingRules(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		files   []string
		wantErr string
	}{
		{
			name:  "paired migrations pass",
			files: []string{"001_a.up.sql", "001_a.down.sql"},
		},
		{
			name:    "orphaned up rejected",
			files:   []string{"001_a.up.sql"},
			wantErr: "missing down migration",
		},
		{
			name:    "orphaned down rejected",
			files:   []string{"001_a.down.sql"},
			wantErr: "missing up migration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePairing(tt.files)

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validatePairing() error: %v", err)
				}

				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validatePairing() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
