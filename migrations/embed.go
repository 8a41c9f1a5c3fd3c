// Package migrations embeds the SQL schema migrations and validates their
// naming, pairing, and sequencing before any state-changing operation. The
// embedded filesystem is the only migration source: the migrator binary and
// the integration test harness both consume it, so a deployed binary can
// never disagree with its schema.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename format: 001_name.up.sql / 001_name.down.sql.
var filenamePattern = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// Info holds the parsed components of one migration filename.
type Info struct {
	Sequence  int
	Name      string
	Direction string
	Filename  string
}

// FS returns the embedded migration filesystem.
func FS() fs.FS {
	return embedded
}

// SourceDriver returns a golang-migrate source driver over the embedded
// migrations, validating them first.
func SourceDriver() (source.Driver, error) {
	if err := Validate(); err != nil {
		return nil, err
	}

	driver, err := iofs.New(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	return driver, nil
}

// List returns the embedded migration filenames that conform to the naming
// standard, lexicographically sorted. Non-conforming files are excluded so a
// stray file cannot silently change the applied schema.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".sql" && filenamePattern.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// MaxVersion returns the highest migration sequence number embedded in this
// binary, 0 when none are embedded.
func MaxVersion() int {
	files, err := List()
	if err != nil {
		return 0
	}

	maxSequence := 0

	for _, name := range files {
		if info, err := Parse(name); err == nil && info.Sequence > maxSequence {
			maxSequence = info.Sequence
		}
	}

	return maxSequence
}

// Parse extracts the sequence, name, and direction from a migration filename.
func Parse(filename string) (*Info, error) {
	matches := filenamePattern.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename %s (expected 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in %s: %w", filename, err)
	}

	return &Info{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

// Validate checks the embedded migrations end to end: at least one file,
// every file readable and well-named, every up paired with a down, and a
// gap-free sequence starting at 001.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, name := range files {
		if _, err := fs.ReadFile(embedded, name); err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
	}

	if err := validatePairing(files); err != nil {
		return err
	}

	return validateSequence(files)
}

func validatePairing(files []string) error {
	directions := make(map[string]map[string]bool)

	for _, name := range files {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", info.Sequence, info.Name)
		if directions[key] == nil {
			directions[key] = make(map[string]bool)
		}

		directions[key][info.Direction] = true
	}

	for key, dirs := range directions {
		if !dirs["up"] {
			return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
		}

		if !dirs["down"] {
			return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
		}
	}

	return nil
}

func validateSequence(files []string) error {
	seen := make(map[int]bool)

	for _, name := range files {
		info, err := Parse(name)
		if err != nil {
			return err
		}

		seen[info.Sequence] = true
	}

	var sequences []int
	for seq := range seen {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	if len(sequences) == 0 {
		return nil
	}

	if sequences[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequences[0])
	}

	for i := 1; i < len(sequences); i++ {
		if sequences[i] != sequences[i-1]+1 {
			return fmt.Errorf(
				"gap in migration sequence: expected %03d, found %03d",
				sequences[i-1]+1,
				sequences[i],
			)
		}
	}

	return nil
}
