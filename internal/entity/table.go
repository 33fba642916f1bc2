package entity

import (
	"strings"
	"unicode"
)

// Zone identifies which physical table a row currently lives in.
type Zone int

const (
	// ZoneHot rows live in the {network}_hot_{table} table and are subject
	// to reorg invalidation via the valid-blocks registry.
	ZoneHot Zone = iota
	// ZoneCold rows live in the {network}_cold_{table} table and are
	// considered final; never invalidated.
	ZoneCold
	// ZoneRegular rows live in the {network}_{table} table outside the
	// hot/cold split entirely (non-block-keyed data).
	ZoneRegular
)

func (z Zone) String() string {
	switch z {
	case ZoneHot:
		return "hot"
	case ZoneCold:
		return "cold"
	default:
		return "regular"
	}
}

// Kind names a managed entity type, e.g. "Transfer", "Swap", "BlockHeader".
// Kinds are producer-defined; the core only needs the name to resolve a
// physical table.
type Kind string

// TableDescriptor names the physical tables a Kind maps to, and whether it
// participates in the hot/cold split at all.
type TableDescriptor struct {
	Kind       Kind
	HasHotCold bool
	// HeightColumn/HashColumn name the columns the registry join/filter
	// key off of. Required when HasHotCold is true.
	HeightColumn string
	HashColumn   string
}

// PhysicalName returns the fully qualified table name for the given zone,
// e.g. "eth_hot_transfers", "eth_cold_transfers", "eth_block_headers".
func (d TableDescriptor) PhysicalName(network string, zone Zone) string {
	table := snakePlural(string(d.Kind))
	if !d.HasHotCold || zone == ZoneRegular {
		return network + "_" + table
	}
	return network + "_" + zone.String() + "_" + table
}

// snakePlural converts PascalCase/camelCase to snake_case and appends a
// naive English plural ("y"->"ies", else "+s"), matching the convention
// spec.md §6 uses for its physical table names.
func snakePlural(name string) string {
	snake := toSnakeCase(name)
	if strings.HasSuffix(snake, "y") && len(snake) > 1 {
		prev := rune(snake[len(snake)-2])
		if !isVowel(prev) {
			return snake[:len(snake)-1] + "ies"
		}
	}
	if strings.HasSuffix(snake, "s") {
		return snake
	}
	return snake + "s"
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	default:
		return false
	}
}

func toSnakeCase(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prevLower := unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if prevLower || (nextLower && unicode.IsUpper(runes[i-1])) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SchemaSource is the seam the zone router and migration engine depend on
// to resolve a Kind to its TableDescriptor. The producer-supplied schema
// loader (out of core scope, spec.md §1) implements this; the core never
// parses schema files itself.
type SchemaSource interface {
	Describe(kind Kind) (TableDescriptor, bool)
	// Kinds lists every managed kind, used by the migration engine to
	// iterate all hot/cold tables.
	Kinds() []Kind
}

// StaticSchema is a SchemaSource backed by an in-memory map, the simplest
// possible implementation and the one used by tests and by callers who
// load their schema once at startup rather than watching a file.
type StaticSchema struct {
	descriptors map[Kind]TableDescriptor
	order       []Kind
}

// NewStaticSchema builds a StaticSchema from a descriptor list.
func NewStaticSchema(descriptors []TableDescriptor) *StaticSchema {
	s := &StaticSchema{descriptors: make(map[Kind]TableDescriptor, len(descriptors))}
	for _, d := range descriptors {
		s.descriptors[d.Kind] = d
		s.order = append(s.order, d.Kind)
	}
	return s
}

func (s *StaticSchema) Describe(kind Kind) (TableDescriptor, bool) {
	d, ok := s.descriptors[kind]
	return d, ok
}

func (s *StaticSchema) Kinds() []Kind {
	out := make([]Kind, len(s.order))
	copy(out, s.order)
	return out
}
