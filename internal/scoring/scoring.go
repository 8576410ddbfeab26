package scoring

import "fmt"

type Category string

const (
	CategoryRoad  Category = "Road"
	CategoryDirt  Category = "Dirt"
	CategoryBonus Category = "Bonus"
)

// Categories lists the known categories in display order.
var Categories = []Category{CategoryRoad, CategoryDirt, CategoryBonus}

func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

type Segment struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Points      int      `json:"points" yaml:"points"`
	Category    Category `json:"category" yaml:"category"`
	Description string   `json:"description,omitempty" yaml:"description"`
}

// Catalog is the static, ordered list of scoring segments.
type Catalog []Segment

func (c Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for i, s := range c {
		if s.ID == "" {
			return fmt.Errorf("segment %d: id required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("segment %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
		if s.Name == "" {
			return fmt.Errorf("segment %s: name required", s.ID)
		}
		if s.Points < 0 {
			return fmt.Errorf("segment %s: negative points %d", s.ID, s.Points)
		}
		if !s.Category.Valid() {
			return fmt.Errorf("segment %s: unknown category %q", s.ID, s.Category)
		}
	}
	return nil
}

func (c Catalog) Contains(id string) bool {
	for _, s := range c {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Filter returns the catalog ids present in ids, in catalog order.
// Unknown ids and duplicates are dropped.
func (c Catalog) Filter(ids []string) []string {
	set := toSet(ids)
	out := make([]string, 0, len(set))
	for _, s := range c {
		if _, ok := set[s.ID]; ok {
			out = append(out, s.ID)
		}
	}
	return out
}

// SegmentStatus is a catalog segment with the rider's completion flag.
type SegmentStatus struct {
	Segment
	Completed bool `json:"completed"`
}

// Statuses pairs every catalog segment with whether completed contains it.
func (c Catalog) Statuses(completed []string) []SegmentStatus {
	set := toSet(completed)
	out := make([]SegmentStatus, 0, len(c))
	for _, s := range c {
		_, done := set[s.ID]
		out = append(out, SegmentStatus{Segment: s, Completed: done})
	}
	return out
}

// ByCategory returns the segments of one category in catalog order.
func (c Catalog) ByCategory(category Category) Catalog {
	var out Catalog
	for _, s := range c {
		if s.Category == category {
			out = append(out, s)
		}
	}
	return out
}

func (c Catalog) MaxPoints() int {
	total := 0
	for _, s := range c {
		total += s.Points
	}
	return total
}

// Score sums the points of every catalog segment whose id appears in
// completed. Each segment counts once no matter how often it is listed.
func Score(completed []string, catalog Catalog) int {
	set := toSet(completed)
	total := 0
	for _, s := range catalog {
		if _, ok := set[s.ID]; ok {
			total += s.Points
		}
	}
	return total
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
